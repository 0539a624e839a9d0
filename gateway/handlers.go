package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arloliu/go-bhs/events"
	"github.com/arloliu/go-bhs/repository"
	"github.com/arloliu/go-bhs/tabledownload"
	"github.com/arloliu/go-bhs/telegram"
)

const (
	// defaultDestination is sent in ITEM when no tag of a scan has an allocation.
	defaultDestination uint16 = 1

	// validBarcodeMinLevel is the minimum screening level sent in VALID BARCODE.
	validBarcodeMinLevel uint8 = 22

	handlerTimeout = 5 * time.Second
)

func (w *Worker) registerHandlers() {
	w.conn.AddTelegramHandler(telegram.TypeScannerResult, w.handleScannerResult)
	w.conn.AddTelegramHandler(telegram.TypeItemInfoRequest, w.handleItemInfoRequest)
	w.conn.AddTelegramHandler(telegram.TypeScreeningResult, w.handleScreeningResult)
	w.conn.AddTelegramHandler(telegram.TypeKeySwitch, w.handleKeySwitch)
	w.conn.AddTelegramHandler(telegram.TypeAirlineTableComplete, w.handleTableComplete)
	w.conn.AddTelegramHandler(telegram.TypeFallbackTableComplete, w.handleTableComplete)
	w.conn.SetDefaultHandler(w.handleItemEvent)
}

// handleScannerResult records the scan, confirms the read codes and routes the item.
func (w *Worker) handleScannerResult(hdr telegram.ChannelHeader, tg telegram.Telegram) error {
	sr, ok := tg.(*telegram.ScannerResult)
	if !ok {
		return fmt.Errorf("unexpected telegram %T", tg)
	}

	ctx, cancel := context.WithTimeout(w.ctx, handlerTimeout)
	defer cancel()

	barcodes := sr.Barcodes()
	codes := make([]string, 0, len(barcodes))
	for _, bc := range barcodes {
		codes = append(codes, bc.Code)
	}

	w.logger.Info("scanner result",
		"seq", hdr.Seq, "gid", sr.GlobalID, "plc_index", sr.PLCIndex,
		"scanner", sr.ScannerName(), "status", sr.Status, "barcodes", strings.Join(codes, ","))

	rec := repository.ScanRecord{
		Channel:        w.name,
		LengthWords:    sr.LengthWords(),
		SubsystemID:    sr.SubsystemID,
		Component:      sr.Component,
		GlobalID:       sr.GlobalID,
		PLCIndex:       sr.PLCIndex,
		ScannerNumber:  sr.ScannerNumber,
		ScannerName:    sr.ScannerName(),
		Version:        versionNumber(sr.ProtocolVersion),
		Status:         sr.Status,
		ResponseLength: len(sr.Response),
		Barcodes:       codes,
		Response:       string(sr.Response),
		Time:           time.Now().UTC(),
	}
	if err := w.repo.RecordScan(ctx, rec); err != nil {
		w.logger.Error("failed to record scan", "gid", sr.GlobalID, "error", err)
	}

	w.publish(ctx, hdr, tg, map[string]any{
		"scanner":  sr.ScannerName(),
		"status":   sr.Status,
		"barcodes": codes,
	})

	var iata [3]string
	for i := 0; i < len(codes) && i < len(iata); i++ {
		iata[i] = codes[i]
	}

	matched := ""
	matchCount := 0
	for _, code := range iata {
		if code == "" {
			continue
		}

		exists, err := w.repo.ExistsInRoutingTable(ctx, code)
		if err != nil {
			return fmt.Errorf("routing lookup of %s: %w", code, err)
		}
		if exists {
			matchCount++
			if matched == "" {
				matched = code
			}
		}
	}
	w.logger.Info("barcodes matched in routing table", "gid", sr.GlobalID, "matched", matchCount)

	vb := &telegram.ValidBarcode{
		ItemRef:           sr.ItemRef,
		IATA:              iata,
		CustomsRequired:   false,
		MinScreeningLevel: validBarcodeMinLevel,
	}
	if _, err := w.link.SendTelegram(ctx, vb); err != nil {
		return fmt.Errorf("send valid barcode: %w", err)
	}

	dest := defaultDestination
	if matched != "" {
		d, found, err := w.repo.LookupDestination(ctx, matched)
		switch {
		case err != nil:
			return fmt.Errorf("destination lookup of %s: %w", matched, err)
		case found:
			dest = d
		default:
			w.logger.Warn("no destination allocated", "iata", matched)
		}
	}

	item := &telegram.Item{ItemRef: sr.ItemRef, Destination: dest}
	if _, err := w.link.SendTelegram(ctx, item); err != nil {
		return fmt.Errorf("send item destination: %w", err)
	}
	w.logger.Info("item routed", "gid", sr.GlobalID, "iata", matched, "destination", dest)

	return nil
}

// handleItemInfoRequest answers with the stored decisions for the bag, echoing the request header.
func (w *Worker) handleItemInfoRequest(hdr telegram.ChannelHeader, tg telegram.Telegram) error {
	req, ok := tg.(*telegram.ItemInfoRequest)
	if !ok {
		return fmt.Errorf("unexpected telegram %T", tg)
	}

	ctx, cancel := context.WithTimeout(w.ctx, handlerTimeout)
	defer cancel()

	info, err := w.repo.ItemInfo(ctx, req.IATA)
	if err != nil {
		w.logger.Warn("item info lookup failed, send defaults", "iata", req.IATA, "error", err)
		info = repository.DefaultItemInfo
	}

	reply := &telegram.ItemInfo{
		SubsystemID:       req.SubsystemID,
		PLCIndex:          req.PLCIndex,
		IATA:              req.IATA,
		ScreeningLevel:    info.ScreeningLevel,
		ScreeningResult:   info.ScreeningResult,
		CustomsResult:     info.CustomsResult,
		MinScreeningLevel: info.MinScreeningLevel,
		CustomsRequired:   info.CustomsRequired,
		EBSStatus:         info.EBSStatus,
	}
	if err := w.link.Reply(hdr, reply); err != nil {
		return fmt.Errorf("reply item info: %w", err)
	}

	w.logger.Info("item info sent", "seq", hdr.Seq, "iata", req.IATA, "plc_index", req.PLCIndex)

	return nil
}

func (w *Worker) handleScreeningResult(hdr telegram.ChannelHeader, tg telegram.Telegram) error {
	sr, ok := tg.(*telegram.ScreeningResult)
	if !ok {
		return fmt.Errorf("unexpected telegram %T", tg)
	}

	args := []any{
		"seq", hdr.Seq, "gid", sr.GlobalID, "iata", sr.IATA,
		"level", telegram.LevelName(sr.Level), "result", telegram.ResultName(sr.Result),
		"good_track", sr.GoodTrack(),
	}
	w.logger.Info("screening result", args...)

	conds := sr.Conditions()
	names := make([]string, 0, len(conds))
	for _, c := range conds {
		names = append(names, c.String())
		w.logger.Warn("screening condition", "gid", sr.GlobalID, "iata", sr.IATA, "condition", c.String())
	}
	if sr.NoRead() {
		w.logger.Warn("screening without tag read", "gid", sr.GlobalID)
	}
	if sr.MultiLabel() {
		w.logger.Warn("screening with multiple tags", "gid", sr.GlobalID)
	}

	ctx, cancel := context.WithTimeout(w.ctx, handlerTimeout)
	defer cancel()

	w.publish(ctx, hdr, tg, map[string]any{
		"iata":       sr.IATA,
		"level":      sr.Level,
		"result":     sr.Result,
		"goodTrack":  sr.GoodTrack(),
		"conditions": names,
	})

	return nil
}

func (w *Worker) handleKeySwitch(hdr telegram.ChannelHeader, tg telegram.Telegram) error {
	ks, ok := tg.(*telegram.KeySwitch)
	if !ok {
		return fmt.Errorf("unexpected telegram %T", tg)
	}

	status := "OFF"
	if ks.KeyStatus == telegram.KeyOn {
		status = "ON"
	}
	w.logger.Info("key switch", "seq", hdr.Seq, "location", ks.LocationName(), "status", status)

	ctx, cancel := context.WithTimeout(w.ctx, handlerTimeout)
	defer cancel()

	w.publish(ctx, hdr, tg, map[string]any{"location": ks.LocationName(), "status": status})

	return nil
}

func (w *Worker) handleTableComplete(hdr telegram.ChannelHeader, tg telegram.Telegram) error {
	tc, ok := tg.(*telegram.TableComplete)
	if !ok {
		return fmt.Errorf("unexpected telegram %T", tg)
	}

	kind, ok := tabledownload.KindOfComplete(tc.Code)
	if !ok {
		return fmt.Errorf("unexpected table complete type %s", tc.Code)
	}

	w.logger.Info("table complete", "seq", hdr.Seq, "kind", kind, "status", tc.Status, "count", tc.EntryCount)

	return w.downloader.HandleComplete(w.ctx, kind, tc.Status, tc.EntryCount)
}

// handleItemEvent logs and publishes the item tracking telegrams.
func (w *Worker) handleItemEvent(hdr telegram.ChannelHeader, tg telegram.Telegram) error {
	fields := itemFields(tg)
	if fields == nil {
		w.logger.Info("telegram received", "type", tg.Type(), "seq", hdr.Seq)
		return nil
	}

	args := []any{"seq", hdr.Seq}
	for k, v := range fields {
		args = append(args, k, v)
	}
	w.logger.Info(strings.ToLower(tg.Type().String()), args...)

	ctx, cancel := context.WithTimeout(w.ctx, handlerTimeout)
	defer cancel()

	w.publish(ctx, hdr, tg, fields)

	return nil
}

func itemFields(tg telegram.Telegram) map[string]any {
	switch t := tg.(type) {
	case *telegram.ItemEnter:
		return map[string]any{"gid": t.GlobalID, "location": t.Location, "destination": t.Destination}
	case *telegram.ItemLost:
		return map[string]any{"gid": t.GlobalID, "location": t.Location, "reason": t.Reason}
	case *telegram.ItemExit:
		return map[string]any{"gid": t.GlobalID, "location": t.Location}
	case *telegram.ItemStray:
		return map[string]any{"gid": t.GlobalID, "location": t.Location}
	case *telegram.ItemTransfer:
		return map[string]any{"gid": t.GlobalID, "location": t.Location, "event": uint16(t.Event), "stray": t.Stray()}
	case *telegram.ItemDestAck:
		return map[string]any{"gid": t.GlobalID, "destination": t.Destination, "status": t.Status.String()}
	default:
		return nil
	}
}

func (w *Worker) publish(ctx context.Context, hdr telegram.ChannelHeader, tg telegram.Telegram, fields map[string]any) {
	if err := w.publisher.Publish(ctx, events.FromTelegram(w.name, hdr, tg, fields)); err != nil {
		w.logger.Warn("failed to publish event", "type", tg.Type(), "seq", hdr.Seq, "error", err)
	}
}

// versionNumber converts the 2 character scanner protocol version, e.g. "01", to a number.
func versionNumber(v string) uint16 {
	var n uint16
	for _, r := range strings.TrimSpace(v) {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + uint16(r-'0')
	}

	return n
}
