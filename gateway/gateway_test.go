package gateway

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-bhs/config"
	"github.com/arloliu/go-bhs/events"
	"github.com/arloliu/go-bhs/logger"
	"github.com/arloliu/go-bhs/plcconn"
	"github.com/arloliu/go-bhs/repository"
	"github.com/arloliu/go-bhs/rfc1006"
	"github.com/arloliu/go-bhs/session"
	"github.com/arloliu/go-bhs/tabledownload"
	"github.com/arloliu/go-bhs/telegram"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

const routingYAML = `
routing:
  "0160123456": 42
  "0160555555": 43
airlines:
  - code: CX
    sort_position: 11
    enabled: true
  - code: KA
    sort_position: 12
    alt_destinations: [21]
    enabled: true
  - code: BR
    sort_position: 13
    enabled: false
fallback:
  - tag: "0160000001"
    destination: 5
    screening_level: 11
    alt_destinations: [101, 100]
items:
  "0160123456":
    screening_level: 21
    screening_result: 12
    customs_result: 32
    min_screening_level: 12
    customs_required: 0
    ebs_status: 2
`

func newTestRepository(t *testing.T) *repository.FileRepository {
	t.Helper()

	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routingYAML), 0o600))

	repo, err := repository.NewFileRepository(path)
	require.NoError(t, err)

	return repo
}

type sentTelegram struct {
	reply bool
	hdr   telegram.ChannelHeader
	tg    telegram.Telegram
}

type recordingLink struct {
	mu   sync.Mutex
	sent []sentTelegram
}

func (l *recordingLink) SendTelegram(_ context.Context, tg telegram.Telegram) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, sentTelegram{tg: tg})

	return uint32(len(l.sent)), nil //nolint:gosec
}

func (l *recordingLink) Reply(hdr telegram.ChannelHeader, tg telegram.Telegram) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, sentTelegram{reply: true, hdr: hdr, tg: tg})

	return nil
}

func (l *recordingLink) take() []sentTelegram {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.sent
	l.sent = nil

	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)

	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) take() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.events
	p.events = nil

	return out
}

// newHandlerWorker builds a worker without a connection, for calling handlers directly.
func newHandlerWorker(t *testing.T) (*Worker, *recordingLink, *recordingPublisher, *repository.FileRepository) {
	t.Helper()

	repo := newTestRepository(t)
	link := &recordingLink{}
	pub := &recordingPublisher{}

	dl, err := tabledownload.NewDownloader(context.Background(), "ch1", repo, link, tabledownload.WithEntryDelay(0))
	require.NoError(t, err)
	t.Cleanup(dl.Wait)

	w := &Worker{
		name:       "ch1",
		link:       link,
		downloader: dl,
		repo:       repo,
		publisher:  pub,
		logger:     logger.GetLogger(),
		ctx:        context.Background(),
	}

	return w, link, pub, repo
}

var testRef = telegram.ItemRef{SubsystemID: 1, Component: 2, GlobalID: 5001, PLCIndex: 12}

func TestWorker_ScannerResult(t *testing.T) {
	hdr := telegram.ChannelHeader{ChannelID: 7, Version: 1, Seq: 300}

	t.Run("matched tag", func(t *testing.T) {
		require := require.New(t)
		w, link, pub, repo := newHandlerWorker(t)

		sr := &telegram.ScannerResult{
			ItemRef:         testRef,
			ScannerNumber:   5,
			ProtocolVersion: "01",
			Response:        []byte("SCN#0E01607777770E0160123456"),
		}
		require.NoError(w.handleScannerResult(hdr, sr))

		sent := link.take()
		require.Len(sent, 2)
		require.Equal(&telegram.ValidBarcode{
			ItemRef:           testRef,
			IATA:              [3]string{"0160777777", "0160123456", ""},
			MinScreeningLevel: 22,
		}, sent[0].tg)
		require.Equal(&telegram.Item{ItemRef: testRef, Destination: 42}, sent[1].tg)

		scans := repo.Scans()
		require.Len(scans, 1)
		require.Equal("ch1", scans[0].Channel)
		require.Equal("2AR04_AT19", scans[0].ScannerName)
		require.Equal(uint16(1), scans[0].Version)
		require.Equal([]string{"0160777777", "0160123456"}, scans[0].Barcodes)

		evs := pub.take()
		require.Len(evs, 1)
		require.Equal("SCANNER RESULT", evs[0].Type)
		require.Equal(uint32(5001), evs[0].GlobalID)
	})

	t.Run("no match routes to default destination", func(t *testing.T) {
		require := require.New(t)
		w, link, _, _ := newHandlerWorker(t)

		sr := &telegram.ScannerResult{ItemRef: testRef, ScannerNumber: 6, ProtocolVersion: "01", Response: []byte("#0E0160888888")}
		require.NoError(w.handleScannerResult(hdr, sr))

		sent := link.take()
		require.Len(sent, 2)
		require.Equal(&telegram.Item{ItemRef: testRef, Destination: 1}, sent[1].tg)
	})

	t.Run("failed read", func(t *testing.T) {
		require := require.New(t)
		w, link, _, repo := newHandlerWorker(t)

		sr := &telegram.ScannerResult{ItemRef: testRef, ScannerNumber: 9, ProtocolVersion: "01", Status: 3, Response: []byte("NOREAD")}
		require.NoError(w.handleScannerResult(hdr, sr))

		sent := link.take()
		require.Len(sent, 2)
		vb, ok := sent[0].tg.(*telegram.ValidBarcode)
		require.True(ok)
		require.Equal([3]string{}, vb.IATA)
		require.Equal(&telegram.Item{ItemRef: testRef, Destination: 1}, sent[1].tg)
		require.Equal("UNKNOWN(9)", repo.Scans()[0].ScannerName)
	})

	t.Run("publish failure does not fail the handler", func(t *testing.T) {
		require := require.New(t)

		w, link, pub, _ := newHandlerWorker(t)
		pub.err = errors.New("broker down")
		rec := logger.NewRecorder()
		w.logger = rec

		sr := &telegram.ScannerResult{ItemRef: testRef, ScannerNumber: 5, ProtocolVersion: "01", Response: []byte("#0E0160555555")}
		require.NoError(w.handleScannerResult(hdr, sr))
		require.Equal(&telegram.Item{ItemRef: testRef, Destination: 43}, link.take()[1].tg)

		e, ok := rec.Find(logger.WarnLevel, "failed to publish event")
		require.True(ok)
		require.Equal(uint32(300), e.Fields["seq"])
		require.EqualError(e.Fields["error"].(error), "broker down")
	})
}

func TestWorker_ItemInfoRequest(t *testing.T) {
	hdr := telegram.ChannelHeader{ChannelID: 7, Version: 1, Seq: 77}

	t.Run("stored decision", func(t *testing.T) {
		require := require.New(t)
		w, link, _, _ := newHandlerWorker(t)

		req := &telegram.ItemInfoRequest{SubsystemID: 1, PLCIndex: 12, Location: 4, IATA: "0160123456"}
		require.NoError(w.handleItemInfoRequest(hdr, req))

		sent := link.take()
		require.Len(sent, 1)
		require.True(sent[0].reply)
		require.Equal(hdr, sent[0].hdr)
		require.Equal(&telegram.ItemInfo{
			SubsystemID:       1,
			PLCIndex:          12,
			IATA:              "0160123456",
			ScreeningLevel:    21,
			ScreeningResult:   12,
			CustomsResult:     32,
			MinScreeningLevel: 12,
			CustomsRequired:   0,
			EBSStatus:         2,
		}, sent[0].tg)
	})

	t.Run("defaults", func(t *testing.T) {
		require := require.New(t)
		w, link, _, _ := newHandlerWorker(t)

		req := &telegram.ItemInfoRequest{SubsystemID: 1, PLCIndex: 13, IATA: "0160999999"}
		require.NoError(w.handleItemInfoRequest(hdr, req))

		sent := link.take()
		require.Len(sent, 1)
		require.Equal(&telegram.ItemInfo{
			SubsystemID:       1,
			PLCIndex:          13,
			IATA:              "0160999999",
			ScreeningLevel:    11,
			ScreeningResult:   11,
			CustomsResult:     31,
			MinScreeningLevel: 12,
			CustomsRequired:   1,
			EBSStatus:         1,
		}, sent[0].tg)
	})
}

func TestWorker_TableComplete(t *testing.T) {
	require := require.New(t)
	w, link, _, _ := newHandlerWorker(t)
	hdr := telegram.ChannelHeader{ChannelID: 7, Version: 1, Seq: 9}

	complete := func(status telegram.CompleteStatus) error {
		return w.handleTableComplete(hdr, &telegram.TableComplete{
			Code:        telegram.TypeFallbackTableComplete,
			SubsystemID: 1,
			EntryCount:  1,
			Status:      status,
		})
	}

	require.ErrorIs(complete(telegram.CompleteSuccess), tabledownload.ErrNoSession)

	_, err := w.downloader.Push(context.Background(), tabledownload.FallbackTable)
	require.NoError(err)
	require.Len(link.take(), 3)

	require.NoError(complete(telegram.CompleteFailed))
	w.downloader.Wait()
	require.Len(link.take(), 3)

	require.NoError(complete(telegram.CompleteSuccess))
	s, ok := w.downloader.Session(tabledownload.FallbackTable)
	require.True(ok)
	require.Equal(tabledownload.StatusSuccess, s.LastStatus)
	require.Zero(s.RetryCount)
}

func TestWorker_Events(t *testing.T) {
	require := require.New(t)
	w, link, pub, _ := newHandlerWorker(t)
	hdr := telegram.ChannelHeader{ChannelID: 7, Version: 1, Seq: 5}

	require.NoError(w.handleItemEvent(hdr, &telegram.ItemLost{ItemRef: testRef, Location: 3, Reason: 2}))
	require.NoError(w.handleItemEvent(hdr, &telegram.ItemExit{ItemRef: testRef, Location: 8}))
	require.NoError(w.handleItemEvent(hdr, &telegram.Ready{SubsystemID: 1}))
	require.NoError(w.handleKeySwitch(hdr, &telegram.KeySwitch{SubsystemID: 1, KeyStatus: telegram.KeyOn, Location: telegram.KeyLocationLLC}))
	require.NoError(w.handleScreeningResult(hdr, &telegram.ScreeningResult{
		ItemRef: testRef,
		Level:   41,
		Result:  telegram.ResultObviousThreat,
		IATA:    "0160123456",
	}))

	evs := pub.take()
	require.Len(evs, 4)
	require.Equal("ITEM LOST", evs[0].Type)
	require.Equal(map[string]any{"gid": uint32(5001), "location": uint16(3), "reason": uint16(2)}, evs[0].Fields)
	require.Equal("ITEM EXIT", evs[1].Type)
	require.Equal("KEY SWITCH", evs[2].Type)
	require.Equal("LLC", evs[2].Fields["location"])
	require.Equal("ON", evs[2].Fields["status"])
	require.Equal("SCREENING RESULT", evs[3].Type)
	require.Equal([]string{"obvious threat"}, evs[3].Fields["conditions"])

	require.Empty(link.take())
}

func TestVersionNumber(t *testing.T) {
	require.Equal(t, uint16(1), versionNumber("01"))
	require.Equal(t, uint16(12), versionNumber("12"))
	require.Equal(t, uint16(0), versionNumber("  "))
	require.Equal(t, uint16(0), versionNumber("V1"))
}

// ccFrame confirms a 1024 byte TPDU.
var ccFrame = []byte{0x03, 0x00, 0x00, 0x0E, 0x09, 0xD0, 0x00, 0x01, 0x00, 0x01, 0x00, 0xC0, 0x01, 0x0A}

const fakeTimeout = 3 * time.Second

type fakePLC struct {
	t      *testing.T
	ln     net.Listener
	conn   net.Conn
	reader rfc1006.FrameReader
	hdrBuf []byte
	seq    uint32
}

func newFakePLC(t *testing.T) *fakePLC {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	return &fakePLC{t: t, ln: ln, hdrBuf: make([]byte, rfc1006.TPKTHeaderSize), seq: 1000}
}

func (p *fakePLC) port() int {
	return p.ln.Addr().(*net.TCPAddr).Port
}

func (p *fakePLC) accept() {
	p.t.Helper()

	_ = p.ln.(*net.TCPListener).SetDeadline(time.Now().Add(fakeTimeout))
	conn, err := p.ln.Accept()
	require.NoError(p.t, err)
	p.conn = conn
	p.t.Cleanup(func() { _ = conn.Close() })
}

func (p *fakePLC) readFrame() []byte {
	p.t.Helper()

	frame, err := p.reader.ReadFrameBefore(p.conn, p.hdrBuf, time.Now().Add(fakeTimeout))
	require.NoError(p.t, err)

	return frame
}

func (p *fakePLC) readTelegram() (telegram.ChannelHeader, telegram.Telegram) {
	p.t.Helper()

	for {
		frame := p.readFrame()
		if len(frame) < 25 {
			continue
		}

		hdr, tg, err := telegram.UnmarshalFrame(frame)
		require.NoError(p.t, err)

		return hdr, tg
	}
}

func (p *fakePLC) send(tg telegram.Telegram) uint32 {
	p.t.Helper()

	p.seq++
	frame, err := telegram.MarshalFrame(telegram.ChannelHeader{ChannelID: 7, Version: 1, Seq: p.seq}, tg)
	require.NoError(p.t, err)
	_, err = p.conn.Write(frame)
	require.NoError(p.t, err)

	return p.seq
}

func (p *fakePLC) expectAck(seq uint32) {
	p.t.Helper()

	_, tg := p.readTelegram()
	require.Equal(p.t, &telegram.Ack{Seq: seq}, tg)
}

func (p *fakePLC) handshake() {
	p.t.Helper()

	p.readFrame() // CR
	_, err := p.conn.Write(ccFrame)
	require.NoError(p.t, err)

	_, tg := p.readTelegram()
	require.Equal(p.t, telegram.TypeConnected, tg.Type())
	_, tg = p.readTelegram()
	require.Equal(p.t, telegram.TypeReady, tg.Type())

	p.expectAck(p.send(&telegram.Ready{SubsystemID: 1}))

	require.True(p.t, rfc1006.IsKeepalive(p.readFrame()))
	_, err = p.conn.Write(rfc1006.KeepaliveFrame())
	require.NoError(p.t, err)
}

func testChannel(port int) config.ChannelConfig {
	cfg := config.DefaultChannelConfig()
	cfg.Name = "ch1"
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.LocalTSAP = "CSC1"
	cfg.RemoteTSAP = "PLC1"
	cfg.ProbeCount = 1
	cfg.ProbeTimeout = 500 * time.Millisecond
	cfg.ReconnectDelay = 50 * time.Millisecond

	return cfg
}

func TestManager_EndToEnd(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	plc := newFakePLC(t)
	pub := &recordingPublisher{}
	logDir := t.TempDir()

	m, err := NewManager(ctx, []config.ChannelConfig{testChannel(plc.port())}, Deps{
		Repository:    newTestRepository(t),
		Publisher:     pub,
		TableDownload: config.TableDownloadConfig{MaxRetries: 3},
		LogDir:        logDir,
		LogLevel:      logger.InfoLevel,
	})
	require.NoError(err)
	defer func() { require.NoError(m.Stop()) }()

	require.NoError(m.Start())
	plc.accept()
	plc.handshake()

	w, ok := m.Worker("ch1")
	require.True(ok)
	waitCtx, waitCancel := context.WithTimeout(ctx, fakeTimeout)
	defer waitCancel()
	require.NoError(w.Connection().WaitState(waitCtx, session.StreamingState))

	// scanner follow-up precedes the ACK of the scanner result
	seq := plc.send(&telegram.ScannerResult{
		ItemRef:         testRef,
		ScannerNumber:   5,
		ProtocolVersion: "01",
		Response:        []byte("SCN#0E0160123456"),
	})
	_, tg := plc.readTelegram()
	require.Equal(telegram.TypeValidBarcode, tg.Type())
	_, tg = plc.readTelegram()
	require.Equal(&telegram.Item{ItemRef: testRef, Destination: 42}, tg)
	plc.expectAck(seq)

	// item info is correlated with the request header
	seq = plc.send(&telegram.ItemInfoRequest{SubsystemID: 1, PLCIndex: 12, IATA: "0160123456"})
	hdr, tg := plc.readTelegram()
	require.Equal(seq, hdr.Seq)
	require.Equal(telegram.TypeItemInfo, tg.Type())
	plc.expectAck(seq)

	// airline push: start, two enabled entries, end with count 2
	require.NoError(m.PushTable(ctx, "ch1", tabledownload.AirlineTable))
	_, tg = plc.readTelegram()
	require.Equal(&telegram.TableStart{Code: telegram.TypeAirlineTableStart, SubsystemID: 1}, tg)
	_, tg = plc.readTelegram()
	require.Equal(&telegram.AirlineCodeEntry{SubsystemID: 1, AirlineCode: "CX", Destination: 11, AltDestinations: []uint16{101, 102}}, tg)
	_, tg = plc.readTelegram()
	require.Equal(&telegram.AirlineCodeEntry{SubsystemID: 1, AirlineCode: "KA", Destination: 12, AltDestinations: []uint16{21}}, tg)
	_, tg = plc.readTelegram()
	require.Equal(&telegram.TableEnd{Code: telegram.TypeAirlineTableEnd, SubsystemID: 1, Count: 2}, tg)

	seq = plc.send(&telegram.TableComplete{Code: telegram.TypeAirlineTableComplete, SubsystemID: 1, EntryCount: 2, Status: telegram.CompleteSuccess})
	plc.expectAck(seq)

	st, err := m.Channel("ch1")
	require.NoError(err)
	require.Equal("streaming", st.State)
	require.Equal("keepalive-only", st.PeerMode)
	require.Equal(1024, st.TPDUSize)
	require.NotNil(st.LastReceived)
	require.Len(st.Tables, 1)
	require.Equal(TableStatus{
		Kind:      "airline",
		Status:    "success",
		Entries:   2,
		SentCount: 2,
		Pushes:    1,
		StartedAt: st.Tables[0].StartedAt,
	}, st.Tables[0])

	require.NotEmpty(pub.take())

	_, err = os.Stat(filepath.Join(logDir, "ch1.log"))
	require.NoError(err)
}

func TestManager_NotConnected(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(ln.Close())

	m, err := NewManager(context.Background(), []config.ChannelConfig{testChannel(port)}, Deps{Repository: newTestRepository(t)})
	require.NoError(err)
	require.NoError(m.Start())
	require.NoError(m.Start())

	require.Equal([]string{"ch1"}, m.ChannelNames())

	err = m.PushTable(context.Background(), "ch9", tabledownload.AirlineTable)
	require.ErrorIs(err, ErrChannelNotFound)
	_, err = m.Channel("ch9")
	require.ErrorIs(err, ErrChannelNotFound)

	err = m.PushTable(context.Background(), "ch1", tabledownload.AirlineTable)
	require.ErrorIs(err, plcconn.ErrNotStreaming)
	err = m.PushAll(context.Background(), tabledownload.FallbackTable)
	require.ErrorIs(err, plcconn.ErrNotStreaming)

	channels := m.Channels()
	require.Len(channels, 1)
	require.Equal("ch1", channels[0].Name)
	require.NotEqual("streaming", channels[0].State)
	require.Empty(channels[0].Tables)

	require.NoError(m.Stop())
	require.NoError(m.Stop())
}

func TestNewManager_DuplicateChannel(t *testing.T) {
	ch := testChannel(102)
	_, err := NewManager(context.Background(), []config.ChannelConfig{ch, ch}, Deps{Repository: newTestRepository(t)})
	require.Error(t, err)

	_, err = NewManager(context.Background(), []config.ChannelConfig{ch}, Deps{})
	require.Error(t, err)
}
