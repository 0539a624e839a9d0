// Package gateway runs one worker per PLC channel. A worker ties a plcconn.Connection to the
// routing repository, the table downloader, the event publisher and the alarm sink.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-bhs/alarm"
	"github.com/arloliu/go-bhs/config"
	"github.com/arloliu/go-bhs/events"
	"github.com/arloliu/go-bhs/logger"
	"github.com/arloliu/go-bhs/plcconn"
	"github.com/arloliu/go-bhs/repository"
	"github.com/arloliu/go-bhs/session"
	"github.com/arloliu/go-bhs/tabledownload"
	"github.com/arloliu/go-bhs/telegram"
)

// ErrChannelNotFound indicates an unknown channel name.
var ErrChannelNotFound = errors.New("channel not found")

// plcLink is the part of plcconn.Connection used by the telegram handlers.
type plcLink interface {
	SendTelegram(ctx context.Context, tg telegram.Telegram) (uint32, error)
	Reply(hdr telegram.ChannelHeader, tg telegram.Telegram) error
}

// Deps are the collaborators shared by every worker.
type Deps struct {
	Repository repository.Repository
	Publisher  events.Publisher
	Alarmer    alarm.Alarmer

	TableDownload config.TableDownloadConfig

	// LogDir and LogLevel configure the per-channel log file.
	LogDir   string
	LogLevel logger.Level
}

// Worker runs one PLC channel.
type Worker struct {
	name string

	conn       *plcconn.Connection
	link       plcLink
	downloader *tabledownload.Downloader
	repo       repository.Repository
	publisher  events.Publisher
	logger     logger.Logger
	closeLog   func() error

	pushOnConnect bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewWorker creates the worker of channel cfg. The connection is not opened until Start.
func NewWorker(ctx context.Context, cfg config.ChannelConfig, deps Deps) (*Worker, error) {
	if deps.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}

	fileLogger, closeLog, err := logger.NewChannelLogger(deps.LogDir, cfg.Name, deps.LogLevel)
	if err != nil {
		return nil, err
	}

	connCfg, err := cfg.ConnectionConfig(fileLogger)
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	wctx, cancel := context.WithCancel(ctx)

	conn, err := plcconn.NewConnection(wctx, connCfg)
	if err != nil {
		cancel()
		_ = closeLog()

		return nil, err
	}

	w := &Worker{
		name:          cfg.Name,
		conn:          conn,
		link:          conn,
		repo:          deps.Repository,
		publisher:     deps.Publisher,
		logger:        conn.GetLogger(),
		closeLog:      closeLog,
		pushOnConnect: deps.TableDownload.PushOnConnect,
		ctx:           wctx,
		cancel:        cancel,
	}

	dlOpts := []tabledownload.Option{
		tabledownload.WithSubsystemID(cfg.SubsystemID),
		tabledownload.WithEntryDelay(deps.TableDownload.EntryDelay),
		tabledownload.WithLogger(w.logger),
	}
	if deps.TableDownload.MaxRetries > 0 {
		dlOpts = append(dlOpts, tabledownload.WithMaxRetries(deps.TableDownload.MaxRetries))
	}
	if len(deps.TableDownload.DefaultAltDestinations) > 0 {
		dlOpts = append(dlOpts, tabledownload.WithDefaultAltDestinations(deps.TableDownload.DefaultAltDestinations...))
	}
	if deps.Alarmer != nil {
		dlOpts = append(dlOpts, tabledownload.WithAlarmer(deps.Alarmer))
	}

	w.downloader, err = tabledownload.NewDownloader(wctx, cfg.Name, deps.Repository, conn, dlOpts...)
	if err != nil {
		cancel()
		_ = closeLog()

		return nil, err
	}

	w.registerHandlers()
	conn.AddStateChangeHandler(w.onStateChange)

	return w, nil
}

// Name returns the channel name.
func (w *Worker) Name() string {
	return w.name
}

// Connection returns the PLC connection of the channel.
func (w *Worker) Connection() *plcconn.Connection {
	return w.conn
}

// Downloader returns the table downloader of the channel.
func (w *Worker) Downloader() *tabledownload.Downloader {
	return w.downloader
}

// Start opens the connection. It returns immediately; the connection retries in the background.
func (w *Worker) Start() error {
	w.logger.Info("start channel", "address", w.conn.Config().Address())
	return w.conn.Open(false)
}

// Stop closes the connection and waits for background table pushes. Later calls return the
// result of the first.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		err := w.conn.Close()
		w.cancel()
		w.downloader.Wait()
		w.wg.Wait()
		w.logger.Info("channel stopped")

		if cerr := w.closeLog(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		w.stopErr = err
	})

	return w.stopErr
}

// PushTable pushes one table to the PLC.
func (w *Worker) PushTable(ctx context.Context, kind tabledownload.Kind) error {
	if !w.conn.IsStreaming() {
		return fmt.Errorf("channel %s: %w", w.name, plcconn.ErrNotStreaming)
	}

	if _, err := w.downloader.Push(ctx, kind); err != nil {
		return fmt.Errorf("channel %s: push %s table: %w", w.name, kind, err)
	}

	return nil
}

// onStateChange runs on the state manager; it must not block.
func (w *Worker) onStateChange(_ session.ConnState, newState session.ConnState) {
	if !newState.IsStreaming() || !w.pushOnConnect {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		for _, kind := range tabledownload.Kinds {
			if err := w.PushTable(w.ctx, kind); err != nil {
				w.logger.Error("push on connect failed", "kind", kind, "error", err)
				return
			}
		}
	}()
}

// TableStatus describes the download session of one table.
type TableStatus struct {
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Entries    int       `json:"entries"`
	SentCount  int       `json:"sentCount"`
	RetryCount int       `json:"retryCount"`
	Escalated  bool      `json:"escalated"`
	Pushes     int       `json:"pushes"`
	StartedAt  time.Time `json:"startedAt"`
}

// ChannelStatus is a snapshot of one channel.
type ChannelStatus struct {
	Name         string                  `json:"name"`
	Address      string                  `json:"address"`
	State        string                  `json:"state"`
	PeerMode     string                  `json:"peerMode"`
	TPDUSize     int                     `json:"tpduSize"`
	LastReceived *time.Time              `json:"lastReceived,omitempty"`
	Metrics      plcconn.MetricsSnapshot `json:"metrics"`
	Tables       []TableStatus           `json:"tables"`
}

// Status returns the channel snapshot.
func (w *Worker) Status() ChannelStatus {
	st := ChannelStatus{
		Name:     w.name,
		Address:  w.conn.Config().Address(),
		State:    w.conn.State().String(),
		PeerMode: w.conn.PeerMode().String(),
		TPDUSize: w.conn.NegotiatedTPDUSize(),
		Metrics:  w.conn.GetMetrics().Snapshot(),
		Tables:   []TableStatus{},
	}

	if last := w.conn.LastReceived(); last.UnixNano() > 0 {
		st.LastReceived = &last
	}

	for _, kind := range tabledownload.Kinds {
		s, ok := w.downloader.Session(kind)
		if !ok {
			continue
		}

		st.Tables = append(st.Tables, TableStatus{
			Kind:       kind.String(),
			Status:     s.LastStatus.String(),
			Entries:    len(s.Entries),
			SentCount:  s.SentCount,
			RetryCount: s.RetryCount,
			Escalated:  s.Escalated,
			Pushes:     s.Pushes,
			StartedAt:  s.StartedAt,
		})
	}

	return st
}
