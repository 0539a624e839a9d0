package tabledownload

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-bhs/alarm"
	"github.com/arloliu/go-bhs/internal/pool"
	"github.com/arloliu/go-bhs/logger"
	"github.com/arloliu/go-bhs/repository"
	"github.com/arloliu/go-bhs/telegram"
)

// EntrySource provides the table contents.
type EntrySource interface {
	ListEnabledAirlineEntries(ctx context.Context) ([]repository.AirlineEntry, error)
	ListFallbackEntries(ctx context.Context) ([]repository.FallbackEntry, error)
}

// Sender sends a telegram to the PLC, typically a *plcconn.Connection.
type Sender interface {
	SendTelegram(ctx context.Context, tg telegram.Telegram) (uint32, error)
}

type kindState struct {
	mu      sync.Mutex // held while a table is being sent
	session *Session
}

// Downloader pushes the tables of one PLC channel.
type Downloader struct {
	channel string
	source  EntrySource
	sender  Sender
	alarmer alarm.Alarmer
	logger  logger.Logger
	pctx    context.Context
	states  *xsync.MapOf[Kind, *kindState]
	wg      sync.WaitGroup
	opts    options
	now     func() time.Time
}

type options struct {
	subsystemID    uint16
	entryDelay     time.Duration
	maxRetries     int
	defaultAltDest []uint16
	logger         logger.Logger
	alarmer        alarm.Alarmer
}

// Option configures a Downloader.
type Option func(*options) error

// WithSubsystemID sets the subsystem id of the table telegrams. The default value is 1.
func WithSubsystemID(id uint16) Option {
	return func(o *options) error {
		o.subsystemID = id
		return nil
	}
}

// WithEntryDelay sets the pause before each entry and the End telegram.
// It should be between 0 and 1 second. The default value is 50 milliseconds.
func WithEntryDelay(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 || d > time.Second {
			return errors.New("entry delay out of range [0, 1s]")
		}
		o.entryDelay = d

		return nil
	}
}

// WithMaxRetries sets how many consecutive FAILED completions escalate, in range [1, 10].
// The default value is 3.
func WithMaxRetries(n int) Option {
	return func(o *options) error {
		if n < 1 || n > 10 {
			return errors.New("max retries out of range [1, 10]")
		}
		o.maxRetries = n

		return nil
	}
}

// WithDefaultAltDestinations sets the alternate destinations of airline entries that have none.
// The default value is [101, 102].
func WithDefaultAltDestinations(dests ...uint16) Option {
	return func(o *options) error {
		if len(dests) > telegram.MaxAltDest {
			return fmt.Errorf("at most %d alternate destinations", telegram.MaxAltDest)
		}
		o.defaultAltDest = dests

		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		o.logger = l

		return nil
	}
}

// WithAlarmer sets where escalations go. The default logs them.
func WithAlarmer(a alarm.Alarmer) Option {
	return func(o *options) error {
		if a == nil {
			return errors.New("alarmer is nil")
		}
		o.alarmer = a

		return nil
	}
}

// NewDownloader creates the downloader of channel. Background retries run until ctx is done.
func NewDownloader(ctx context.Context, channel string, source EntrySource, sender Sender, opts ...Option) (*Downloader, error) {
	if source == nil || sender == nil {
		return nil, errors.New("entry source and sender are required")
	}

	o := options{
		subsystemID:    1,
		entryDelay:     50 * time.Millisecond,
		maxRetries:     3,
		defaultAltDest: []uint16{101, 102},
		logger:         logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.alarmer == nil {
		o.alarmer = alarm.NewLogAlarmer(o.logger)
	}

	return &Downloader{
		channel: channel,
		source:  source,
		sender:  sender,
		alarmer: o.alarmer,
		logger:  o.logger.With("component", "tabledownload"),
		pctx:    ctx,
		states:  xsync.NewMapOf[Kind, *kindState](),
		opts:    o,
		now:     time.Now,
	}, nil
}

func (d *Downloader) state(kind Kind) *kindState {
	st, _ := d.states.LoadOrCompute(kind, func() *kindState { return &kindState{} })
	return st
}

// Session returns a copy of the current session of kind.
func (d *Downloader) Session(kind Kind) (Session, bool) {
	st := d.state(kind)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.session == nil {
		return Session{}, false
	}

	return st.session.snapshot(), true
}

// Push starts a new session for kind with the current table contents and sends it.
// Any previous session of kind, including an escalated one, is replaced.
func (d *Downloader) Push(ctx context.Context, kind Kind) (Session, error) {
	entries, err := d.buildEntries(ctx, kind)
	if err != nil {
		return Session{}, err
	}

	st := d.state(kind)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := d.now()
	s := &Session{Kind: kind, Entries: entries, LastStatus: StatusPending, StartedAt: now, UpdatedAt: now}
	st.session = s

	d.logger.Info("push table", "kind", kind, "entries", len(entries))
	err = d.send(ctx, s)

	return s.snapshot(), err
}

// HandleComplete applies the PLC verdict on the last push of kind.
//
// FAILED re-sends the table in the background while fewer than maxRetries consecutive failures
// occurred. The failure that reaches maxRetries raises one alarm and returns ErrRetriesExhausted.
func (d *Downloader) HandleComplete(ctx context.Context, kind Kind, status telegram.CompleteStatus, count uint16) error {
	st := d.state(kind)

	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.session
	if s == nil {
		d.logger.Warn("table completion without push", "kind", kind, "status", status, "count", count)
		return fmt.Errorf("%w: %s", ErrNoSession, kind)
	}

	s.UpdatedAt = d.now()

	switch status {
	case telegram.CompleteSuccess:
		if int(count) != s.SentCount {
			d.logger.Warn("table completed with different entry count", "kind", kind, "sent", s.SentCount, "count", count)
		}
		s.RetryCount = 0
		s.LastStatus = StatusSuccess
		d.logger.Info("table download succeeded", "kind", kind, "count", count)

		return nil

	case telegram.CompleteFailed:
		if s.Escalated {
			d.logger.Warn("table failure after escalation ignored", "kind", kind)
			return nil
		}

		s.RetryCount++
		s.LastStatus = StatusFailed

		if s.RetryCount >= d.opts.maxRetries {
			s.Escalated = true
			d.escalate(ctx, s)

			return fmt.Errorf("%w: %s table failed %d times", ErrRetriesExhausted, kind, s.RetryCount)
		}

		d.logger.Warn("table download failed, retry", "kind", kind, "retry", s.RetryCount, "max_retries", d.opts.maxRetries)
		d.retryAsync(st, s)

		return nil

	default:
		return fmt.Errorf("%w: %d", ErrUnknownStatus, uint16(status))
	}
}

// Wait blocks until background retries have finished.
func (d *Downloader) Wait() {
	d.wg.Wait()
}

// retryAsync re-sends s outside the caller, which is usually the dispatcher goroutine.
func (d *Downloader) retryAsync(st *kindState, s *Session) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		st.mu.Lock()
		defer st.mu.Unlock()

		// a manual push replaced the session meanwhile
		if st.session != s {
			return
		}

		if err := d.send(d.pctx, s); err != nil {
			d.logger.Error("table retry failed", "kind", s.Kind, "retry", s.RetryCount, "error", err)
		}
	}()
}

// send pushes Start, the entries and End. The caller holds the kind lock.
func (d *Downloader) send(ctx context.Context, s *Session) error {
	s.SentCount = 0
	s.Pushes++
	s.LastStatus = StatusPending

	if _, err := d.sender.SendTelegram(ctx, &telegram.TableStart{Code: s.Kind.startType(), SubsystemID: d.opts.subsystemID}); err != nil {
		return fmt.Errorf("send %s table start: %w", s.Kind, err)
	}

	for _, entry := range s.Entries {
		if err := d.pause(ctx); err != nil {
			return err
		}

		if _, err := d.sender.SendTelegram(ctx, entry); err != nil {
			return fmt.Errorf("send %s table entry %d: %w", s.Kind, s.SentCount+1, err)
		}
		s.SentCount++
	}

	if err := d.pause(ctx); err != nil {
		return err
	}

	end := &telegram.TableEnd{Code: s.Kind.endType(), SubsystemID: d.opts.subsystemID, Count: uint16(s.SentCount)} //nolint:gosec
	if _, err := d.sender.SendTelegram(ctx, end); err != nil {
		return fmt.Errorf("send %s table end: %w", s.Kind, err)
	}

	d.logger.Info("table sent", "kind", s.Kind, "entries", s.SentCount, "push", s.Pushes)

	return nil
}

func (d *Downloader) pause(ctx context.Context) error {
	if d.opts.entryDelay <= 0 {
		return nil
	}

	return pool.Sleep(ctx, d.opts.entryDelay)
}

func (d *Downloader) escalate(ctx context.Context, s *Session) {
	al := alarm.Alarm{
		Channel:  d.channel,
		Source:   "tabledownload/" + s.Kind.String(),
		Severity: alarm.SeverityCritical,
		Message:  fmt.Sprintf("%s table download failed %d times, automatic retry stopped", s.Kind, s.RetryCount),
		Fields: map[string]string{
			"entries": strconv.Itoa(len(s.Entries)),
			"retries": strconv.Itoa(s.RetryCount),
		},
		Time: d.now().UTC(),
	}

	if err := d.alarmer.Raise(ctx, al); err != nil {
		d.logger.Error("failed to raise table download alarm", "kind", s.Kind, "error", err)
	}
}

func (d *Downloader) buildEntries(ctx context.Context, kind Kind) ([]telegram.Telegram, error) {
	switch kind {
	case AirlineTable:
		rows, err := d.source.ListEnabledAirlineEntries(ctx)
		if err != nil {
			return nil, fmt.Errorf("list airline entries: %w", err)
		}

		entries := make([]telegram.Telegram, 0, len(rows))
		for _, row := range rows {
			if !row.Enabled || row.Deleted {
				d.logger.Info("skip disabled or deleted airline", "code", row.Code)
				continue
			}

			alts := row.AltDestinations
			if len(alts) == 0 {
				alts = d.opts.defaultAltDest
			}

			entries = append(entries, &telegram.AirlineCodeEntry{
				SubsystemID:     d.opts.subsystemID,
				AirlineCode:     row.Code,
				Destination:     row.SortPosition,
				AltDestinations: alts,
			})
		}

		return entries, nil

	case FallbackTable:
		rows, err := d.source.ListFallbackEntries(ctx)
		if err != nil {
			return nil, fmt.Errorf("list fallback entries: %w", err)
		}

		entries := make([]telegram.Telegram, 0, len(rows))
		for _, row := range rows {
			entries = append(entries, &telegram.FallbackTagEntry{
				SubsystemID:     d.opts.subsystemID,
				Tag:             row.Tag,
				Destination:     row.Destination,
				ScreeningLevel:  row.ScreeningLevel,
				AltDestinations: row.AltDestinations,
			})
		}

		return entries, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
}
