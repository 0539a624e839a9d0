// Package tabledownload pushes configuration tables to the PLC and reacts to the PLC's
// completion report with a bounded retry.
//
// A push sends a Start telegram, each entry in table order and an End telegram carrying the
// number of entries sent. The PLC answers with a Complete telegram:
//
//   - SUCCESS resets the retry count.
//   - FAILED re-sends the same table until maxRetries consecutive failures, then raises a single
//     alarm and stops until the next manual push.
//
// Airline and fallback tables keep independent sessions.
package tabledownload

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arloliu/go-bhs/telegram"
)

var (
	// ErrRetriesExhausted indicates that the PLC rejected a table maxRetries times in a row.
	ErrRetriesExhausted = errors.New("table download retries exhausted")

	// ErrNoSession indicates a completion report for a table that was never pushed.
	ErrNoSession = errors.New("no table download session")

	// ErrUnknownStatus indicates a completion status other than SUCCESS or FAILED.
	ErrUnknownStatus = errors.New("unknown table completion status")

	// ErrUnknownKind indicates an unknown table kind name.
	ErrUnknownKind = errors.New("unknown table kind")
)

// Kind identifies a configuration table.
type Kind int

const (
	// AirlineTable maps airline codes to sort destinations.
	AirlineTable Kind = iota
	// FallbackTable maps fallback bag tags to destinations and screening levels.
	FallbackTable
)

// Kinds lists every table kind.
var Kinds = []Kind{AirlineTable, FallbackTable}

func (k Kind) String() string {
	switch k {
	case AirlineTable:
		return "airline"
	case FallbackTable:
		return "fallback"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses "airline" or "fallback".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "airline":
		return AirlineTable, nil
	case "fallback":
		return FallbackTable, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// KindOfComplete returns the table kind a Complete telegram type reports on.
func KindOfComplete(t telegram.Type) (Kind, bool) {
	switch t {
	case telegram.TypeAirlineTableComplete:
		return AirlineTable, true
	case telegram.TypeFallbackTableComplete:
		return FallbackTable, true
	default:
		return 0, false
	}
}

func (k Kind) startType() telegram.Type {
	if k == FallbackTable {
		return telegram.TypeFallbackTableStart
	}

	return telegram.TypeAirlineTableStart
}

func (k Kind) endType() telegram.Type {
	if k == FallbackTable {
		return telegram.TypeFallbackTableEnd
	}

	return telegram.TypeAirlineTableEnd
}

// Status is the outcome of the last push of a session.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the download state of one table kind, from a manual push until success or
// escalation.
type Session struct {
	Kind Kind
	// Entries are the entry telegrams in table order.
	Entries []telegram.Telegram
	// SentCount is the number of entries sent by the last push.
	SentCount int
	// RetryCount is the number of consecutive FAILED completions.
	RetryCount int
	LastStatus Status
	// Escalated is set once the alarm was raised; no further retry happens.
	Escalated bool
	// Pushes counts Start/End sequences sent for this session.
	Pushes    int
	StartedAt time.Time
	UpdatedAt time.Time
}

// snapshot returns a copy of s that shares no mutable state.
func (s *Session) snapshot() Session {
	cp := *s
	cp.Entries = append([]telegram.Telegram(nil), s.Entries...)

	return cp
}
