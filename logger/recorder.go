package logger

import (
	"sync"
)

// Entry is one record captured by a Recorder. Fields merges the With context of the logger
// that wrote it with the call's key-value pairs.
type Entry struct {
	Level  LogLevel
	Msg    string
	Fields map[string]any
}

// Recorder is a Logger that keeps every record in memory, for tests that assert on what a
// component logged. Children created by With share the parent's records.
//
// Records are kept at every level, and Fatal does not exit.
type Recorder struct {
	store  *recordStore
	fields []any
}

type recordStore struct {
	mu      sync.Mutex
	level   LogLevel
	entries []Entry
}

var _ Logger = (*Recorder)(nil)

// NewRecorder returns an empty Recorder reporting DebugLevel.
func NewRecorder() *Recorder {
	return &Recorder{store: &recordStore{level: DebugLevel}}
}

func (r *Recorder) Debug(msg string, keysAndValues ...any) { r.record(DebugLevel, msg, keysAndValues) }
func (r *Recorder) Info(msg string, keysAndValues ...any)  { r.record(InfoLevel, msg, keysAndValues) }
func (r *Recorder) Warn(msg string, keysAndValues ...any)  { r.record(WarnLevel, msg, keysAndValues) }
func (r *Recorder) Error(msg string, keysAndValues ...any) { r.record(ErrorLevel, msg, keysAndValues) }
func (r *Recorder) Fatal(msg string, keysAndValues ...any) { r.record(FatalLevel, msg, keysAndValues) }

func (r *Recorder) With(keyValues ...any) Logger {
	fields := make([]any, 0, len(r.fields)+len(keyValues))
	fields = append(fields, r.fields...)
	fields = append(fields, keyValues...)

	return &Recorder{store: r.store, fields: fields}
}

func (r *Recorder) Level() LogLevel {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.level
}

func (r *Recorder) SetLevel(level LogLevel) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.level = level
}

// Entries returns a copy of the records so far.
func (r *Recorder) Entries() []Entry {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return append([]Entry(nil), r.store.entries...)
}

// Find returns the first record with level and msg.
func (r *Recorder) Find(level LogLevel, msg string) (Entry, bool) {
	for _, e := range r.Entries() {
		if e.Level == level && e.Msg == msg {
			return e, true
		}
	}

	return Entry{}, false
}

func (r *Recorder) record(level LogLevel, msg string, keysAndValues []any) {
	fields := make(map[string]any, (len(r.fields)+len(keysAndValues))/2)
	for _, kv := range [][]any{r.fields, keysAndValues} {
		for i := 0; i+1 < len(kv); i += 2 {
			if key, ok := kv[i].(string); ok {
				fields[key] = kv[i+1]
			}
		}
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.entries = append(r.store.entries, Entry{Level: level, Msg: msg, Fields: fields})
}
