// Package alarm escalates conditions that need an operator, such as a table download the PLC
// keeps rejecting, to logs and to SCADA over MQTT.
package alarm

import (
	"context"
	"errors"
	"time"

	"github.com/arloliu/go-bhs/logger"
)

// Severity of an alarm.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alarm is one escalated condition.
type Alarm struct {
	Channel  string            `json:"channel"`
	Source   string            `json:"source"`
	Severity Severity          `json:"severity"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	Time     time.Time         `json:"timestamp"`
}

// Alarmer raises alarms.
type Alarmer interface {
	Raise(ctx context.Context, a Alarm) error
}

// LogAlarmer writes alarms to a logger at error level.
type LogAlarmer struct {
	logger logger.Logger
}

// NewLogAlarmer creates a LogAlarmer. A nil logger uses the default logger.
func NewLogAlarmer(l logger.Logger) *LogAlarmer {
	if l == nil {
		l = logger.GetLogger()
	}

	return &LogAlarmer{logger: l}
}

func (a *LogAlarmer) Raise(_ context.Context, al Alarm) error {
	args := []any{"channel", al.Channel, "source", al.Source, "severity", al.Severity}
	for k, v := range al.Fields {
		args = append(args, k, v)
	}
	a.logger.Error("ALARM: "+al.Message, args...)

	return nil
}

// Multi raises each alarm on every Alarmer and joins their errors.
type Multi []Alarmer

func (m Multi) Raise(ctx context.Context, al Alarm) error {
	var errs []error
	for _, a := range m {
		if a == nil {
			continue
		}
		if err := a.Raise(ctx, al); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
