// Package events publishes decoded PLC telegrams, such as item tracking, scanner and screening
// results, to downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/arloliu/go-bhs/telegram"
)

// Event is one decoded telegram, flattened for consumers.
type Event struct {
	Channel  string         `json:"channel"`
	Type     string         `json:"type"`
	Code     uint16         `json:"code"`
	Seq      uint32         `json:"seq"`
	GlobalID uint32         `json:"gid,omitempty"`
	PLCIndex uint16         `json:"plcIndex,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	Time     time.Time      `json:"timestamp"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

type itemTelegram interface {
	Ref() telegram.ItemRef
}

// FromTelegram builds the event of tg received on channel with header hdr.
func FromTelegram(channel string, hdr telegram.ChannelHeader, tg telegram.Telegram, fields map[string]any) Event {
	ev := Event{
		Channel: channel,
		Type:    tg.Type().String(),
		Code:    uint16(tg.Type()),
		Seq:     hdr.Seq,
		Fields:  fields,
		Time:    time.Now().UTC(),
	}

	if it, ok := tg.(itemTelegram); ok {
		ref := it.Ref()
		ev.GlobalID = ref.GlobalID
		ev.PLCIndex = ref.PLCIndex
	}

	return ev
}
