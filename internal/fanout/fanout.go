// Package fanout carries room broadcasts between relay instances so that
// clients of one room may be connected to different processes.
package fanout

import (
	"context"
	"encoding/json"
)

// Message is a broadcast produced on instance Origin for Room. Except names
// the sending connection, which must not receive it back.
type Message struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe delivers messages from other instances until ctx is done.
	Subscribe(ctx context.Context, handler func(Message)) error
	Close() error
}

// Local is the single-instance bus: nothing leaves the process.
type Local struct{}

func (Local) Publish(context.Context, Message) error { return nil }

func (Local) Subscribe(ctx context.Context, _ func(Message)) error {
	<-ctx.Done()
	return nil
}

func (Local) Close() error { return nil }
