// Package hubproto defines the JSON frames exchanged over the relay hub
// websocket and the payload encodings carried inside them.
//
// A client invokes a hub method with an "invoke" frame and receives a
// "result" frame with the same id. The server pushes "event" frames.
package hubproto

import (
	"encoding/json"
	"errors"
	"fmt"
)

type FrameType string

const (
	FrameInvoke FrameType = "invoke"
	FrameResult FrameType = "result"
	FrameEvent  FrameType = "event"
)

// Hub methods (client to server).
const (
	MethodJoinRoom        = "JoinRoom"
	MethodLeaveRoom       = "LeaveRoom"
	MethodSyncMessage     = "SyncMessage"
	MethodSaveFullState   = "SaveFullState"
	MethodAwarenessUpdate = "AwarenessUpdate"
	MethodGetRoomUsers    = "GetRoomUsers"
)

// Hub events (server to client).
const (
	EventUserJoined             = "UserJoined"
	EventUserLeft               = "UserLeft"
	EventReceiveSyncMessage     = "ReceiveSyncMessage"
	EventReceiveAwarenessUpdate = "ReceiveAwarenessUpdate"
	EventLoadPersistedState     = "LoadPersistedState"
	EventSaveCompleted          = "SaveCompleted"
)

const (
	// MaxPayloadSize bounds a decoded update or snapshot.
	MaxPayloadSize = 1 << 20
	// MaxFrameSize leaves room for base64 expansion and the frame envelope.
	MaxFrameSize = 2 << 20
)

var (
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrEmptyPayload     = errors.New("empty payload")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrMalformedFrame   = errors.New("malformed frame")
)

type Frame struct {
	Type   FrameType         `json:"type"`
	ID     string            `json:"id,omitempty"`
	Target string            `json:"target,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// SaveResult is the single argument of SaveCompleted.
type SaveResult struct {
	RoomID  string `json:"roomId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func NewInvoke(id, method string, args ...any) (Frame, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameInvoke, ID: id, Target: method, Args: raw}, nil
}

func NewEvent(event string, args ...any) (Frame, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameEvent, Target: event, Args: raw}, nil
}

// NewResult completes invocation id. A non-nil callErr wins over result.
func NewResult(id string, result any, callErr error) Frame {
	f := Frame{Type: FrameResult, ID: id}
	if callErr != nil {
		f.Error = callErr.Error()
		return f
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			f.Error = fmt.Sprintf("encode result: %v", err)
			return f
		}
		f.Result = raw
	}
	return f
}

// Arg decodes positional argument i into dst.
func (f *Frame) Arg(i int, dst any) error {
	if i >= len(f.Args) {
		return fmt.Errorf("%w: %s expects argument %d", ErrMalformedFrame, f.Target, i)
	}
	if err := json.Unmarshal(f.Args[i], dst); err != nil {
		return fmt.Errorf("%w: %s argument %d: %v", ErrMalformedFrame, f.Target, i, err)
	}
	return nil
}

func (f *Frame) Validate() error {
	switch f.Type {
	case FrameInvoke:
		if f.ID == "" || f.Target == "" {
			return fmt.Errorf("%w: invoke needs id and target", ErrMalformedFrame)
		}
	case FrameEvent:
		if f.Target == "" {
			return fmt.Errorf("%w: event needs target", ErrMalformedFrame)
		}
	case FrameResult:
		if f.ID == "" {
			return fmt.Errorf("%w: result needs id", ErrMalformedFrame)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return nil
}

func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func marshalArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}
