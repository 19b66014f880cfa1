package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cwrk-planet/canvas-sync/pkg/hubproto"

	"github.com/gorilla/websocket"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSendQueueFull = errors.New("send queue full")
)

const writeWait = 5 * time.Second

// session is one hub connection. Frames are queued and written by a
// single goroutine, so per-connection order is the order of Send calls.
type session struct {
	id   string
	conn *websocket.Conn

	queue     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(id string, conn *websocket.Conn, buffer int) *session {
	return &session{
		id:     id,
		conn:   conn,
		queue:  make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

func (s *session) ID() string { return s.id }

func (s *session) Send(f hubproto.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

func (s *session) enqueue(data []byte) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.queue <- data:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *session) Done() <-chan struct{} { return s.closed }

func (s *session) writeLoop(pingEvery time.Duration) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.queue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("ws write failed", "conn", s.id, "err", err)
				_ = s.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}
