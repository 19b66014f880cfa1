package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/cwrk-planet/canvas-sync/internal/domain"
	"github.com/cwrk-planet/canvas-sync/internal/metrics"
	"github.com/cwrk-planet/canvas-sync/pkg/hubproto"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// StateStore is the persistence the hub needs: load on join, save on request.
type StateStore interface {
	Load(ctx context.Context, roomID string) ([]byte, bool)
	Save(ctx context.Context, roomID string, state []byte, metadata *string) error
}

type Options struct {
	MaxPayloadBytes int
	SendBuffer      int
	PingEvery       time.Duration
	SaveTimeout     time.Duration
}

func (o *Options) defaults() {
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = hubproto.MaxPayloadSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.PingEvery <= 0 {
		o.PingEvery = 15 * time.Second
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 10 * time.Second
	}
}

type roomArgs struct {
	RoomID string `validate:"required,max=256"`
}

type Server struct {
	upgrader websocket.Upgrader
	hub      *Hub
	relay    *Relay
	store    StateStore
	metrics  *metrics.Collector
	validate *validator.Validate
	opts     Options
}

func NewServer(hub *Hub, relay *Relay, store StateStore, m *metrics.Collector, opts Options) *Server {
	opts.defaults()
	return &Server{
		hub:      hub,
		relay:    relay,
		store:    store,
		metrics:  m,
		validate: validator.New(),
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the request into a hub connection: GET /hub
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		slog.Warn("ws upgrade failed", "err", err)
		return
	}

	sess := newSession(uuid.NewString(), conn, s.opts.SendBuffer)
	s.metrics.SessionOpened()
	slog.Debug("ws connected", "conn", sess.id, "remote", r.RemoteAddr)

	go sess.writeLoop(s.opts.PingEvery)
	s.readLoop(sess)

	s.disconnect(sess)
}

func (s *Server) readLoop(sess *session) {
	defer func() { _ = sess.Close() }()

	sess.conn.SetReadLimit(hubproto.MaxFrameSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingEvery))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingEvery))
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("ws read failed", "conn", sess.id, "err", err)
			}
			return
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingEvery))

		f, err := hubproto.Decode(data)
		if err != nil {
			s.metrics.Drop("malformed_frame")
			slog.Warn("ws malformed frame dropped", "conn", sess.id, "err", err)
			continue
		}
		if f.Type != hubproto.FrameInvoke {
			continue
		}
		s.invoke(sess, f)
	}
}

// invoke runs one hub method. A panic fails only this invocation.
func (s *Server) invoke(sess *session, f hubproto.Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("ws invocation panic",
				"conn", sess.id,
				"method", f.Target,
				"panic", rec,
				"stack", string(debug.Stack()))
			_ = sess.Send(hubproto.NewResult(f.ID, nil, errors.New("internal error")))
		}
	}()

	var (
		result any
		err    error
	)
	switch f.Target {
	case hubproto.MethodJoinRoom:
		err = s.joinRoom(sess, f)
		if err == nil {
			return
		}
	case hubproto.MethodLeaveRoom:
		err = s.leaveRoom(sess, f)
	case hubproto.MethodSyncMessage:
		err = s.syncMessage(sess, f)
	case hubproto.MethodAwarenessUpdate:
		err = s.awarenessUpdate(sess, f)
	case hubproto.MethodSaveFullState:
		// completes asynchronously so relaying is not held up by the store
		if err = s.saveFullState(sess, f); err == nil {
			return
		}
	case hubproto.MethodGetRoomUsers:
		result, err = s.getRoomUsers(f)
	default:
		err = fmt.Errorf("unknown method %q", f.Target)
	}

	if err != nil {
		slog.Debug("ws invocation failed", "conn", sess.id, "method", f.Target, "err", err)
	}
	_ = sess.Send(hubproto.NewResult(f.ID, result, err))
}

func (s *Server) roomArg(f hubproto.Frame) (string, error) {
	var a roomArgs
	if err := f.Arg(0, &a.RoomID); err != nil {
		return "", err
	}
	if err := s.validate.Struct(a); err != nil {
		return "", fmt.Errorf("%w: room id: %v", hubproto.ErrMalformedFrame, err)
	}
	return a.RoomID, nil
}

func (s *Server) joinRoom(sess *session, f hubproto.Frame) error {
	roomID, err := s.roomArg(f)
	if err != nil {
		return err
	}

	prev, joined := s.hub.Join(roomID, sess)
	if prev != "" {
		s.relay.SendToRoomExcept(prev, sess.id, hubproto.EventUserLeft, sess.id)
	}
	_ = sess.Send(hubproto.NewResult(f.ID, nil, nil))
	if !joined {
		return nil
	}
	s.metrics.SetRooms(s.hub.RoomCount())
	slog.Info("joined room", "room", roomID, "conn", sess.id)

	s.relay.SendToRoomExcept(roomID, sess.id, hubproto.EventUserJoined, sess.id)
	s.sendInitialState(sess, roomID)
	return nil
}

// sendInitialState hands a new member the persisted snapshot, once, then
// the updates relayed since, each as its own message.
func (s *Server) sendInitialState(sess *session, roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SaveTimeout)
	defer cancel()

	if state, found := s.store.Load(ctx, roomID); found && len(state) > 0 {
		s.relay.SendTo(sess, hubproto.EventLoadPersistedState, hubproto.EncodeUpdate(state))
	}
	for _, update := range s.hub.Backlog(roomID) {
		s.relay.SendTo(sess, hubproto.EventReceiveSyncMessage, hubproto.EncodeUpdate(update))
	}
}

func (s *Server) leaveRoom(sess *session, f hubproto.Frame) error {
	roomID, err := s.roomArg(f)
	if err != nil {
		return err
	}
	if s.hub.Leave(roomID, sess.id) {
		s.metrics.SetRooms(s.hub.RoomCount())
		slog.Info("left room", "room", roomID, "conn", sess.id)
		s.relay.SendToRoomExcept(roomID, sess.id, hubproto.EventUserLeft, sess.id)
	}
	return nil
}

func (s *Server) memberPayload(sess *session, f hubproto.Frame) (roomID, payload string, err error) {
	if roomID, err = s.roomArg(f); err != nil {
		return "", "", err
	}
	if err = f.Arg(1, &payload); err != nil {
		return "", "", err
	}
	if !s.hub.Contains(roomID, sess.id) {
		s.metrics.Drop("not_member")
		return "", "", domain.ErrNotInRoom
	}
	return roomID, payload, nil
}

func (s *Server) syncMessage(sess *session, f hubproto.Frame) error {
	roomID, payload, err := s.memberPayload(sess, f)
	if err != nil {
		return err
	}
	update, err := hubproto.DecodeUpdate(payload, s.opts.MaxPayloadBytes)
	switch {
	case errors.Is(err, hubproto.ErrEmptyPayload):
		s.metrics.Drop("empty")
		return nil
	case err != nil:
		return s.rejectPayload(sess, roomID, f.Target, err)
	}

	s.hub.AppendBacklog(roomID, update)
	s.relay.SendToRoomExcept(roomID, sess.id, hubproto.EventReceiveSyncMessage, payload)
	return nil
}

func (s *Server) awarenessUpdate(sess *session, f hubproto.Frame) error {
	roomID, payload, err := s.memberPayload(sess, f)
	if err != nil {
		return err
	}
	_, err = hubproto.DecodeAwareness(payload, s.opts.MaxPayloadBytes)
	switch {
	case errors.Is(err, hubproto.ErrEmptyPayload):
		s.metrics.Drop("empty")
		return nil
	case err != nil:
		return s.rejectPayload(sess, roomID, f.Target, err)
	}

	s.relay.SendToRoomExcept(roomID, sess.id, hubproto.EventReceiveAwarenessUpdate, payload)
	return nil
}

func (s *Server) rejectPayload(sess *session, roomID, method string, err error) error {
	if errors.Is(err, hubproto.ErrPayloadTooLarge) {
		s.metrics.Drop("too_large")
	} else {
		s.metrics.Drop("malformed_payload")
	}
	slog.Warn("ws payload rejected", "conn", sess.id, "room", roomID, "method", method, "err", err)
	return err
}

func (s *Server) saveFullState(sess *session, f hubproto.Frame) error {
	roomID, payload, err := s.memberPayload(sess, f)
	if err != nil {
		return err
	}
	state, err := hubproto.DecodeUpdate(payload, s.opts.MaxPayloadBytes)
	if err != nil {
		s.completeSave(roomID, err)
		return s.rejectPayload(sess, roomID, f.Target, err)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.SaveTimeout)
		defer cancel()

		err := s.store.Save(ctx, roomID, state, nil)
		if err != nil {
			slog.Error("ws save failed", "room", roomID, "conn", sess.id, "err", err)
		} else {
			slog.Info("room state saved", "room", roomID, "size", len(state))
		}
		_ = sess.Send(hubproto.NewResult(f.ID, nil, err))
		s.completeSave(roomID, err)
	}()
	return nil
}

func (s *Server) completeSave(roomID string, err error) {
	res := hubproto.SaveResult{RoomID: roomID, Success: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	s.relay.SendToRoom(roomID, hubproto.EventSaveCompleted, res)
}

func (s *Server) getRoomUsers(f hubproto.Frame) ([]string, error) {
	roomID, err := s.roomArg(f)
	if err != nil {
		return nil, err
	}
	members := s.hub.Members(roomID)
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ConnID)
	}
	return ids, nil
}

func (s *Server) disconnect(sess *session) {
	rooms := s.hub.OnDisconnect(sess.id)
	for _, roomID := range rooms {
		s.relay.SendToRoomExcept(roomID, sess.id, hubproto.EventUserLeft, sess.id)
	}
	s.metrics.SetRooms(s.hub.RoomCount())
	s.metrics.SessionClosed()
	slog.Debug("ws disconnected", "conn", sess.id, "rooms", rooms)
}
