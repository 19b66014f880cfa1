// Package syncclient connects a document and its awareness to a relay hub
// room and keeps them in sync with the other members.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwrk-planet/canvas-sync/pkg/awareness"
	"github.com/cwrk-planet/canvas-sync/pkg/document"
	"github.com/cwrk-planet/canvas-sync/pkg/hubproto"
	"github.com/cwrk-planet/canvas-sync/pkg/localcache"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusJoined       Status = "joined"  // in the room, nothing exchanged yet
	StatusSyncing      Status = "syncing" // full state sent, catching up
	StatusSynced       Status = "synced"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

var (
	ErrNotConnected = errors.New("syncclient: not connected to the room")
	ErrClosed       = errors.New("syncclient: provider closed")
	ErrSaveFailed   = errors.New("syncclient: save failed")
)

// CallError is a hub method that completed with an error.
type CallError struct {
	Method  string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("syncclient: %s: %s", e.Method, e.Message)
}

// Cache keeps the last known state of a room on the client.
type Cache interface {
	Get(roomID string) (localcache.Entry, bool, error)
	Put(roomID string, state []byte) error
}

type Options struct {
	// URL of the hub endpoint, e.g. ws://localhost:8080/hub.
	URL    string
	RoomID string
	Header http.Header
	Dialer *websocket.Dialer

	InitialBackoff time.Duration // 1s
	MaxBackoff     time.Duration // 30s
	// GiveUpAfter stops reconnecting once this much time has passed without
	// a connection. Zero means one minute, negative means never give up.
	GiveUpAfter time.Duration
	CallTimeout time.Duration // 10s

	MaxPayloadBytes int
	Cache           Cache
	Logger          *slog.Logger
}

func (o *Options) defaults() {
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		}
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.GiveUpAfter == 0 {
		o.GiveUpAfter = time.Minute
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = hubproto.MaxPayloadSize
	}
}

const writeWait = 5 * time.Second

type callResult struct {
	frame hubproto.Frame
	err   error
}

type Provider struct {
	opts Options
	room string
	doc  *document.Document
	aw   *awareness.Awareness
	log  *slog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	status      Status
	closed      bool
	cancelRun   context.CancelFunc
	pending     map[string]chan callResult
	peers       map[string]struct{}
	parked      json.RawMessage // local awareness held while offline

	seq              atomic.Uint64
	persistedApplied atomic.Bool

	hmu      sync.RWMutex
	onStatus []func(Status)
	onPeer   []func(connID string, joined bool)
	onSaved  []func(hubproto.SaveResult)
}

// New wires doc and aw to the room. Nothing is dialled until Run.
func New(doc *document.Document, aw *awareness.Awareness, opts Options) (*Provider, error) {
	if doc == nil || aw == nil {
		return nil, errors.New("syncclient: document and awareness are required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("syncclient: invalid hub url %q", opts.URL)
	}
	if opts.RoomID == "" {
		return nil, errors.New("syncclient: room id is required")
	}
	opts.defaults()

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Provider{
		opts:        opts,
		room:        opts.RoomID,
		doc:         doc,
		aw:          aw,
		log:         log.With("component", "syncclient", "room", opts.RoomID),
		status:      StatusDisconnected,
		pending:     make(map[string]chan callResult),
		peers:       make(map[string]struct{}),
	}

	if opts.Cache != nil {
		p.restoreFromCache()
	}
	doc.OnUpdate(p.onDocUpdate)
	aw.OnUpdate(p.onAwarenessUpdate)
	return p, nil
}

func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Provider) OnStatus(fn func(Status)) {
	p.hmu.Lock()
	p.onStatus = append(p.onStatus, fn)
	p.hmu.Unlock()
}

// OnPeer reports members joining or leaving the room.
func (p *Provider) OnPeer(fn func(connID string, joined bool)) {
	p.hmu.Lock()
	p.onPeer = append(p.onPeer, fn)
	p.hmu.Unlock()
}

// OnSaveCompleted reports every save of the room, whoever asked for it.
func (p *Provider) OnSaveCompleted(fn func(hubproto.SaveResult)) {
	p.hmu.Lock()
	p.onSaved = append(p.onSaved, fn)
	p.hmu.Unlock()
}

// Peers lists the connection ids seen joining since this provider joined.
func (p *Provider) Peers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.peers))
	for id := range p.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run connects, joins the room and keeps reconnecting until ctx is done,
// Close is called, or reconnecting gives up.
func (p *Provider) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.cancelRun = cancel
	p.mu.Unlock()

	go func() { _ = p.aw.Run(ctx) }()

	phase := StatusConnecting
	for {
		conn, err := p.dial(ctx, phase)
		if err != nil {
			p.setStatus(StatusDisconnected)
			if p.isClosed() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("syncclient: reconnect gave up: %w", err)
		}

		err = p.serve(ctx, conn)
		p.dropConn(conn)
		if p.isClosed() || ctx.Err() != nil {
			p.setStatus(StatusDisconnected)
			return nil
		}
		p.log.Warn("connection lost, reconnecting", "err", err)
		phase = StatusReconnecting
		p.setStatus(phase)
	}
}

// dial retries with backoff; phase is the status shown meanwhile.
func (p *Provider) dial(ctx context.Context, phase Status) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialBackoff
	b.MaxInterval = p.opts.MaxBackoff
	b.Multiplier = 2

	maxElapsed := p.opts.GiveUpAfter
	if maxElapsed < 0 {
		maxElapsed = 0
	}

	p.setStatus(phase)
	op := func() (*websocket.Conn, error) {
		conn, resp, err := p.opts.Dialer.DialContext(ctx, p.opts.URL, p.opts.Header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(fmt.Errorf("dial %s: %s", p.opts.URL, resp.Status))
			}
			return nil, err
		}
		return conn, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.Info("dial failed", "err", err, "retry_in", next)
		}),
	)
}

func (p *Provider) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(hubproto.MaxFrameSize)
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	readErr := make(chan error, 1)
	go func() { readErr <- p.readLoop(conn) }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	fail := func(step string, err error) error {
		_ = conn.Close()
		<-readErr
		return fmt.Errorf("%s: %w", step, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	_, err := p.invoke(callCtx, hubproto.MethodJoinRoom, p.room)
	cancel()
	if err != nil {
		return fail("join room", err)
	}
	p.setStatus(StatusJoined)
	p.log.Info("joined room")

	p.unparkAwareness()
	p.setStatus(StatusSyncing)
	p.requestSync()

	// The relay answers in order, so once this call returns the persisted
	// snapshot and the recent updates it holds for the room have been
	// applied.
	callCtx, cancel = context.WithTimeout(ctx, p.opts.CallTimeout)
	_, err = p.invoke(callCtx, hubproto.MethodGetRoomUsers, p.room)
	cancel()
	if err != nil {
		return fail("sync room", err)
	}
	p.setStatus(StatusSynced)

	return <-readErr
}

// dropConn forgets conn, fails calls still waiting on it and takes the
// local presence offline.
func (p *Provider) dropConn(conn *websocket.Conn) {
	_ = conn.Close()

	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	pending := p.pending
	p.pending = make(map[string]chan callResult)
	p.peers = make(map[string]struct{})
	p.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: ErrNotConnected}
	}
	p.parkAwareness()
}

// requestSync pushes the whole document and awareness so members that
// missed updates while we were away catch up.
func (p *Provider) requestSync() {
	p.sendFullState()
	p.sendAwareness()
}

func (p *Provider) sendFullState() {
	if !p.doc.HasData() {
		return
	}
	p.sendUpdate(p.doc.EncodeState())
}

func (p *Provider) sendAwareness(ids ...string) {
	data, err := p.aw.Encode(ids...)
	if err != nil {
		p.log.Warn("encode awareness failed", "err", err)
		return
	}
	if len(data) == 0 {
		return
	}
	if err := p.fire(hubproto.MethodAwarenessUpdate, p.room, hubproto.EncodeAwareness(data)); err != nil {
		p.log.Debug("awareness broadcast skipped", "err", err)
	}
}

func (p *Provider) sendUpdate(update []byte) {
	if len(update) == 0 {
		return
	}
	if err := p.fire(hubproto.MethodSyncMessage, p.room, hubproto.EncodeUpdate(update)); err != nil {
		p.log.Debug("update broadcast skipped", "err", err)
	}
}

func (p *Provider) onDocUpdate(update []byte, origin document.Origin) {
	// only our own edits go out; remote and persisted ones would echo
	if origin != document.OriginLocal || !p.live() {
		return
	}
	p.sendUpdate(update)
}

func (p *Provider) onAwarenessUpdate(ch awareness.Change) {
	if ch.Origin != awareness.OriginLocal || !p.live() {
		return
	}
	p.sendAwareness(ch.IDs()...)
}

func (p *Provider) parkAwareness() {
	state := p.aw.LocalState()
	if state == nil {
		return
	}
	p.mu.Lock()
	p.parked = state
	p.mu.Unlock()
	_ = p.aw.SetLocalState(nil)
}

func (p *Provider) unparkAwareness() {
	p.mu.Lock()
	state := p.parked
	p.parked = nil
	p.mu.Unlock()
	if state != nil && p.aw.LocalState() == nil {
		_ = p.aw.SetLocalState(state)
	}
}

func (p *Provider) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := hubproto.Decode(data)
		if err != nil {
			p.log.Warn("malformed frame dropped", "err", err)
			continue
		}
		switch f.Type {
		case hubproto.FrameResult:
			p.resolve(f)
		case hubproto.FrameEvent:
			p.handleEvent(f)
		}
	}
}

func (p *Provider) resolve(f hubproto.Frame) {
	p.mu.Lock()
	ch, ok := p.pending[f.ID]
	delete(p.pending, f.ID)
	p.mu.Unlock()
	if ok {
		ch <- callResult{frame: f}
	}
}

// handleEvent runs one server push. A bad payload is logged and dropped.
func (p *Provider) handleEvent(f hubproto.Frame) {
	switch f.Target {
	case hubproto.EventReceiveSyncMessage:
		update, ok := p.updateArg(f)
		if !ok {
			return
		}
		if err := p.doc.Apply(update, document.OriginRemote); err != nil {
			p.log.Warn("remote update dropped", "err", err)
		}

	case hubproto.EventLoadPersistedState:
		if !p.persistedApplied.CompareAndSwap(false, true) {
			return
		}
		state, ok := p.updateArg(f)
		if !ok {
			p.persistedApplied.Store(false)
			return
		}
		if err := p.doc.Apply(state, document.OriginPersisted); err != nil {
			p.persistedApplied.Store(false)
			p.log.Warn("persisted state dropped", "err", err)
			return
		}
		p.log.Info("persisted state loaded", "size", len(state))
		p.cachePut()

	case hubproto.EventReceiveAwarenessUpdate:
		var payload string
		if err := f.Arg(0, &payload); err != nil {
			p.log.Warn("awareness event dropped", "err", err)
			return
		}
		data, err := hubproto.DecodeAwareness(payload, p.opts.MaxPayloadBytes)
		if err != nil {
			p.log.Warn("awareness event dropped", "err", err)
			return
		}
		if err := p.aw.Apply(data, awareness.OriginRemote); err != nil {
			p.log.Warn("awareness event dropped", "err", err)
		}

	case hubproto.EventUserJoined:
		var connID string
		if err := f.Arg(0, &connID); err != nil {
			return
		}
		p.mu.Lock()
		p.peers[connID] = struct{}{}
		p.mu.Unlock()
		p.emitPeer(connID, true)
		// the newcomer gets everything we have
		if p.live() {
			p.requestSync()
		}

	case hubproto.EventUserLeft:
		var connID string
		if err := f.Arg(0, &connID); err != nil {
			return
		}
		p.mu.Lock()
		delete(p.peers, connID)
		p.mu.Unlock()
		p.emitPeer(connID, false)

	case hubproto.EventSaveCompleted:
		var res hubproto.SaveResult
		if err := f.Arg(0, &res); err != nil || res.RoomID != p.room {
			return
		}
		p.log.Debug("room saved", "success", res.Success)
		p.emitSaved(res)
	}
}

func (p *Provider) updateArg(f hubproto.Frame) ([]byte, bool) {
	var payload string
	if err := f.Arg(0, &payload); err != nil {
		p.log.Warn("event dropped", "event", f.Target, "err", err)
		return nil, false
	}
	update, err := hubproto.DecodeUpdate(payload, p.opts.MaxPayloadBytes)
	if err != nil {
		if !errors.Is(err, hubproto.ErrEmptyPayload) {
			p.log.Warn("event dropped", "event", f.Target, "err", err)
		}
		return nil, false
	}
	return update, true
}

// Save asks the relay to persist the current document. The relay answers
// the call once the store is done, so the outcome is this call's own.
func (p *Provider) Save(ctx context.Context) error {
	if p.Status() != StatusSynced {
		return ErrNotConnected
	}
	state := p.doc.EncodeState()

	_, err := p.invoke(ctx, hubproto.MethodSaveFullState, p.room, hubproto.EncodeUpdate(state))
	switch {
	case err == nil:
		p.cachePut()
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
}

// Users asks the relay who is in the room.
func (p *Provider) Users(ctx context.Context) ([]string, error) {
	res, err := p.invoke(ctx, hubproto.MethodGetRoomUsers, p.room)
	if err != nil {
		return nil, err
	}
	var ids []string
	if len(res.Result) > 0 {
		if err := json.Unmarshal(res.Result, &ids); err != nil {
			return nil, fmt.Errorf("syncclient: decode users: %w", err)
		}
	}
	return ids, nil
}

// Close announces that this client left, leaves the room and stops Run.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancelRun
	conn := p.conn
	synced := p.status == StatusSynced || p.status == StatusSyncing
	p.mu.Unlock()

	var err error
	if synced {
		// goes out through onAwarenessUpdate while still joined
		_ = p.aw.SetLocalState(nil)
		if _, lerr := p.invoke(ctx, hubproto.MethodLeaveRoom, p.room); lerr != nil {
			err = lerr
		}
	} else {
		_ = p.aw.SetLocalState(nil)
	}
	p.cachePut()

	if conn != nil {
		p.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		p.writeMu.Unlock()
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	p.setStatus(StatusClosed)
	return err
}

func (p *Provider) invoke(ctx context.Context, method string, args ...any) (hubproto.Frame, error) {
	id := strconv.FormatUint(p.seq.Add(1), 10)
	f, err := hubproto.NewInvoke(id, method, args...)
	if err != nil {
		return hubproto.Frame{}, err
	}

	ch := make(chan callResult, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.write(f); err != nil {
		return hubproto.Frame{}, err
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return hubproto.Frame{}, res.err
		}
		if res.frame.Error != "" {
			return res.frame, &CallError{Method: method, Message: res.frame.Error}
		}
		return res.frame, nil
	case <-ctx.Done():
		return hubproto.Frame{}, ctx.Err()
	}
}

// fire invokes method without waiting for its result.
func (p *Provider) fire(method string, args ...any) error {
	f, err := hubproto.NewInvoke(strconv.FormatUint(p.seq.Add(1), 10), method, args...)
	if err != nil {
		return err
	}
	return p.write(f)
}

func (p *Provider) write(f hubproto.Frame) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (p *Provider) restoreFromCache() {
	e, ok, err := p.opts.Cache.Get(p.room)
	if err != nil {
		p.log.Warn("local cache read failed", "err", err)
		return
	}
	if !ok || len(e.State) == 0 {
		return
	}
	if err := p.doc.Apply(e.State, document.OriginPersisted); err != nil {
		p.log.Warn("local cache entry dropped", "err", err)
		return
	}
	p.log.Info("restored from local cache", "saved_at", e.SavedAt, "size", len(e.State))
}

func (p *Provider) cachePut() {
	if p.opts.Cache == nil || !p.doc.HasData() {
		return
	}
	if err := p.opts.Cache.Put(p.room, p.doc.EncodeState()); err != nil {
		p.log.Warn("local cache write failed", "err", err)
	}
}

// live reports whether local edits go out to the room.
func (p *Provider) live() bool {
	st := p.Status()
	return st == StatusSyncing || st == StatusSynced
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.status == s || (p.closed && s != StatusClosed) {
		p.mu.Unlock()
		return
	}
	p.status = s
	p.mu.Unlock()
	p.emitStatus(s)
}

func (p *Provider) emitStatus(s Status) {
	p.hmu.RLock()
	hs := append([]func(Status){}, p.onStatus...)
	p.hmu.RUnlock()
	for _, fn := range hs {
		fn(s)
	}
}

func (p *Provider) emitPeer(connID string, joined bool) {
	p.hmu.RLock()
	hs := append([]func(string, bool){}, p.onPeer...)
	p.hmu.RUnlock()
	for _, fn := range hs {
		fn(connID, joined)
	}
}

func (p *Provider) emitSaved(res hubproto.SaveResult) {
	p.hmu.RLock()
	hs := append([]func(hubproto.SaveResult){}, p.onSaved...)
	p.hmu.RUnlock()
	for _, fn := range hs {
		fn(res)
	}
}
