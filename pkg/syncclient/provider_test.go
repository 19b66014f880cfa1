package syncclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwrk-planet/canvas-sync/internal/memstore"
	"github.com/cwrk-planet/canvas-sync/internal/metrics"
	"github.com/cwrk-planet/canvas-sync/internal/service"
	"github.com/cwrk-planet/canvas-sync/internal/transport/ws"
	"github.com/cwrk-planet/canvas-sync/pkg/awareness"
	"github.com/cwrk-planet/canvas-sync/pkg/document"
	"github.com/cwrk-planet/canvas-sync/pkg/hubproto"
	"github.com/cwrk-planet/canvas-sync/pkg/localcache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type relayEnv struct {
	url   string
	store *service.StateService
	hits  atomic.Int32
	// down makes every handshake fail with a 503
	down atomic.Bool
}

// newRelayEnv serves a real hub. The first failFirst handshakes get a 503.
// wrap, when given, sits between the hub and the store.
func newRelayEnv(t *testing.T, backlog int, failFirst int32, wrap ...func(ws.StateStore) ws.StateStore) *relayEnv {
	t.Helper()
	hub := ws.NewHub(backlog)
	m := metrics.NewCollector("test")
	store := service.NewStateService(memstore.NewRoomStateRepository(), m)
	var hubStore ws.StateStore = store
	for _, fn := range wrap {
		hubStore = fn(hubStore)
	}
	srv := ws.NewServer(hub, ws.NewRelay(hub, nil, m), hubStore, m, ws.Options{
		PingEvery:   time.Second,
		SaveTimeout: time.Second,
	})

	env := &relayEnv{store: store}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if env.hits.Add(1) <= failFirst || env.down.Load() {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		srv.HandleWS(w, r)
	}))
	t.Cleanup(ts.Close)
	env.url = "ws" + strings.TrimPrefix(ts.URL, "http") + "/hub"
	return env
}

type peer struct {
	doc  *document.Document
	aw   *awareness.Awareness
	prov *Provider
	done chan error
}

func (e *relayEnv) start(t *testing.T, room, clientID string, mutate func(*peer), opts ...func(*Options)) *peer {
	t.Helper()
	p := &peer{doc: document.New(), aw: awareness.New(clientID), done: make(chan error, 1)}
	if mutate != nil {
		mutate(p)
	}
	o := Options{URL: e.url, RoomID: room, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
	for _, fn := range opts {
		fn(&o)
	}
	prov, err := New(p.doc, p.aw, o)
	require.NoError(t, err)
	p.prov = prov

	ctx, cancel := context.WithCancel(context.Background())
	go func() { p.done <- prov.Run(ctx) }()
	t.Cleanup(func() {
		_ = prov.Close(context.Background())
		cancel()
	})
	return p
}

// dropConn cuts the live websocket without telling the provider.
func (p *peer) dropConn(t *testing.T) {
	t.Helper()
	p.prov.mu.Lock()
	conn := p.prov.conn
	p.prov.mu.Unlock()
	require.NotNil(t, conn)
	_ = conn.Close()
}

type statusLog struct {
	mu   sync.Mutex
	seen []Status
}

func (l *statusLog) record(s Status) {
	l.mu.Lock()
	l.seen = append(l.seen, s)
	l.mu.Unlock()
}

func (l *statusLog) get() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.seen...)
}

func (p *peer) waitSynced(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return p.prov.Status() == StatusSynced }, waitFor, tick)
}

func TestNew_Validation(t *testing.T) {
	doc, aw := document.New(), awareness.New("a")
	_, err := New(doc, aw, Options{URL: "http://x/hub", RoomID: "r"})
	assert.Error(t, err)
	_, err = New(doc, aw, Options{URL: "ws://x/hub"})
	assert.Error(t, err)
	_, err = New(nil, aw, Options{URL: "ws://x/hub", RoomID: "r"})
	assert.Error(t, err)
}

func TestProvider_NewcomerReceivesExistingState(t *testing.T) {
	// no backlog: the newcomer only catches up through UserJoined resends
	env := newRelayEnv(t, 0, 0)

	var nodeID string
	a := env.start(t, "r1", "alice", func(p *peer) {
		var err error
		nodeID, err = p.doc.AddNode(document.Node{Type: "rect"})
		require.NoError(t, err)
	})
	a.waitSynced(t)

	b := env.start(t, "r1", "bob", nil)
	b.waitSynced(t)

	require.Eventually(t, func() bool {
		_, ok := b.doc.Node(nodeID)
		return ok
	}, waitFor, tick)
	require.Eventually(t, func() bool { return len(a.prov.Peers()) == 1 }, waitFor, tick)
}

func TestProvider_LiveEditsFlowBothWays(t *testing.T) {
	env := newRelayEnv(t, 32, 0)
	a := env.start(t, "r1", "alice", nil)
	b := env.start(t, "r1", "bob", nil)
	a.waitSynced(t)
	b.waitSynced(t)

	n1, err := a.doc.AddNode(document.Node{Type: "rect"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := b.doc.Node(n1); return ok }, waitFor, tick)

	n2, err := b.doc.AddNode(document.Node{Type: "circle"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := a.doc.Node(n2); return ok }, waitFor, tick)

	e, err := b.doc.AddEdge(document.Edge{Source: n1, Target: n2})
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := a.doc.Edge(e); return ok }, waitFor, tick)

	require.NoError(t, a.doc.RemoveNode(n1))
	require.Eventually(t, func() bool {
		_, nodeOK := b.doc.Node(n1)
		_, edgeOK := b.doc.Edge(e)
		return !nodeOK && !edgeOK
	}, waitFor, tick)
	assert.Equal(t, a.doc.View(), b.doc.View())
}

func TestProvider_AwarenessAndClose(t *testing.T) {
	env := newRelayEnv(t, 0, 0)
	a := env.start(t, "r1", "alice", nil)
	b := env.start(t, "r1", "bob", nil)
	a.waitSynced(t)
	b.waitSynced(t)

	require.NoError(t, a.aw.SetLocalState(map[string]string{"name": "Alice"}))
	require.Eventually(t, func() bool {
		_, ok := b.aw.States()["alice"]
		return ok
	}, waitFor, tick)

	require.NoError(t, a.prov.Close(context.Background()))
	assert.Equal(t, StatusClosed, a.prov.Status())
	require.Eventually(t, func() bool {
		_, ok := b.aw.States()["alice"]
		return !ok
	}, waitFor, tick)

	select {
	case err := <-a.done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Close")
	}
}

func TestProvider_SaveThenLateJoinerLoadsPersisted(t *testing.T) {
	env := newRelayEnv(t, 0, 0)
	cache, err := localcache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	var nodeID string
	a := env.start(t, "r1", "alice", func(p *peer) {
		nodeID, _ = p.doc.AddNode(document.Node{Type: "rect", Attrs: map[string]string{"label": "api"}})
	}, func(o *Options) { o.Cache = cache })
	a.waitSynced(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, a.prov.Save(ctx))

	st, err := env.store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.NotEmpty(t, st.DocumentState)

	entry, ok, err := cache.Get("r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, entry.State)

	// alice leaves; the room empties and only the store remembers
	require.NoError(t, a.prov.Close(ctx))

	c := env.start(t, "r1", "carol", nil)
	c.waitSynced(t)
	require.Eventually(t, func() bool {
		n, ok := c.doc.Node(nodeID)
		return ok && n.Attrs["label"] == "api"
	}, waitFor, tick)
}

func TestProvider_RestoresFromCache(t *testing.T) {
	src := document.New()
	id, err := src.AddNode(document.Node{Type: "rect"})
	require.NoError(t, err)

	cache, err := localcache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	require.NoError(t, cache.Put("r1", src.EncodeState()))

	doc := document.New()
	_, err = New(doc, awareness.New("a"), Options{URL: "ws://127.0.0.1:1/hub", RoomID: "r1", Cache: cache})
	require.NoError(t, err)
	_, ok := doc.Node(id)
	assert.True(t, ok)
}

func TestProvider_SaveRequiresConnection(t *testing.T) {
	p, err := New(document.New(), awareness.New("a"), Options{URL: "ws://127.0.0.1:1/hub", RoomID: "r1"})
	require.NoError(t, err)
	assert.ErrorIs(t, p.Save(context.Background()), ErrNotConnected)
}

func TestProvider_RetriesUntilRelayIsUp(t *testing.T) {
	env := newRelayEnv(t, 0, 3)
	a := env.start(t, "r1", "alice", nil)
	a.waitSynced(t)
	assert.GreaterOrEqual(t, env.hits.Load(), int32(4))
}

func TestProvider_GivesUp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	p, err := New(document.New(), awareness.New("a"), Options{
		URL:            "ws" + strings.TrimPrefix(ts.URL, "http") + "/hub",
		RoomID:         "r1",
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		GiveUpAfter:    100 * time.Millisecond,
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()
	select {
	case err := <-errCh:
		assert.Error(t, err)
		assert.Equal(t, StatusDisconnected, p.Status())
	case <-time.After(waitFor):
		t.Fatal("Run kept retrying")
	}
}

func TestProvider_ClientErrorIsPermanent(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer ts.Close()

	p, err := New(document.New(), awareness.New("a"), Options{
		URL:            "ws" + strings.TrimPrefix(ts.URL, "http") + "/hub",
		RoomID:         "r1",
		InitialBackoff: 5 * time.Millisecond,
		GiveUpAfter:    -1,
	})
	require.NoError(t, err)

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())

	var callErr *CallError
	assert.False(t, errors.As(err, &callErr))
}

func TestProvider_StatusesThroughJoinAndSync(t *testing.T) {
	env := newRelayEnv(t, 0, 0)
	p, err := New(document.New(), awareness.New("alice"), Options{URL: env.url, RoomID: "r1"})
	require.NoError(t, err)
	var log statusLog
	p.OnStatus(log.record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, func() bool { return p.Status() == StatusSynced }, waitFor, tick)
	assert.Equal(t, []Status{StatusConnecting, StatusJoined, StatusSyncing, StatusSynced}, log.get())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StatusDisconnected, p.Status())
}

func TestProvider_ReconnectResendsFullState(t *testing.T) {
	// no backlog: the offline edit can only arrive through the resync
	env := newRelayEnv(t, 0, 0)
	a := env.start(t, "r1", "alice", nil)
	b := env.start(t, "r1", "bob", nil)
	a.waitSynced(t)
	b.waitSynced(t)

	var log statusLog
	a.prov.OnStatus(log.record)

	env.down.Store(true)
	a.dropConn(t)
	require.Eventually(t, func() bool { return a.prov.Status() == StatusReconnecting }, waitFor, tick)

	id, err := a.doc.AddNode(document.Node{Type: "rect"})
	require.NoError(t, err)
	assert.Never(t, func() bool { _, ok := b.doc.Node(id); return ok }, 100*time.Millisecond, tick)

	env.down.Store(false)
	a.waitSynced(t)
	require.Eventually(t, func() bool { _, ok := b.doc.Node(id); return ok }, waitFor, tick)
	assert.Equal(t, []Status{StatusReconnecting, StatusJoined, StatusSyncing, StatusSynced}, log.get())
}

// gatedStore fails the first save once gate is closed; later saves pass.
type gatedStore struct {
	ws.StateStore
	gate  chan struct{}
	calls atomic.Int32
}

func (g *gatedStore) Save(ctx context.Context, roomID string, state []byte, metadata *string) error {
	if g.calls.Add(1) == 1 {
		<-g.gate
		return errors.New("disk full")
	}
	return g.StateStore.Save(ctx, roomID, state, metadata)
}

func TestProvider_SaveResolvesOnItsOwnCall(t *testing.T) {
	gs := &gatedStore{gate: make(chan struct{})}
	env := newRelayEnv(t, 0, 0, func(s ws.StateStore) ws.StateStore {
		gs.StateStore = s
		return gs
	})
	a := env.start(t, "r1", "alice", nil)
	b := env.start(t, "r1", "bob", nil)
	a.waitSynced(t)
	b.waitSynced(t)

	var (
		mu      sync.Mutex
		notices []bool
	)
	a.prov.OnSaveCompleted(func(res hubproto.SaveResult) {
		mu.Lock()
		notices = append(notices, res.Success)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	aErr := make(chan error, 1)
	go func() { aErr <- a.prov.Save(ctx) }()
	require.Eventually(t, func() bool { return gs.calls.Load() == 1 }, waitFor, tick)

	// bob's save lands first and the whole room hears about it
	require.NoError(t, b.prov.Save(ctx))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notices) == 1 && notices[0]
	}, waitFor, tick)
	assert.Never(t, func() bool { return len(aErr) > 0 }, 100*time.Millisecond, tick)

	close(gs.gate)
	select {
	case err := <-aErr:
		assert.ErrorIs(t, err, ErrSaveFailed)
	case <-time.After(waitFor):
		t.Fatal("alice's save never finished")
	}
}
