package ws

import (
	"fmt"
	"sync"
	"testing"

	"github.com/cwrk-planet/canvas-sync/internal/metrics"
	"github.com/cwrk-planet/canvas-sync/pkg/hubproto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames []hubproto.Frame
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(f hubproto.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Target)
	}
	return out
}

func TestHub_JoinIsIdempotent(t *testing.T) {
	h := NewHub(0)
	a := newFakeConn("a")

	prev, joined := h.Join("r1", a)
	assert.Empty(t, prev)
	assert.True(t, joined)

	_, joined = h.Join("r1", a)
	assert.False(t, joined)
	assert.Len(t, h.Members("r1"), 1)
}

func TestHub_JoinMovesBetweenRooms(t *testing.T) {
	h := NewHub(0)
	a := newFakeConn("a")
	h.Join("r1", a)

	prev, joined := h.Join("r2", a)
	assert.True(t, joined)
	assert.Equal(t, "r1", prev)
	assert.Equal(t, []string{"r2"}, h.Rooms(), "empty r1 is dropped")

	roomID, ok := h.RoomOf("a")
	require.True(t, ok)
	assert.Equal(t, "r2", roomID)
}

func TestHub_LastLeaveRemovesRoom(t *testing.T) {
	h := NewHub(4)
	a, b := newFakeConn("a"), newFakeConn("b")
	h.Join("r1", a)
	h.Join("r1", b)
	h.AppendBacklog("r1", []byte{1})

	assert.True(t, h.Leave("r1", "a"))
	assert.False(t, h.Leave("r1", "a"))
	assert.Equal(t, 1, h.RoomCount())

	assert.True(t, h.Leave("r1", "b"))
	assert.Equal(t, 0, h.RoomCount())
	assert.Empty(t, h.Members("r1"))
	assert.Nil(t, h.Backlog("r1"), "backlog goes away with the room")
}

func TestHub_OnDisconnect(t *testing.T) {
	h := NewHub(0)
	a, b := newFakeConn("a"), newFakeConn("b")
	h.Join("r1", a)
	h.Join("r1", b)

	assert.Equal(t, []string{"r1"}, h.OnDisconnect("a"))
	assert.Nil(t, h.OnDisconnect("a"))
	assert.False(t, h.Contains("r1", "a"))
	assert.True(t, h.Contains("r1", "b"))
}

func TestHub_RecipientsExcludeSender(t *testing.T) {
	h := NewHub(0)
	for _, id := range []string{"a", "b", "c"} {
		h.Join("r1", newFakeConn(id))
	}
	ids := map[string]bool{}
	for _, c := range h.Recipients("r1", "b") {
		ids[c.ID()] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "c": true}, ids)
	assert.Nil(t, h.Recipients("nope", ""))
}

func TestHub_BacklogIsBounded(t *testing.T) {
	h := NewHub(3)
	h.Join("r1", newFakeConn("a"))
	for i := 1; i <= 5; i++ {
		h.AppendBacklog("r1", []byte{byte(i)})
	}
	h.AppendBacklog("r1", nil)
	assert.Equal(t, [][]byte{{3}, {4}, {5}}, h.Backlog("r1"))

	h.AppendBacklog("ghost", []byte{1})
	assert.Nil(t, h.Backlog("ghost"))
}

func TestHub_ConcurrentJoinLeave(t *testing.T) {
	h := NewHub(8)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(fmt.Sprintf("c%d", i))
			room := fmt.Sprintf("r%d", i%5)
			h.Join(room, c)
			h.AppendBacklog(room, []byte{byte(i)})
			_ = h.Members(room)
			if i%2 == 0 {
				h.Leave(room, c.ID())
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range h.Rooms() {
		total += len(h.Members(r))
	}
	assert.Equal(t, 25, total)
}

func TestRelay_SendToRoomExcept(t *testing.T) {
	h := NewHub(0)
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	h.Join("r1", a)
	h.Join("r1", b)
	h.Join("r2", c)
	require.NoError(t, b.Close())

	r := NewRelay(h, nil, metrics.NewCollector("test"))
	n := r.SendToRoomExcept("r1", "a", hubproto.EventReceiveSyncMessage, "AQI=")
	assert.Equal(t, 0, n, "closed member drops silently")
	assert.Empty(t, a.events())
	assert.Empty(t, c.events())

	n = r.SendToRoom("r1", hubproto.EventSaveCompleted, hubproto.SaveResult{RoomID: "r1", Success: true})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{hubproto.EventSaveCompleted}, a.events())
}
