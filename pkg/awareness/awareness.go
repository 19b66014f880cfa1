// Package awareness keeps the ephemeral per-client presence shared in a
// room: user name, color, cursor. Nothing here is persisted.
//
// Every client owns exactly one entry and bumps its clock whenever that
// entry changes; peers keep the entry with the highest clock. An entry with
// a null state marks a client that went away.
package awareness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Timeout after which a silent remote entry is dropped. The local entry is
// renewed every Timeout/2 so peers keep it.
const Timeout = 30 * time.Second

var ErrMalformed = errors.New("malformed awareness payload")

type Origin string

const (
	OriginLocal   Origin = "local"
	OriginRemote  Origin = "remote"
	OriginTimeout Origin = "timeout"
)

// Change lists the client ids touched by one operation.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
	Origin  Origin
}

// IDs returns every id in the change.
func (c Change) IDs() []string {
	out := make([]string, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

func (c Change) empty() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) == 0
}

type Handler func(Change)

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

// wire format of one entry
type entry struct {
	ClientID string          `json:"clientId"`
	Clock    uint64          `json:"clock"`
	State    json.RawMessage `json:"state"`
}

type Awareness struct {
	clientID string
	now      func() time.Time

	mu     sync.Mutex
	states map[string]json.RawMessage
	meta   map[string]meta

	hmu      sync.RWMutex
	onChange []Handler
	onUpdate []Handler
}

func New(clientID string) *Awareness {
	return &Awareness{
		clientID: clientID,
		now:      time.Now,
		states:   make(map[string]json.RawMessage),
		meta:     make(map[string]meta),
	}
}

func (a *Awareness) ClientID() string { return a.clientID }

// OnChange fires when an entry is added, removed, or its state differs.
func (a *Awareness) OnChange(fn Handler) {
	a.hmu.Lock()
	a.onChange = append(a.onChange, fn)
	a.hmu.Unlock()
}

// OnUpdate fires on every accepted entry, renewals included. This is the
// hook to broadcast from.
func (a *Awareness) OnUpdate(fn Handler) {
	a.hmu.Lock()
	a.onUpdate = append(a.onUpdate, fn)
	a.hmu.Unlock()
}

// SetLocalState replaces the local entry. A nil state marks this client as
// gone.
func (a *Awareness) SetLocalState(state any) error {
	var raw json.RawMessage
	if state != nil {
		b, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("awareness: encode local state: %w", err)
		}
		if !bytes.Equal(b, []byte("null")) {
			raw = b
		}
	}

	a.mu.Lock()
	prev, had := a.states[a.clientID]
	m := a.meta[a.clientID]
	m.clock++
	m.lastUpdated = a.now()
	a.meta[a.clientID] = m

	var ch Change
	switch {
	case raw == nil:
		delete(a.states, a.clientID)
		if had {
			ch.Removed = []string{a.clientID}
		}
	case !had:
		a.states[a.clientID] = raw
		ch.Added = []string{a.clientID}
	default:
		a.states[a.clientID] = raw
		ch.Updated = []string{a.clientID}
	}
	changed := !had || raw == nil || !bytes.Equal(prev, raw)
	a.mu.Unlock()

	ch.Origin = OriginLocal
	a.emit(ch, changed && !ch.empty())
	return nil
}

// SetLocalField sets one top-level field of the local state.
func (a *Awareness) SetLocalField(field string, value any) error {
	cur := map[string]any{}
	if raw := a.LocalState(); raw != nil {
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("awareness: local state is not an object: %w", err)
		}
	}
	cur[field] = value
	return a.SetLocalState(cur)
}

func (a *Awareness) LocalState() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[a.clientID]
}

// States returns a copy of every known live entry, keyed by client id.
func (a *Awareness) States() map[string]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]json.RawMessage, len(a.states))
	for id, s := range a.states {
		out[id] = s
	}
	return out
}

// ClientIDs lists the live entries, sorted.
func (a *Awareness) ClientIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Encode serialises the given entries, removed ones included as null.
// With no ids every live entry is encoded.
func (a *Awareness) Encode(ids ...string) ([]byte, error) {
	a.mu.Lock()
	if len(ids) == 0 {
		for id := range a.states {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		state := a.states[id]
		if state == nil {
			state = json.RawMessage("null")
		}
		entries = append(entries, entry{ClientID: id, Clock: m.clock, State: state})
	}
	a.mu.Unlock()

	if len(entries) == 0 {
		return nil, nil
	}
	return json.Marshal(entries)
}

// Apply merges entries received from a peer.
func (a *Awareness) Apply(data []byte, origin Origin) error {
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if origin == OriginLocal {
		origin = OriginRemote
	}

	now := a.now()
	var (
		ch      = Change{Origin: origin}
		update  = Change{Origin: origin}
		reclaim bool
	)

	a.mu.Lock()
	for _, e := range entries {
		if e.ClientID == "" {
			continue
		}
		state := e.State
		if len(state) == 0 || bytes.Equal(state, []byte("null")) {
			state = nil
		}

		if e.ClientID == a.clientID {
			// a peer timed us out while we are still here: announce again
			if state == nil && a.states[a.clientID] != nil && e.Clock >= a.meta[a.clientID].clock {
				m := a.meta[a.clientID]
				m.clock = e.Clock + 1
				m.lastUpdated = now
				a.meta[a.clientID] = m
				reclaim = true
			}
			continue
		}

		cur, known := a.meta[e.ClientID]
		prev, live := a.states[e.ClientID]
		accept := !known || e.Clock > cur.clock ||
			(e.Clock == cur.clock && state == nil && live)
		if !accept {
			continue
		}
		a.meta[e.ClientID] = meta{clock: e.Clock, lastUpdated: now}

		switch {
		case state == nil:
			if live {
				delete(a.states, e.ClientID)
				ch.Removed = append(ch.Removed, e.ClientID)
				update.Removed = append(update.Removed, e.ClientID)
			}
		case !live:
			a.states[e.ClientID] = state
			ch.Added = append(ch.Added, e.ClientID)
			update.Added = append(update.Added, e.ClientID)
		default:
			a.states[e.ClientID] = state
			update.Updated = append(update.Updated, e.ClientID)
			if !bytes.Equal(prev, state) {
				ch.Updated = append(ch.Updated, e.ClientID)
			}
		}
	}
	a.mu.Unlock()

	a.dispatch(a.changeHandlers(), ch)
	a.dispatch(a.updateHandlers(), update)
	if reclaim {
		a.dispatch(a.updateHandlers(), Change{Updated: []string{a.clientID}, Origin: OriginLocal})
	}
	return nil
}

// Remove drops remote entries, e.g. for peers known to have left.
func (a *Awareness) Remove(origin Origin, ids ...string) {
	ch := Change{Origin: origin}
	a.mu.Lock()
	for _, id := range ids {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		if id == a.clientID {
			m := a.meta[id]
			m.clock++
			a.meta[id] = m
		}
		ch.Removed = append(ch.Removed, id)
	}
	a.mu.Unlock()
	a.emit(ch, true)
}

// CheckStale renews the local entry when it is half way to Timeout and
// drops remote entries that have been silent for longer than Timeout.
func (a *Awareness) CheckStale() {
	now := a.now()
	var (
		renew   bool
		removed []string
	)

	a.mu.Lock()
	if _, ok := a.states[a.clientID]; ok {
		m := a.meta[a.clientID]
		if now.Sub(m.lastUpdated) >= Timeout/2 {
			m.clock++
			m.lastUpdated = now
			a.meta[a.clientID] = m
			renew = true
		}
	}
	for id, m := range a.meta {
		if id == a.clientID {
			continue
		}
		if _, live := a.states[id]; live && now.Sub(m.lastUpdated) >= Timeout {
			delete(a.states, id)
			removed = append(removed, id)
		}
	}
	a.mu.Unlock()

	sort.Strings(removed)
	if renew {
		a.dispatch(a.updateHandlers(), Change{Updated: []string{a.clientID}, Origin: OriginLocal})
	}
	if len(removed) > 0 {
		a.emit(Change{Removed: removed, Origin: OriginTimeout}, true)
	}
}

// Run calls CheckStale until ctx is done.
func (a *Awareness) Run(ctx context.Context) error {
	t := time.NewTicker(Timeout / 10)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			a.CheckStale()
		}
	}
}

func (a *Awareness) emit(ch Change, changed bool) {
	if ch.empty() {
		return
	}
	if changed {
		a.dispatch(a.changeHandlers(), ch)
	}
	a.dispatch(a.updateHandlers(), ch)
}

func (a *Awareness) dispatch(hs []Handler, ch Change) {
	if ch.empty() {
		return
	}
	for _, fn := range hs {
		fn(ch)
	}
}

func (a *Awareness) changeHandlers() []Handler {
	a.hmu.RLock()
	defer a.hmu.RUnlock()
	return append([]Handler(nil), a.onChange...)
}

func (a *Awareness) updateHandlers() []Handler {
	a.hmu.RLock()
	defer a.hmu.RUnlock()
	return append([]Handler(nil), a.onUpdate...)
}
