// Package document is the replicated diagram model: nodes and edges kept in
// an Automerge document so that replicas applying the same updates, in any
// order and any number of times, end up identical.
//
// Every entity lives under its own root key ("node:<id>", "edge:<id>") so
// replicas never race to create a shared container.
package document

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/segmentio/ksuid"
	"github.com/wI2L/jsondiff"
)

// Origin tags where an update came from. Only OriginLocal updates are meant
// to be sent to peers.
type Origin string

const (
	OriginLocal     Origin = "local"
	OriginRemote    Origin = "remote"
	OriginPersisted Origin = "persisted"
)

const (
	nodePrefix = "node:"
	edgePrefix = "edge:"
)

// every document or change chunk starts with these bytes
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkTypeCompressed = 2
	// magic, checksum, type and at least one length byte
	chunkHeaderMin = 4 + 4 + 1 + 1
	maxPending     = 1024
)

var (
	ErrNodeNotFound    = errors.New("node not found")
	ErrEdgeNotFound    = errors.New("edge not found")
	ErrDuplicateID     = errors.New("entity id already used")
	ErrMalformedUpdate = errors.New("malformed update")
	ErrInvalidEntity   = errors.New("invalid entity")
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Position Position          `json:"position"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

type Edge struct {
	ID     string            `json:"id"`
	Source string            `json:"source"`
	Target string            `json:"target"`
	Type   string            `json:"type,omitempty"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// View is a plain snapshot of the document contents.
type View struct {
	Nodes map[string]Node `json:"nodes"`
	Edges map[string]Edge `json:"edges"`
}

// Change describes how the view moved after an update.
type Change struct {
	Origin Origin
	Patch  jsondiff.Patch
}

type (
	UpdateHandler func(update []byte, origin Origin)
	ChangeHandler func(Change)
)

// Document is safe for concurrent use. Handlers run after the document
// lock is released, one update at a time and in commit order; they may
// read the document but must not mutate it synchronously.
type Document struct {
	emitMu sync.Mutex // serialises mutate+dispatch
	mu     sync.Mutex
	doc    *automerge.Doc
	view   View

	// updates waiting for changes they depend on
	pending []emitted

	hmu            sync.RWMutex
	updateHandlers []UpdateHandler
	changeHandlers []ChangeHandler
}

func New() *Document {
	return &Document{doc: automerge.New(), view: emptyView()}
}

// Load restores a document from EncodeState output.
func Load(state []byte) (*Document, error) {
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	d := &Document{doc: doc}
	// drop whatever is dangling in the snapshot so the view is consistent
	if d.pruneLocked() > 0 {
		if _, err := d.doc.Commit("prune dangling edges"); err != nil {
			return nil, err
		}
	}
	d.doc.SaveIncremental()
	d.view = d.readViewLocked()
	return d, nil
}

func (d *Document) OnUpdate(fn UpdateHandler) {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	d.updateHandlers = append(d.updateHandlers, fn)
}

func (d *Document) OnChange(fn ChangeHandler) {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	d.changeHandlers = append(d.changeHandlers, fn)
}

// EncodeState returns the full merged state.
func (d *Document) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// HasData reports whether any change was ever made or received.
func (d *Document) HasData() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.doc.Heads()) > 0
}

func (d *Document) ActorID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.ActorID()
}

// AddNode inserts n and returns its id, generating one when n.ID is empty.
func (d *Document) AddNode(n Node) (string, error) {
	if n.ID == "" {
		n.ID = NewID("node")
	}
	if strings.TrimSpace(n.Type) == "" {
		return "", fmt.Errorf("%w: node type is required", ErrInvalidEntity)
	}
	err := d.mutate("add node "+n.ID, func() error {
		if d.hasLocked(nodePrefix + n.ID) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
		}
		return d.doc.Path(nodePrefix + n.ID).Set(map[string]any{
			"type":  n.Type,
			"x":     n.Position.X,
			"y":     n.Position.Y,
			"attrs": attrsValue(n.Attrs),
		})
	})
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

func (d *Document) MoveNode(id string, pos Position) error {
	return d.mutate("move node "+id, func() error {
		if !d.hasLocked(nodePrefix + id) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		m := d.doc.Path(nodePrefix + id).Map()
		if err := m.Set("x", pos.X); err != nil {
			return err
		}
		return m.Set("y", pos.Y)
	})
}

// SetNodeAttr sets one attribute; an empty value removes it.
func (d *Document) SetNodeAttr(id, key, value string) error {
	return d.setAttr(nodePrefix, id, key, value, ErrNodeNotFound)
}

func (d *Document) SetEdgeAttr(id, key, value string) error {
	return d.setAttr(edgePrefix, id, key, value, ErrEdgeNotFound)
}

func (d *Document) setAttr(prefix, id, key, value string, notFound error) error {
	if key == "" {
		return fmt.Errorf("%w: attribute key is required", ErrInvalidEntity)
	}
	return d.mutate("set attr "+id, func() error {
		if !d.hasLocked(prefix + id) {
			return fmt.Errorf("%w: %s", notFound, id)
		}
		p := d.doc.Path(prefix+id, "attrs")
		if v, err := p.Get(); err != nil || v.Kind() != automerge.KindMap {
			if err := p.Set(map[string]any{}); err != nil {
				return err
			}
		}
		attrs := p.Map()
		if value == "" {
			return attrs.Delete(key)
		}
		return attrs.Set(key, value)
	})
}

// RemoveNode deletes the node and every edge attached to it in one change.
func (d *Document) RemoveNode(id string) error {
	return d.mutate("remove node "+id, func() error {
		if !d.hasLocked(nodePrefix + id) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		root := d.doc.RootMap()
		for _, e := range d.readViewLocked().Edges {
			if e.Source == id || e.Target == id {
				if err := root.Delete(edgePrefix + e.ID); err != nil {
					return err
				}
			}
		}
		return root.Delete(nodePrefix + id)
	})
}

// AddEdge connects two existing nodes and returns the edge id.
func (d *Document) AddEdge(e Edge) (string, error) {
	if e.ID == "" {
		e.ID = NewID("edge")
	}
	err := d.mutate("add edge "+e.ID, func() error {
		if d.hasLocked(edgePrefix + e.ID) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
		}
		for _, end := range []string{e.Source, e.Target} {
			if !d.hasLocked(nodePrefix + end) {
				return fmt.Errorf("%w: %q", ErrNodeNotFound, end)
			}
		}
		return d.doc.Path(edgePrefix + e.ID).Set(map[string]any{
			"source": e.Source,
			"target": e.Target,
			"type":   e.Type,
			"attrs":  attrsValue(e.Attrs),
		})
	})
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func (d *Document) RemoveEdge(id string) error {
	return d.mutate("remove edge "+id, func() error {
		if !d.hasLocked(edgePrefix + id) {
			return fmt.Errorf("%w: %s", ErrEdgeNotFound, id)
		}
		return d.doc.RootMap().Delete(edgePrefix + id)
	})
}

// Apply merges an update produced by another replica. Applying the same
// update again is a no-op. An update whose causal dependencies have not
// arrived yet is held back and merged as soon as they do, so updates may be
// delivered in any order. Edges left dangling by the merge are removed with
// a local change, which is emitted like any other local update.
func (d *Document) Apply(update []byte, origin Origin) error {
	if len(update) == 0 {
		return nil
	}
	if !wellFramed(update) {
		return ErrMalformedUpdate
	}
	if origin == OriginLocal {
		origin = OriginRemote
	}

	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	if err := d.doc.LoadIncremental(update); err != nil {
		d.holdLocked(update, origin)
		d.mu.Unlock()
		return nil
	}
	// advance the incremental marker past the merged changes
	d.doc.SaveIncremental()
	events := []emitted{{data: update, origin: origin}}
	events = append(events, d.drainPendingLocked()...)

	if d.pruneLocked() > 0 {
		if _, err := d.doc.Commit("prune dangling edges"); err != nil {
			d.mu.Unlock()
			return err
		}
		if local := d.doc.SaveIncremental(); len(local) > 0 {
			events = append(events, emitted{data: local, origin: OriginLocal})
		}
	}
	change := d.refreshViewLocked(origin)
	d.mu.Unlock()

	d.dispatch(events, change)
	return nil
}

// Pending reports how many updates are waiting for their dependencies.
func (d *Document) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Document) holdLocked(update []byte, origin Origin) {
	for _, p := range d.pending {
		if bytes.Equal(p.data, update) {
			return
		}
	}
	if len(d.pending) >= maxPending {
		d.pending = d.pending[1:]
	}
	d.pending = append(d.pending, emitted{data: append([]byte(nil), update...), origin: origin})
}

// drainPendingLocked merges held updates until a full pass makes no
// progress and returns the ones that went in, in merge order.
func (d *Document) drainPendingLocked() []emitted {
	var merged []emitted
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		rest := d.pending[:0]
		for _, p := range d.pending {
			if err := d.doc.LoadIncremental(p.data); err != nil {
				rest = append(rest, p)
				continue
			}
			d.doc.SaveIncremental()
			merged = append(merged, p)
			progress = true
		}
		d.pending = rest
	}
	return merged
}

// wellFramed checks that update is a run of whole Automerge chunks:
// magic, checksum, type, LEB128 length and exactly that many bytes.
func wellFramed(update []byte) bool {
	for len(update) > 0 {
		if len(update) < chunkHeaderMin || !bytes.HasPrefix(update, chunkMagic) {
			return false
		}
		rest := update[len(chunkMagic)+4:]
		if rest[0] > chunkTypeCompressed {
			return false
		}
		size, n := binary.Uvarint(rest[1:])
		if n <= 0 || size > uint64(len(rest)-1-n) {
			return false
		}
		update = rest[1+n+int(size):]
	}
	return true
}

func (d *Document) Node(id string) (Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.view.Nodes[id]
	return n, ok
}

func (d *Document) Edge(id string) (Edge, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.view.Edges[id]
	return e, ok
}

// Nodes lists nodes ordered by id.
func (d *Document) Nodes() []Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Node, 0, len(d.view.Nodes))
	for _, n := range d.view.Nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges lists edges ordered by id.
func (d *Document) Edges() []Edge {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Edge, 0, len(d.view.Edges))
	for _, e := range d.view.Edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Document) View() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneView(d.view)
}

// NewID returns a sortable unique id such as "node-2M9Jd...".
func NewID(kind string) string {
	return kind + "-" + ksuid.New().String()
}

type emitted struct {
	data   []byte
	origin Origin
}

func (d *Document) mutate(msg string, fn func() error) error {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	if err := fn(); err != nil {
		d.mu.Unlock()
		return err
	}
	if _, err := d.doc.Commit(msg); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("commit %s: %w", msg, err)
	}
	var events []emitted
	if update := d.doc.SaveIncremental(); len(update) > 0 {
		events = append(events, emitted{data: update, origin: OriginLocal})
	}
	change := d.refreshViewLocked(OriginLocal)
	d.mu.Unlock()

	d.dispatch(events, change)
	return nil
}

func (d *Document) dispatch(events []emitted, change *Change) {
	d.hmu.RLock()
	updates := append([]UpdateHandler(nil), d.updateHandlers...)
	changes := append([]ChangeHandler(nil), d.changeHandlers...)
	d.hmu.RUnlock()

	for _, ev := range events {
		for _, fn := range updates {
			fn(ev.data, ev.origin)
		}
	}
	if change != nil {
		for _, fn := range changes {
			fn(*change)
		}
	}
}

// refreshViewLocked rebuilds the cached view and diffs it against the
// previous one when someone is listening.
func (d *Document) refreshViewLocked(origin Origin) *Change {
	prev := d.view
	d.view = d.readViewLocked()

	d.hmu.RLock()
	listening := len(d.changeHandlers) > 0
	d.hmu.RUnlock()
	if !listening {
		return nil
	}
	patch, err := jsondiff.Compare(prev, d.view)
	if err != nil || len(patch) == 0 {
		return nil
	}
	return &Change{Origin: origin, Patch: patch}
}

// pruneLocked deletes edges whose endpoints are gone and returns how many.
func (d *Document) pruneLocked() int {
	v := d.readViewLocked()
	root := d.doc.RootMap()
	n := 0
	for id, e := range v.Edges {
		_, okS := v.Nodes[e.Source]
		_, okT := v.Nodes[e.Target]
		if okS && okT {
			continue
		}
		if err := root.Delete(edgePrefix + id); err == nil {
			n++
		}
	}
	return n
}

func (d *Document) hasLocked(key string) bool {
	v, err := d.doc.RootMap().Get(key)
	return err == nil && v.Kind() == automerge.KindMap
}

func (d *Document) readViewLocked() View {
	v := emptyView()
	values, err := d.doc.RootMap().Values()
	if err != nil {
		return v
	}
	for key, val := range values {
		if val.Kind() != automerge.KindMap {
			continue
		}
		m := val.Map()
		switch {
		case strings.HasPrefix(key, nodePrefix):
			id := strings.TrimPrefix(key, nodePrefix)
			v.Nodes[id] = Node{
				ID:       id,
				Type:     getStr(m, "type"),
				Position: Position{X: getNum(m, "x"), Y: getNum(m, "y")},
				Attrs:    getAttrs(m),
			}
		case strings.HasPrefix(key, edgePrefix):
			id := strings.TrimPrefix(key, edgePrefix)
			v.Edges[id] = Edge{
				ID:     id,
				Source: getStr(m, "source"),
				Target: getStr(m, "target"),
				Type:   getStr(m, "type"),
				Attrs:  getAttrs(m),
			}
		}
	}
	return v
}

func getStr(m *automerge.Map, key string) string {
	v, err := m.Get(key)
	if err != nil || v.Kind() != automerge.KindStr {
		return ""
	}
	return v.Str()
}

func getNum(m *automerge.Map, key string) float64 {
	v, err := m.Get(key)
	if err != nil {
		return 0
	}
	switch v.Kind() {
	case automerge.KindFloat64:
		return v.Float64()
	case automerge.KindInt64:
		return float64(v.Int64())
	case automerge.KindUint64:
		return float64(v.Uint64())
	}
	return 0
}

func getAttrs(m *automerge.Map) map[string]string {
	v, err := m.Get("attrs")
	if err != nil || v.Kind() != automerge.KindMap {
		return nil
	}
	values, err := v.Map().Values()
	if err != nil || len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, av := range values {
		if av.Kind() == automerge.KindStr {
			out[k] = av.Str()
		}
	}
	return out
}

func attrsValue(attrs map[string]string) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

func emptyView() View {
	return View{Nodes: map[string]Node{}, Edges: map[string]Edge{}}
}

func cloneView(v View) View {
	out := emptyView()
	for id, n := range v.Nodes {
		out.Nodes[id] = n
	}
	for id, e := range v.Edges {
		out.Edges[id] = e
	}
	return out
}
