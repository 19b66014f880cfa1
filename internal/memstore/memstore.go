// Package memstore keeps room states in process memory. It backs the
// "memory" storage driver and the service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cwrk-planet/canvas-sync/internal/domain"
)

type RoomStateRepository struct {
	mu     sync.RWMutex
	states map[string]domain.RoomState
}

func NewRoomStateRepository() *RoomStateRepository {
	return &RoomStateRepository{states: make(map[string]domain.RoomState)}
}

func (r *RoomStateRepository) Get(_ context.Context, id string) (*domain.RoomState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.states[id]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	st.DocumentState = append([]byte(nil), st.DocumentState...)
	return &st, nil
}

func (r *RoomStateRepository) Upsert(_ context.Context, st *domain.RoomState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := domain.RoomState{
		ID:            st.ID,
		DocumentState: append([]byte(nil), st.DocumentState...),
		LastModified:  st.LastModified.UTC(),
		Metadata:      st.Metadata,
	}
	if prev, ok := r.states[st.ID]; ok && next.Metadata == nil {
		next.Metadata = prev.Metadata
	}
	r.states[st.ID] = next
	return nil
}

func (r *RoomStateRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.states[id]; !ok {
		return domain.ErrRoomNotFound
	}
	delete(r.states, id)
	return nil
}

func (r *RoomStateRepository) List(_ context.Context, page domain.Page) ([]domain.RoomInfo, string, error) {
	cur, err := domain.DecodeCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}

	r.mu.RLock()
	infos := make([]domain.RoomInfo, 0, len(r.states))
	for _, st := range r.states {
		info := st.Info()
		if cur != nil && !cur.After(info) {
			continue
		}
		infos = append(infos, info)
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].LastModified.Equal(infos[j].LastModified) {
			return infos[i].ID > infos[j].ID
		}
		return infos[i].LastModified.After(infos[j].LastModified)
	})
	if page.Limit > 0 && len(infos) > page.Limit {
		infos = infos[:page.Limit]
	}

	next, err := domain.NextCursor(infos, page.Limit)
	if err != nil {
		return nil, "", err
	}
	return infos, next, nil
}

func (r *RoomStateRepository) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, st := range r.states {
		if st.LastModified.Before(cutoff) {
			delete(r.states, id)
			n++
		}
	}
	return n, nil
}

func (r *RoomStateRepository) Ping(context.Context) error { return nil }
