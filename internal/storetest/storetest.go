// Package storetest holds the behaviour every room state repository must
// share, run against each backend from its own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/cwrk-planet/canvas-sync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Repository interface {
	Get(ctx context.Context, id string) (*domain.RoomState, error)
	Upsert(ctx context.Context, st *domain.RoomState) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, page domain.Page) ([]domain.RoomInfo, string, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

func strPtr(s string) *string { return &s }

// Run executes the suite; newRepo must return an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("GetMissing", func(t *testing.T) {
		r := newRepo(t)
		_, err := r.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	})

	t.Run("UpsertOverwrites", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		t0 := time.Now().UTC().Truncate(time.Millisecond)

		require.NoError(t, r.Upsert(ctx, &domain.RoomState{ID: "a", DocumentState: []byte{1, 2, 3}, LastModified: t0, Metadata: strPtr("v1")}))
		require.NoError(t, r.Upsert(ctx, &domain.RoomState{ID: "a", DocumentState: []byte{9}, LastModified: t0.Add(time.Second)}))

		st, err := r.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte{9}, st.DocumentState)
		assert.True(t, st.LastModified.Equal(t0.Add(time.Second)), "last_modified %v", st.LastModified)
		require.NotNil(t, st.Metadata, "nil metadata keeps the stored value")
		assert.Equal(t, "v1", *st.Metadata)

		require.NoError(t, r.Upsert(ctx, &domain.RoomState{ID: "a", DocumentState: []byte{9}, LastModified: t0, Metadata: strPtr("v2")}))
		st, err = r.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "v2", *st.Metadata)
	})

	t.Run("Delete", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		require.NoError(t, r.Upsert(ctx, &domain.RoomState{ID: "a", DocumentState: []byte{1}, LastModified: time.Now().UTC()}))

		require.NoError(t, r.Delete(ctx, "a"))
		assert.ErrorIs(t, r.Delete(ctx, "a"), domain.ErrRoomNotFound)
		_, err := r.Get(ctx, "a")
		assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	})

	t.Run("ListPaged", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i, id := range []string{"r1", "r2", "r3"} {
			require.NoError(t, r.Upsert(ctx, &domain.RoomState{
				ID:            id,
				DocumentState: make([]byte, i+1),
				LastModified:  base.Add(time.Duration(i) * time.Minute),
			}))
		}

		all, next, err := r.List(ctx, domain.Page{})
		require.NoError(t, err)
		assert.Empty(t, next)
		require.Len(t, all, 3)
		assert.Equal(t, "r3", all[0].ID)
		assert.Equal(t, 3, all[0].StateSize)

		first, next, err := r.List(ctx, domain.Page{Limit: 2})
		require.NoError(t, err)
		require.Len(t, first, 2)
		require.NotEmpty(t, next)

		rest, next, err := r.List(ctx, domain.Page{Limit: 2, Cursor: next})
		require.NoError(t, err)
		assert.Empty(t, next)
		require.Len(t, rest, 1)
		assert.Equal(t, "r1", rest[0].ID)

		_, _, err = r.List(ctx, domain.Page{Cursor: "!!"})
		assert.ErrorIs(t, err, domain.ErrInvalidCursor)
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		now := time.Now().UTC()
		require.NoError(t, r.Upsert(ctx, &domain.RoomState{ID: "old", DocumentState: []byte{1}, LastModified: now.Add(-40 * 24 * time.Hour)}))
		require.NoError(t, r.Upsert(ctx, &domain.RoomState{ID: "new", DocumentState: []byte{1}, LastModified: now.Add(-10 * 24 * time.Hour)}))

		n, err := r.DeleteOlderThan(ctx, now.Add(-30*24*time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = r.Get(ctx, "old")
		assert.ErrorIs(t, err, domain.ErrRoomNotFound)
		_, err = r.Get(ctx, "new")
		assert.NoError(t, err)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, newRepo(t).Ping(context.Background()))
	})
}
