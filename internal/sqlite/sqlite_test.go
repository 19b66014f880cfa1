package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cwrk-planet/canvas-sync/internal/storetest"

	"github.com/stretchr/testify/require"
)

func TestRoomStateRepository(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Repository {
		repo, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "rooms.sqlite3"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	})
}
