package localcache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "cache.db")
	c, err := Open(path)
	require.NoError(t, err)
	return c, path
}

func TestCache_PutGetDelete(t *testing.T) {
	c, _ := openTemp(t)
	defer c.Close()

	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return at }

	_, ok, err := c.Get("r1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put("r1", []byte{1, 2, 3}))
	require.NoError(t, c.Put("r0", []byte{9}))

	e, ok, err := c.Get("r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, e.State)
	assert.True(t, e.SavedAt.Equal(at))

	rooms, err := c.Rooms()
	require.NoError(t, err)
	assert.Equal(t, []string{"r0", "r1"}, rooms)

	require.NoError(t, c.Delete("r1"))
	_, ok, err = c.Get("r1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, c.Put("", []byte{1}))
}

func TestCache_SurvivesReopen(t *testing.T) {
	c, path := openTemp(t)
	require.NoError(t, c.Put("r1", []byte("state")))
	require.NoError(t, c.Close())

	c2, err := Open(path)
	require.NoError(t, err)
	defer c2.Close()

	e, ok, err := c2.Get("r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("state"), e.State)
}
