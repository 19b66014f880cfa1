package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingCleaner struct {
	calls  atomic.Int32
	maxAge atomic.Int64
}

func (c *countingCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	c.calls.Add(1)
	c.maxAge.Store(int64(olderThan))
	return 0, nil
}

func TestJanitor_SweepsUntilCancelled(t *testing.T) {
	c := &countingCleaner{}
	j := NewJanitor(c, 10*time.Millisecond, 72*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	assert.Eventually(t, func() bool { return c.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
	assert.Equal(t, int64(72*time.Hour), c.maxAge.Load())
}
