package main

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cwrk-planet/canvas-sync/pkg/document"
	"github.com/cwrk-planet/canvas-sync/pkg/syncclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnFirstSync_FiresOnceAcrossGoroutines(t *testing.T) {
	var calls atomic.Int32
	h := onFirstSync(func() { calls.Add(1) })

	h(syncclient.StatusConnecting)
	h(syncclient.StatusSyncing)
	assert.Zero(t, calls.Load())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h(syncclient.StatusSynced)
			h(syncclient.StatusClosed)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestSeedNode(t *testing.T) {
	doc := document.New()
	seedNode(doc, "gateway")
	nodes := doc.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "gateway", nodes[0].Attrs["label"])
}
