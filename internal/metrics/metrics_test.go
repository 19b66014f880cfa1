package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counts(t *testing.T) {
	c := NewCollector("test")

	c.Relayed("ReceiveSyncMessage", 10, 3)
	c.Relayed("ReceiveSyncMessage", 10, 0)
	c.Drop("empty")
	c.SetRooms(2)
	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	c.ObserveStore("save", time.Now(), nil)
	c.ObserveStore("save", time.Now(), errors.New("boom"))

	assert.Equal(t, 3.0, testutil.ToFloat64(c.RelayedMessages.WithLabelValues("ReceiveSyncMessage")))
	assert.Equal(t, 30.0, testutil.ToFloat64(c.RelayedBytes.WithLabelValues("ReceiveSyncMessage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Dropped.WithLabelValues("empty")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ActiveRooms))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StoreOps.WithLabelValues("save", "error")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Relayed("x", 1, 1)
		c.Drop("x")
		c.SetRooms(1)
		c.SessionOpened()
		c.SessionClosed()
		c.ObserveStore("x", time.Now(), nil)
		c.ObserveHTTP("GET", 200, time.Millisecond)
	})
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("test")
	c.Drop("closed")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `test_relay_dropped_total{reason="closed"} 1`)
}
