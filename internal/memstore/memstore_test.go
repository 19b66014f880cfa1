package memstore

import (
	"testing"

	"github.com/cwrk-planet/canvas-sync/internal/storetest"
)

func TestRoomStateRepository(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Repository {
		return NewRoomStateRepository()
	})
}
