package http

import (
	"time"

	"github.com/cwrk-planet/canvas-sync/internal/domain"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type RoomItem struct {
	ID           string    `json:"id"`
	StateSize    int       `json:"stateSize"`
	LastModified time.Time `json:"lastModified"`
	Metadata     *string   `json:"metadata"`
}

type DeleteRoomResponse struct {
	Message  string `json:"message"`
	RoomName string `json:"roomName"`
}

type CleanupResponse struct {
	Message      string `json:"message"`
	DeletedCount int64  `json:"deletedCount"`
	DaysOld      int    `json:"daysOld"`
}

type RoomUsersResponse struct {
	RoomID string          `json:"roomId"`
	Users  []domain.Member `json:"users"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
	Error  string `json:"error,omitempty"`
}

func roomItem(info domain.RoomInfo) RoomItem {
	return RoomItem{
		ID:           info.ID,
		StateSize:    info.StateSize,
		LastModified: info.LastModified,
		Metadata:     info.Metadata,
	}
}
