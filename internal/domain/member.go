package domain

import "time"

// Member is a live session inside a room.
type Member struct {
	ConnID   string    `json:"connectionId"`
	RoomID   string    `json:"roomId"`
	JoinedAt time.Time `json:"joinedAt"`
}
