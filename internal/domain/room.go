package domain

import "time"

// RoomState is the durable snapshot of a room's document.
type RoomState struct {
	ID            string    `db:"id"`
	DocumentState []byte    `db:"document_state"`
	LastModified  time.Time `db:"last_modified"`
	Metadata      *string   `db:"metadata"`
}

// RoomInfo is the listing view of a RoomState without the payload.
type RoomInfo struct {
	ID           string    `db:"id"`
	StateSize    int       `db:"state_size"`
	LastModified time.Time `db:"last_modified"`
	Metadata     *string   `db:"metadata"`
}

func (s *RoomState) Info() RoomInfo {
	return RoomInfo{
		ID:           s.ID,
		StateSize:    len(s.DocumentState),
		LastModified: s.LastModified,
		Metadata:     s.Metadata,
	}
}

// Page limits a listing. Limit <= 0 returns everything.
type Page struct {
	Limit  int
	Cursor string
}
