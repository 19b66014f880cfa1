package domain

import "errors"

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrNotInRoom        = errors.New("connection not in the room")
	ErrInvalidCursor    = errors.New("invalid cursor")
	ErrStoreUnavailable = errors.New("state store unavailable")
)
