package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Cursor is a keyset position in a listing ordered by
// (last_modified DESC, id DESC).
type Cursor struct {
	LastModified time.Time `json:"last_modified"`
	ID           string    `json:"id"`
}

// After reports whether info sorts strictly after the cursor position.
func (c Cursor) After(info RoomInfo) bool {
	if info.LastModified.Equal(c.LastModified) {
		return info.ID < c.ID
	}
	return info.LastModified.Before(c.LastModified)
}

func EncodeCursor(c Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode json: %v", ErrInvalidCursor, err)
	}
	return &c, nil
}

// NextCursor returns the cursor continuing after the last item when the
// page was full, or "" when the listing is exhausted.
func NextCursor(items []RoomInfo, limit int) (string, error) {
	if limit <= 0 || len(items) < limit {
		return "", nil
	}
	last := items[len(items)-1]
	return EncodeCursor(Cursor{LastModified: last.LastModified, ID: last.ID})
}
