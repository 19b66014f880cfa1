package hubproto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EncodeUpdate renders a binary update or snapshot for the wire.
func EncodeUpdate(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeUpdate reverses EncodeUpdate, refusing payloads over limit bytes
// before allocating them. limit <= 0 means MaxPayloadSize.
func DecodeUpdate(s string, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = MaxPayloadSize
	}
	if s == "" {
		return nil, ErrEmptyPayload
	}
	if base64.StdEncoding.DecodedLen(len(s)) > limit+2 {
		return nil, ErrPayloadTooLarge
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(b) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(b) > limit {
		return nil, ErrPayloadTooLarge
	}
	return b, nil
}

// EncodeAwareness renders bytes as a JSON array of numbers, the form
// browsers produce with JSON.stringify(Array.from(bytes)).
func EncodeAwareness(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b)*4 + 2)
	sb.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(v)))
	}
	sb.WriteByte(']')
	return sb.String()
}

func DecodeAwareness(s string, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = MaxPayloadSize
	}
	// every element takes at least two characters ("0,")
	if len(s) > limit*4+2 {
		return nil, ErrPayloadTooLarge
	}
	var nums []int
	if err := json.Unmarshal([]byte(s), &nums); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(nums) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(nums) > limit {
		return nil, ErrPayloadTooLarge
	}
	b := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("%w: byte %d out of range: %d", ErrMalformedPayload, i, n)
		}
		b[i] = byte(n)
	}
	return b, nil
}
