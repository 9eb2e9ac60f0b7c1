package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// cursor is the (created_at, id) sort key of the last message on a page.
type cursor struct {
	CreatedAt int64
	ID        string
}

func (c cursor) encode() string {
	raw := strconv.FormatInt(c.CreatedAt, 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return cursor{}, ErrInvalidCursor
	}
	createdAt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || createdAt < 0 {
		return cursor{}, ErrInvalidCursor
	}
	return cursor{CreatedAt: createdAt, ID: id}, nil
}
