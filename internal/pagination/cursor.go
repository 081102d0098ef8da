// Package pagination encodes the opaque cursors handed to clients for
// keyset pagination. Cursors are positions, not offsets, so pages stay
// correct while rows are being inserted.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Cursor is the opaque pagination state we encode/decode. Seq orders
// message pages; UnixMilli+ID order timestamped lists.
type Cursor struct {
	Seq       uint64 `json:"seq,omitempty"`
	UnixMilli int64  `json:"ts,omitempty"`
	ID        string `json:"id,omitempty"`
}

// IsZero reports whether c points at the first page.
func (c Cursor) IsZero() bool {
	return c.Seq == 0 && c.UnixMilli == 0 && c.ID == ""
}

// Encode converts a Cursor into a URL-safe token.
func Encode(c Cursor) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Decode parses a token into a Cursor. An empty token is the first page.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}

	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid pagination token")
	}

	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return Cursor{}, fmt.Errorf("invalid pagination token")
	}
	return c, nil
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
