package syncx

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Cursor is a position in a tenant's product change stream.
// Wire format: base64url("<revised_at_ms>|<product id>"), opaque to clients.
// Ordering is (Ms, ID) so rows changed in the same millisecond page deterministically.
type Cursor struct {
	Ms int64
	ID uuid.UUID
}

// IsZero reports whether c points at the start of the stream
func (c Cursor) IsZero() bool {
	return c.Ms == 0 && c.ID == uuid.Nil
}

// Encode returns the opaque cursor string, "" for the zero cursor
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := fmt.Sprintf("%d|%s", c.Ms, c.ID.String())
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// After reports whether a row at (ms, id) sorts strictly after the cursor
func (c Cursor) After(ms int64, id uuid.UUID) bool {
	if ms != c.Ms {
		return ms > c.Ms
	}
	return strings.Compare(id.String(), c.ID.String()) > 0
}

// DecodeCursor parses an opaque cursor.
// Returns the zero cursor and false for empty or malformed input.
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}
	msPart, idPart, ok := strings.Cut(string(b), "|")
	if !ok {
		return Cursor{}, false
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return Cursor{}, false
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return Cursor{}, false
	}
	return Cursor{Ms: ms, ID: id}, true
}

// RFC3339 converts Unix milliseconds to an RFC3339 timestamp string (UTC)
func RFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// NowMs returns the current Unix milliseconds timestamp
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}
