package processor

import (
	"time"

	"github.com/erauner12/stockbridge/internal/syncx"
)

// IsStale reports whether a client edit made against clientUpdatedAt must
// yield to the stored row. The server wins only when its updatedAt is
// strictly newer; an absent client timestamp is a first write and proceeds.
func IsStale(serverUpdatedAt time.Time, clientUpdatedAt *time.Time) bool {
	if clientUpdatedAt == nil || clientUpdatedAt.IsZero() {
		return false
	}
	return syncx.NewerThan(serverUpdatedAt, *clientUpdatedAt)
}
