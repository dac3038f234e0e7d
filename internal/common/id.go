package common

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	idMu      sync.Mutex
	idLast    int64
	idCounter int64
)

// NextID generates a time-ordered 64-bit id: millisecond timestamp in the
// high bits, a per-process sequence in the low 20 bits. Ids from a single
// process are strictly monotonic.
func NextID() int64 {
	idMu.Lock()
	defer idMu.Unlock()

	now := time.Now().UnixMilli()
	if now == idLast {
		idCounter++
	} else {
		idLast = now
		idCounter = 0
	}
	return now<<20 | (idCounter & 0xFFFFF)
}

// NewNotificationID generates a unique notification ID with the "ntf_" prefix
// Format: ntf_<uuid>
func NewNotificationID() string {
	return "ntf_" + uuid.New().String()
}
