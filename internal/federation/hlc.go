package federation

import (
	"sync"
	"time"
)

// HLC is a Hybrid Logical Clock: a physical wall clock paired with a
// logical counter that keeps timestamps strictly increasing even when two
// calls land in the same millisecond. Call invite events are stamped with
// it so a receiving homeserver can order invites issued within one
// millisecond of wall time; answer and hangup events carry no HLC
// timestamp.
type HLC struct {
	mu      sync.Mutex
	wallMs  int64 // physical time in milliseconds
	counter uint32
}

// HLCTimestamp represents a single HLC timestamp with wall time and counter.
type HLCTimestamp struct {
	WallMs  int64  `json:"wall_ms"`
	Counter uint32 `json:"counter"`
}

// NewHLC creates a new Hybrid Logical Clock.
func NewHLC() *HLC {
	return &HLC{}
}

// Now generates a new HLC timestamp. The timestamp is guaranteed to be
// monotonically increasing even if the wall clock hasn't advanced.
func (h *HLC) Now() HLCTimestamp {
	h.mu.Lock()
	defer h.mu.Unlock()

	physMs := time.Now().UnixMilli()

	if physMs > h.wallMs {
		h.wallMs = physMs
		h.counter = 0
	} else {
		h.counter++
	}

	return HLCTimestamp{
		WallMs:  h.wallMs,
		Counter: h.counter,
	}
}

// Before returns true if timestamp a happened before timestamp b.
func (a HLCTimestamp) Before(b HLCTimestamp) bool {
	if a.WallMs != b.WallMs {
		return a.WallMs < b.WallMs
	}
	return a.Counter < b.Counter
}
