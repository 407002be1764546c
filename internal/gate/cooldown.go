package gate

import (
	"sync"
	"time"

	"github.com/deal-signal-lab/internal/docstore"
)

// CooldownTracker remembers when each room was last analyzed.
type CooldownTracker struct {
	mu   sync.Mutex
	now  func() time.Time
	last map[string]time.Time
}

// NewCooldownTracker uses now as its clock; nil selects time.Now.
func NewCooldownTracker(now func() time.Time) *CooldownTracker {
	if now == nil {
		now = time.Now
	}
	return &CooldownTracker{now: now, last: make(map[string]time.Time)}
}

// Remaining reports how much of the cooldown is left for room. ok is false
// when the room is not cooling down.
func (c *CooldownTracker) Remaining(room string, cooldown time.Duration) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, seen := c.last[docstore.RoomID(room)]
	if !seen {
		return 0, false
	}
	elapsed := c.now().Sub(last)
	if elapsed >= cooldown {
		return 0, false
	}
	return cooldown - elapsed, true
}

// Mark starts the cooldown for room.
func (c *CooldownTracker) Mark(room string) {
	c.mu.Lock()
	c.last[docstore.RoomID(room)] = c.now()
	c.mu.Unlock()
}
