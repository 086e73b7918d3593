// Package slot quantises wall-clock time into 15-minute UTC billing slots
// and owns the per-slot bookkeeping that keeps hour credits idempotent
// within a process.
package slot

import (
	"sync"
	"time"
)

// Length is the duration of one billing slot.
const Length = 15 * time.Minute

// isoFormat matches the ISO-8601 UTC form used as cache and lock key suffix.
const isoFormat = "2006-01-02T15:04:05.000Z"

// Current returns the identifier of the slot containing now: the ISO-8601
// UTC timestamp of the most recent quarter-hour boundary.
func Current(now time.Time) string {
	return now.UTC().Truncate(Length).Format(isoFormat)
}

// Time parses a slot identifier back into its UTC start instant.
func Time(id string) (time.Time, error) {
	return time.Parse(isoFormat, id)
}

// Coordinator tracks which miners have already received an hours credit in
// the current slot. The set is process-local; the advisory slot lock in the
// key-value store extends deduplication across replicas on a best-effort
// basis. Safe for concurrent use.
type Coordinator struct {
	mu      sync.Mutex
	slot    string
	updated map[string]struct{}
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{updated: make(map[string]struct{})}
}

// Dedupe returns the subset of ids not yet credited in the given slot and
// marks them as credited. When the slot identifier advances the set is
// cleared first.
func (c *Coordinator) Dedupe(slotID string, ids []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slot != slotID {
		c.slot = slotID
		c.updated = make(map[string]struct{})
	}

	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, seen := c.updated[id]; seen {
			continue
		}
		c.updated[id] = struct{}{}
		fresh = append(fresh, id)
	}
	return fresh
}

// Credited reports whether the miner was already credited in the slot.
func (c *Coordinator) Credited(slotID, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slot != slotID {
		return false
	}
	_, seen := c.updated[id]
	return seen
}
