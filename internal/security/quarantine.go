// Package security scores risk events per origin and escalates through
// flagging, quarantine, and the kill switch.
package security

import (
	"sort"
	"sync"
	"time"

	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

// QuarantineSet is the shared set of quarantined origins. The traffic
// controller consults it on every admission; the orchestrator and manual
// operator calls mutate it. It has its own lock so admission checks never
// contend with risk scoring.
type QuarantineSet struct {
	mu      sync.RWMutex
	records map[string]*models.QuarantineRecord
}

func NewQuarantineSet() *QuarantineSet {
	return &QuarantineSet{records: make(map[string]*models.QuarantineRecord)}
}

// Add places an origin in quarantine. Re-adding updates the reason but a
// permanent record is never downgraded.
func (q *QuarantineSet) Add(origin, reason, by string, permanent bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.records[origin]; ok {
		existing.Reason = reason
		if permanent {
			existing.Permanent = true
		}
		return
	}
	q.records[origin] = &models.QuarantineRecord{
		Origin:        origin,
		Reason:        reason,
		QuarantinedBy: by,
		QuarantinedAt: time.Now().UTC(),
		Permanent:     permanent,
	}
}

// Remove releases an origin. Returns false when it was not quarantined.
func (q *QuarantineSet) Remove(origin string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.records[origin]
	delete(q.records, origin)
	return ok
}

// Contains reports whether the origin is currently quarantined.
func (q *QuarantineSet) Contains(origin string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.records[origin]
	return ok
}

// Get returns the quarantine record for an origin, if any.
func (q *QuarantineSet) Get(origin string) (*models.QuarantineRecord, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.records[origin]
	if !ok {
		return nil, false
	}
	out := *r
	return &out, true
}

// List returns all records sorted by origin.
func (q *QuarantineSet) List() []models.QuarantineRecord {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]models.QuarantineRecord, 0, len(q.records))
	for _, r := range q.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}

// Len returns the number of quarantined origins.
func (q *QuarantineSet) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.records)
}
