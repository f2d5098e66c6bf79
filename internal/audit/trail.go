// Package audit implements the gateway's append-only audit trail.
//
// Entries are ordered by a monotonic sequence number rather than wall-clock
// time, so clock skew can never reorder the log. Retention is bounded by
// entry count and age, with oldest-first eviction; entries recording
// security actions (kill-switch, quarantine, override) are exempt from
// eviction until they have been explicitly archived.
package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hearthlink/hearthlink/gateway/internal/config"
	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

// Trail is safe for concurrent use. One lock guards the entry slice and
// the sequence counter.
type Trail struct {
	mu         sync.RWMutex
	entries    []models.AuditLogEntry
	seq        uint64
	maxEntries int
	maxAge     time.Duration

	// securityArchived is the highest sequence number among security
	// entries that have been handed to an archiver. Security entries at or
	// below it become evictable.
	securityArchived uint64
}

// New creates a Trail with retention bounds from cfg.
func New(cfg *config.AuditConfig) *Trail {
	return &Trail{
		maxEntries: cfg.MaxEntries,
		maxAge:     time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}
}

// Record appends one entry and returns it with its assigned sequence
// number. Security marks the entry exempt from retention eviction.
func (t *Trail) Record(actor string, action models.AuditAction, resource string, detail map[string]string) models.AuditLogEntry {
	return t.record(actor, action, resource, "", "", detail, isSecurityAction(action))
}

// RecordTransition appends an entry carrying before/after state.
func (t *Trail) RecordTransition(actor string, action models.AuditAction, resource, before, after string, detail map[string]string) models.AuditLogEntry {
	return t.record(actor, action, resource, before, after, detail, isSecurityAction(action))
}

func (t *Trail) record(actor string, action models.AuditAction, resource, before, after string, detail map[string]string, security bool) models.AuditLogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	entry := models.AuditLogEntry{
		Seq:       t.seq,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Before:    before,
		After:     after,
		Detail:    detail,
		Security:  security,
	}
	t.entries = append(t.entries, entry)
	t.evictLocked()
	return entry
}

func isSecurityAction(action models.AuditAction) bool {
	switch action {
	case models.AuditSecurityEvent, models.AuditSecurityOverride, models.AuditKillSwitch,
		models.AuditPluginQuarantined, models.AuditQuarantineCleared:
		return true
	}
	return false
}

// evictLocked drops the oldest entries past the count or age bound.
// Unarchived security entries are skipped, never dropped.
func (t *Trail) evictLocked() {
	if t.maxEntries <= 0 && t.maxAge <= 0 {
		return
	}
	cutoff := time.Time{}
	if t.maxAge > 0 {
		cutoff = time.Now().UTC().Add(-t.maxAge)
	}

	over := 0
	if t.maxEntries > 0 && len(t.entries) > t.maxEntries {
		over = len(t.entries) - t.maxEntries
	}
	if over == 0 && cutoff.IsZero() {
		return
	}

	kept := t.entries[:0]
	dropped := 0
	for _, e := range t.entries {
		evictable := e.Seq <= t.securityArchived || !e.Security
		tooOld := !cutoff.IsZero() && e.Timestamp.Before(cutoff)
		overflow := dropped < over // oldest-first until the count bound holds
		if evictable && (tooOld || overflow) {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	if dropped > 0 {
		t.entries = kept
		log.Debug().Int("evicted", dropped).Int("remaining", len(kept)).Msg("audit retention eviction")
	}
}

// ArchiveSecurity returns all unarchived security entries and marks them
// archived so retention may evict them. The caller owns durable storage of
// the returned slice.
func (t *Trail) ArchiveSecurity() []models.AuditLogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []models.AuditLogEntry
	for _, e := range t.entries {
		if e.Security && e.Seq > t.securityArchived {
			out = append(out, e)
		}
	}
	if len(out) > 0 {
		t.securityArchived = out[len(out)-1].Seq
		log.Info().Int("count", len(out)).Uint64("through_seq", t.securityArchived).Msg("security audit entries archived")
	}
	return out
}

// Filter narrows List output. Zero values match everything.
type Filter struct {
	Actor    string
	Action   models.AuditAction
	Resource string
	SinceSeq uint64
	Limit    int
}

// List returns matching entries in sequence order.
func (t *Trail) List(f Filter) []models.AuditLogEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []models.AuditLogEntry
	for _, e := range t.entries {
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Resource != "" && e.Resource != f.Resource {
			continue
		}
		if e.Seq <= f.SinceSeq {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Summary returns entry counts grouped by action.
func (t *Trail) Summary() map[models.AuditAction]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[models.AuditAction]int)
	for _, e := range t.entries {
		out[e.Action]++
	}
	return out
}

// Len returns the current number of retained entries.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// ExportJSON serializes the retained trail as a JSON array.
func (t *Trail) ExportJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.entries == nil {
		return []byte("[]"), nil
	}
	return json.MarshalIndent(t.entries, "", "  ")
}

// ExportCSV serializes the retained trail as CSV with a header row.
func (t *Trail) ExportCSV() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"seq", "id", "timestamp", "actor", "action", "resource", "before", "after", "security"}); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, e := range t.entries {
		row := []string{
			strconv.FormatUint(e.Seq, 10),
			e.ID,
			e.Timestamp.Format(time.RFC3339Nano),
			e.Actor,
			string(e.Action),
			e.Resource,
			e.Before,
			e.After,
			strconv.FormatBool(e.Security),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
