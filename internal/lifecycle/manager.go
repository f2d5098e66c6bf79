// Package lifecycle owns plugin registration, approval, and the permission
// grant workflow.
//
// Plugin state moves pending → approved|rejected, and approved plugins may
// be quarantined by the security layer and reinstated only by an explicit
// manual clear. The manifest is immutable once registered; all state is
// persisted through the injected key-value store so it survives restarts.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hearthlink/hearthlink/gateway/internal/audit"
	"github.com/hearthlink/hearthlink/gateway/internal/config"
	"github.com/hearthlink/hearthlink/gateway/internal/manifest"
	"github.com/hearthlink/hearthlink/gateway/pkg/contracts"
	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

const (
	keyPluginPrefix  = "plugin:"
	keyRequestPrefix = "permreq:"
	keyGrantPrefix   = "grant:"
)

// Manager is safe for concurrent use. One lock guards all lifecycle tables;
// KV writes happen outside critical sections where possible but are
// serialized per entity by this lock.
type Manager struct {
	mu           sync.RWMutex
	plugins      map[string]*models.Plugin
	fingerprints map[string]string // manifest fingerprint → plugin id
	requests     map[string]*models.PermissionRequest
	grants       map[string]*models.PermissionGrant
	pendingByKey map[string]string // plugin id + "|" + capability-set key → request id

	cfg       *config.SecurityConfig
	validator *manifest.Validator
	kv        contracts.KVStore
	trail     *audit.Trail
}

func NewManager(cfg *config.SecurityConfig, v *manifest.Validator, kv contracts.KVStore, trail *audit.Trail) *Manager {
	m := &Manager{
		plugins:      make(map[string]*models.Plugin),
		fingerprints: make(map[string]string),
		requests:     make(map[string]*models.PermissionRequest),
		grants:       make(map[string]*models.PermissionGrant),
		pendingByKey: make(map[string]string),
		cfg:          cfg,
		validator:    v,
		kv:           kv,
		trail:        trail,
	}
	m.load()
	return m
}

// load restores lifecycle state from the KV store on startup.
func (m *Manager) load() {
	loadAll(m.kv, keyPluginPrefix, func(p *models.Plugin) {
		m.plugins[p.ID] = p
		m.fingerprints[p.Manifest.Fingerprint()] = p.ID
	})
	loadAll(m.kv, keyRequestPrefix, func(r *models.PermissionRequest) {
		m.requests[r.ID] = r
		if r.Status == models.PermissionStatusPending {
			m.pendingByKey[pendingKey(r.PluginID, r.Capabilities)] = r.ID
		}
	})
	loadAll(m.kv, keyGrantPrefix, func(g *models.PermissionGrant) {
		m.grants[g.ID] = g
	})
	if n := len(m.plugins); n > 0 {
		log.Info().Int("plugins", n).Int("requests", len(m.requests)).Int("grants", len(m.grants)).Msg("Lifecycle state restored")
	}
}

func loadAll[T any](kv contracts.KVStore, prefix string, add func(*T)) {
	keys, err := kv.List(prefix)
	if err != nil {
		log.Warn().Err(err).Str("prefix", prefix).Msg("Failed to list persisted state")
		return
	}
	for _, k := range keys {
		raw, err := kv.Get(k)
		if err != nil {
			continue
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			log.Warn().Err(err).Str("key", k).Msg("Skipping corrupt persisted record")
			continue
		}
		add(&v)
	}
}

func (m *Manager) persist(key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to marshal lifecycle record")
		return
	}
	if err := m.kv.Set(key, raw); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to persist lifecycle record")
	}
}

func pendingKey(pluginID string, caps []models.Capability) string {
	return pluginID + "|" + models.CapabilitySetKey(caps)
}

// ── Plugin registration & approval ──────────────────────────

// Register validates the raw manifest and creates a pending plugin.
// An identical manifest (same fingerprint) is rejected as a duplicate.
// Low-risk plugins are auto-approved when the policy allows it.
func (m *Manager) Register(raw []byte, user string) (*models.Plugin, error) {
	mf, err := m.validator.Validate(raw, user)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fp := mf.Fingerprint()
	if existing, ok := m.fingerprints[fp]; ok {
		m.trail.Record(user, models.AuditManifestRejected, mf.Name, map[string]string{
			"reason": "duplicate manifest", "existing_id": existing,
		})
		return nil, &models.DuplicateManifestError{Fingerprint: fp, ExistingID: existing}
	}

	p := &models.Plugin{
		ID:           uuid.NewString(),
		Manifest:     *mf,
		RiskTier:     mf.RiskTier,
		Status:       models.PluginStatusPending,
		RegisteredBy: user,
		RegisteredAt: time.Now().UTC(),
	}
	m.plugins[p.ID] = p
	m.fingerprints[fp] = p.ID
	m.trail.Record(user, models.AuditPluginRegistered, p.ID, map[string]string{
		"name": mf.Name, "version": mf.Version, "risk_tier": string(mf.RiskTier),
	})

	if m.cfg.AutoApproveLowRisk && p.RiskTier == models.RiskTierLow {
		m.approveLocked(p, "system:auto-approve")
	}

	m.persist(keyPluginPrefix+p.ID, p)
	log.Info().Str("plugin", p.ID).Str("name", mf.Name).Str("status", string(p.Status)).Msg("plugin registered")
	out := *p
	return &out, nil
}

func (m *Manager) approveLocked(p *models.Plugin, user string) {
	now := time.Now().UTC()
	before := string(p.Status)
	p.Status = models.PluginStatusApproved
	p.ApprovedBy = user
	p.ApprovedAt = &now
	m.trail.RecordTransition(user, models.AuditPluginApproved, p.ID, before, string(p.Status), nil)
}

// Approve moves a pending plugin to approved.
func (m *Manager) Approve(pluginID, user string) (*models.Plugin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plugins[pluginID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "plugin", Key: pluginID}
	}
	if p.Status != models.PluginStatusPending {
		return nil, &models.NotPendingError{Entity: "plugin", ID: pluginID, State: string(p.Status)}
	}
	m.approveLocked(p, user)
	m.persist(keyPluginPrefix+p.ID, p)
	out := *p
	return &out, nil
}

// Reject moves a pending plugin to rejected. Terminal.
func (m *Manager) Reject(pluginID, user, reason string) (*models.Plugin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plugins[pluginID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "plugin", Key: pluginID}
	}
	if p.Status != models.PluginStatusPending {
		return nil, &models.NotPendingError{Entity: "plugin", ID: pluginID, State: string(p.Status)}
	}
	before := string(p.Status)
	p.Status = models.PluginStatusRejected
	m.trail.RecordTransition(user, models.AuditPluginRejected, p.ID, before, string(p.Status), map[string]string{"reason": reason})
	m.persist(keyPluginPrefix+p.ID, p)
	out := *p
	return &out, nil
}

// Quarantine suspends an approved plugin. Called by the security layer;
// quarantining an already-quarantined plugin is a no-op.
func (m *Manager) Quarantine(pluginID, by, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plugins[pluginID]
	if !ok {
		return &models.NotFoundError{Entity: "plugin", Key: pluginID}
	}
	if p.Status == models.PluginStatusQuarantined {
		return nil
	}
	if p.Status != models.PluginStatusApproved {
		return fmt.Errorf("cannot quarantine plugin %s in state %s", pluginID, p.Status)
	}
	before := string(p.Status)
	p.Status = models.PluginStatusQuarantined
	m.trail.RecordTransition(by, models.AuditPluginQuarantined, p.ID, before, string(p.Status), map[string]string{"reason": reason})
	m.persist(keyPluginPrefix+p.ID, p)
	log.Warn().Str("plugin", pluginID).Str("reason", reason).Msg("plugin quarantined")
	return nil
}

// ClearQuarantine reinstates a quarantined plugin to approved. Manual only.
func (m *Manager) ClearQuarantine(pluginID, user, justification string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plugins[pluginID]
	if !ok {
		return &models.NotFoundError{Entity: "plugin", Key: pluginID}
	}
	if p.Status != models.PluginStatusQuarantined {
		return fmt.Errorf("plugin %s is not quarantined", pluginID)
	}
	before := string(p.Status)
	p.Status = models.PluginStatusApproved
	m.trail.RecordTransition(user, models.AuditQuarantineCleared, p.ID, before, string(p.Status), map[string]string{"justification": justification})
	m.persist(keyPluginPrefix+p.ID, p)
	return nil
}

// Get returns a copy of the plugin.
func (m *Manager) Get(pluginID string) (*models.Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[pluginID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "plugin", Key: pluginID}
	}
	out := *p
	return &out, nil
}

// List returns all plugins, optionally filtered by status.
func (m *Manager) List(status models.PluginStatus) []models.Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Plugin
	for _, p := range m.plugins {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// ── Permission requests & grants ────────────────────────────

// RequestPermissions opens a pending approval workflow for a capability
// set. Capabilities outside the manifest are refused outright. A pending
// request for the identical capability set is returned as-is rather than
// duplicated.
func (m *Manager) RequestPermissions(pluginID, user string, caps []models.Capability) (*models.PermissionRequest, error) {
	if len(caps) == 0 {
		return nil, fmt.Errorf("permission request needs at least one capability")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plugins[pluginID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "plugin", Key: pluginID}
	}
	for _, c := range caps {
		if !p.Manifest.Declares(c) {
			return nil, &models.CapabilityNotDeclaredError{PluginID: pluginID, Capability: c}
		}
	}

	pk := pendingKey(pluginID, caps)
	if existingID, ok := m.pendingByKey[pk]; ok {
		out := *m.requests[existingID]
		return &out, nil
	}

	r := &models.PermissionRequest{
		ID:           uuid.NewString(),
		PluginID:     pluginID,
		RequestedBy:  user,
		Capabilities: caps,
		Status:       models.PermissionStatusPending,
		RequestedAt:  time.Now().UTC(),
	}
	m.requests[r.ID] = r
	m.pendingByKey[pk] = r.ID
	m.trail.Record(user, models.AuditPermissionRequested, pluginID, map[string]string{
		"request_id": r.ID, "capabilities": models.CapabilitySetKey(caps),
	})
	m.persist(keyRequestPrefix+r.ID, r)
	out := *r
	return &out, nil
}

// ApprovePermissions decides a pending request and creates an active grant.
func (m *Manager) ApprovePermissions(requestID, user string) (*models.PermissionGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "permission request", Key: requestID}
	}
	if r.Status != models.PermissionStatusPending {
		return nil, &models.NotPendingError{Entity: "permission request", ID: requestID, State: string(r.Status)}
	}

	now := time.Now().UTC()
	r.Status = models.PermissionStatusApproved
	r.DecidedBy = user
	r.DecidedAt = &now
	delete(m.pendingByKey, pendingKey(r.PluginID, r.Capabilities))

	g := &models.PermissionGrant{
		ID:           uuid.NewString(),
		PluginID:     r.PluginID,
		Capabilities: r.Capabilities,
		GrantedBy:    user,
		GrantedAt:    now,
	}
	m.grants[g.ID] = g
	m.trail.Record(user, models.AuditPermissionApproved, r.PluginID, map[string]string{
		"request_id": requestID, "grant_id": g.ID,
	})
	m.persist(keyRequestPrefix+r.ID, r)
	m.persist(keyGrantPrefix+g.ID, g)
	out := *g
	return &out, nil
}

// DenyPermissions decides a pending request negatively. No grant results.
func (m *Manager) DenyPermissions(requestID, user, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID]
	if !ok {
		return &models.NotFoundError{Entity: "permission request", Key: requestID}
	}
	if r.Status != models.PermissionStatusPending {
		return &models.NotPendingError{Entity: "permission request", ID: requestID, State: string(r.Status)}
	}
	now := time.Now().UTC()
	r.Status = models.PermissionStatusDenied
	r.DecidedBy = user
	r.DecidedAt = &now
	r.Reason = reason
	delete(m.pendingByKey, pendingKey(r.PluginID, r.Capabilities))
	m.trail.Record(user, models.AuditPermissionDenied, r.PluginID, map[string]string{
		"request_id": requestID, "reason": reason,
	})
	m.persist(keyRequestPrefix+r.ID, r)
	return nil
}

// RevokeAll removes every active grant for a plugin.
func (m *Manager) RevokeAll(pluginID, user, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	revoked := 0
	for id, g := range m.grants {
		if g.PluginID != pluginID {
			continue
		}
		delete(m.grants, id)
		if err := m.kv.Delete(keyGrantPrefix + id); err != nil {
			log.Warn().Err(err).Str("grant", id).Msg("Failed to delete revoked grant")
		}
		revoked++
	}
	if revoked > 0 {
		m.trail.Record(user, models.AuditPermissionRevoked, pluginID, map[string]string{
			"grants_revoked": fmt.Sprintf("%d", revoked), "reason": reason,
		})
	}
	return revoked
}

// CheckPermission reports whether the plugin is approved and holds an
// active grant covering the capability. Read-only snapshot.
func (m *Manager) CheckPermission(pluginID string, cap models.Capability) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plugins[pluginID]
	if !ok || p.Status != models.PluginStatusApproved {
		return false
	}
	for _, g := range m.grants {
		if g.PluginID != pluginID {
			continue
		}
		for _, c := range g.Capabilities {
			if c == cap {
				return true
			}
		}
	}
	return false
}

// PendingRequests lists all undecided permission requests.
func (m *Manager) PendingRequests() []models.PermissionRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PermissionRequest
	for _, r := range m.requests {
		if r.Status == models.PermissionStatusPending {
			out = append(out, *r)
		}
	}
	return out
}

// Grants lists the active grants for a plugin.
func (m *Manager) Grants(pluginID string) []models.PermissionGrant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PermissionGrant
	for _, g := range m.grants {
		if g.PluginID == pluginID {
			out = append(out, *g)
		}
	}
	return out
}
