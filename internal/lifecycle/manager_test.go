package lifecycle

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/hearthlink/hearthlink/gateway/internal/audit"
	"github.com/hearthlink/hearthlink/gateway/internal/config"
	"github.com/hearthlink/hearthlink/gateway/internal/manifest"
	"github.com/hearthlink/hearthlink/gateway/internal/store"
	"github.com/hearthlink/hearthlink/gateway/pkg/contracts"
	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

func testManifest(t *testing.T, name string, caps ...string) []byte {
	t.Helper()
	if caps == nil {
		caps = []string{"network"}
	}
	raw, err := json.Marshal(map[string]any{
		"name":        name,
		"version":     "1.0.0",
		"description": "test plugin",
		"author":      "tester",
		"permissions": caps,
		"entry_point": "main.wasm",
	})
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return raw
}

func newTestManager(t *testing.T, mutate func(*config.SecurityConfig)) (*Manager, contracts.KVStore, *audit.Trail) {
	t.Helper()
	cfg := config.Load()
	sec := cfg.Security
	if mutate != nil {
		mutate(&sec)
	}
	trail := audit.New(&cfg.Audit)
	kv := store.NewMemStore()
	v := manifest.NewValidator(&sec, trail)
	return NewManager(&sec, v, kv, trail), kv, trail
}

func TestRegisterCreatesPendingPlugin(t *testing.T) {
	m, _, trail := newTestManager(t, nil)

	p, err := m.Register(testManifest(t, "alpha"), "alice")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if p.Status != models.PluginStatusPending {
		t.Fatalf("Register() status = %s, want pending", p.Status)
	}
	if got := trail.List(audit.Filter{Action: models.AuditPluginRegistered}); len(got) != 1 {
		t.Fatalf("registration audit entries = %d, want 1", len(got))
	}
}

func TestRegisterRejectsDuplicateManifest(t *testing.T) {
	m, _, trail := newTestManager(t, nil)

	first, err := m.Register(testManifest(t, "alpha"), "alice")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	_, err = m.Register(testManifest(t, "alpha"), "bob")
	var dup *models.DuplicateManifestError
	if !errors.As(err, &dup) {
		t.Fatalf("duplicate Register() error = %v, want *DuplicateManifestError", err)
	}
	if dup.ExistingID != first.ID {
		t.Fatalf("duplicate ExistingID = %s, want %s", dup.ExistingID, first.ID)
	}

	// The rejection leaves an audit record like any other.
	got := trail.List(audit.Filter{Actor: "bob", Action: models.AuditManifestRejected})
	if len(got) != 1 {
		t.Fatalf("duplicate rejection audit entries = %d, want 1", len(got))
	}
	if got[0].Detail["existing_id"] != first.ID {
		t.Fatalf("rejection audit existing_id = %s, want %s", got[0].Detail["existing_id"], first.ID)
	}
}

func TestAutoApproveLowRisk(t *testing.T) {
	m, _, _ := newTestManager(t, func(sec *config.SecurityConfig) {
		sec.AutoApproveLowRisk = true
	})

	p, err := m.Register(testManifest(t, "alpha", "filesystem_read"), "alice")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if p.Status != models.PluginStatusApproved {
		t.Fatalf("low-risk plugin status = %s, want approved", p.Status)
	}

	// High-risk manifests still require manual review.
	q, err := m.Register(testManifest(t, "beta", "network", "filesystem_write", "process_spawn", "vault_write"), "alice")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if q.Status != models.PluginStatusPending {
		t.Fatalf("high-risk plugin status = %s, want pending", q.Status)
	}
}

func TestApproveRejectRequirePending(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	p, _ := m.Register(testManifest(t, "alpha"), "alice")

	if _, err := m.Approve(p.ID, "admin"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	_, err := m.Approve(p.ID, "admin")
	var np *models.NotPendingError
	if !errors.As(err, &np) {
		t.Fatalf("second Approve() error = %v, want *NotPendingError", err)
	}
	if _, err := m.Reject(p.ID, "admin", "no"); !errors.As(err, &np) {
		t.Fatalf("Reject() after approve error = %v, want *NotPendingError", err)
	}
}

func TestQuarantineRoundTrip(t *testing.T) {
	m, _, trail := newTestManager(t, nil)
	p, _ := m.Register(testManifest(t, "alpha"), "alice")
	m.Approve(p.ID, "admin")

	if err := m.Quarantine(p.ID, "sentry", "anomalous traffic"); err != nil {
		t.Fatalf("Quarantine() error = %v", err)
	}
	// Idempotent.
	if err := m.Quarantine(p.ID, "sentry", "again"); err != nil {
		t.Fatalf("second Quarantine() error = %v", err)
	}
	got, _ := m.Get(p.ID)
	if got.Status != models.PluginStatusQuarantined {
		t.Fatalf("status = %s, want quarantined", got.Status)
	}

	if err := m.ClearQuarantine(p.ID, "admin", "false positive"); err != nil {
		t.Fatalf("ClearQuarantine() error = %v", err)
	}
	got, _ = m.Get(p.ID)
	if got.Status != models.PluginStatusApproved {
		t.Fatalf("status after clear = %s, want approved", got.Status)
	}

	// Quarantine transitions are security entries, exempt from retention.
	sec := trail.List(audit.Filter{Action: models.AuditPluginQuarantined})
	if len(sec) != 1 || !sec[0].Security {
		t.Fatalf("quarantine audit = %+v, want one security entry", sec)
	}
}

func TestRequestPermissionsEnforcesManifest(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	p, _ := m.Register(testManifest(t, "alpha", "network"), "alice")
	m.Approve(p.ID, "admin")

	_, err := m.RequestPermissions(p.ID, "alice", []models.Capability{models.CapabilityVaultWrite})
	var cnd *models.CapabilityNotDeclaredError
	if !errors.As(err, &cnd) {
		t.Fatalf("RequestPermissions() error = %v, want *CapabilityNotDeclaredError", err)
	}
	if cnd.Capability != models.CapabilityVaultWrite {
		t.Fatalf("error capability = %s", cnd.Capability)
	}
}

func TestDuplicatePendingRequestReturnsExisting(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	p, _ := m.Register(testManifest(t, "alpha", "network"), "alice")

	first, err := m.RequestPermissions(p.ID, "alice", []models.Capability{models.CapabilityNetwork})
	if err != nil {
		t.Fatalf("RequestPermissions() error = %v", err)
	}
	second, err := m.RequestPermissions(p.ID, "bob", []models.Capability{models.CapabilityNetwork})
	if err != nil {
		t.Fatalf("second RequestPermissions() error = %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate pending request created: %s vs %s", second.ID, first.ID)
	}
}

func TestPermissionGrantFlow(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	p, _ := m.Register(testManifest(t, "alpha", "network"), "alice")
	m.Approve(p.ID, "admin")

	if m.CheckPermission(p.ID, models.CapabilityNetwork) {
		t.Fatal("CheckPermission() = true before any grant")
	}

	r, _ := m.RequestPermissions(p.ID, "alice", []models.Capability{models.CapabilityNetwork})
	g, err := m.ApprovePermissions(r.ID, "admin")
	if err != nil {
		t.Fatalf("ApprovePermissions() error = %v", err)
	}
	if g.PluginID != p.ID {
		t.Fatalf("grant plugin = %s, want %s", g.PluginID, p.ID)
	}
	if !m.CheckPermission(p.ID, models.CapabilityNetwork) {
		t.Fatal("CheckPermission() = false after grant")
	}

	// Deciding twice fails.
	var np *models.NotPendingError
	if _, err := m.ApprovePermissions(r.ID, "admin"); !errors.As(err, &np) {
		t.Fatalf("second ApprovePermissions() error = %v, want *NotPendingError", err)
	}

	// After a decision the same capability set can be requested again.
	again, err := m.RequestPermissions(p.ID, "alice", []models.Capability{models.CapabilityNetwork})
	if err != nil {
		t.Fatalf("re-request error = %v", err)
	}
	if again.ID == r.ID {
		t.Fatal("re-request returned the decided request")
	}
}

func TestDenyAndRevoke(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	p, _ := m.Register(testManifest(t, "alpha", "network", "vault_read"), "alice")
	m.Approve(p.ID, "admin")

	r1, _ := m.RequestPermissions(p.ID, "alice", []models.Capability{models.CapabilityNetwork})
	if err := m.DenyPermissions(r1.ID, "admin", "too risky"); err != nil {
		t.Fatalf("DenyPermissions() error = %v", err)
	}
	if m.CheckPermission(p.ID, models.CapabilityNetwork) {
		t.Fatal("CheckPermission() = true after denial")
	}

	r2, _ := m.RequestPermissions(p.ID, "alice", []models.Capability{models.CapabilityVaultRead})
	m.ApprovePermissions(r2.ID, "admin")
	if n := m.RevokeAll(p.ID, "admin", "incident response"); n != 1 {
		t.Fatalf("RevokeAll() = %d, want 1", n)
	}
	if m.CheckPermission(p.ID, models.CapabilityVaultRead) {
		t.Fatal("CheckPermission() = true after revoke-all")
	}
}

func TestQuarantineSuspendsPermissions(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	p, _ := m.Register(testManifest(t, "alpha", "network"), "alice")
	m.Approve(p.ID, "admin")
	r, _ := m.RequestPermissions(p.ID, "alice", []models.Capability{models.CapabilityNetwork})
	m.ApprovePermissions(r.ID, "admin")

	m.Quarantine(p.ID, "sentry", "violation")
	if m.CheckPermission(p.ID, models.CapabilityNetwork) {
		t.Fatal("CheckPermission() = true while quarantined")
	}
	m.ClearQuarantine(p.ID, "admin", "cleared")
	if !m.CheckPermission(p.ID, models.CapabilityNetwork) {
		t.Fatal("CheckPermission() = false after quarantine cleared; grants must survive")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	cfg := config.Load()
	sec := cfg.Security
	trail := audit.New(&cfg.Audit)
	kv := store.NewMemStore()
	v := manifest.NewValidator(&sec, trail)

	m := NewManager(&sec, v, kv, trail)
	p, _ := m.Register(testManifest(t, "alpha", "network"), "alice")
	m.Approve(p.ID, "admin")
	r, _ := m.RequestPermissions(p.ID, "alice", []models.Capability{models.CapabilityNetwork})
	m.ApprovePermissions(r.ID, "admin")

	// Same KV, fresh manager: state must be rebuilt.
	m2 := NewManager(&sec, v, kv, trail)
	got, err := m2.Get(p.ID)
	if err != nil {
		t.Fatalf("Get() after restart error = %v", err)
	}
	if got.Status != models.PluginStatusApproved {
		t.Fatalf("restored status = %s, want approved", got.Status)
	}
	if !m2.CheckPermission(p.ID, models.CapabilityNetwork) {
		t.Fatal("CheckPermission() = false after restart; grants must be restored")
	}
	if _, err := m2.Register(testManifest(t, "alpha", "network"), "bob"); err == nil {
		t.Fatal("duplicate Register() after restart succeeded; fingerprints must be restored")
	}
}
