package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

// echoRunner answers every payload with a fixed output and modest usage.
type echoRunner struct{}

func (echoRunner) Run(_ context.Context, _ *models.Plugin, env *models.PayloadEnvelope) ([]byte, *models.ResourceUsage, error) {
	return []byte("echo: " + env.Input), &models.ResourceUsage{CPUPercent: 5, MemoryMB: 32, ProcessCount: 1}, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	t.Setenv("HEARTHLINK_SECURITY_AUTO_APPROVE_LOW_RISK", "true")
	t.Setenv("HEARTHLINK_STORE_PATH", "")
	t.Setenv("HEARTHLINK_TRAFFIC_QUEUE_WAIT_TIMEOUT", "5s")

	srv, err := NewWithConfig(context.Background(), &Config{Runner: echoRunner{}})
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		srv.ShutdownFunc(context.Background())
	})
	return srv, ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, user string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.([]byte); ok {
			buf.Write(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response from %s %s: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func registerPlugin(t *testing.T, ts *httptest.Server, name string, perms []string) (id string, status string) {
	t.Helper()
	code, out := doJSON(t, ts, http.MethodPost, "/api/v1/plugins", "reviewer", map[string]any{
		"name":        name,
		"version":     "1.0.0",
		"author":      "acme",
		"entry_point": "main.wasm",
		"permissions": perms,
	})
	if code != http.StatusCreated {
		t.Fatalf("register %s status = %d, body %v", name, code, out)
	}
	plugin := out["plugin"].(map[string]any)
	return plugin["id"].(string), plugin["status"].(string)
}

func TestHealthAndVersion(t *testing.T) {
	_, ts := newTestServer(t)

	code, out := doJSON(t, ts, http.MethodGet, "/health", "", nil)
	if code != http.StatusOK || out["status"] != "healthy" {
		t.Fatalf("health = %d %v", code, out)
	}
	code, out = doJSON(t, ts, http.MethodGet, "/version", "", nil)
	if code != http.StatusOK || out["version"] == "" {
		t.Fatalf("version = %d %v", code, out)
	}
}

func TestCapabilityNotDeclaredOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	id, status := registerPlugin(t, ts, "net-only", []string{"network"})
	if status != string(models.PluginStatusApproved) {
		t.Fatalf("low-risk plugin status = %q, want auto-approved", status)
	}

	code, out := doJSON(t, ts, http.MethodPost, "/api/v1/plugins/"+id+"/permissions", "alice",
		map[string]any{"capabilities": []string{"filesystem_read"}})
	if code != http.StatusBadRequest {
		t.Fatalf("undeclared capability status = %d, body %v", code, out)
	}
}

func TestRegisterGrantExecuteFlow(t *testing.T) {
	_, ts := newTestServer(t)

	id, _ := registerPlugin(t, ts, "echo", []string{"network"})

	// Request and approve the declared capability.
	code, out := doJSON(t, ts, http.MethodPost, "/api/v1/plugins/"+id+"/permissions", "alice",
		map[string]any{"capabilities": []string{"network"}})
	if code != http.StatusCreated {
		t.Fatalf("request permissions = %d %v", code, out)
	}
	reqID := out["request"].(map[string]any)["id"].(string)

	code, out = doJSON(t, ts, http.MethodPost, "/api/v1/permissions/"+reqID+"/approve", "reviewer", nil)
	if code != http.StatusOK {
		t.Fatalf("approve permissions = %d %v", code, out)
	}

	payload, _ := json.Marshal(models.PayloadEnvelope{Input: "hello"})
	code, out = doJSON(t, ts, http.MethodPost, "/api/v1/execute", "alice", map[string]any{
		"plugin_id": id,
		"user_id":   "alice",
		"priority":  int(models.PriorityExternal),
		"payload":   json.RawMessage(payload),
	})
	if code != http.StatusOK {
		t.Fatalf("execute = %d %v", code, out)
	}
	if out["success"] != true {
		t.Fatalf("execute success = %v, body %v", out["success"], out)
	}
	if out["output"] != "echo: hello" {
		t.Fatalf("execute output = %v", out["output"])
	}

	// The run shows up in the audit trail.
	code, out = doJSON(t, ts, http.MethodGet, "/api/v1/audit/?action=request.completed", "", nil)
	if code != http.StatusOK {
		t.Fatalf("audit list = %d %v", code, out)
	}
	entries := out["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("audit request_completed entries = %d, want 1", len(entries))
	}
}

func TestSecurityEscalationQuarantinesOrigin(t *testing.T) {
	_, ts := newTestServer(t)

	id, _ := registerPlugin(t, ts, "victim", []string{"network"})

	// Grant so that only quarantine can block the submit.
	_, out := doJSON(t, ts, http.MethodPost, "/api/v1/plugins/"+id+"/permissions", "mallory",
		map[string]any{"capabilities": []string{"network"}})
	reqID := out["request"].(map[string]any)["id"].(string)
	doJSON(t, ts, http.MethodPost, "/api/v1/permissions/"+reqID+"/approve", "reviewer", nil)

	var lastEvent map[string]any
	for i := 0; i < 3; i++ {
		code, out := doJSON(t, ts, http.MethodPost, "/api/v1/security/events", "sensor", map[string]any{
			"event_type": string(models.EventSecurityViolation),
			"origin":     "mallory",
			"context":    map[string]string{"sample": fmt.Sprintf("%d", i)},
		})
		if code != http.StatusOK {
			t.Fatalf("report event %d = %d %v", i, code, out)
		}
		lastEvent = out["event"].(map[string]any)
	}
	if lastEvent["threat_level"] != models.ThreatCritical.String() {
		t.Fatalf("threat level after repeated violations = %v", lastEvent["threat_level"])
	}

	payload, _ := json.Marshal(models.PayloadEnvelope{Input: "x"})
	code, out := doJSON(t, ts, http.MethodPost, "/api/v1/execute", "mallory", map[string]any{
		"plugin_id": id,
		"user_id":   "mallory",
		"payload":   json.RawMessage(payload),
	})
	if code != http.StatusForbidden {
		t.Fatalf("execute for quarantined origin = %d %v", code, out)
	}

	code, out = doJSON(t, ts, http.MethodGet, "/api/v1/security/quarantine/", "", nil)
	if code != http.StatusOK {
		t.Fatalf("quarantine list = %d %v", code, out)
	}
	if len(out["quarantined"].([]any)) == 0 {
		t.Fatal("quarantine list is empty after escalation")
	}
}

func TestKillSwitchAndOverrideOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	code, out := doJSON(t, ts, http.MethodPost, "/api/v1/security/killswitch", "operator", map[string]any{
		"target":      "rogue",
		"target_type": "agent",
		"reason":      "confirmed credential abuse",
	})
	if code != http.StatusOK {
		t.Fatalf("kill switch = %d %v", code, out)
	}
	first := out["kill_switch"].(map[string]any)["id"]

	// Idempotent: the same target returns the original event.
	_, out = doJSON(t, ts, http.MethodPost, "/api/v1/security/killswitch", "operator", map[string]any{
		"target":      "rogue",
		"target_type": "agent",
		"reason":      "duplicate report",
	})
	if out["kill_switch"].(map[string]any)["id"] != first {
		t.Fatal("second kill switch created a new event")
	}

	// Missing reason is rejected.
	code, _ = doJSON(t, ts, http.MethodPost, "/api/v1/security/killswitch", "operator", map[string]any{
		"target": "other", "target_type": "agent",
	})
	if code == http.StatusOK {
		t.Fatal("kill switch without reason was accepted")
	}

	// Manual clear with justification releases the quarantine.
	code, out = doJSON(t, ts, http.MethodPost, "/api/v1/security/quarantine/rogue/clear", "operator",
		map[string]any{"justification": "false positive confirmed with owner"})
	if code != http.StatusOK {
		t.Fatalf("clear quarantine = %d %v", code, out)
	}
}

func TestManifestValidationOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	code, out := doJSON(t, ts, http.MethodPost, "/api/v1/plugins", "reviewer", map[string]any{
		"name":        "",
		"version":     "not-semver",
		"author":      "",
		"entry_point": "",
		"permissions": []string{"telepathy"},
	})
	if code != http.StatusBadRequest {
		t.Fatalf("invalid manifest status = %d %v", code, out)
	}
	if issues, ok := out["issues"].([]any); !ok || len(issues) < 3 {
		t.Fatalf("issues = %v, want several", out["issues"])
	}
}

func TestSandboxLimitsOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	code, out := doJSON(t, ts, http.MethodGet, "/api/v1/sandbox/limits", "", nil)
	if code != http.StatusOK {
		t.Fatalf("sandbox limits = %d %v", code, out)
	}
	if out["max_memory_mb"] != float64(512) {
		t.Fatalf("max_memory_mb = %v, want 512", out["max_memory_mb"])
	}
	if out["max_execution_time"] != float64(30) {
		t.Fatalf("max_execution_time = %v, want 30", out["max_execution_time"])
	}
	if paths, ok := out["allowed_file_paths"].([]any); !ok || len(paths) == 0 {
		t.Fatalf("allowed_file_paths = %v, want non-empty", out["allowed_file_paths"])
	}
}

func TestAuditExportOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)
	registerPlugin(t, ts, "audited", []string{"network"})

	resp, err := http.Get(ts.URL + "/api/v1/audit/export?format=csv")
	if err != nil {
		t.Fatalf("export csv: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("csv content type = %q", ct)
	}
}
