package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlink/hearthlink/gateway/internal/config"
	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

// fakeRunner is a scripted PluginRunner for tests.
type fakeRunner struct {
	output []byte
	usage  *models.ResourceUsage
	err    error
	delay  time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, _ *models.Plugin, _ *models.PayloadEnvelope) ([]byte, *models.ResourceUsage, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return f.output, f.usage, f.err
}

// recordingSink captures reported violations.
type recordingSink struct {
	mu     sync.Mutex
	events []models.RiskEventType
}

func (s *recordingSink) ReportViolation(eventType models.RiskEventType, _ string, _ map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
}

func (s *recordingSink) all() []models.RiskEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RiskEventType(nil), s.events...)
}

func sandboxCfg() *config.SandboxConfig {
	return &config.SandboxConfig{
		MaxCPUPercent:       50,
		MaxMemoryMB:         512,
		MaxDiskMB:           100,
		MaxExecutionTime:    200 * time.Millisecond,
		MaxProcesses:        5,
		AllowedNetworkHosts: []string{"api.example.com", "*.hearthlink.local"},
		AllowedFilePaths:    []string{"/tmp/hearthlink/**"},
	}
}

func testPlugin(caps ...models.Capability) *models.Plugin {
	return &models.Plugin{
		ID: "plugin-1",
		Manifest: models.Manifest{
			Name: "test", Version: "1.0.0", Author: "t", EntryPoint: "main.wasm",
			Permissions: caps,
		},
		Status: models.PluginStatusApproved,
	}
}

func execReq(t *testing.T, payload models.PayloadEnvelope) *models.ExecutionRequest {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &models.ExecutionRequest{ID: "req-1", PluginID: "plugin-1", UserID: "alice", Payload: raw}
}

func TestExecuteSuccess(t *testing.T) {
	runner := &fakeRunner{output: []byte("ok"), usage: &models.ResourceUsage{CPUPercent: 10, MemoryMB: 64}}
	e := NewExecutor(sandboxCfg(), runner, nil)

	res, err := e.Execute(context.Background(), testPlugin(), execReq(t, models.PayloadEnvelope{Input: "hi"}))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, "req-1", res.RequestID)
}

func TestExecuteNilRunner(t *testing.T) {
	e := NewExecutor(sandboxCfg(), nil, nil)

	res, err := e.Execute(context.Background(), testPlugin(), execReq(t, models.PayloadEnvelope{}))
	require.ErrorIs(t, err, ErrRunnerNotConfigured)
	assert.False(t, res.Success)
}

func TestExecuteTimeout(t *testing.T) {
	runner := &fakeRunner{delay: time.Second}
	sink := &recordingSink{}
	e := NewExecutor(sandboxCfg(), runner, sink)

	res, err := e.Execute(context.Background(), testPlugin(), execReq(t, models.PayloadEnvelope{}))
	var lerr *models.ResourceLimitError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "max_execution_time", lerr.Limit)
	assert.False(t, res.Success)
	assert.Contains(t, sink.all(), models.EventResourceLimit)
}

func TestExecuteDeniesUnlistedHost(t *testing.T) {
	sink := &recordingSink{}
	e := NewExecutor(sandboxCfg(), &fakeRunner{output: []byte("ok")}, sink)

	_, err := e.Execute(context.Background(), testPlugin(), execReq(t, models.PayloadEnvelope{
		Hosts: []string{"evil.example.org"},
	}))
	var verr *models.SecurityViolationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, sink.all(), models.EventSandboxViolation)
}

func TestExecuteAllowsGlobHost(t *testing.T) {
	e := NewExecutor(sandboxCfg(), &fakeRunner{output: []byte("ok")}, nil)

	res, err := e.Execute(context.Background(), testPlugin(), execReq(t, models.PayloadEnvelope{
		Hosts: []string{"vault.hearthlink.local"},
	}))
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExecuteDeniesPathOutsideAllowList(t *testing.T) {
	sink := &recordingSink{}
	e := NewExecutor(sandboxCfg(), &fakeRunner{output: []byte("ok")}, sink)

	_, err := e.Execute(context.Background(), testPlugin(), execReq(t, models.PayloadEnvelope{
		Paths: []string{"/etc/passwd"},
	}))
	var verr *models.SecurityViolationError
	require.ErrorAs(t, err, &verr)

	// Nested path under the allowed tree is fine.
	res, err := e.Execute(context.Background(), testPlugin(), execReq(t, models.PayloadEnvelope{
		Paths: []string{"/tmp/hearthlink/work/out.json"},
	}))
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExecuteDeniesWriteToReadOnlyPath(t *testing.T) {
	cfg := sandboxCfg()
	cfg.ReadOnlyPaths = []string{"/tmp/hearthlink/config/**"}
	sink := &recordingSink{}
	e := NewExecutor(cfg, &fakeRunner{output: []byte("ok")}, sink)

	// Reading under the read-only tree is fine.
	res, err := e.Execute(context.Background(), testPlugin(), execReq(t, models.PayloadEnvelope{
		Paths: []string{"/tmp/hearthlink/config/settings.json"},
	}))
	require.NoError(t, err)
	assert.True(t, res.Success)

	// Declared write intent against it is not.
	_, err = e.Execute(context.Background(), testPlugin(), execReq(t, models.PayloadEnvelope{
		WritePaths: []string{"/tmp/hearthlink/config/settings.json"},
	}))
	var verr *models.SecurityViolationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, sink.all(), models.EventSandboxViolation)

	// Writes elsewhere in the allowed tree still pass.
	res, err = e.Execute(context.Background(), testPlugin(), execReq(t, models.PayloadEnvelope{
		WritePaths: []string{"/tmp/hearthlink/work/out.json"},
	}))
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExecuteDeniesWriteOutsideAllowList(t *testing.T) {
	sink := &recordingSink{}
	e := NewExecutor(sandboxCfg(), &fakeRunner{output: []byte("ok")}, sink)

	_, err := e.Execute(context.Background(), testPlugin(), execReq(t, models.PayloadEnvelope{
		WritePaths: []string{"/etc/hosts"},
	}))
	var verr *models.SecurityViolationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, sink.all(), models.EventSandboxViolation)
}

func TestExecuteDeniesUndeclaredCapability(t *testing.T) {
	sink := &recordingSink{}
	e := NewExecutor(sandboxCfg(), &fakeRunner{output: []byte("ok")}, sink)

	_, err := e.Execute(context.Background(), testPlugin(models.CapabilityNetwork), execReq(t, models.PayloadEnvelope{
		Capabilities: []models.Capability{models.CapabilityVaultWrite},
	}))
	var verr *models.SecurityViolationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, sink.all(), models.EventPermissionEscalation)
}

func TestExecuteEnforcesResourceCeilings(t *testing.T) {
	cases := []struct {
		name  string
		usage models.ResourceUsage
		limit string
	}{
		{"cpu", models.ResourceUsage{CPUPercent: 90}, "max_cpu_percent"},
		{"memory", models.ResourceUsage{MemoryMB: 2048}, "max_memory_mb"},
		{"disk", models.ResourceUsage{DiskMB: 500}, "max_disk_mb"},
		{"processes", models.ResourceUsage{ProcessCount: 20}, "max_processes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &recordingSink{}
			e := NewExecutor(sandboxCfg(), &fakeRunner{output: []byte("ok"), usage: &tc.usage}, sink)

			res, err := e.Execute(context.Background(), testPlugin(), execReq(t, models.PayloadEnvelope{}))
			var lerr *models.ResourceLimitError
			require.ErrorAs(t, err, &lerr)
			assert.Equal(t, tc.limit, lerr.Limit)
			assert.False(t, res.Success)
			assert.Contains(t, sink.all(), models.EventResourceLimit)
		})
	}
}

func TestExecuteRunnerError(t *testing.T) {
	wantErr := errors.New("plugin crashed")
	e := NewExecutor(sandboxCfg(), &fakeRunner{err: wantErr}, nil)

	res, err := e.Execute(context.Background(), testPlugin(), execReq(t, models.PayloadEnvelope{}))
	require.ErrorIs(t, err, wantErr)
	assert.False(t, res.Success)
	assert.Equal(t, "plugin crashed", res.Error)
}
