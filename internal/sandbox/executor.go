// Package sandbox executes plugin payloads inside configured resource and
// access boundaries, and benchmarks plugins into performance tiers.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"

	"github.com/hearthlink/hearthlink/gateway/internal/config"
	"github.com/hearthlink/hearthlink/gateway/pkg/contracts"
	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

// ErrRunnerNotConfigured is returned when no plugin runner was wired in.
// The sandbox never fabricates a successful execution.
var ErrRunnerNotConfigured = errors.New("sandbox: no plugin runner configured")

// ViolationSink receives sandbox violations for risk scoring. The security
// orchestrator implements it; a nil sink drops reports.
type ViolationSink interface {
	ReportViolation(eventType models.RiskEventType, origin string, detail map[string]string)
}

// Executor runs one plugin invocation at a time inside the configured
// limits. It is stateless and safe for concurrent use.
type Executor struct {
	cfg    *config.SandboxConfig
	runner contracts.PluginRunner
	sink   ViolationSink
}

func NewExecutor(cfg *config.SandboxConfig, runner contracts.PluginRunner, sink ViolationSink) *Executor {
	return &Executor{cfg: cfg, runner: runner, sink: sink}
}

// Execute vets the payload against the allow-lists, runs the plugin under
// the wall-clock timeout, and checks reported resource usage against the
// ceilings. Limit breaches are fatal for the invocation and are reported
// to the violation sink; they are never retried here.
func (e *Executor) Execute(ctx context.Context, plugin *models.Plugin, req *models.ExecutionRequest) (*models.ExecutionResult, error) {
	var payload models.PayloadEnvelope
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return failed(req.ID, "malformed payload"), fmt.Errorf("decode payload: %w", err)
		}
	}

	if err := e.checkAccess(plugin, req, &payload); err != nil {
		return failed(req.ID, err.Error()), err
	}

	if e.runner == nil {
		return failed(req.ID, ErrRunnerNotConfigured.Error()), ErrRunnerNotConfigured
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.MaxExecutionTime)
	defer cancel()

	start := time.Now()
	output, usage, err := e.runner.Run(runCtx, plugin, &payload)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			lerr := &models.ResourceLimitError{
				Limit: "max_execution_time",
				Value: elapsed.Seconds(),
				Max:   e.cfg.MaxExecutionTime.Seconds(),
			}
			e.report(models.EventResourceLimit, req, map[string]string{"limit": "max_execution_time"})
			return failed(req.ID, lerr.Error()), lerr
		}
		return &models.ExecutionResult{
			Success:         false,
			Error:           err.Error(),
			ExecutionTimeMs: elapsed.Milliseconds(),
			RequestID:       req.ID,
		}, err
	}

	if usage != nil {
		if lerr := e.checkUsage(usage); lerr != nil {
			e.report(models.EventResourceLimit, req, map[string]string{"limit": lerr.Limit})
			return failed(req.ID, lerr.Error()), lerr
		}
	}

	return &models.ExecutionResult{
		Success:         true,
		Output:          string(output),
		ExecutionTimeMs: elapsed.Milliseconds(),
		RequestID:       req.ID,
	}, nil
}

// checkAccess enforces deny-by-default host and path allow-lists over the
// resources the payload declares it will touch.
func (e *Executor) checkAccess(plugin *models.Plugin, req *models.ExecutionRequest, payload *models.PayloadEnvelope) error {
	for _, host := range payload.Hosts {
		if !matchAny(e.cfg.AllowedNetworkHosts, host) {
			e.report(models.EventSandboxViolation, req, map[string]string{"host": host})
			return &models.SecurityViolationError{Origin: req.UserID, Detail: "network host not allowed: " + host}
		}
	}
	for _, path := range payload.Paths {
		if !matchAny(e.cfg.AllowedFilePaths, path) {
			e.report(models.EventSandboxViolation, req, map[string]string{"path": path})
			return &models.SecurityViolationError{Origin: req.UserID, Detail: "file path not allowed: " + path}
		}
	}
	for _, path := range payload.WritePaths {
		if !matchAny(e.cfg.AllowedFilePaths, path) || matchAny(e.cfg.ReadOnlyPaths, path) {
			e.report(models.EventSandboxViolation, req, map[string]string{"path": path, "access": "write"})
			return &models.SecurityViolationError{Origin: req.UserID, Detail: "write path not allowed: " + path}
		}
	}
	for _, c := range payload.Capabilities {
		if !plugin.Manifest.Declares(c) {
			e.report(models.EventPermissionEscalation, req, map[string]string{"capability": string(c)})
			return &models.SecurityViolationError{Origin: req.UserID, Detail: "capability not declared: " + string(c)}
		}
	}
	return nil
}

func (e *Executor) checkUsage(usage *models.ResourceUsage) *models.ResourceLimitError {
	switch {
	case e.cfg.MaxCPUPercent > 0 && usage.CPUPercent > e.cfg.MaxCPUPercent:
		return &models.ResourceLimitError{Limit: "max_cpu_percent", Value: usage.CPUPercent, Max: e.cfg.MaxCPUPercent}
	case e.cfg.MaxMemoryMB > 0 && usage.MemoryMB > e.cfg.MaxMemoryMB:
		return &models.ResourceLimitError{Limit: "max_memory_mb", Value: usage.MemoryMB, Max: e.cfg.MaxMemoryMB}
	case e.cfg.MaxDiskMB > 0 && usage.DiskMB > e.cfg.MaxDiskMB:
		return &models.ResourceLimitError{Limit: "max_disk_mb", Value: usage.DiskMB, Max: e.cfg.MaxDiskMB}
	case e.cfg.MaxProcesses > 0 && usage.ProcessCount > e.cfg.MaxProcesses:
		return &models.ResourceLimitError{Limit: "max_processes", Value: float64(usage.ProcessCount), Max: float64(e.cfg.MaxProcesses)}
	}
	return nil
}

func (e *Executor) report(eventType models.RiskEventType, req *models.ExecutionRequest, detail map[string]string) {
	if e.sink == nil {
		return
	}
	detail["plugin_id"] = req.PluginID
	detail["request_id"] = req.ID
	e.sink.ReportViolation(eventType, req.UserID, detail)
	log.Warn().Str("event", string(eventType)).Str("plugin", req.PluginID).Msg("sandbox violation reported")
}

// matchAny reports whether value matches at least one glob pattern.
func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, value); err == nil && ok {
			return true
		}
	}
	return false
}

func failed(requestID, msg string) *models.ExecutionResult {
	return &models.ExecutionResult{Success: false, Error: msg, RequestID: requestID}
}
