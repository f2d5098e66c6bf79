// Package api exposes the gateway over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hearthlink/hearthlink/gateway/internal/audit"
	"github.com/hearthlink/hearthlink/gateway/internal/config"
	"github.com/hearthlink/hearthlink/gateway/internal/lifecycle"
	"github.com/hearthlink/hearthlink/gateway/internal/sandbox"
	"github.com/hearthlink/hearthlink/gateway/internal/security"
	"github.com/hearthlink/hearthlink/gateway/internal/traffic"
	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

// Handlers bundles the gateway components behind HTTP endpoints.
type Handlers struct {
	Lifecycle  *lifecycle.Manager
	Controller *traffic.Controller
	Security   *security.Orchestrator
	Quarantine *security.QuarantineSet
	Bench      *sandbox.Benchmarker
	Trail      *audit.Trail
	Sandbox    *config.SandboxConfig
}

// SandboxLimits reports the resource and access boundaries every plugin
// invocation runs under.
func (h *Handlers) SandboxLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Sandbox.Wire())
}

func actor(r *http.Request) string {
	if u := r.Header.Get("X-User-Id"); u != "" {
		return u
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the gateway error taxonomy to HTTP status codes.
// Recoverable rejections carry retry_after_ms so callers can back off.
func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"success": false, "error": err.Error()}

	var (
		verr *models.ValidationError
		dup  *models.DuplicateManifestError
		np   *models.NotPendingError
		cnd  *models.CapabilityNotDeclaredError
		pd   *models.PermissionDeniedError
		qe   *models.QuarantinedError
		kse  *models.KillSwitchActiveError
		rl   *models.RateLimitError
		bp   *models.BackpressureError
		lim  *models.ResourceLimitError
		nf   *models.NotFoundError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		body["issues"] = verr.Issues
	case errors.As(err, &cnd):
		status = http.StatusBadRequest
	case errors.As(err, &dup):
		status = http.StatusConflict
		body["existing_id"] = dup.ExistingID
	case errors.As(err, &np):
		status = http.StatusConflict
	case errors.As(err, &pd), errors.As(err, &qe), errors.As(err, &kse):
		status = http.StatusForbidden
	case errors.As(err, &rl):
		status = http.StatusTooManyRequests
		body["retry_after_ms"] = rl.RetryAfter.Milliseconds()
	case errors.As(err, &bp):
		status = http.StatusServiceUnavailable
		body["retry_after_ms"] = bp.RetryAfter.Milliseconds()
	case errors.As(err, &lim):
		status = http.StatusUnprocessableEntity
		body["limit"] = lim.Limit
	case errors.As(err, &nf):
		status = http.StatusNotFound
	case errors.Is(err, sandbox.ErrRunnerNotConfigured):
		status = http.StatusNotImplemented
	}
	writeJSON(w, status, body)
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// ── Plugins ─────────────────────────────────────────────────

func (h *Handlers) RegisterPlugin(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := h.Lifecycle.Register(raw, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "plugin": p})
}

func (h *Handlers) ListPlugins(w http.ResponseWriter, r *http.Request) {
	status := models.PluginStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "plugins": h.Lifecycle.List(status)})
}

func (h *Handlers) GetPlugin(w http.ResponseWriter, r *http.Request) {
	p, err := h.Lifecycle.Get(chi.URLParam(r, "pluginID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "plugin": p})
}

func (h *Handlers) ApprovePlugin(w http.ResponseWriter, r *http.Request) {
	p, err := h.Lifecycle.Approve(chi.URLParam(r, "pluginID"), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "plugin": p})
}

func (h *Handlers) RejectPlugin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	decode(r, &req)
	p, err := h.Lifecycle.Reject(chi.URLParam(r, "pluginID"), actor(r), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "plugin": p})
}

func (h *Handlers) ClearPluginQuarantine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Justification string `json:"justification"`
	}
	decode(r, &req)
	if err := h.Lifecycle.ClearQuarantine(chi.URLParam(r, "pluginID"), actor(r), req.Justification); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ── Permissions ─────────────────────────────────────────────

func (h *Handlers) RequestPermissions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Capabilities []models.Capability `json:"capabilities"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pr, err := h.Lifecycle.RequestPermissions(chi.URLParam(r, "pluginID"), actor(r), req.Capabilities)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "request": pr})
}

func (h *Handlers) ListPendingPermissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "requests": h.Lifecycle.PendingRequests()})
}

func (h *Handlers) ApprovePermissions(w http.ResponseWriter, r *http.Request) {
	g, err := h.Lifecycle.ApprovePermissions(chi.URLParam(r, "requestID"), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "grant": g})
}

func (h *Handlers) DenyPermissions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	decode(r, &req)
	if err := h.Lifecycle.DenyPermissions(chi.URLParam(r, "requestID"), actor(r), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handlers) RevokePermissions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	decode(r, &req)
	n := h.Lifecycle.RevokeAll(chi.URLParam(r, "pluginID"), actor(r), req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "revoked": n})
}

func (h *Handlers) ListGrants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"grants":  h.Lifecycle.Grants(chi.URLParam(r, "pluginID")),
	})
}

// ── Execution ───────────────────────────────────────────────

func (h *Handlers) Execute(w http.ResponseWriter, r *http.Request) {
	var req models.ExecutionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		req.UserID = actor(r)
	}

	res, err := h.Controller.Do(r.Context(), &req)
	if err != nil {
		if res != nil {
			// Execution happened and failed; the result envelope carries it.
			writeJSON(w, http.StatusOK, res)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) Benchmark(w http.ResponseWriter, r *http.Request) {
	p, err := h.Lifecycle.Get(chi.URLParam(r, "pluginID"))
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.Bench.Run(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "benchmark": result})
}

// ── Traffic ─────────────────────────────────────────────────

func (h *Handlers) TrafficMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Controller.Metrics())
}

func (h *Handlers) UpdateAllocation(w http.ResponseWriter, r *http.Request) {
	var alloc models.BandwidthAllocation
	if err := decode(r, &alloc); err != nil {
		writeError(w, err)
		return
	}
	if alloc.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "user_id is required"})
		return
	}
	h.Controller.Allocations().Update(alloc)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "allocation": alloc})
}

// ── Security ────────────────────────────────────────────────

func (h *Handlers) SecurityReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Security.Report())
}

func (h *Handlers) SecurityDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Security.Dashboard())
}

func (h *Handlers) ReportEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventType models.RiskEventType `json:"event_type"`
		Origin    string               `json:"origin"`
		Context   map[string]string    `json:"context"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	event := h.Security.MonitorEvent(req.EventType, req.Origin, req.Context)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event": event})
}

func (h *Handlers) KillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target     string                `json:"target"`
		TargetType models.KillTargetType `json:"target_type"`
		Reason     string                `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	event, err := h.Security.ActivateKillSwitch(req.Target, req.TargetType, req.Reason, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "kill_switch": event})
}

func (h *Handlers) OverrideEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID       string                `json:"event_id"`
		Reason        models.OverrideReason `json:"reason"`
		Justification string                `json:"justification"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ov, err := h.Security.OverrideEvent(req.EventID, actor(r), req.Reason, req.Justification)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "override": ov})
}

func (h *Handlers) ListQuarantine(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "quarantined": h.Quarantine.List()})
}

func (h *Handlers) ClearQuarantine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Justification string `json:"justification"`
	}
	decode(r, &req)
	if err := h.Security.ClearQuarantine(chi.URLParam(r, "origin"), actor(r), req.Justification); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ── Audit ───────────────────────────────────────────────────

func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Actor:    q.Get("actor"),
		Action:   models.AuditAction(q.Get("action")),
		Resource: q.Get("resource"),
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entries": h.Trail.List(f)})
}

func (h *Handlers) ExportAudit(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("format") {
	case "csv":
		out, err := h.Trail.ExportCSV()
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Write(out)
	default:
		out, err := h.Trail.ExportJSON()
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	}
}

func (h *Handlers) ArchiveSecurityAudit(w http.ResponseWriter, r *http.Request) {
	archived := h.Trail.ArchiveSecurity()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "archived": archived})
}
