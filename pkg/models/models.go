// Package models defines the domain types shared across the Hearthlink
// plugin gateway: plugin manifests and lifecycle state, execution requests,
// bandwidth allocations, sandbox limits, risk events, and audit entries.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ── Agent Priority ──────────────────────────────────────────

// AgentPriority orders admission scheduling. Lower numeric value is always
// dequeued first when worker capacity frees up.
type AgentPriority int

const (
	PrioritySystem   AgentPriority = 0 // system operations
	PriorityAlden    AgentPriority = 1 // local primary agent
	PriorityInternal AgentPriority = 2 // internal personas (alice, mimic, sentry)
	PriorityExternal AgentPriority = 3 // external agents, default
)

// PriorityLevels lists all priorities in dequeue order.
var PriorityLevels = []AgentPriority{PrioritySystem, PriorityAlden, PriorityInternal, PriorityExternal}

func (p AgentPriority) String() string {
	switch p {
	case PrioritySystem:
		return "SYSTEM"
	case PriorityAlden:
		return "ALDEN"
	case PriorityInternal:
		return "INTERNAL"
	case PriorityExternal:
		return "EXTERNAL"
	default:
		return "UNKNOWN"
	}
}

// ParseAgentPriority maps a wire string to a priority. Unknown or empty
// strings map to PriorityExternal, the least trusted class.
func ParseAgentPriority(s string) AgentPriority {
	switch s {
	case "SYSTEM", "system":
		return PrioritySystem
	case "ALDEN", "alden":
		return PriorityAlden
	case "INTERNAL", "internal":
		return PriorityInternal
	default:
		return PriorityExternal
	}
}

// ── Capabilities ────────────────────────────────────────────

// Capability is a permission a plugin may declare in its manifest and
// request a grant for. The set is closed: manifests declaring anything
// else are rejected.
type Capability string

const (
	CapabilityNetwork         Capability = "network"
	CapabilityFilesystemRead  Capability = "filesystem_read"
	CapabilityFilesystemWrite Capability = "filesystem_write"
	CapabilityProcessSpawn    Capability = "process_spawn"
	CapabilityVaultRead       Capability = "vault_read"
	CapabilityVaultWrite      Capability = "vault_write"
	CapabilityAPIExternal     Capability = "api_external"
	CapabilityBrowserPreview  Capability = "browser_preview"
	CapabilityWebhookOutbound Capability = "webhook_outbound"
)

// AllowedCapabilities is the closed allow-list the manifest validator
// enforces.
var AllowedCapabilities = map[Capability]bool{
	CapabilityNetwork:         true,
	CapabilityFilesystemRead:  true,
	CapabilityFilesystemWrite: true,
	CapabilityProcessSpawn:    true,
	CapabilityVaultRead:       true,
	CapabilityVaultWrite:      true,
	CapabilityAPIExternal:     true,
	CapabilityBrowserPreview:  true,
	CapabilityWebhookOutbound: true,
}

// CapabilitySetKey returns a canonical key for a capability set, used to
// deduplicate permission requests for the same (plugin, capability-set).
func CapabilitySetKey(caps []Capability) string {
	sorted := make([]string, len(caps))
	for i, c := range caps {
		sorted[i] = string(c)
	}
	sort.Strings(sorted)
	key := ""
	for i, c := range sorted {
		if i > 0 {
			key += ","
		}
		key += c
	}
	return key
}

// ── Manifest & Plugin ───────────────────────────────────────

type RiskTier string

const (
	RiskTierLow    RiskTier = "low"
	RiskTierMedium RiskTier = "medium"
	RiskTierHigh   RiskTier = "high"
)

// Manifest is the declarative description of a plugin. Validated once at
// registration and read-only thereafter.
type Manifest struct {
	Name        string       `json:"name" validate:"required,max=100"`
	Version     string       `json:"version" validate:"required"`
	Description string       `json:"description" validate:"max=500"`
	Author      string       `json:"author" validate:"required,max=100"`
	Permissions []Capability `json:"permissions"`
	EntryPoint  string       `json:"entry_point" validate:"required"`
	RiskTier    RiskTier     `json:"risk_tier,omitempty"`
	Signature   string       `json:"signature,omitempty"`
}

// Declares reports whether the manifest declares the given capability.
func (m *Manifest) Declares(cap Capability) bool {
	for _, c := range m.Permissions {
		if c == cap {
			return true
		}
	}
	return false
}

// Fingerprint returns a stable sha256 hash of the manifest's identity
// fields. Two registrations with the same fingerprint are duplicates.
func (m *Manifest) Fingerprint() string {
	perms := make([]string, len(m.Permissions))
	for i, c := range m.Permissions {
		perms[i] = string(c)
	}
	sort.Strings(perms)
	identity := struct {
		Name        string   `json:"name"`
		Version     string   `json:"version"`
		Author      string   `json:"author"`
		Permissions []string `json:"permissions"`
		EntryPoint  string   `json:"entry_point"`
	}{m.Name, m.Version, m.Author, perms, m.EntryPoint}
	data, _ := json.Marshal(identity)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type PluginStatus string

const (
	PluginStatusPending     PluginStatus = "pending"
	PluginStatusApproved    PluginStatus = "approved"
	PluginStatusRejected    PluginStatus = "rejected"
	PluginStatusQuarantined PluginStatus = "quarantined"
)

// Plugin is a registered plugin and its lifecycle state. Status transitions
// go only through the lifecycle manager; the manifest is immutable after
// registration.
type Plugin struct {
	ID           string       `json:"id"`
	Manifest     Manifest     `json:"manifest"`
	RiskTier     RiskTier     `json:"risk_tier"`
	Status       PluginStatus `json:"status"`
	RegisteredBy string       `json:"registered_by"`
	RegisteredAt time.Time    `json:"registered_at"`
	ApprovedBy   string       `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time   `json:"approved_at,omitempty"`
}

// ── Permission Requests & Grants ────────────────────────────

type PermissionStatus string

const (
	PermissionStatusPending  PermissionStatus = "pending"
	PermissionStatusApproved PermissionStatus = "approved"
	PermissionStatusDenied   PermissionStatus = "denied"
	PermissionStatusRevoked  PermissionStatus = "revoked"
)

// PermissionRequest is a user-approval workflow item. At most one pending
// request exists per (plugin, capability-set).
type PermissionRequest struct {
	ID           string           `json:"id"`
	PluginID     string           `json:"plugin_id"`
	RequestedBy  string           `json:"requested_by"`
	Capabilities []Capability     `json:"capabilities"`
	Status       PermissionStatus `json:"status"`
	RequestedAt  time.Time        `json:"requested_at"`
	DecidedBy    string           `json:"decided_by,omitempty"`
	DecidedAt    *time.Time       `json:"decided_at,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}

// PermissionGrant is an active capability grant created by approving a
// permission request.
type PermissionGrant struct {
	ID           string       `json:"id"`
	PluginID     string       `json:"plugin_id"`
	Capabilities []Capability `json:"capabilities"`
	GrantedBy    string       `json:"granted_by"`
	GrantedAt    time.Time    `json:"granted_at"`
}

// ── Execution ───────────────────────────────────────────────

// ExecutionRequest is ephemeral: it exists only for the duration of
// admission plus execution.
type ExecutionRequest struct {
	ID          string          `json:"request_id"`
	PluginID    string          `json:"plugin_id"`
	UserID      string          `json:"user_id"`
	Priority    AgentPriority   `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// ExecutionResult is the structured result every caller receives; Error is
// empty on success.
type ExecutionResult struct {
	Success         bool   `json:"success"`
	Output          string `json:"output,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	RequestID       string `json:"request_id"`
}

// ResourceUsage is what the plugin runner reports for one invocation.
// The sandbox executor compares it against the configured ceilings.
type ResourceUsage struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemoryMB     float64 `json:"memory_mb"`
	DiskMB       float64 `json:"disk_mb"`
	ProcessCount int     `json:"process_count"`
}

// PayloadEnvelope is the recognized shape of an execution payload. Hosts
// and Paths declare the external resources the invocation intends to
// touch; the sandbox rejects anything outside its allow-lists before the
// runner is invoked. WritePaths declare write intent and are additionally
// checked against the read-only path list.
type PayloadEnvelope struct {
	Input        string       `json:"input"`
	Hosts        []string     `json:"hosts,omitempty"`
	Paths        []string     `json:"paths,omitempty"`
	WritePaths   []string     `json:"write_paths,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// ── Bandwidth & Sandbox Configuration ───────────────────────

// BandwidthAllocation is mutable per-user traffic budget configuration.
// Defaults apply when no allocation is stored for a user.
type BandwidthAllocation struct {
	UserID               string        `json:"user_id"`
	Category             string        `json:"category"`
	MaxRequestsPerWindow int           `json:"max_requests_per_window"`
	Window               time.Duration `json:"window"`
	MaxConcurrent        int           `json:"max_concurrent"`
}

// SandboxConfig bounds a single plugin invocation. Immutable per execution.
type SandboxConfig struct {
	MaxCPUPercent       float64  `json:"max_cpu_percent"`
	MaxMemoryMB         int      `json:"max_memory_mb"`
	MaxDiskMB           int      `json:"max_disk_mb"`
	MaxExecutionTime    int      `json:"max_execution_time"` // seconds
	MaxProcesses        int      `json:"max_processes"`
	AllowedNetworkHosts []string `json:"allowed_network_hosts"`
	AllowedFilePaths    []string `json:"allowed_file_paths"`
	ReadOnlyPaths       []string `json:"read_only_paths"`
}

// ── Benchmarking ────────────────────────────────────────────

type PerformanceTier string

const (
	TierStable   PerformanceTier = "stable"
	TierBeta     PerformanceTier = "beta"
	TierRisky    PerformanceTier = "risky"
	TierUnstable PerformanceTier = "unstable"
)

// TierThresholds are the ceilings a benchmark run must stay under to earn
// a performance tier. Checked from stable downward; first tier whose
// ceilings all hold wins.
type TierThresholds struct {
	MaxResponseTimeMs float64 `json:"max_response_time_ms"`
	MaxErrorRate      float64 `json:"max_error_rate"`
	MaxCPUPercent     float64 `json:"max_cpu_percent"`
	MaxMemoryMB       float64 `json:"max_memory_mb"`
}

// BenchmarkResult is produced once per benchmark run and appended to the
// plugin's history, never mutated.
type BenchmarkResult struct {
	PluginID        string          `json:"plugin_id"`
	TestCount       int             `json:"test_count"`
	SuccessCount    int             `json:"success_count"`
	ResponseTimeMs  float64         `json:"response_time_ms"` // p95
	CPUUsed         float64         `json:"cpu_used"`
	MemoryUsedMB    float64         `json:"memory_used_mb"`
	ErrorRate       float64         `json:"error_rate"`
	Throughput      float64         `json:"throughput"`
	PerformanceTier PerformanceTier `json:"performance_tier"`
	RiskScore       float64         `json:"risk_score"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ── Security ────────────────────────────────────────────────

// ThreatLevel tiers drive automated escalation. Ordering is load-bearing:
// a higher level never yields a weaker recommended action.
type ThreatLevel int

const (
	ThreatLow ThreatLevel = iota
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

func (t ThreatLevel) String() string {
	switch t {
	case ThreatLow:
		return "LOW"
	case ThreatMedium:
		return "MEDIUM"
	case ThreatHigh:
		return "HIGH"
	case ThreatCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders threat levels by name so API consumers never see
// bare ordinals.
func (t ThreatLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *ThreatLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "LOW":
		*t = ThreatLow
	case "MEDIUM":
		*t = ThreatMedium
	case "HIGH":
		*t = ThreatHigh
	case "CRITICAL":
		*t = ThreatCritical
	default:
		return fmt.Errorf("unknown threat level %q", s)
	}
	return nil
}

// RiskEventType classifies the input stream to the risk orchestrator.
type RiskEventType string

const (
	EventRateLimitHit         RiskEventType = "rate_limit_exceeded"
	EventPermissionEscalation RiskEventType = "permission_escalation"
	EventSandboxViolation     RiskEventType = "sandbox_violation"
	EventResourceLimit        RiskEventType = "resource_limit_exceeded"
	EventAnomalousTraffic     RiskEventType = "anomalous_traffic"
	EventSecurityViolation    RiskEventType = "security_violation"
	EventManualReport         RiskEventType = "manual_report"
)

// RecommendedAction is what the orchestrator decided to do about an event.
type RecommendedAction string

const (
	ActionLog        RecommendedAction = "log"
	ActionAlert      RecommendedAction = "alert"
	ActionQuarantine RecommendedAction = "quarantine"
	ActionKill       RecommendedAction = "kill"
)

// RiskEvent is immutable once created.
type RiskEvent struct {
	ID                string            `json:"id"`
	EventType         RiskEventType     `json:"event_type"`
	Origin            string            `json:"origin"`
	Context           map[string]string `json:"context,omitempty"`
	RiskScore         float64           `json:"risk_score"`
	ThreatLevel       ThreatLevel       `json:"threat_level"`
	RecommendedAction RecommendedAction `json:"recommended_action"`
	ActionsTaken      []string          `json:"actions_taken,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
}

// OverrideReason is the closed set of justification categories for
// reversing an automated security action.
type OverrideReason string

const (
	OverrideBusinessNeed  OverrideReason = "business_need"
	OverrideFalsePositive OverrideReason = "false_positive"
	OverrideRiskAccepted  OverrideReason = "risk_accepted"
)

// Override annotates a RiskEvent; it never deletes it.
type Override struct {
	ID            string         `json:"id"`
	RiskEventID   string         `json:"risk_event_id"`
	DecidedBy     string         `json:"decided_by"`
	Reason        OverrideReason `json:"reason"`
	Justification string         `json:"justification"`
	CreatedAt     time.Time      `json:"created_at"`
}

// KillTargetType identifies what a kill-switch event targets.
type KillTargetType string

const (
	KillTargetPlugin KillTargetType = "plugin"
	KillTargetAgent  KillTargetType = "agent"
)

// KillSwitchEvent is terminal: once issued, the target stays quarantined
// until manually cleared.
type KillSwitchEvent struct {
	ID          string         `json:"id"`
	Target      string         `json:"target"`
	TargetType  KillTargetType `json:"target_type"`
	Reason      string         `json:"reason"`
	InitiatedBy string         `json:"initiated_by"`
	Timestamp   time.Time      `json:"timestamp"`
}

// OriginState is the per-origin escalation state machine.
type OriginState string

const (
	OriginNormal      OriginState = "normal"
	OriginFlagged     OriginState = "flagged"
	OriginQuarantined OriginState = "quarantined"
	OriginKilled      OriginState = "killed"
)

// QuarantineRecord tracks why an origin is in the shared quarantine set.
type QuarantineRecord struct {
	Origin        string    `json:"origin"`
	Reason        string    `json:"reason"`
	QuarantinedBy string    `json:"quarantined_by"`
	QuarantinedAt time.Time `json:"quarantined_at"`
	Permanent     bool      `json:"permanent"` // set by kill-switch
}

// ── Audit ───────────────────────────────────────────────────

// AuditAction names what an audit entry records.
type AuditAction string

const (
	AuditManifestRejected    AuditAction = "manifest.rejected"
	AuditPluginRegistered    AuditAction = "plugin.registered"
	AuditPluginApproved      AuditAction = "plugin.approved"
	AuditPluginRejected      AuditAction = "plugin.rejected"
	AuditPluginQuarantined   AuditAction = "plugin.quarantined"
	AuditQuarantineCleared   AuditAction = "plugin.quarantine_cleared"
	AuditPermissionRequested AuditAction = "permission.requested"
	AuditPermissionApproved  AuditAction = "permission.approved"
	AuditPermissionDenied    AuditAction = "permission.denied"
	AuditPermissionRevoked   AuditAction = "permission.revoked"
	AuditRequestAdmitted     AuditAction = "request.admitted"
	AuditRequestQueued       AuditAction = "request.queued"
	AuditRequestRejected     AuditAction = "request.rejected"
	AuditRequestCompleted    AuditAction = "request.completed"
	AuditSecurityEvent       AuditAction = "security.event"
	AuditSecurityOverride    AuditAction = "security.override"
	AuditKillSwitch          AuditAction = "security.kill_switch"
)

// AuditLogEntry is append-only and ordered by Seq, a monotonic logical
// timestamp that is immune to wall-clock skew.
type AuditLogEntry struct {
	Seq       uint64            `json:"seq"`
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Action    AuditAction       `json:"action"`
	Resource  string            `json:"resource"`
	Before    string            `json:"before,omitempty"`
	After     string            `json:"after,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	Security  bool              `json:"security"` // exempt from retention eviction
}

// ── Reporting (wire shapes) ─────────────────────────────────

// TrafficMetrics is the gateway's traffic metrics JSON.
type TrafficMetrics struct {
	UptimeSeconds        float64        `json:"uptime_seconds"`
	ProcessedRequests    uint64         `json:"processed_requests"`
	RejectedRequests     uint64         `json:"rejected_requests"`
	ActiveConnections    int            `json:"active_connections"`
	QueueDepthByPriority map[string]int `json:"queue_depth_by_priority"`
}

// SecurityReport is the security report JSON consumed by the dashboard.
type SecurityReport struct {
	Timestamp        time.Time          `json:"timestamp"`
	SystemMetrics    SecuritySystemInfo `json:"system_metrics"`
	CurrentRiskScore float64            `json:"current_risk_score"`
	RecentEvents     []RiskEvent        `json:"recent_events"`
}

// SecuritySystemInfo aggregates orchestrator counters.
type SecuritySystemInfo struct {
	EventsProcessed    uint64 `json:"events_processed"`
	ThreatsDetected    uint64 `json:"threats_detected"`
	OriginsFlagged     int    `json:"origins_flagged"`
	OriginsQuarantined int    `json:"origins_quarantined"`
	KillSwitchEvents   int    `json:"kill_switch_events"`
}
