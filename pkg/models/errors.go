package models

import (
	"fmt"
	"strings"
	"time"
)

// Error taxonomy for the gateway. Every rejection a caller can see maps to
// one of these types; handlers translate them to HTTP status codes and the
// admission path feeds the security-relevant ones into risk scoring.

// ValidationError reports a rejected manifest. Fatal for the registration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid manifest: " + strings.Join(e.Issues, "; ")
}

// DuplicateManifestError is returned when an identical manifest is already
// registered.
type DuplicateManifestError struct {
	Fingerprint string
	ExistingID  string
}

func (e *DuplicateManifestError) Error() string {
	return "manifest already registered as plugin " + e.ExistingID
}

// NotPendingError is returned when an approval decision targets a plugin
// or permission request that is not in pending state.
type NotPendingError struct {
	Entity string // "plugin" or "permission request"
	ID     string
	State  string
}

func (e *NotPendingError) Error() string {
	return fmt.Sprintf("%s %s is %s, not pending", e.Entity, e.ID, e.State)
}

// CapabilityNotDeclaredError is returned when a permission request names a
// capability absent from the plugin's manifest.
type CapabilityNotDeclaredError struct {
	PluginID   string
	Capability Capability
}

func (e *CapabilityNotDeclaredError) Error() string {
	return fmt.Sprintf("capability %q not declared in manifest of plugin %s", e.Capability, e.PluginID)
}

// PermissionDeniedError means the capability is not granted, or the plugin
// is not in a state admitting execution. Retryable after approval.
type PermissionDeniedError struct {
	PluginID string
	Reason   string
}

func (e *PermissionDeniedError) Error() string {
	return "permission denied for plugin " + e.PluginID + ": " + e.Reason
}

// RateLimitError is recoverable; the caller may retry after RetryAfter.
type RateLimitError struct {
	UserID     string
	Scope      string // "user" or "category"
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (%s), retry after %s", e.UserID, e.Scope, e.RetryAfter)
}

// BackpressureError is returned when the admission queue overflows and
// this request was evicted. Recoverable.
type BackpressureError struct {
	Priority   AgentPriority
	RetryAfter time.Duration
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("admission queue overflow, %s request evicted", e.Priority)
}

// ResourceLimitError reports a sandbox limit breach. Fatal for the
// execution; never retried automatically.
type ResourceLimitError struct {
	Limit string // e.g. "max_memory_mb"
	Value float64
	Max   float64
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("resource limit exceeded: %s (%.1f > %.1f)", e.Limit, e.Value, e.Max)
}

// SecurityViolationError marks behavior that feeds risk scoring; not
// necessarily fatal to the caller but may escalate to quarantine.
type SecurityViolationError struct {
	Origin string
	Detail string
}

func (e *SecurityViolationError) Error() string {
	return "security violation by " + e.Origin + ": " + e.Detail
}

// KillSwitchActiveError is fatal until a manual override clears the target.
type KillSwitchActiveError struct {
	Target string
}

func (e *KillSwitchActiveError) Error() string {
	return "kill switch active for " + e.Target
}

// QuarantinedError rejects admission for a quarantined origin or plugin.
type QuarantinedError struct {
	Origin string
}

func (e *QuarantinedError) Error() string {
	return "origin quarantined: " + e.Origin
}

// NotFoundError is returned when a requested entity does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return e.Entity + " not found: " + e.Key
}
