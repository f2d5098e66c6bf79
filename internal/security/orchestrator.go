package security

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hearthlink/hearthlink/gateway/internal/audit"
	"github.com/hearthlink/hearthlink/gateway/internal/config"
	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

// Canceller aborts in-flight work for an origin. The traffic controller
// implements it; the kill switch invokes it so cancellation takes effect
// within one dispatch tick.
type Canceller interface {
	CancelOrigin(origin string) int
}

// PluginSuspender quarantines a plugin at the lifecycle layer when a kill
// switch targets one.
type PluginSuspender interface {
	Quarantine(pluginID, by, reason string) error
}

// originScore is the decayed risk accumulator per origin.
type originScore struct {
	score     float64
	updatedAt time.Time
	state     models.OriginState
}

// Orchestrator consumes risk events and drives the per-origin state
// machine normal → flagged → quarantined → killed. Quarantine is released
// only by an explicit override or manual clear.
type Orchestrator struct {
	mu        sync.Mutex
	cfg       *config.SecurityConfig
	scores    map[string]*originScore
	events    []models.RiskEvent // bounded ring, newest last
	overrides map[string]models.Override
	kills     map[string]models.KillSwitchEvent // keyed by target, active entries

	quarantine *QuarantineSet
	trail      *audit.Trail
	canceller  Canceller
	suspender  PluginSuspender

	eventsProcessed uint64
	threatsDetected uint64
}

func NewOrchestrator(cfg *config.SecurityConfig, quarantine *QuarantineSet, trail *audit.Trail) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		scores:     make(map[string]*originScore),
		overrides:  make(map[string]models.Override),
		kills:      make(map[string]models.KillSwitchEvent),
		quarantine: quarantine,
		trail:      trail,
	}
}

// SetCanceller wires the in-flight canceller after construction; the
// traffic controller and orchestrator reference each other.
func (o *Orchestrator) SetCanceller(c Canceller) {
	o.mu.Lock()
	o.canceller = c
	o.mu.Unlock()
}

// SetSuspender wires the lifecycle quarantine hook.
func (o *Orchestrator) SetSuspender(s PluginSuspender) {
	o.mu.Lock()
	o.suspender = s
	o.mu.Unlock()
}

// ReportViolation adapts the sandbox violation feed onto MonitorEvent.
func (o *Orchestrator) ReportViolation(eventType models.RiskEventType, origin string, detail map[string]string) {
	o.MonitorEvent(eventType, origin, detail)
}

// MonitorEvent scores one event against the origin's decayed prior and
// executes the recommended action. Higher threat levels never yield a
// weaker action than lower ones under the same prior state.
func (o *Orchestrator) MonitorEvent(eventType models.RiskEventType, origin string, detail map[string]string) *models.RiskEvent {
	o.mu.Lock()

	now := time.Now().UTC()
	os := o.scores[origin]
	if os == nil {
		os = &originScore{state: models.OriginNormal, updatedAt: now}
		o.scores[origin] = os
	}

	os.score = o.decayed(os.score, now.Sub(os.updatedAt)) + o.cfg.EventWeights[eventType]
	os.updatedAt = now

	level := o.threatLevel(os.score)
	event := models.RiskEvent{
		ID:                uuid.NewString(),
		EventType:         eventType,
		Origin:            origin,
		Context:           detail,
		RiskScore:         os.score,
		ThreatLevel:       level,
		RecommendedAction: recommendedAction(level),
		ActionsTaken:      responseActions(level),
		Timestamp:         now,
	}

	o.eventsProcessed++
	if level >= models.ThreatMedium {
		o.threatsDetected++
	}

	var cancelOrigin bool
	switch level {
	case models.ThreatMedium:
		if os.state == models.OriginNormal {
			os.state = models.OriginFlagged
		}
	case models.ThreatHigh:
		if os.state != models.OriginKilled {
			os.state = models.OriginQuarantined
			o.quarantine.Add(origin, fmt.Sprintf("auto-quarantine: %s", eventType), "sentry", false)
		}
	case models.ThreatCritical:
		os.state = models.OriginKilled
		o.quarantine.Add(origin, fmt.Sprintf("kill switch: %s", eventType), "sentry", true)
		if _, active := o.kills[origin]; !active {
			o.kills[origin] = models.KillSwitchEvent{
				ID:          uuid.NewString(),
				Target:      origin,
				TargetType:  models.KillTargetAgent,
				Reason:      string(eventType),
				InitiatedBy: "sentry",
				Timestamp:   now,
			}
		}
		cancelOrigin = true
	}

	o.appendEventLocked(event)
	canceller := o.canceller
	o.mu.Unlock()

	o.trail.Record("sentry", models.AuditSecurityEvent, origin, map[string]string{
		"event_id": event.ID, "event_type": string(eventType),
		"threat_level": level.String(), "action": string(event.RecommendedAction),
	})

	if cancelOrigin && canceller != nil {
		aborted := canceller.CancelOrigin(origin)
		log.Warn().Str("origin", origin).Int("aborted", aborted).Msg("kill switch cancelled in-flight requests")
	}

	logEvent := log.Info()
	if level >= models.ThreatHigh {
		logEvent = log.Warn()
	}
	logEvent.Str("origin", origin).Str("event", string(eventType)).
		Float64("score", event.RiskScore).Str("level", level.String()).
		Msg("risk event processed")
	return &event
}

// decayed applies exponential half-life decay to a prior score.
func (o *Orchestrator) decayed(score float64, elapsed time.Duration) float64 {
	if score == 0 || elapsed <= 0 || o.cfg.ScoreHalfLife <= 0 {
		return score
	}
	return score * math.Exp2(-elapsed.Seconds()/o.cfg.ScoreHalfLife.Seconds())
}

func (o *Orchestrator) threatLevel(score float64) models.ThreatLevel {
	switch {
	case score >= o.cfg.CriticalThreshold:
		return models.ThreatCritical
	case score >= o.cfg.HighThreshold:
		return models.ThreatHigh
	case score >= o.cfg.MediumThreshold:
		return models.ThreatMedium
	default:
		return models.ThreatLow
	}
}

func recommendedAction(level models.ThreatLevel) models.RecommendedAction {
	switch level {
	case models.ThreatCritical:
		return models.ActionKill
	case models.ThreatHigh:
		return models.ActionQuarantine
	case models.ThreatMedium:
		return models.ActionAlert
	default:
		return models.ActionLog
	}
}

// responseActions lists everything executed for a threat level. Strictly
// cumulative so action strength is ordered with the level.
func responseActions(level models.ThreatLevel) []string {
	switch level {
	case models.ThreatCritical:
		return []string{"log", "alert", "kill", "block"}
	case models.ThreatHigh:
		return []string{"log", "alert", "rate_limit", "quarantine"}
	case models.ThreatMedium:
		return []string{"log", "alert"}
	default:
		return []string{"log"}
	}
}

func (o *Orchestrator) appendEventLocked(e models.RiskEvent) {
	o.events = append(o.events, e)
	if o.cfg.MaxEvents > 0 && len(o.events) > o.cfg.MaxEvents {
		o.events = o.events[len(o.events)-o.cfg.MaxEvents:]
	}
}

// OverrideEvent reverses the automated action for a risk event without
// erasing the event itself. Requires a non-empty justification.
func (o *Orchestrator) OverrideEvent(eventID, user string, reason models.OverrideReason, justification string) (*models.Override, error) {
	if justification == "" {
		return nil, fmt.Errorf("override requires a justification")
	}

	o.mu.Lock()
	var event *models.RiskEvent
	for i := range o.events {
		if o.events[i].ID == eventID {
			event = &o.events[i]
			break
		}
	}
	if event == nil {
		o.mu.Unlock()
		return nil, &models.NotFoundError{Entity: "risk event", Key: eventID}
	}

	ov := models.Override{
		ID:            uuid.NewString(),
		RiskEventID:   eventID,
		DecidedBy:     user,
		Reason:        reason,
		Justification: justification,
		CreatedAt:     time.Now().UTC(),
	}
	o.overrides[eventID] = ov

	// Reverse the automated consequence, keep the event on record.
	if event.RecommendedAction == models.ActionQuarantine || event.RecommendedAction == models.ActionKill {
		o.quarantine.Remove(event.Origin)
		delete(o.kills, event.Origin)
		if os := o.scores[event.Origin]; os != nil {
			os.state = models.OriginNormal
			os.score = 0
			os.updatedAt = ov.CreatedAt
		}
	}
	o.mu.Unlock()

	o.trail.Record(user, models.AuditSecurityOverride, event.Origin, map[string]string{
		"event_id": eventID, "override_id": ov.ID,
		"reason": string(reason), "justification": justification,
	})
	log.Warn().Str("event_id", eventID).Str("user", user).Msg("security action overridden")
	return &ov, nil
}

// ActivateKillSwitch is the operator-initiated kill path. Idempotent: a
// second activation for the same target returns the existing event.
func (o *Orchestrator) ActivateKillSwitch(target string, targetType models.KillTargetType, reason, user string) (*models.KillSwitchEvent, error) {
	if reason == "" {
		return nil, fmt.Errorf("kill switch requires a reason")
	}
	switch targetType {
	case models.KillTargetPlugin, models.KillTargetAgent:
	default:
		return nil, fmt.Errorf("unknown kill target type %q", targetType)
	}

	o.mu.Lock()
	if existing, ok := o.kills[target]; ok {
		o.mu.Unlock()
		out := existing
		return &out, nil
	}

	event := models.KillSwitchEvent{
		ID:          uuid.NewString(),
		Target:      target,
		TargetType:  targetType,
		Reason:      reason,
		InitiatedBy: user,
		Timestamp:   time.Now().UTC(),
	}
	o.kills[target] = event
	o.quarantine.Add(target, "kill switch: "+reason, user, true)
	if os := o.scores[target]; os != nil {
		os.state = models.OriginKilled
	} else {
		o.scores[target] = &originScore{state: models.OriginKilled, updatedAt: event.Timestamp}
	}
	canceller := o.canceller
	suspender := o.suspender
	o.mu.Unlock()

	if canceller != nil {
		canceller.CancelOrigin(target)
	}
	if targetType == models.KillTargetPlugin && suspender != nil {
		if err := suspender.Quarantine(target, user, "kill switch: "+reason); err != nil {
			log.Warn().Err(err).Str("plugin", target).Msg("kill switch could not quarantine plugin")
		}
	}

	o.trail.Record(user, models.AuditKillSwitch, target, map[string]string{
		"kill_id": event.ID, "target_type": string(targetType), "reason": reason,
	})
	log.Error().Str("target", target).Str("user", user).Str("reason", reason).Msg("kill switch activated")
	return &event, nil
}

// ClearQuarantine manually reinstates an origin.
func (o *Orchestrator) ClearQuarantine(origin, user, justification string) error {
	if justification == "" {
		return fmt.Errorf("clearing quarantine requires a justification")
	}

	o.mu.Lock()
	if !o.quarantine.Remove(origin) {
		o.mu.Unlock()
		return &models.NotFoundError{Entity: "quarantined origin", Key: origin}
	}
	delete(o.kills, origin)
	if os := o.scores[origin]; os != nil {
		os.state = models.OriginNormal
		os.score = 0
		os.updatedAt = time.Now().UTC()
	}
	o.mu.Unlock()

	o.trail.Record(user, models.AuditQuarantineCleared, origin, map[string]string{"justification": justification})
	return nil
}

// OriginState returns the current escalation state for an origin.
func (o *Orchestrator) OriginState(origin string) models.OriginState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if os := o.scores[origin]; os != nil {
		return os.state
	}
	return models.OriginNormal
}

// Dashboard returns current decayed risk scores by origin plus counters.
func (o *Orchestrator) Dashboard() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now().UTC()
	scores := make(map[string]float64, len(o.scores))
	states := make(map[string]string, len(o.scores))
	for origin, os := range o.scores {
		scores[origin] = o.decayed(os.score, now.Sub(os.updatedAt))
		states[origin] = string(os.state)
	}
	return map[string]any{
		"risk_scores":       scores,
		"origin_states":     states,
		"events_processed":  o.eventsProcessed,
		"threats_detected":  o.threatsDetected,
		"quarantined":       o.quarantine.Len(),
		"kill_switch_count": len(o.kills),
	}
}

// Report assembles the security report consumed by operators.
func (o *Orchestrator) Report() *models.SecurityReport {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now().UTC()
	var flagged int
	var peak float64
	for _, os := range o.scores {
		if os.state == models.OriginFlagged {
			flagged++
		}
		if s := o.decayed(os.score, now.Sub(os.updatedAt)); s > peak {
			peak = s
		}
	}

	recent := o.events
	if len(recent) > 50 {
		recent = recent[len(recent)-50:]
	}
	out := make([]models.RiskEvent, len(recent))
	copy(out, recent)

	return &models.SecurityReport{
		Timestamp: now,
		SystemMetrics: models.SecuritySystemInfo{
			EventsProcessed:    o.eventsProcessed,
			ThreatsDetected:    o.threatsDetected,
			OriginsFlagged:     flagged,
			OriginsQuarantined: o.quarantine.Len(),
			KillSwitchEvents:   len(o.kills),
		},
		CurrentRiskScore: peak,
		RecentEvents:     out,
	}
}
