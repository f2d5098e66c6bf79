package traffic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hearthlink/hearthlink/gateway/internal/audit"
	"github.com/hearthlink/hearthlink/gateway/internal/config"
	"github.com/hearthlink/hearthlink/gateway/internal/lifecycle"
	"github.com/hearthlink/hearthlink/gateway/internal/sandbox"
	"github.com/hearthlink/hearthlink/gateway/internal/security"
	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

// DecisionStatus is the outcome of an admission check.
type DecisionStatus string

const (
	DecisionAccepted DecisionStatus = "accepted"
	DecisionQueued   DecisionStatus = "queued"
	DecisionRejected DecisionStatus = "rejected"
)

// Outcome is what the caller eventually receives for an admitted request.
type Outcome struct {
	Result *models.ExecutionResult
	Err    error
}

// Decision reports how a submission was handled. For admitted requests
// Outcome delivers exactly one value; for rejections Err carries the typed
// error and Outcome is nil.
type Decision struct {
	Status        DecisionStatus
	Err           error
	RetryAfter    time.Duration
	QueuePosition int
	EstimatedWait time.Duration
	Outcome       <-chan Outcome

	item *item
}

// item is one queued execution request.
type item struct {
	req        *models.ExecutionRequest
	plugin     *models.Plugin
	ctx        context.Context
	cancel     context.CancelFunc
	outcome    chan Outcome
	enqueuedAt time.Time
}

// Controller is the admission and dispatch pipeline. One lock guards the
// queue state; the quarantine set and lifecycle tables have their own.
type Controller struct {
	cfg        *config.TrafficConfig
	exec       *sandbox.Executor
	lifecycle  *lifecycle.Manager
	quarantine *security.QuarantineSet
	sink       sandbox.ViolationSink
	trail      *audit.Trail

	alloc       *Allocations
	userWin     *slidingWindow
	categoryWin *slidingWindow

	mu           sync.Mutex
	queues       [4][]*item         // indexed by AgentPriority, 0 dispatches first
	waiting      map[string][]*item // users at their concurrency cap
	activeByUser map[string]int
	running      map[string]*item // in-flight, keyed by request id
	queuedCount  int

	tokens chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	startedAt     time.Time
	processed     atomic.Uint64
	rejectedCount atomic.Uint64
	activeWorkers atomic.Int64
}

// NewController builds the controller and starts its worker pool.
func NewController(cfg *config.TrafficConfig, exec *sandbox.Executor, lm *lifecycle.Manager, qs *security.QuarantineSet, sink sandbox.ViolationSink, trail *audit.Trail) *Controller {
	workers := cfg.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	c := &Controller{
		cfg:          cfg,
		exec:         exec,
		lifecycle:    lm,
		quarantine:   qs,
		sink:         sink,
		trail:        trail,
		alloc:        NewAllocations(cfg),
		userWin:      newSlidingWindow(cfg.RateWindow),
		categoryWin:  newSlidingWindow(cfg.RateWindow),
		waiting:      make(map[string][]*item),
		activeByUser: make(map[string]int),
		running:      make(map[string]*item),
		tokens:       make(chan struct{}, cfg.MaxQueueDepth+workers+1),
		done:         make(chan struct{}),
		startedAt:    time.Now(),
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	log.Info().Int("workers", workers).Int("max_queue_depth", cfg.MaxQueueDepth).Msg("traffic controller started")
	return c
}

// Allocations exposes the bandwidth budget table.
func (c *Controller) Allocations() *Allocations { return c.alloc }

// ── Admission ───────────────────────────────────────────────

// Submit runs the admission gates and, when admitted, enqueues the request
// for dispatch. It never blocks on the queue.
func (c *Controller) Submit(req *models.ExecutionRequest) *Decision {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	plugin, err := c.admit(req)
	if err != nil {
		c.rejectedCount.Add(1)
		c.trail.Record(req.UserID, models.AuditRequestRejected, req.ID, map[string]string{
			"plugin_id": req.PluginID, "reason": err.Error(),
		})
		d := &Decision{Status: DecisionRejected, Err: err}
		if rl, ok := err.(*models.RateLimitError); ok {
			d.RetryAfter = rl.RetryAfter
		}
		return d
	}
	return c.enqueue(req, plugin)
}

// admit runs the gate sequence: plugin state, quarantine, capability
// grants, then rate limits. First failure wins.
func (c *Controller) admit(req *models.ExecutionRequest) (*models.Plugin, error) {
	plugin, err := c.lifecycle.Get(req.PluginID)
	if err != nil {
		return nil, err
	}
	switch plugin.Status {
	case models.PluginStatusApproved:
	case models.PluginStatusQuarantined:
		return nil, &models.QuarantinedError{Origin: req.PluginID}
	default:
		return nil, &models.PermissionDeniedError{PluginID: req.PluginID, Reason: "plugin is " + string(plugin.Status)}
	}

	if c.quarantine.Contains(req.UserID) {
		return nil, &models.QuarantinedError{Origin: req.UserID}
	}
	if c.quarantine.Contains(req.PluginID) {
		return nil, &models.QuarantinedError{Origin: req.PluginID}
	}

	var payload models.PayloadEnvelope
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return nil, &models.ValidationError{Issues: []string{"malformed payload: " + err.Error()}}
		}
	}
	for _, cap := range payload.Capabilities {
		if !c.lifecycle.CheckPermission(req.PluginID, cap) {
			return nil, &models.PermissionDeniedError{PluginID: req.PluginID, Reason: "no active grant for capability " + string(cap)}
		}
	}

	alloc := c.alloc.Get(req.UserID)
	if ok, retryAfter := c.userWin.allow(req.UserID, alloc.MaxRequestsPerWindow); !ok {
		c.reportRateLimit(req)
		return nil, &models.RateLimitError{UserID: req.UserID, Scope: "user", RetryAfter: retryAfter}
	}
	category := alloc.Category
	if category == "" {
		category = req.Priority.String()
	}
	if ok, retryAfter := c.categoryWin.allow(category, c.cfg.CategoryMaxPerWindow); !ok {
		c.reportRateLimit(req)
		return nil, &models.RateLimitError{UserID: req.UserID, Scope: "category", RetryAfter: retryAfter}
	}
	return plugin, nil
}

func (c *Controller) reportRateLimit(req *models.ExecutionRequest) {
	if c.sink != nil {
		c.sink.ReportViolation(models.EventRateLimitHit, req.UserID, map[string]string{
			"plugin_id": req.PluginID, "request_id": req.ID,
		})
	}
}

// enqueue places the request in its priority queue, evicting under
// backpressure. The evicted caller is always notified, never dropped
// silently.
func (c *Controller) enqueue(req *models.ExecutionRequest, plugin *models.Plugin) *Decision {
	ctx, cancel := context.WithCancel(context.Background())
	it := &item{
		req:        req,
		plugin:     plugin,
		ctx:        ctx,
		cancel:     cancel,
		outcome:    make(chan Outcome, 1),
		enqueuedAt: time.Now(),
	}

	c.mu.Lock()
	if c.queuedCount >= c.cfg.MaxQueueDepth {
		victim, victimPriority := c.evictionCandidateLocked()
		if victim == nil || victimPriority < req.Priority {
			// Nothing less important to evict: the incoming request loses.
			retryAfter := c.estimatedWaitLocked(1)
			c.mu.Unlock()
			cancel()
			c.rejectedCount.Add(1)
			err := &models.BackpressureError{Priority: req.Priority, RetryAfter: retryAfter}
			c.trail.Record(req.UserID, models.AuditRequestRejected, req.ID, map[string]string{
				"plugin_id": req.PluginID, "reason": "queue overflow",
			})
			return &Decision{Status: DecisionRejected, Err: err}
		}
		c.removeLocked(victim, victimPriority)
		victim.cancel()
		victim.outcome <- Outcome{Err: &models.BackpressureError{Priority: victimPriority}}
		c.rejectedCount.Add(1)
		c.trail.Record(victim.req.UserID, models.AuditRequestRejected, victim.req.ID, map[string]string{
			"plugin_id": victim.req.PluginID, "reason": "evicted under backpressure",
		})
		log.Warn().Str("request", victim.req.ID).Str("priority", victimPriority.String()).Msg("request evicted under backpressure")
	}

	position := c.positionLocked(req.Priority)
	idle := c.queuedCount == 0 && c.activeWorkers.Load() < int64(c.workerCount())
	accepted := position == 0 && idle
	c.queues[req.Priority] = append(c.queues[req.Priority], it)
	c.queuedCount++
	wait := c.estimatedWaitLocked(position)
	c.mu.Unlock()

	c.tokens <- struct{}{}

	status := DecisionQueued
	action := models.AuditRequestQueued
	if accepted {
		status = DecisionAccepted
		action = models.AuditRequestAdmitted
	}
	c.trail.Record(req.UserID, action, req.ID, map[string]string{
		"plugin_id": req.PluginID, "priority": req.Priority.String(),
	})
	return &Decision{
		Status:        status,
		QueuePosition: position,
		EstimatedWait: wait,
		Outcome:       it.outcome,
		item:          it,
	}
}

// positionLocked counts queued items that will be served before a new
// arrival at the given priority.
func (c *Controller) positionLocked(p models.AgentPriority) int {
	n := 0
	for _, level := range models.PriorityLevels {
		if level > p {
			break
		}
		n += len(c.queues[level])
	}
	return n
}

func (c *Controller) estimatedWaitLocked(position int) time.Duration {
	perSlot := time.Duration(c.cfg.EstimatedServiceTimeSec * float64(time.Second))
	return time.Duration(position/c.workerCount()+1) * perSlot
}

func (c *Controller) workerCount() int {
	if c.cfg.MaxWorkers < 1 {
		return 1
	}
	return c.cfg.MaxWorkers
}

// evictionCandidateLocked returns the oldest item in the lowest-priority
// non-empty queue.
func (c *Controller) evictionCandidateLocked() (*item, models.AgentPriority) {
	for i := len(models.PriorityLevels) - 1; i >= 0; i-- {
		p := models.PriorityLevels[i]
		if len(c.queues[p]) > 0 {
			return c.queues[p][0], p
		}
	}
	// Waiting items are also queued; evict from them as a last resort.
	for _, items := range c.waiting {
		if len(items) > 0 {
			return items[0], items[0].req.Priority
		}
	}
	return nil, models.PriorityExternal
}

func (c *Controller) removeLocked(target *item, p models.AgentPriority) {
	q := c.queues[p]
	for i, it := range q {
		if it == target {
			c.queues[p] = append(q[:i], q[i+1:]...)
			c.queuedCount--
			c.reclaimToken()
			return
		}
	}
	for user, items := range c.waiting {
		for i, it := range items {
			if it == target {
				c.waiting[user] = append(items[:i], items[i+1:]...)
				c.queuedCount--
				c.reclaimToken()
				return
			}
		}
	}
}

// reclaimToken retires the dispatch token of a queued item removed without
// being dispatched (eviction, abandon, cancel, drain). Without this, each
// removal strands one token and enough churn fills the channel, making the
// next admitted Submit block. Non-blocking: if a worker already consumed
// the token it will see the shrunken queue and balance holds.
func (c *Controller) reclaimToken() {
	select {
	case <-c.tokens:
	default:
	}
}

// ── Blocking convenience ────────────────────────────────────

// Do submits and waits for the outcome. While the request is still queued
// it is abandoned after the configured queue-wait timeout; once dispatched
// the call waits for completion or ctx cancellation.
func (c *Controller) Do(ctx context.Context, req *models.ExecutionRequest) (*models.ExecutionResult, error) {
	d := c.Submit(req)
	if d.Err != nil {
		return nil, d.Err
	}

	timer := time.NewTimer(c.cfg.QueueWaitTimeout)
	defer timer.Stop()

	for {
		select {
		case out := <-d.Outcome:
			return out.Result, out.Err
		case <-timer.C:
			if c.abandon(d.item) {
				return nil, &models.BackpressureError{Priority: req.Priority, RetryAfter: c.cfg.QueueWaitTimeout}
			}
			// Already dispatched; keep waiting for the result.
			timer.Reset(time.Hour)
		case <-ctx.Done():
			if c.abandon(d.item) {
				return nil, ctx.Err()
			}
			d.item.cancel()
			out := <-d.Outcome
			return out.Result, out.Err
		}
	}
}

// abandon removes a still-queued item. Returns false when the item was
// already dispatched (or already removed).
func (c *Controller) abandon(it *item) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.queuedCount
	c.removeLocked(it, it.req.Priority)
	if c.queuedCount < before {
		it.cancel()
		return true
	}
	return false
}

// ── Dispatch ────────────────────────────────────────────────

func (c *Controller) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.tokens:
		}
		it := c.dequeue()
		if it == nil {
			continue
		}
		c.execute(it)
	}
}

// dequeue pops the next dispatchable item: strict priority order, FIFO
// within a tier. Items whose user is at their concurrency cap move to the
// waiting list and re-enter the front of their queue when a slot frees.
func (c *Controller) dequeue() *item {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range models.PriorityLevels {
		q := c.queues[p]
		for i := 0; i < len(q); i++ {
			it := q[i]
			user := it.req.UserID
			alloc := c.alloc.Get(user)
			if alloc.MaxConcurrent > 0 && c.activeByUser[user] >= alloc.MaxConcurrent {
				// Park it; promoted when this user finishes a request.
				c.queues[p] = append(q[:i], q[i+1:]...)
				c.waiting[user] = append(c.waiting[user], it)
				q = c.queues[p]
				i--
				continue
			}
			c.queues[p] = append(q[:i], q[i+1:]...)
			c.queuedCount--
			c.activeByUser[user]++
			c.running[it.req.ID] = it
			return it
		}
	}
	return nil
}

func (c *Controller) execute(it *item) {
	c.activeWorkers.Add(1)
	defer c.activeWorkers.Add(-1)
	defer c.finish(it)

	req := it.req
	if it.ctx.Err() != nil {
		it.outcome <- Outcome{Err: &models.KillSwitchActiveError{Target: req.UserID}}
		return
	}

	res, err := c.exec.Execute(it.ctx, it.plugin, req)
	if errors.Is(it.ctx.Err(), context.Canceled) {
		err = &models.KillSwitchActiveError{Target: req.UserID}
	}

	c.processed.Add(1)
	detail := map[string]string{"plugin_id": req.PluginID, "success": fmt.Sprintf("%t", err == nil)}
	c.trail.Record(req.UserID, models.AuditRequestCompleted, req.ID, detail)
	it.outcome <- Outcome{Result: res, Err: err}
}

// finish releases the user's concurrency slot and promotes a parked item.
func (c *Controller) finish(it *item) {
	user := it.req.UserID

	c.mu.Lock()
	c.activeByUser[user]--
	if c.activeByUser[user] <= 0 {
		delete(c.activeByUser, user)
	}
	delete(c.running, it.req.ID)
	promoted := false
	if parked := c.waiting[user]; len(parked) > 0 {
		next := parked[0]
		c.waiting[user] = parked[1:]
		if len(c.waiting[user]) == 0 {
			delete(c.waiting, user)
		}
		// Front of its tier: parked items were already at the head once.
		p := next.req.Priority
		c.queues[p] = append([]*item{next}, c.queues[p]...)
		promoted = true
	}
	c.mu.Unlock()

	if promoted {
		c.tokens <- struct{}{}
	}
}

// ── Kill switch hook ────────────────────────────────────────

// CancelOrigin aborts queued and in-flight requests for an origin. Queued
// requests are failed immediately; running ones are cancelled via context
// and fail within one dispatch tick.
func (c *Controller) CancelOrigin(origin string) int {
	c.mu.Lock()
	cancelled := 0

	for _, p := range models.PriorityLevels {
		q := c.queues[p]
		kept := q[:0]
		for _, it := range q {
			if it.req.UserID == origin || it.req.PluginID == origin {
				c.queuedCount--
				c.reclaimToken()
				it.cancel()
				it.outcome <- Outcome{Err: &models.KillSwitchActiveError{Target: origin}}
				cancelled++
				continue
			}
			kept = append(kept, it)
		}
		c.queues[p] = kept
	}
	for user, parked := range c.waiting {
		kept := parked[:0]
		for _, it := range parked {
			if it.req.UserID == origin || it.req.PluginID == origin {
				c.queuedCount--
				c.reclaimToken()
				it.cancel()
				it.outcome <- Outcome{Err: &models.KillSwitchActiveError{Target: origin}}
				cancelled++
				continue
			}
			kept = append(kept, it)
		}
		if len(kept) == 0 {
			delete(c.waiting, user)
		} else {
			c.waiting[user] = kept
		}
	}
	for _, it := range c.running {
		if it.req.UserID == origin || it.req.PluginID == origin {
			it.cancel()
			cancelled++
		}
	}
	c.mu.Unlock()

	if cancelled > 0 {
		log.Warn().Str("origin", origin).Int("cancelled", cancelled).Msg("origin requests cancelled")
	}
	return cancelled
}

// ── Metrics & shutdown ──────────────────────────────────────

// Metrics returns a snapshot of controller counters and queue depths.
func (c *Controller) Metrics() *models.TrafficMetrics {
	c.mu.Lock()
	depths := make(map[string]int, len(models.PriorityLevels))
	for _, p := range models.PriorityLevels {
		depths[p.String()] = len(c.queues[p])
	}
	for _, parked := range c.waiting {
		for _, it := range parked {
			depths[it.req.Priority.String()]++
		}
	}
	c.mu.Unlock()

	return &models.TrafficMetrics{
		UptimeSeconds:        time.Since(c.startedAt).Seconds(),
		ProcessedRequests:    c.processed.Load(),
		RejectedRequests:     c.rejectedCount.Load(),
		ActiveConnections:    int(c.activeWorkers.Load()),
		QueueDepthByPriority: depths,
	}
}

// Stop drains the controller: queued requests fail fast, workers exit.
func (c *Controller) Stop() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}

	c.mu.Lock()
	for _, p := range models.PriorityLevels {
		for _, it := range c.queues[p] {
			c.reclaimToken()
			it.cancel()
			it.outcome <- Outcome{Err: fmt.Errorf("gateway shutting down")}
		}
		c.queues[p] = nil
	}
	for _, parked := range c.waiting {
		for _, it := range parked {
			c.reclaimToken()
			it.cancel()
			it.outcome <- Outcome{Err: fmt.Errorf("gateway shutting down")}
		}
	}
	c.waiting = make(map[string][]*item)
	c.queuedCount = 0
	c.mu.Unlock()

	c.wg.Wait()
	log.Info().Msg("traffic controller stopped")
}
