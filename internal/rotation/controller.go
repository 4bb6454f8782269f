// Package rotation implements the RotationController state machine:
// credential rotation triggers (usage threshold, failure threshold,
// immediate status code, manual), drain-before-switch semantics, and
// fallback-on-failed-switch. Grounded on the teacher's core/key_manager.go
// (per-key state map under a mutex) and core/load_balancer.go (switch /
// refresh / counter bookkeeping), generalized from per-request key
// selection to a single rotating session index per spec.md §4.4.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/llmgw/browser-gateway/internal/dbstore"
	"github.com/llmgw/browser-gateway/internal/ratelimit"
)

var (
	// ErrRotating is returned by AcquireRequest while pendingSwitch is true.
	ErrRotating = errors.New("rotating accounts")
	// ErrFatalSwitch means both the primary switch and the fallback to the
	// previous credential failed; the gateway has no usable session.
	ErrFatalSwitch = errors.New("rotation: switch and fallback both failed")
)

// Rebinder asks the browser-session layer to point its live session at a
// different credential index. It is the only place rotation talks to
// anything outside this package.
type Rebinder interface {
	Rebind(ctx context.Context, credentialIndex int) error
}

// Outcome classifies how a request finished, for counter bookkeeping.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeCancelled
)

// Controller holds the rotation state tuple from spec.md §4.4: currentIndex,
// usageCount, failureCount, activeRequestCount, pendingSwitch, isSwitching,
// isSystemBusy.
type Controller struct {
	mu sync.Mutex

	availableIndices []int
	currentIndex     int

	usageCount   int
	failureCount int

	pendingSwitch bool
	isSwitching   bool
	isSystemBusy  bool

	activeRequestCount int64 // atomic, read outside mu for the status page

	failureThreshold     int
	switchOnUses         int
	immediateStatusCodes map[int]bool

	rebinder Rebinder
	store    *dbstore.Store // optional; nil disables history persistence
	limiter  *ratelimit.Registry
	log      *logrus.Logger
}

// Config bundles the decision-input thresholds from spec.md §4.4.
type Config struct {
	AvailableIndices     []int
	InitialIndex         int
	FailureThreshold     int // 0 disables
	SwitchOnUses         int // 0 disables
	ImmediateStatusCodes map[int]bool
}

func New(cfg Config, rebinder Rebinder, store *dbstore.Store, limiter *ratelimit.Registry, log *logrus.Logger) *Controller {
	indices := append([]int(nil), cfg.AvailableIndices...)
	current := cfg.InitialIndex
	found := false
	for _, idx := range indices {
		if idx == current {
			found = true
			break
		}
	}
	if !found && len(indices) > 0 {
		current = indices[0]
	}

	return &Controller{
		availableIndices:     indices,
		currentIndex:         current,
		failureThreshold:     cfg.FailureThreshold,
		switchOnUses:         cfg.SwitchOnUses,
		immediateStatusCodes: cfg.ImmediateStatusCodes,
		rebinder:             rebinder,
		store:                store,
		limiter:              limiter,
		log:                  log,
	}
}

// CurrentIndex returns the credential index currently bound.
func (c *Controller) CurrentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentIndex
}

// ActiveRequestCount reads the atomic in-flight counter (P6).
func (c *Controller) ActiveRequestCount() int64 {
	return atomic.LoadInt64(&c.activeRequestCount)
}

// Snapshot is a point-in-time read of the state tuple, for the status page.
type Snapshot struct {
	CurrentIndex       int
	UsageCount         int
	FailureCount       int
	ActiveRequestCount int64
	PendingSwitch      bool
	IsSwitching        bool
	IsSystemBusy       bool
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		CurrentIndex:       c.currentIndex,
		UsageCount:         c.usageCount,
		FailureCount:       c.failureCount,
		ActiveRequestCount: atomic.LoadInt64(&c.activeRequestCount),
		PendingSwitch:      c.pendingSwitch,
		IsSwitching:        c.isSwitching,
		IsSystemBusy:       c.isSystemBusy,
	}
}

// AcquireRequest gates entry for a new request. Per spec.md §4.4/P3, a
// pending switch rejects every new request with ErrRotating and advances
// neither counter. Only generative requests advance usageCount.
func (c *Controller) AcquireRequest(isGenerative bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingSwitch {
		return 0, ErrRotating
	}

	atomic.AddInt64(&c.activeRequestCount, 1)

	if isGenerative {
		c.usageCount++
		if c.switchOnUses > 0 && c.usageCount >= c.switchOnUses {
			c.pendingSwitch = true
			c.log.WithFields(logrus.Fields{
				"usage_count":    c.usageCount,
				"switch_on_uses": c.switchOnUses,
			}).Info("rotation: usage threshold reached, pending switch armed")
		}
	}

	return c.currentIndex, nil
}

// ReleaseRequest records how a request finished and drains toward any
// pending switch. It always decrements activeRequestCount exactly once
// (P6), regardless of outcome, and must be called from a guaranteed-release
// scope (defer) in the coordinator.
func (c *Controller) ReleaseRequest(ctx context.Context, outcome Outcome) {
	c.mu.Lock()
	switch outcome {
	case OutcomeSuccess:
		c.failureCount = 0
	case OutcomeFailure:
		c.failureCount++
	case OutcomeCancelled:
		// P7: a user abort never touches failureCount.
	}
	crossedFailureThreshold := c.failureThreshold > 0 && c.failureCount >= c.failureThreshold
	c.mu.Unlock()

	atomic.AddInt64(&c.activeRequestCount, -1)

	if crossedFailureThreshold {
		c.log.WithField("failure_count", c.failureCount).Warn("rotation: failure threshold reached, switching immediately")
		_ = c.switchNow(ctx, "failure_threshold")
		return
	}

	c.tryExecutePendingSwitch(ctx)
}

// ReportImmediateStatus triggers an immediate switch if status is one of
// the configured immediateSwitchStatusCodes, regardless of drain state.
func (c *Controller) ReportImmediateStatus(ctx context.Context, status int) {
	if !c.immediateStatusCodes[status] {
		return
	}
	c.log.WithField("status", status).Warn("rotation: immediate-switch status observed")
	_ = c.switchNow(ctx, fmt.Sprintf("immediate_status_%d", status))
}

// ManualSwitch switches to a specific target index immediately. Per
// spec.md §4.4 it warns but does not refuse when requests are in flight.
func (c *Controller) ManualSwitch(ctx context.Context, target int) error {
	if active := atomic.LoadInt64(&c.activeRequestCount); active > 0 {
		c.log.WithField("active_requests", active).Warn("rotation: manual switch requested with requests in flight")
	}
	return c.switchTo(ctx, target, "manual")
}

// tryExecutePendingSwitch is the drain hook: the single point that advances
// the state machine from "draining" to "switching" once activeRequestCount
// reaches zero.
func (c *Controller) tryExecutePendingSwitch(ctx context.Context) {
	c.mu.Lock()
	ready := c.pendingSwitch && !c.isSwitching && atomic.LoadInt64(&c.activeRequestCount) == 0
	c.mu.Unlock()
	if !ready {
		return
	}
	_ = c.switchNow(ctx, "usage_threshold")
}

// switchNow computes the next index in round-robin order and switches to it.
func (c *Controller) switchNow(ctx context.Context, reason string) error {
	c.mu.Lock()
	next := c.nextIndex()
	c.mu.Unlock()
	return c.switchTo(ctx, next, reason)
}

func (c *Controller) nextIndex() int {
	n := len(c.availableIndices)
	if n == 0 {
		return c.currentIndex
	}
	pos := -1
	for i, idx := range c.availableIndices {
		if idx == c.currentIndex {
			pos = i
			break
		}
	}
	if pos == -1 {
		return c.availableIndices[0]
	}
	return c.availableIndices[(pos+1)%n]
}

// switchTo runs the switch procedure from spec.md §4.4: set the busy flags,
// rebind, and on failure fall back to the previous index. State is always
// released via defer so a panic mid-rebind cannot wedge the controller.
func (c *Controller) switchTo(ctx context.Context, target int, reason string) error {
	c.mu.Lock()
	previous := c.currentIndex
	c.isSwitching = true
	c.isSystemBusy = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.isSwitching = false
		c.isSystemBusy = false
		c.mu.Unlock()
	}()

	if err := c.rebinder.Rebind(ctx, target); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"from": previous, "to": target, "reason": reason}).
			Error("rotation: switch failed, attempting fallback")
		c.recordEvent(previous, target, reason, false, err.Error())

		if fbErr := c.rebinder.Rebind(ctx, previous); fbErr != nil {
			c.log.WithError(fbErr).Error("rotation: fallback to previous credential also failed")
			c.recordEvent(target, previous, "fallback", false, fbErr.Error())
			return ErrFatalSwitch
		}

		c.mu.Lock()
		c.usageCount = 0
		c.failureCount = 0
		c.pendingSwitch = false
		c.mu.Unlock()
		c.recordEvent(previous, target, "fallback", true, "")
		return fmt.Errorf("rotation: switch to %d failed, fell back to %d: %w", target, previous, err)
	}

	c.mu.Lock()
	c.currentIndex = target
	c.usageCount = 0
	c.failureCount = 0
	c.pendingSwitch = false
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"from": previous, "to": target, "reason": reason}).Info("rotation: switch succeeded")
	c.recordEvent(previous, target, reason, true, "")
	return nil
}

func (c *Controller) recordEvent(from, to int, reason string, succeeded bool, detail string) {
	if c.store == nil {
		return
	}
	c.store.RecordRotation(from, to, reason, succeeded, detail)
}

// Limiter exposes the optional per-credential throttle so the coordinator
// can wait on it before dispatching to the currently bound credential.
func (c *Controller) Limiter() *ratelimit.Registry {
	return c.limiter
}

// RecentRotations returns the most recent persisted rotation events, newest
// first, for the status endpoint. A Controller built without a store (nil)
// returns an empty slice rather than an error.
func (c *Controller) RecentRotations(limit int) ([]dbstore.RotationEvent, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.RecentRotations(limit)
}

// SampleUsage records the current usage/failure counters for the bound
// credential as a dbstore.UsageSample row. A Controller built without a
// store is a no-op.
func (c *Controller) SampleUsage() {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	index, usage, failures := c.currentIndex, c.usageCount, c.failureCount
	c.mu.Unlock()
	c.store.SampleUsage(index, usage, failures)
}

// IsPendingOrSwitching reports whether the common entry gate (spec.md §4.5
// step 1) should reject a new request outright.
func (c *Controller) IsPendingOrSwitching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingSwitch || c.isSwitching
}

// IsSystemBusy reports whether a switch is currently underway.
func (c *Controller) IsSystemBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSystemBusy
}

// RecoverConnection attempts a silent re-bind to the currently bound
// credential when the agent link has no live connection but no switch is
// in progress (spec.md §4.5 common entry gate step 3). It never changes
// currentIndex or the counters; it only re-establishes the browser session.
func (c *Controller) RecoverConnection(ctx context.Context) error {
	c.mu.Lock()
	current := c.currentIndex
	c.mu.Unlock()
	return c.rebinder.Rebind(ctx, current)
}

// ReleaseOnGateFailure undoes the activeRequestCount increment from
// AcquireRequest when a request is rejected after the gate already
// admitted it (e.g. recovery failed). It does not touch usageCount,
// failureCount, or pendingSwitch, and does not run the drain hook's switch
// logic beyond the plain tryExecutePendingSwitch check.
func (c *Controller) ReleaseOnGateFailure(ctx context.Context) {
	atomic.AddInt64(&c.activeRequestCount, -1)
	c.tryExecutePendingSwitch(ctx)
}
