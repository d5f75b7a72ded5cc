// Package guardrail is the backpressure and cooldown gate consulted by
// every render/upload/topup action. A trip here is an expected, non-fatal
// early return, never an error.
package guardrail

import (
	"context"
	"fmt"
	"time"

	"reelpilot/internal/platform"
	"reelpilot/internal/storage"
	logx "reelpilot/pkg/logx"
)

const (
	// PendingCap is the platform's effective ceiling on in-flight shares.
	PendingCap = 5
	// DefaultWindow is the trailing window for pending-share accounting.
	DefaultWindow = 24 * time.Hour
	// SpamCooldown is applied when the publisher reports a spam-risk
	// signal.
	SpamCooldown = 24 * time.Hour
)

// pendingStatuses are plan states that still count against the share cap.
var pendingStatuses = []platform.PlanStatus{
	platform.PlanPlanned,
	platform.PlanRendered,
	platform.PlanUploading,
	platform.PlanUploadedDraft,
}

// Controller owns pending-share accounting and the cooldown record.
type Controller struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func New(store storage.Store, log logx.Logger) *Controller {
	return &Controller{store: store, log: log, now: time.Now}
}

// SetClock overrides the time source; tests only.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// PendingShare counts in-flight plans created inside the trailing window.
// window <= 0 means the 24h default.
func (c *Controller) PendingShare(ctx context.Context, window time.Duration) (int, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	n, err := c.store.CountPendingSince(ctx, c.now().Add(-window), pendingStatuses...)
	if err != nil {
		return 0, fmt.Errorf("pending share count: %w", err)
	}
	return n, nil
}

// CanUploadMore reports whether another upload fits under the cap.
func CanUploadMore(pending int) bool { return pending < PendingCap }

// MaxUploads is the per-cycle upload ramp: two when the queue is nearly
// empty, one otherwise.
func MaxUploads(pending int) int {
	if pending <= 1 {
		return 2
	}
	return 1
}

// CooldownActive reports whether a persisted cooldown deadline is still
// in the future.
func (c *Controller) CooldownActive(ctx context.Context) (bool, time.Time, error) {
	until, ok, err := c.store.GetCooldown(ctx)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("read cooldown: %w", err)
	}
	if !ok {
		return false, time.Time{}, nil
	}
	return c.now().Before(until), until, nil
}

// SetCooldown persists a new deadline d from now.
func (c *Controller) SetCooldown(ctx context.Context, d time.Duration) error {
	until := c.now().Add(d)
	if err := c.store.PutCooldown(ctx, until); err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	c.log.Warn("publish cooldown set", logx.Time("until", until), logx.Duration("for", d))
	return nil
}

// Snapshot is the gate state read once at cycle start and reused for all
// gating decisions in that cycle.
type Snapshot struct {
	Pending        int
	CooldownActive bool
	CooldownUntil  time.Time
}

// CanUpload reports whether the snapshot permits any upload at all.
func (s Snapshot) CanUpload() bool {
	return !s.CooldownActive && CanUploadMore(s.Pending)
}

// UploadBudget caps an upload batch: the requested size, the remaining
// headroom under the cap, and the ramp, whichever is smallest.
func (s Snapshot) UploadBudget(requested int) int {
	if s.CooldownActive {
		return 0
	}
	budget := requested
	if headroom := PendingCap - s.Pending; headroom < budget {
		budget = headroom
	}
	if ramp := MaxUploads(s.Pending); ramp < budget {
		budget = ramp
	}
	if budget < 0 {
		return 0
	}
	return budget
}

// Gate reads pending count and cooldown once.
func (c *Controller) Gate(ctx context.Context) (Snapshot, error) {
	pending, err := c.PendingShare(ctx, DefaultWindow)
	if err != nil {
		return Snapshot{}, err
	}
	active, until, err := c.CooldownActive(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Pending: pending, CooldownActive: active, CooldownUntil: until}
	if active {
		c.log.Warn("cooldown active, publishing paused", logx.Time("until", until))
	} else if !CanUploadMore(pending) {
		c.log.Warn("pending share cap reached", logx.Int("pending", pending), logx.Int("cap", PendingCap))
	}
	return snap, nil
}
