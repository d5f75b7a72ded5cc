package storage

import (
	"context"
	"time"

	"reelpilot/internal/platform"
	logx "reelpilot/pkg/logx"
)

// Store is the persistence API consumed by the loop's core packages.
type Store interface {
	// Arm statistics. RecordArmPull performs the whole increment in one
	// statement so concurrent cycles cannot lose updates.
	RecordArmPull(ctx context.Context, ref platform.ArmRef, impressions int64, reward float64, usedAt time.Time) error
	GetArm(ctx context.Context, ref platform.ArmRef) (Arm, bool, error)
	ListArms(ctx context.Context, t platform.ArmType) ([]Arm, error)
	SetArmLowEvals(ctx context.Context, ref platform.ArmRef, n int) error

	// Metric records, idempotent per external video id.
	UpsertMetrics(ctx context.Context, m MetricRecord) error
	RewardsSince(ctx context.Context, since time.Time, minViews int64) ([]float64, error)
	RewardsBetween(ctx context.Context, from, to time.Time, minViews int64) ([]float64, error)

	// Plan mirror.
	CreatePlans(ctx context.Context, plans []PlanRecord) error
	GetPlan(ctx context.Context, id string) (PlanRecord, bool, error)
	PlansByStatus(ctx context.Context, statuses ...platform.PlanStatus) ([]PlanRecord, error)
	SetPlanStatus(ctx context.Context, id string, st platform.PlanStatus, lastError string) error
	SetPlanRender(ctx context.Context, id, renderPath string) error
	SetPlanUpload(ctx context.Context, id, publishID string) error
	SetPlanVideo(ctx context.Context, id, externalVideoID string) error
	CountPendingSince(ctx context.Context, since time.Time, statuses ...platform.PlanStatus) (int, error)

	// Named singleton records.
	GetOptimizerState(ctx context.Context) (OptimizerState, error)
	PutOptimizerState(ctx context.Context, st OptimizerState) error
	GetCooldown(ctx context.Context) (until time.Time, ok bool, err error)
	PutCooldown(ctx context.Context, until time.Time) error
	GetExplorationBudget(ctx context.Context) (float64, bool, error)
	PutExplorationBudget(ctx context.Context, v float64) error

	// Run log.
	AppendRun(ctx context.Context, e RunEntry) error
	LastRunOfType(ctx context.Context, runType string) (RunEntry, bool, error)
	RecentRuns(ctx context.Context, limit int) ([]RunEntry, error)

	Close() error
}

// Open initializes the sqlite store. An empty path returns ErrDisabled;
// callers wanting ephemeral storage use NewMem instead.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if cfg.Path == "" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
