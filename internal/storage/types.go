package storage

import (
	"errors"
	"time"

	"reelpilot/internal/platform"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Path is the sqlite database file. An empty path disables persistence,
// which only makes sense in tests (use NewMem there instead).
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
	// RetainRuns bounds the run log; entries older than this are pruned
	// opportunistically. 0 means the 30-day default.
	RetainRuns time.Duration
}

// Arm is one row of bandit statistics. Rows are created lazily on the
// first qualifying pull and never deleted; retirement flips a status flag
// on the external entity, not here.
type Arm struct {
	Type        platform.ArmType
	ID          string
	Pulls       int64
	Impressions int64
	RewardSum   float64
	// LowEvals counts consecutive promote/retire evaluations that saw
	// this arm below the retirement threshold.
	LowEvals   int
	LastUsedAt time.Time
}

// MetricRecord is one scored metrics snapshot for a published video.
// Upserts are keyed by ExternalVideoID, so refreshing twice for the same
// video is idempotent at this layer.
type MetricRecord struct {
	PlanID          string
	ExternalVideoID string
	Views           int64
	Likes           int64
	Comments        int64
	Shares          float64
	Saves           float64
	FollowerDelta   int64

	// Reward plus the clamped intermediate rates, kept for audit.
	Reward    float64
	Retention float64
	View2Rate float64
	View6Rate float64
	SaveRate  float64
	ShareRate float64

	CollectedAt time.Time
}

// PlanRecord mirrors an external content plan far enough to drive
// pending-share accounting and render/upload batches.
type PlanRecord struct {
	ID              string
	Status          platform.PlanStatus
	ArmRefs         []platform.ArmRef
	TargetDuration  float64
	RenderPath      string
	PublishID       string
	ExternalVideoID string
	ScheduledFor    time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastError       string
}

// OptimizerState is the single persisted record the mutation trigger
// engine reads and writes once per cycle.
type OptimizerState struct {
	UnderperformStreak int       `json:"underperform_streak"`
	LastActionAt       time.Time `json:"last_action_at"`
	LastArchetypeAt    time.Time `json:"last_archetype_at"`
}

// Run statuses for RunEntry.Status.
const (
	RunOK      = "ok"
	RunSkipped = "skipped"
	RunError   = "error"
)

// RunEntry is one line of the audit surface. Every cycle, guardrail trip
// and re-seed appends exactly one.
type RunEntry struct {
	ID         string
	RunType    string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
	// Detail is a short human excerpt (counts, ids); never full payloads.
	Detail string
}
