// Package cycle orchestrates one pass of the control loop: gate check,
// metrics refresh, promote/retire, mutation trigger, queue topup, render
// and upload. Failures are contained per item inside batches and per
// cycle at the top; nothing here terminates the process.
package cycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"reelpilot/internal/bandit"
	"reelpilot/internal/eventbus"
	"reelpilot/internal/guardrail"
	"reelpilot/internal/mutation"
	"reelpilot/internal/platform"
	"reelpilot/internal/storage"
	logx "reelpilot/pkg/logx"
)

// Run types recorded in the run log.
const (
	RunPosting   = "posting"
	RunAutopilot = "autopilot"
	RunReseed    = "reseed"
)

// Config is the pipeline tuning for the runner.
type Config struct {
	// QueueTarget is the size the publishing queue is topped up to.
	QueueTarget int
	// UploadLimit is the requested per-cycle upload count, before the
	// guardrail budget is applied.
	UploadLimit int
	// PostWindows are the configured daily posting times; the next one
	// is used as the scheduled_for of topped-up plans.
	PostWindows []PostWindow
	// ReseedInterval gates the periodic inspiration re-seed; 0 disables.
	ReseedInterval time.Duration
	// MutationEnabled gates the mutation trigger engine.
	MutationEnabled bool
	// UploadRatePerMin paces upload calls; 0 means a conservative 2/min.
	UploadRatePerMin int
	// PrivacyLevel is applied to every created post.
	PrivacyLevel string
}

// PostWindow is a daily HH:MM posting slot.
type PostWindow struct {
	Hour int
	Min  int
}

// Deps are the runner's collaborators. All are required except Bus.
type Deps struct {
	Store     storage.Store
	Guard     *guardrail.Controller
	Planner   platform.Planner
	Renderer  platform.Renderer
	Publisher platform.Publisher
	Content   platform.ContentStore
	Optimizer *bandit.Optimizer
	Engine    *mutation.Engine
	Bus       eventbus.Bus
	Log       logx.Logger
}

// Summary is the observable outcome of one cycle.
type Summary struct {
	RunType    string
	StartedAt  time.Time
	Duration   time.Duration
	Skipped    bool
	SkipReason string

	Planned      int
	Rendered     int
	RenderFailed int
	Uploaded     int
	UploadFailed int

	MetricsFetched int
	PullsCounted   int
	Promoted       int
	Retired        int
	MutationStep   string

	Err string
}

// Runner executes scheduled and autopilot cycles.
type Runner struct {
	store     storage.Store
	guard     *guardrail.Controller
	planner   platform.Planner
	renderer  platform.Renderer
	publisher platform.Publisher
	content   platform.ContentStore
	opt       *bandit.Optimizer
	engine    *mutation.Engine
	bus       eventbus.Bus
	log       logx.Logger
	limiter   *rate.Limiter
	now       func() time.Time

	// polMu guards pol and cfg, both swappable between cycles via
	// config hot reload.
	polMu sync.Mutex
	pol   bandit.Policy
	cfg   Config

	lastMu sync.Mutex
	last   Summary
}

func NewRunner(cfg Config, pol bandit.Policy, deps Deps) *Runner {
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	perMin := cfg.UploadRatePerMin
	if perMin <= 0 {
		perMin = 2
	}
	return &Runner{
		store:     deps.Store,
		guard:     deps.Guard,
		planner:   deps.Planner,
		renderer:  deps.Renderer,
		publisher: deps.Publisher,
		content:   deps.Content,
		opt:       deps.Optimizer,
		engine:    deps.Engine,
		bus:       bus,
		log:       deps.Log,
		// Burst of two matches the widest per-cycle upload ramp.
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), 2),
		now:       time.Now,
		cfg:       cfg,
		pol:       pol,
	}
}

// SetClock overrides the time source; tests only.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// ApplyPolicy swaps the base policy between cycles (config hot reload).
func (r *Runner) ApplyPolicy(pol bandit.Policy) {
	r.polMu.Lock()
	r.pol = pol
	r.polMu.Unlock()
}

// ApplyConfig swaps the pipeline tuning between cycles. The upload rate
// limiter is deliberately not rebuilt; rate changes need a restart.
func (r *Runner) ApplyConfig(cfg Config) {
	r.polMu.Lock()
	r.cfg = cfg
	r.polMu.Unlock()
}

func (r *Runner) config() Config {
	r.polMu.Lock()
	defer r.polMu.Unlock()
	return r.cfg
}

// policy returns the base policy with the persisted exploration budget
// overlaid, so escalation survives restarts and config reloads.
func (r *Runner) policy(ctx context.Context) bandit.Policy {
	r.polMu.Lock()
	pol := r.pol
	r.polMu.Unlock()

	if stored, ok, err := r.store.GetExplorationBudget(ctx); err != nil {
		r.log.Warn("reading stored exploration budget", logx.Err(err))
	} else if ok && stored > pol.ExplorationBudget {
		pol.ExplorationBudget = stored
	}
	return pol
}

// LastSummary returns the most recent cycle outcome.
func (r *Runner) LastSummary() Summary {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	return r.last
}

func (r *Runner) setLast(s Summary) {
	r.lastMu.Lock()
	r.last = s
	r.lastMu.Unlock()
}

// appendRun writes one audit line; failures to write audit are logged,
// never propagated.
func (r *Runner) appendRun(ctx context.Context, runType, status string, started time.Time, runErr error, detail string) {
	e := storage.RunEntry{
		ID:         uuid.NewString(),
		RunType:    runType,
		Status:     status,
		StartedAt:  started,
		FinishedAt: r.now(),
		Detail:     detail,
	}
	if runErr != nil {
		e.Error = runErr.Error()
	}
	if err := r.store.AppendRun(ctx, e); err != nil {
		r.log.Warn("appending run entry", logx.String("run_type", runType), logx.Err(err))
	}
}

// nextPostWindow finds the next configured posting slot at or after now.
// Without configured windows it returns now (post immediately).
func nextPostWindow(now time.Time, windows []PostWindow) time.Time {
	if len(windows) == 0 {
		return now
	}
	best := time.Time{}
	for _, w := range windows {
		cand := time.Date(now.Year(), now.Month(), now.Day(), w.Hour, w.Min, 0, 0, now.Location())
		if cand.Before(now) {
			cand = cand.Add(24 * time.Hour)
		}
		if best.IsZero() || cand.Before(best) {
			best = cand
		}
	}
	return best
}
