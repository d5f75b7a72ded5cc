package cycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"reelpilot/internal/bandit"
	"reelpilot/internal/guardrail"
	"reelpilot/internal/mutation"
	"reelpilot/internal/platform"
	"reelpilot/internal/storage"
	logx "reelpilot/pkg/logx"
)

type harness struct {
	store     storage.Store
	guard     *guardrail.Controller
	planner   *fakePlanner
	renderer  *fakeRenderer
	publisher *fakePublisher
	content   *fakeContent
	mutator   *fakeMutator
	runner    *Runner
	now       time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store: storage.NewMem(),
		planner: &fakePlanner{refs: []platform.ArmRef{
			{Type: platform.ArmRecipe, ID: "recipe-1"},
		}},
		renderer: &fakeRenderer{fail: map[string]bool{}},
		publisher: &fakePublisher{
			uploadErrs:    map[string]error{},
			publishStates: map[string]platform.PublishStatus{},
		},
		content: &fakeContent{testing: 4},
		mutator: &fakeMutator{},
		now:     time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	}
	h.guard = guardrail.New(h.store, logx.Nop())
	h.guard.SetClock(h.clock)

	opt := bandit.NewOptimizer(h.store, h.content, logx.Nop())
	opt.SetClock(h.clock)
	eng := mutation.NewEngine(h.store, h.content, h.mutator, mutation.Defaults{}, logx.Nop())
	eng.SetClock(h.clock)

	if cfg.UploadRatePerMin == 0 {
		cfg.UploadRatePerMin = 6000 // keep tests fast
	}
	h.runner = NewRunner(cfg, bandit.DefaultPolicy(), Deps{
		Store:     h.store,
		Guard:     h.guard,
		Planner:   h.planner,
		Renderer:  h.renderer,
		Publisher: h.publisher,
		Content:   h.content,
		Optimizer: opt,
		Engine:    eng,
		Log:       logx.Nop(),
	})
	h.runner.SetClock(h.clock)
	return h
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) lastRun(t *testing.T) storage.RunEntry {
	t.Helper()
	runs, err := h.store.RecentRuns(context.Background(), 1)
	if err != nil || len(runs) == 0 {
		t.Fatalf("RecentRuns: err=%v len=%d", err, len(runs))
	}
	return runs[0]
}

func TestScheduledCycleHappyPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{QueueTarget: 3, UploadLimit: 5})

	if err := h.runner.RunScheduled(ctx); err != nil {
		t.Fatalf("RunScheduled: %v", err)
	}

	sum := h.runner.LastSummary()
	if sum.Planned != 3 {
		t.Fatalf("Planned = %d, want 3", sum.Planned)
	}
	if sum.Rendered != 3 {
		t.Fatalf("Rendered = %d, want 3", sum.Rendered)
	}
	// Empty queue at gate time: the ramp allows two uploads.
	if sum.Uploaded != 2 {
		t.Fatalf("Uploaded = %d, want 2 (ramp)", sum.Uploaded)
	}

	drafts, err := h.store.PlansByStatus(ctx, platform.PlanUploadedDraft)
	if err != nil {
		t.Fatalf("PlansByStatus: %v", err)
	}
	if len(drafts) != 2 {
		t.Fatalf("uploaded drafts = %d, want 2", len(drafts))
	}
	if e := h.lastRun(t); e.RunType != RunPosting || e.Status != storage.RunOK {
		t.Fatalf("run entry = %+v, want posting/ok", e)
	}
}

func TestScheduledCycleCooldownSkip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{QueueTarget: 2, UploadLimit: 5})

	if err := h.guard.SetCooldown(ctx, time.Hour); err != nil {
		t.Fatalf("SetCooldown: %v", err)
	}
	if err := h.runner.RunScheduled(ctx); err != nil {
		t.Fatalf("RunScheduled during cooldown must not error: %v", err)
	}

	sum := h.runner.LastSummary()
	if !sum.Skipped || sum.SkipReason != "cooldown" {
		t.Fatalf("summary = %+v, want cooldown skip", sum)
	}
	if sum.Planned != 0 || h.planner.seq != 0 {
		t.Fatal("cooldown must gate topup as well")
	}
	if e := h.lastRun(t); e.Status != storage.RunSkipped || e.Detail != "cooldown" {
		t.Fatalf("run entry = %+v, want skipped/cooldown", e)
	}
}

func TestScheduledCyclePendingCapSkip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{QueueTarget: 2, UploadLimit: 5})

	var plans []storage.PlanRecord
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		plans = append(plans, storage.PlanRecord{
			ID: id, Status: platform.PlanUploadedDraft, CreatedAt: h.now.Add(-time.Hour),
		})
	}
	if err := h.store.CreatePlans(ctx, plans); err != nil {
		t.Fatalf("CreatePlans: %v", err)
	}

	if err := h.runner.RunScheduled(ctx); err != nil {
		t.Fatalf("RunScheduled: %v", err)
	}
	sum := h.runner.LastSummary()
	if !sum.Skipped || sum.SkipReason != "pending_cap" {
		t.Fatalf("summary = %+v, want pending_cap skip", sum)
	}
}

func TestRenderFailureIsolatedPerItem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{QueueTarget: 3, UploadLimit: 0})
	h.renderer.fail["plan-002"] = true

	if err := h.runner.RunScheduled(ctx); err != nil {
		t.Fatalf("RunScheduled: %v", err)
	}
	sum := h.runner.LastSummary()
	if sum.Rendered != 2 || sum.RenderFailed != 1 {
		t.Fatalf("summary = %+v, want 2 rendered / 1 failed", sum)
	}

	p, ok, err := h.store.GetPlan(ctx, "plan-002")
	if err != nil || !ok {
		t.Fatalf("GetPlan: ok=%v err=%v", ok, err)
	}
	if p.Status != platform.PlanFailed {
		t.Fatalf("plan-002 status = %s, want FAILED", p.Status)
	}
	if p.LastError == "" {
		t.Fatal("failed plan should carry the render error")
	}
}

func TestSpamRiskSetsCooldownAndAbortsBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{QueueTarget: 3, UploadLimit: 5})

	// First upload in the batch trips the spam signal.
	h.publisher.uploadErrs["/renders/plan-001.mp4"] = &platform.UploadError{
		Kind: platform.UploadSpamRisk, Msg: "spam_risk detected",
	}

	if err := h.runner.RunScheduled(ctx); err != nil {
		t.Fatalf("RunScheduled: %v", err)
	}
	sum := h.runner.LastSummary()
	if sum.Uploaded != 0 || sum.UploadFailed != 1 {
		t.Fatalf("summary = %+v, want batch aborted after one spam failure", sum)
	}
	if len(h.publisher.uploads) != 0 {
		t.Fatalf("uploads after abort = %v, want none", h.publisher.uploads)
	}

	active, until, err := h.guard.CooldownActive(ctx)
	if err != nil {
		t.Fatalf("CooldownActive: %v", err)
	}
	if !active {
		t.Fatal("spam risk must set a cooldown")
	}
	if want := h.now.Add(guardrail.SpamCooldown); !until.Equal(want) {
		t.Fatalf("cooldown until = %v, want %v", until, want)
	}

	// Remaining rendered plans are untouched, ready for the next cycle.
	rendered, err := h.store.PlansByStatus(ctx, platform.PlanRendered)
	if err != nil {
		t.Fatalf("PlansByStatus: %v", err)
	}
	if len(rendered) != 2 {
		t.Fatalf("rendered remaining = %d, want 2", len(rendered))
	}
}

func TestTransientUploadFailureContinuesBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{QueueTarget: 3, UploadLimit: 5})

	h.publisher.uploadErrs["/renders/plan-001.mp4"] = &platform.UploadError{
		Kind: platform.UploadTransient, Msg: "connection reset",
	}

	if err := h.runner.RunScheduled(ctx); err != nil {
		t.Fatalf("RunScheduled: %v", err)
	}
	sum := h.runner.LastSummary()
	if sum.Uploaded != 2 || sum.UploadFailed != 1 {
		t.Fatalf("summary = %+v, want 2 uploaded / 1 failed", sum)
	}
	if active, _, _ := h.guard.CooldownActive(ctx); active {
		t.Fatal("transient failure must not set a cooldown")
	}
}

func TestAutopilotMetricsPullAccounting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{QueueTarget: 0, UploadLimit: 0})

	refs := []platform.ArmRef{{Type: platform.ArmRecipe, ID: "recipe-9"}}
	err := h.store.CreatePlans(ctx, []storage.PlanRecord{{
		ID:             "plan-posted",
		Status:         platform.PlanUploadedDraft,
		ArmRefs:        refs,
		TargetDuration: 30,
		PublishID:      "pub-1",
		CreatedAt:      h.now.Add(-2 * time.Hour),
	}})
	if err != nil {
		t.Fatalf("CreatePlans: %v", err)
	}
	h.publisher.publishStates["pub-1"] = platform.PublishStatus{
		State: platform.PublishComplete, VideoID: "vid-1",
	}
	h.publisher.metrics = []platform.VideoMetrics{{
		VideoID: "vid-1", Views: 5000, AvgWatchTime: 15, ViewsAt2s: 4000, ViewsAt6s: 2500, Saves: 100, Shares: 50,
	}}

	if err := h.runner.RunAutopilot(ctx); err != nil {
		t.Fatalf("RunAutopilot: %v", err)
	}
	sum := h.runner.LastSummary()
	if sum.MetricsFetched != 1 || sum.PullsCounted != 1 {
		t.Fatalf("summary = %+v, want 1 metric / 1 pull", sum)
	}

	arm, ok, err := h.store.GetArm(ctx, refs[0])
	if err != nil || !ok {
		t.Fatalf("GetArm: ok=%v err=%v", ok, err)
	}
	if arm.Pulls != 1 || arm.Impressions != 5000 {
		t.Fatalf("arm = %+v, want 1 pull / 5000 impressions", arm)
	}

	// A second refresh updates the metric row but must not double-count
	// the pull: the plan has advanced past POSTED.
	if err := h.runner.RunAutopilot(ctx); err != nil {
		t.Fatalf("second RunAutopilot: %v", err)
	}
	arm, _, _ = h.store.GetArm(ctx, refs[0])
	if arm.Pulls != 1 {
		t.Fatalf("pulls after second refresh = %d, want 1", arm.Pulls)
	}

	p, _, _ := h.store.GetPlan(ctx, "plan-posted")
	if p.Status != platform.PlanMetricsDone {
		t.Fatalf("plan status = %s, want METRICS_FETCHED", p.Status)
	}
}

func TestAutopilotCooldownSkipsPublishingTailOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{QueueTarget: 2, UploadLimit: 5})

	refs := []platform.ArmRef{{Type: platform.ArmRecipe, ID: "recipe-9"}}
	err := h.store.CreatePlans(ctx, []storage.PlanRecord{{
		ID: "plan-posted", Status: platform.PlanPosted, ArmRefs: refs,
		TargetDuration: 30, ExternalVideoID: "vid-1", CreatedAt: h.now.Add(-2 * time.Hour),
	}})
	if err != nil {
		t.Fatalf("CreatePlans: %v", err)
	}
	h.publisher.metrics = []platform.VideoMetrics{{VideoID: "vid-1", Views: 1000, AvgWatchTime: 20}}

	if err := h.guard.SetCooldown(ctx, time.Hour); err != nil {
		t.Fatalf("SetCooldown: %v", err)
	}
	if err := h.runner.RunAutopilot(ctx); err != nil {
		t.Fatalf("RunAutopilot: %v", err)
	}

	sum := h.runner.LastSummary()
	if sum.MetricsFetched != 1 {
		t.Fatalf("metrics during cooldown = %d, want 1 (learning continues)", sum.MetricsFetched)
	}
	if sum.Planned != 0 || h.planner.seq != 0 {
		t.Fatal("cooldown must gate the publishing tail")
	}
	if sum.SkipReason != "cooldown" {
		t.Fatalf("SkipReason = %q, want cooldown", sum.SkipReason)
	}
}

func TestReseedIntervalGate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{QueueTarget: 0, UploadLimit: 0, ReseedInterval: 72 * time.Hour})

	if err := h.runner.RunAutopilot(ctx); err != nil {
		t.Fatalf("RunAutopilot: %v", err)
	}
	if h.content.reseeds != 1 {
		t.Fatalf("reseeds = %d, want 1", h.content.reseeds)
	}

	// Inside the interval: no reseed.
	h.now = h.now.Add(24 * time.Hour)
	if err := h.runner.RunAutopilot(ctx); err != nil {
		t.Fatalf("RunAutopilot: %v", err)
	}
	if h.content.reseeds != 1 {
		t.Fatalf("reseeds = %d, want still 1", h.content.reseeds)
	}

	// Past the interval: reseed again.
	h.now = h.now.Add(72 * time.Hour)
	if err := h.runner.RunAutopilot(ctx); err != nil {
		t.Fatalf("RunAutopilot: %v", err)
	}
	if h.content.reseeds != 2 {
		t.Fatalf("reseeds = %d, want 2", h.content.reseeds)
	}
}

func TestNextPostWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	windows := []PostWindow{{Hour: 9, Min: 0}, {Hour: 18, Min: 30}}

	next := nextPostWindow(now, windows)
	want := time.Date(2026, 4, 1, 18, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("nextPostWindow = %v, want %v", next, want)
	}

	// After the last window: first window tomorrow.
	late := time.Date(2026, 4, 1, 20, 0, 0, 0, time.UTC)
	next = nextPostWindow(late, windows)
	want = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("nextPostWindow late = %v, want %v", next, want)
	}

	// No windows configured: immediate.
	if got := nextPostWindow(now, nil); !got.Equal(now) {
		t.Fatalf("nextPostWindow(nil) = %v, want now", got)
	}
}

func TestAutopilotRecoversVideoIDFromList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{QueueTarget: 0, UploadLimit: 0})

	// Publish completes without reporting a video id; the id must be
	// recovered from the platform's video list instead of stranding the
	// plan in POSTED forever.
	refs := []platform.ArmRef{{Type: platform.ArmRecipe, ID: "recipe-9"}}
	err := h.store.CreatePlans(ctx, []storage.PlanRecord{{
		ID:             "plan-orphan",
		Status:         platform.PlanUploadedDraft,
		ArmRefs:        refs,
		TargetDuration: 30,
		PublishID:      "pub-1",
		CreatedAt:      h.now.Add(-2 * time.Hour),
	}})
	if err != nil {
		t.Fatalf("CreatePlans: %v", err)
	}
	h.publisher.publishStates["pub-1"] = platform.PublishStatus{
		State: platform.PublishComplete, VideoID: "",
	}
	h.publisher.metrics = []platform.VideoMetrics{{
		VideoID: "vid-1", Views: 5000, AvgWatchTime: 15, ViewsAt2s: 4000, ViewsAt6s: 2500, Saves: 100, Shares: 50,
	}}

	if err := h.runner.RunAutopilot(ctx); err != nil {
		t.Fatalf("RunAutopilot: %v", err)
	}
	sum := h.runner.LastSummary()
	if sum.MetricsFetched != 1 || sum.PullsCounted != 1 {
		t.Fatalf("summary = %+v, want 1 metric / 1 pull", sum)
	}

	p, ok, err := h.store.GetPlan(ctx, "plan-orphan")
	if err != nil || !ok {
		t.Fatalf("GetPlan: ok=%v err=%v", ok, err)
	}
	if p.ExternalVideoID != "vid-1" {
		t.Fatalf("ExternalVideoID = %q, want vid-1", p.ExternalVideoID)
	}
	if p.Status != platform.PlanMetricsDone {
		t.Fatalf("plan status = %s, want METRICS_FETCHED", p.Status)
	}

	arm, ok, err := h.store.GetArm(ctx, refs[0])
	if err != nil || !ok {
		t.Fatalf("GetArm: ok=%v err=%v", ok, err)
	}
	if arm.Pulls != 1 || arm.Impressions != 5000 {
		t.Fatalf("arm = %+v, want 1 pull / 5000 impressions", arm)
	}
}

func TestVideoIDRecoverySkipsClaimedIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{QueueTarget: 0, UploadLimit: 0})

	// vid-1 already belongs to an earlier plan; the orphan must receive
	// the unclaimed vid-2, never a second copy of vid-1.
	err := h.store.CreatePlans(ctx, []storage.PlanRecord{
		{
			ID: "plan-done", Status: platform.PlanMetricsDone, ExternalVideoID: "vid-1",
			TargetDuration: 30, CreatedAt: h.now.Add(-4 * time.Hour),
		},
		{
			ID: "plan-orphan", Status: platform.PlanPosted,
			ArmRefs:        []platform.ArmRef{{Type: platform.ArmRecipe, ID: "recipe-9"}},
			TargetDuration: 30, CreatedAt: h.now.Add(-2 * time.Hour),
		},
	})
	if err != nil {
		t.Fatalf("CreatePlans: %v", err)
	}
	h.publisher.metrics = []platform.VideoMetrics{
		{VideoID: "vid-1", Views: 9000, AvgWatchTime: 15},
		{VideoID: "vid-2", Views: 500, AvgWatchTime: 10},
	}

	if err := h.runner.RunAutopilot(ctx); err != nil {
		t.Fatalf("RunAutopilot: %v", err)
	}
	p, _, _ := h.store.GetPlan(ctx, "plan-orphan")
	if p.ExternalVideoID != "vid-2" {
		t.Fatalf("ExternalVideoID = %q, want vid-2", p.ExternalVideoID)
	}
}

func TestUploadPrivacyLevelGate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{QueueTarget: 2, UploadLimit: 5, PrivacyLevel: "SELF_ONLY"})
	h.publisher.creatorInfo = &platform.CreatorInfo{
		Username:      "testuser",
		PrivacyLevels: []string{"PUBLIC_TO_EVERYONE"},
	}

	if err := h.runner.RunScheduled(ctx); err != nil {
		t.Fatalf("RunScheduled: %v", err)
	}
	sum := h.runner.LastSummary()
	if sum.Uploaded != 0 || sum.UploadFailed != 0 {
		t.Fatalf("summary = %+v, want no upload attempts", sum)
	}
	// Items stay RENDERED so a config fix picks them up next cycle.
	rendered, err := h.store.PlansByStatus(ctx, platform.PlanRendered)
	if err != nil {
		t.Fatalf("PlansByStatus: %v", err)
	}
	if len(rendered) != 2 {
		t.Fatalf("rendered backlog = %d, want 2", len(rendered))
	}
}

func TestUploadDeferredWhenCreatorInfoUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{QueueTarget: 1, UploadLimit: 5})
	h.publisher.creatorErr = errors.New("platform unavailable")

	if err := h.runner.RunScheduled(ctx); err != nil {
		t.Fatalf("RunScheduled: %v", err)
	}
	sum := h.runner.LastSummary()
	if sum.Uploaded != 0 || sum.UploadFailed != 0 {
		t.Fatalf("summary = %+v, want deferred batch", sum)
	}
	if h.publisher.initCalls != 0 {
		t.Fatalf("initCalls = %d, want 0", h.publisher.initCalls)
	}
}
