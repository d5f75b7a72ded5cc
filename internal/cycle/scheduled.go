package cycle

import (
	"context"
	"fmt"

	"reelpilot/internal/eventbus"
	"reelpilot/internal/platform"
	"reelpilot/internal/storage"
	logx "reelpilot/pkg/logx"
)

// RunScheduled executes one posting cycle: gate check, queue topup,
// render batch, upload batch. A guardrail trip short-circuits the whole
// cycle; it is logged WARN and recorded as a skipped run, never returned
// as an error.
func (r *Runner) RunScheduled(ctx context.Context) error {
	started := r.now()
	sum := Summary{RunType: RunPosting, StartedAt: started}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleStarted, Data: RunPosting})
	defer func() {
		sum.Duration = r.now().Sub(started)
		r.setLast(sum)
	}()

	snap, err := r.guard.Gate(ctx)
	if err != nil {
		sum.Err = err.Error()
		r.appendRun(ctx, RunPosting, storage.RunError, started, err, "")
		return fmt.Errorf("posting cycle gate: %w", err)
	}
	if !snap.CanUpload() {
		reason := "pending_cap"
		if snap.CooldownActive {
			reason = "cooldown"
		}
		sum.Skipped = true
		sum.SkipReason = reason
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleSkipped, Data: reason})
		r.appendRun(ctx, RunPosting, storage.RunSkipped, started, nil, reason)
		return nil
	}

	r.topUp(ctx, &sum)
	r.renderBatch(ctx, &sum)
	r.uploadBatch(ctx, snap, &sum)

	detail := fmt.Sprintf("planned=%d rendered=%d uploaded=%d", sum.Planned, sum.Rendered, sum.Uploaded)
	r.appendRun(ctx, RunPosting, storage.RunOK, started, nil, detail)
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleFinished, Data: sum})
	return nil
}

// topUp fills the queue back to the configured target, scheduling new
// plans for the next posting window. Planner failure costs only this
// cycle's topup.
func (r *Runner) topUp(ctx context.Context, sum *Summary) {
	cfg := r.config()
	queued, err := r.store.PlansByStatus(ctx, platform.PlanPlanned, platform.PlanRendered)
	if err != nil {
		r.log.Warn("counting queued plans", logx.Err(err))
		return
	}
	need := cfg.QueueTarget - len(queued)
	if need <= 0 {
		return
	}

	window := nextPostWindow(r.now(), cfg.PostWindows)
	res, err := r.planner.TopUp(ctx, need, window)
	if err != nil {
		r.log.Warn("queue topup failed", logx.Int("requested", need), logx.Err(err))
		return
	}
	for _, w := range res.Warnings {
		r.log.Warn("planner warning", logx.String("warning", w))
	}

	records := make([]storage.PlanRecord, 0, len(res.Created))
	for _, seed := range res.Created {
		records = append(records, storage.PlanRecord{
			ID:             seed.ID,
			Status:         platform.PlanPlanned,
			ArmRefs:        seed.ArmRefs,
			TargetDuration: seed.TargetDuration,
			ScheduledFor:   window,
			CreatedAt:      r.now(),
		})
	}
	if err := r.store.CreatePlans(ctx, records); err != nil {
		r.log.Error("persisting topped-up plans", logx.Err(err))
		return
	}
	sum.Planned = len(records)
	r.log.Info("queue topped up",
		logx.Int("created", len(records)),
		logx.Time("scheduled_for", window))
}

// renderBatch renders every planned item. One bad render marks only that
// plan FAILED; the batch continues.
func (r *Runner) renderBatch(ctx context.Context, sum *Summary) {
	plans, err := r.store.PlansByStatus(ctx, platform.PlanPlanned)
	if err != nil {
		r.log.Warn("listing planned items", logx.Err(err))
		return
	}
	for _, p := range plans {
		path, err := r.renderer.Render(ctx, p.ID)
		if err != nil {
			sum.RenderFailed++
			r.log.Warn("render failed", logx.String("plan", p.ID), logx.Err(err))
			if serr := r.store.SetPlanStatus(ctx, p.ID, platform.PlanFailed, err.Error()); serr != nil {
				r.log.Error("marking plan failed", logx.String("plan", p.ID), logx.Err(serr))
			}
			continue
		}
		if err := r.store.SetPlanRender(ctx, p.ID, path); err != nil {
			r.log.Error("saving render path", logx.String("plan", p.ID), logx.Err(err))
			continue
		}
		if err := r.store.SetPlanStatus(ctx, p.ID, platform.PlanRendered, ""); err != nil {
			r.log.Error("advancing plan to rendered", logx.String("plan", p.ID), logx.Err(err))
			continue
		}
		sum.Rendered++
	}
}
