package cycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"reelpilot/internal/bandit"
	"reelpilot/internal/eventbus"
	"reelpilot/internal/platform"
	"reelpilot/internal/reward"
	"reelpilot/internal/storage"
	logx "reelpilot/pkg/logx"
)

// RunAutopilot executes one adaptive cycle: metrics refresh, arm
// promotion/retirement, mutation trigger, optional inspiration re-seed,
// then the publishing tail (topup, render, upload). The guardrail
// snapshot is taken once up front; a cooldown or cap hit skips only the
// publishing tail — learning from already-posted videos never pauses.
func (r *Runner) RunAutopilot(ctx context.Context) error {
	started := r.now()
	sum := Summary{RunType: RunAutopilot, StartedAt: started}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleStarted, Data: RunAutopilot})
	defer func() {
		sum.Duration = r.now().Sub(started)
		r.setLast(sum)
	}()

	snap, err := r.guard.Gate(ctx)
	if err != nil {
		sum.Err = err.Error()
		r.appendRun(ctx, RunAutopilot, storage.RunError, started, err, "")
		return fmt.Errorf("autopilot gate: %w", err)
	}

	pol := r.policy(ctx)

	if err := r.refreshMetrics(ctx, pol, &sum); err != nil {
		// A failed whole-call refresh costs this cycle's learning, not
		// the cycle itself.
		r.log.Warn("metrics refresh failed", logx.Err(err))
	}

	rep, err := r.opt.PromoteRetire(ctx, pol)
	if err != nil {
		r.log.Warn("promote/retire pass failed", logx.Err(err))
	} else {
		sum.Promoted = len(rep.Promoted)
		sum.Retired = len(rep.Retired)
		for _, d := range rep.Promoted {
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeArmPromoted, Data: d.Ref})
		}
		for _, d := range rep.Retired {
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeArmRetired, Data: d.Ref})
		}
	}

	if r.config().MutationEnabled {
		out, err := r.engine.Run(ctx, pol)
		if err != nil {
			r.log.Warn("mutation trigger failed", logx.Err(err))
		} else if out.Mutated {
			sum.MutationStep = out.Step
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeMutation, Data: out})
		}
	}

	r.maybeReseed(ctx)

	if snap.CanUpload() {
		r.topUp(ctx, &sum)
		r.renderBatch(ctx, &sum)
		r.uploadBatch(ctx, snap, &sum)
	} else {
		sum.SkipReason = "pending_cap"
		if snap.CooldownActive {
			sum.SkipReason = "cooldown"
		}
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleSkipped, Data: sum.SkipReason})
		r.log.Warn("publishing tail skipped", logx.String("reason", sum.SkipReason))
	}

	detail := fmt.Sprintf("metrics=%d pulls=%d promoted=%d retired=%d uploaded=%d",
		sum.MetricsFetched, sum.PullsCounted, sum.Promoted, sum.Retired, sum.Uploaded)
	r.appendRun(ctx, RunAutopilot, storage.RunOK, started, nil, detail)
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleFinished, Data: sum})
	return nil
}

// refreshMetrics advances publish states, pulls fresh counters from the
// platform, scores them, and feeds qualifying pulls to the optimizer.
// Pull accounting happens exactly when a plan first advances from POSTED
// to METRICS_FETCHED; refreshing again later only updates the metric row.
func (r *Runner) refreshMetrics(ctx context.Context, pol bandit.Policy, sum *Summary) error {
	r.advancePublishStates(ctx)

	plans, err := r.store.PlansByStatus(ctx, platform.PlanPosted, platform.PlanMetricsDone)
	if err != nil {
		return fmt.Errorf("listing posted plans: %w", err)
	}
	plans = r.reconcileVideoIDs(ctx, plans)
	byVideo := map[string]storage.PlanRecord{}
	ids := make([]string, 0, len(plans))
	for _, p := range plans {
		if p.ExternalVideoID == "" {
			continue
		}
		byVideo[p.ExternalVideoID] = p
		ids = append(ids, p.ExternalVideoID)
	}
	if len(ids) == 0 {
		return nil
	}

	metrics, err := r.publisher.VideoMetrics(ctx, ids)
	if err != nil {
		return fmt.Errorf("querying video metrics: %w", err)
	}

	now := r.now()
	for _, m := range metrics {
		p, ok := byVideo[m.VideoID]
		if !ok {
			continue
		}
		res := reward.Score(reward.Input{
			Views:          float64(m.Views),
			AvgWatchTime:   m.AvgWatchTime,
			TargetDuration: p.TargetDuration,
			ViewsAt2s:      m.ViewsAt2s,
			ViewsAt6s:      m.ViewsAt6s,
			Saves:          m.Saves,
			Shares:         m.Shares,
		})
		rec := storage.MetricRecord{
			PlanID:          p.ID,
			ExternalVideoID: m.VideoID,
			Views:           m.Views,
			Likes:           m.Likes,
			Comments:        m.Comments,
			Shares:          m.Shares,
			Saves:           m.Saves,
			FollowerDelta:   m.FollowerDelta,
			Reward:          res.Reward,
			Retention:       res.Retention,
			View2Rate:       res.View2Rate,
			View6Rate:       res.View6Rate,
			SaveRate:        res.SaveRate,
			ShareRate:       res.ShareRate,
			CollectedAt:     now,
		}
		if err := r.store.UpsertMetrics(ctx, rec); err != nil {
			r.log.Warn("persisting metrics", logx.String("video", m.VideoID), logx.Err(err))
			continue
		}
		sum.MetricsFetched++

		// At-most-once pull accounting: only plans still in POSTED feed
		// the bandit, then immediately advance past it.
		if p.Status != platform.PlanPosted {
			continue
		}
		for _, ref := range p.ArmRefs {
			counted, err := r.opt.RecordPull(ctx, ref, m.Views, res.Reward, pol)
			if err != nil {
				r.log.Warn("recording pull", logx.String("plan", p.ID), logx.Err(err))
				continue
			}
			if counted {
				sum.PullsCounted++
			}
		}
		if err := r.store.SetPlanStatus(ctx, p.ID, platform.PlanMetricsDone, ""); err != nil {
			r.log.Error("advancing plan to metrics fetched", logx.String("plan", p.ID), logx.Err(err))
		}
	}
	return nil
}

// reconcileVideoIDs recovers external ids for posted plans whose publish
// poll completed without one. The platform's video list is diffed against
// ids already claimed by a plan; unclaimed listed ids are assigned to
// orphaned plans oldest-first. Plans left without an id stay in POSTED
// and are retried next cycle.
func (r *Runner) reconcileVideoIDs(ctx context.Context, plans []storage.PlanRecord) []storage.PlanRecord {
	var orphans []int
	claimed := map[string]bool{}
	for i, p := range plans {
		if p.ExternalVideoID != "" {
			claimed[p.ExternalVideoID] = true
			continue
		}
		if p.Status == platform.PlanPosted {
			orphans = append(orphans, i)
		}
	}
	if len(orphans) == 0 {
		return plans
	}

	listed, err := r.publisher.VideoList(ctx)
	if err != nil {
		r.log.Warn("listing platform videos", logx.Err(err))
		return plans
	}
	for _, vid := range listed {
		if len(orphans) == 0 {
			break
		}
		if vid == "" || claimed[vid] {
			continue
		}
		i := orphans[0]
		orphans = orphans[1:]
		if err := r.store.SetPlanVideo(ctx, plans[i].ID, vid); err != nil {
			r.log.Error("saving recovered video id", logx.String("plan", plans[i].ID), logx.Err(err))
			continue
		}
		plans[i].ExternalVideoID = vid
		claimed[vid] = true
		r.log.Info("recovered video id from platform list",
			logx.String("plan", plans[i].ID), logx.String("video", vid))
	}
	for _, i := range orphans {
		r.log.Warn("posted plan still has no video id", logx.String("plan", plans[i].ID))
	}
	return plans
}

// advancePublishStates polls uploaded drafts and moves completed ones to
// POSTED. Per-item isolation: a failed poll leaves the draft for the
// next cycle.
func (r *Runner) advancePublishStates(ctx context.Context) {
	drafts, err := r.store.PlansByStatus(ctx, platform.PlanUploadedDraft)
	if err != nil {
		r.log.Warn("listing uploaded drafts", logx.Err(err))
		return
	}
	for _, p := range drafts {
		if p.PublishID == "" {
			continue
		}
		st, err := r.publisher.GetPublishStatus(ctx, p.PublishID)
		if err != nil {
			r.log.Warn("polling publish status", logx.String("plan", p.ID), logx.Err(err))
			continue
		}
		switch st.State {
		case platform.PublishComplete:
			if st.VideoID != "" {
				if err := r.store.SetPlanVideo(ctx, p.ID, st.VideoID); err != nil {
					r.log.Error("saving video id", logx.String("plan", p.ID), logx.Err(err))
					continue
				}
			}
			if err := r.store.SetPlanStatus(ctx, p.ID, platform.PlanPosted, ""); err != nil {
				r.log.Error("advancing plan to posted", logx.String("plan", p.ID), logx.Err(err))
			}
		case platform.PublishFailed:
			r.failPlan(ctx, p.ID, "publish failed: "+st.Reason)
		default:
			// Still processing; check again next cycle.
		}
	}
}

// maybeReseed runs the inspiration re-seed when the configured day
// interval has elapsed since the last reseed run-log entry.
func (r *Runner) maybeReseed(ctx context.Context) {
	interval := r.config().ReseedInterval
	if interval <= 0 {
		return
	}
	last, ok, err := r.store.LastRunOfType(ctx, RunReseed)
	if err != nil {
		r.log.Warn("reading last reseed run", logx.Err(err))
		return
	}
	now := r.now()
	if ok && now.Sub(last.StartedAt) < interval {
		return
	}

	err = r.content.ReseedInspiration(ctx)
	entry := storage.RunEntry{
		ID:         uuid.NewString(),
		RunType:    RunReseed,
		Status:     storage.RunOK,
		StartedAt:  now,
		FinishedAt: r.now(),
	}
	if err != nil {
		entry.Status = storage.RunError
		entry.Error = err.Error()
		r.log.Warn("inspiration reseed failed", logx.Err(err))
	} else {
		r.log.Info("inspiration reseeded")
	}
	if aerr := r.store.AppendRun(ctx, entry); aerr != nil {
		r.log.Warn("appending reseed run entry", logx.Err(aerr))
	}
}
