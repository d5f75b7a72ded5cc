package cycle

import (
	"context"
	"fmt"

	"reelpilot/internal/eventbus"
	"reelpilot/internal/guardrail"
	"reelpilot/internal/platform"
	"reelpilot/internal/storage"
	logx "reelpilot/pkg/logx"
)

// uploadBatch pushes rendered items to the platform under the snapshot's
// budget. A spam-risk failure sets a 24h cooldown and aborts the rest of
// this batch only; any other failure costs only its item.
func (r *Runner) uploadBatch(ctx context.Context, snap guardrail.Snapshot, sum *Summary) {
	budget := snap.UploadBudget(r.config().UploadLimit)
	if budget <= 0 {
		return
	}

	// The platform requires a creator-info query before posting. A
	// failed query defers the whole batch to the next cycle; a privacy
	// level the account does not offer is a config problem, not a
	// transient one.
	info, err := r.publisher.CreatorInfo(ctx)
	if err != nil {
		r.log.Warn("querying creator info, deferring uploads", logx.Err(err))
		return
	}
	level := r.config().PrivacyLevel
	if !privacyOffered(info, level) {
		r.log.Error("account does not offer configured privacy level",
			logx.String("privacy_level", level),
			logx.String("account", info.Username))
		return
	}

	plans, err := r.store.PlansByStatus(ctx, platform.PlanRendered)
	if err != nil {
		r.log.Warn("listing rendered items", logx.Err(err))
		return
	}

	for _, p := range plans {
		if sum.Uploaded >= budget {
			break
		}
		abort := r.uploadOne(ctx, p, sum)
		if abort {
			return
		}
	}
}

// uploadOne returns true when the remainder of the batch must be
// abandoned (spam-risk signal).
func (r *Runner) uploadOne(ctx context.Context, p storage.PlanRecord, sum *Summary) bool {
	// Data-integrity check: a rendered plan without a render path can
	// only fail downstream; fail it here and keep the batch going.
	if p.RenderPath == "" {
		sum.UploadFailed++
		r.log.Warn("rendered plan missing render path", logx.String("plan", p.ID))
		r.failPlan(ctx, p.ID, "missing render path")
		return false
	}

	if err := r.store.SetPlanStatus(ctx, p.ID, platform.PlanUploading, ""); err != nil {
		r.log.Error("advancing plan to uploading", logx.String("plan", p.ID), logx.Err(err))
		return false
	}

	if err := r.limiter.Wait(ctx); err != nil {
		// Context gone; put the plan back so the next cycle retries it.
		r.restorePlan(ctx, p.ID)
		return true
	}

	post := platform.PostInfo{
		Title:        p.ID,
		PrivacyLevel: r.config().PrivacyLevel,
		ScheduledFor: p.ScheduledFor,
	}
	ticket, err := r.publisher.InitUpload(ctx, post, p.RenderPath)
	if err != nil {
		return r.handleUploadErr(ctx, p.ID, "init upload", err, sum)
	}

	if err := r.publisher.UploadVideo(ctx, ticket.UploadURL, p.RenderPath); err != nil {
		return r.handleUploadErr(ctx, p.ID, "upload video", err, sum)
	}

	if err := r.store.SetPlanUpload(ctx, p.ID, ticket.PublishID); err != nil {
		r.log.Error("saving publish id", logx.String("plan", p.ID), logx.Err(err))
	}
	if err := r.store.SetPlanStatus(ctx, p.ID, platform.PlanUploadedDraft, ""); err != nil {
		r.log.Error("advancing plan to uploaded draft", logx.String("plan", p.ID), logx.Err(err))
		return false
	}
	sum.Uploaded++
	r.log.Info("upload complete", logx.String("plan", p.ID), logx.String("publish_id", ticket.PublishID))
	return false
}

// handleUploadErr applies the error taxonomy: spam risk -> cooldown plus
// batch abort; everything else -> item failure, batch continues.
func (r *Runner) handleUploadErr(ctx context.Context, planID, stage string, err error, sum *Summary) bool {
	sum.UploadFailed++
	r.failPlan(ctx, planID, fmt.Sprintf("%s: %v", stage, err))

	if platform.IsSpamRisk(err) {
		r.log.Warn("spam-risk signal from platform, entering cooldown",
			logx.String("plan", planID), logx.Err(err))
		if cerr := r.guard.SetCooldown(ctx, guardrail.SpamCooldown); cerr != nil {
			r.log.Error("setting cooldown", logx.Err(cerr))
		}
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeGuardrailTrip, Data: "spam_risk"})
		return true
	}

	r.log.Warn("upload failed", logx.String("plan", planID), logx.String("stage", stage), logx.Err(err))
	return false
}

// privacyOffered reports whether the account offers the given privacy
// level. An empty offer list means the platform does not constrain it.
func privacyOffered(info platform.CreatorInfo, level string) bool {
	if len(info.PrivacyLevels) == 0 {
		return true
	}
	for _, l := range info.PrivacyLevels {
		if l == level {
			return true
		}
	}
	return false
}

func (r *Runner) failPlan(ctx context.Context, planID, reason string) {
	if err := r.store.SetPlanStatus(ctx, planID, platform.PlanFailed, reason); err != nil {
		r.log.Error("marking plan failed", logx.String("plan", planID), logx.Err(err))
	}
}

func (r *Runner) restorePlan(ctx context.Context, planID string) {
	if err := r.store.SetPlanStatus(ctx, planID, platform.PlanRendered, ""); err != nil {
		r.log.Error("restoring plan to rendered", logx.String("plan", planID), logx.Err(err))
	}
}
