// Package bandit implements the arm-statistics model: posterior-mean
// estimation with Bayesian shrinkage, pull accounting, and the
// promotion/retirement pass.
package bandit

import (
	"context"
	"fmt"
	"time"

	"reelpilot/internal/platform"
	"reelpilot/internal/storage"
	logx "reelpilot/pkg/logx"
)

// PosteriorMean shrinks the observed mean toward the prior. With zero
// pulls it returns the prior exactly; as pulls grow it converges on the
// raw mean.
func PosteriorMean(rewardSum float64, pulls int64, priorMean, priorWeight float64) float64 {
	denom := float64(pulls) + priorWeight
	if denom < 1 {
		denom = 1
	}
	return (rewardSum + priorMean*priorWeight) / denom
}

// Confidence is a display-only monotonic measure of how much the
// posterior reflects data rather than prior. It is not a statistical
// interval.
func Confidence(pulls int64, priorWeight float64) float64 {
	denom := float64(pulls) + priorWeight
	if denom < 1 {
		denom = 1
	}
	return float64(pulls) / denom
}

// Optimizer owns arm statistics and promotion/retirement decisions.
// Status flips are delegated to the external content store; rows in the
// arm table are never deleted.
type Optimizer struct {
	store   storage.Store
	content platform.ContentStore
	log     logx.Logger
	now     func() time.Time
}

func NewOptimizer(store storage.Store, content platform.ContentStore, log logx.Logger) *Optimizer {
	return &Optimizer{store: store, content: content, log: log, now: time.Now}
}

// SetClock overrides the time source; tests only.
func (o *Optimizer) SetClock(now func() time.Time) { o.now = now }

// RecordPull counts one qualifying usage of an arm. Observations below
// the minimum-views gate are dropped entirely. Not idempotent: calling
// it twice for the same plan double-counts, so the caller must invoke it
// at most once per plan per metrics refresh (enforced by advancing the
// plan status in the same pass).
func (o *Optimizer) RecordPull(ctx context.Context, ref platform.ArmRef, impressions int64, rewardVal float64, pol Policy) (bool, error) {
	if impressions < pol.MinViewsBeforeCounting {
		return false, nil
	}
	if err := o.store.RecordArmPull(ctx, ref, impressions, rewardVal, o.now()); err != nil {
		return false, fmt.Errorf("record pull %s/%s: %w", ref.Type, ref.ID, err)
	}
	return true, nil
}

// ArmDecision is one promotion or retirement taken during a pass.
type ArmDecision struct {
	Ref        platform.ArmRef
	Posterior  float64
	Confidence float64
	Baseline   float64
}

// Report summarizes one PromoteRetire pass.
type Report struct {
	Evaluated int
	Promoted  []ArmDecision
	Retired   []ArmDecision
}

// An arm counts as underperforming in an evaluation when its posterior
// falls below this share of the type baseline.
const retireBelowBaseline = 0.8

// PromoteRetire evaluates every arm type: arms with enough pulls,
// enough impressions and enough uplift over the type baseline are
// promoted; arms that stay below the retirement threshold for
// Retirement.MaxUnderperform consecutive passes are retired.
func (o *Optimizer) PromoteRetire(ctx context.Context, pol Policy) (Report, error) {
	var rep Report
	for _, t := range platform.ArmTypes {
		arms, err := o.store.ListArms(ctx, t)
		if err != nil {
			return rep, fmt.Errorf("list %s arms: %w", t, err)
		}
		if len(arms) == 0 {
			continue
		}
		baseline := typeBaseline(arms, pol)

		for _, a := range arms {
			rep.Evaluated++
			post := PosteriorMean(a.RewardSum, a.Pulls, pol.PriorMean, pol.PriorWeight)
			ref := platform.ArmRef{Type: a.Type, ID: a.ID}
			dec := ArmDecision{
				Ref:        ref,
				Posterior:  post,
				Confidence: Confidence(a.Pulls, pol.PriorWeight),
				Baseline:   baseline,
			}

			if a.Pulls >= pol.MinPullsBeforePromote &&
				a.Impressions >= pol.Promotion.MinImpressions &&
				post >= baseline*(1+pol.Promotion.UpliftRatio) {
				if err := o.content.PromoteArm(ctx, ref); err != nil {
					o.log.Warn("promote failed", logx.String("arm", a.ID), logx.Err(err))
					continue
				}
				rep.Promoted = append(rep.Promoted, dec)
				o.log.Info("arm promoted",
					logx.String("type", string(a.Type)), logx.String("arm", a.ID),
					logx.Float64("posterior", post), logx.Float64("baseline", baseline))
				continue
			}

			if a.Pulls < pol.MinPullsBeforeRetire {
				continue
			}
			low := post < baseline*retireBelowBaseline
			evals := a.LowEvals
			if low {
				evals++
			} else {
				evals = 0
			}
			if evals != a.LowEvals {
				if err := o.store.SetArmLowEvals(ctx, ref, evals); err != nil {
					return rep, fmt.Errorf("update low evals %s/%s: %w", a.Type, a.ID, err)
				}
			}
			if low && evals >= pol.Retirement.MaxUnderperform {
				if err := o.content.RetireArm(ctx, ref); err != nil {
					o.log.Warn("retire failed", logx.String("arm", a.ID), logx.Err(err))
					continue
				}
				rep.Retired = append(rep.Retired, dec)
				o.log.Info("arm retired",
					logx.String("type", string(a.Type)), logx.String("arm", a.ID),
					logx.Float64("posterior", post), logx.Int("low_evals", evals))
			}
		}
	}
	return rep, nil
}

// typeBaseline is the pulls-weighted mean reward of a type's arms,
// shrunk toward the prior like any single arm. With no qualifying data
// it degrades to the prior mean.
func typeBaseline(arms []storage.Arm, pol Policy) float64 {
	var pulls int64
	var rewardSum float64
	for _, a := range arms {
		pulls += a.Pulls
		rewardSum += a.RewardSum
	}
	return PosteriorMean(rewardSum, pulls, pol.PriorMean, pol.PriorWeight)
}
