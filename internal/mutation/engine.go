// Package mutation decides when to spawn new content variants or
// archetypes. It runs at most once per autopilot cycle and requests at
// most one mutation per run; the external mutator owns generation.
package mutation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"reelpilot/internal/bandit"
	"reelpilot/internal/platform"
	"reelpilot/internal/storage"
	logx "reelpilot/pkg/logx"
)

const (
	// A recipe with this many live variants is saturated; exploit-refine
	// skips it.
	maxLiveVariants = 6
	// Exploration floor: keep at least this many variants in testing.
	minTestingVariants = 4

	underperformWindow  = 7 * 24 * time.Hour
	underperformSamples = 6
	// Mean reward at or below priorMean*underperformRatio counts the
	// window as underperforming.
	underperformRatio = 0.6
	escalationStreak  = 2
	escalationSpacing = 24 * time.Hour
	budgetStep        = 0.1

	// Bottom share of recipes by posterior considered as mutation seeds.
	bottomShare       = 0.3
	minPlateauSamples = 3
)

// Step names reported in Outcome and the run log.
const (
	StepExploit     = "exploit_refine"
	StepEscalation  = "escalation_archetype"
	StepExploration = "exploration_floor"
	StepPlateau     = "plateau_fallback"
)

// Defaults are the template/intent/guardrail sets passed through to the
// external mutator.
type Defaults struct {
	Templates      []string
	AllowedIntents []string
	Guardrails     []string
}

// Outcome reports what one engine run did.
type Outcome struct {
	Step               string
	Mutated            bool
	SeedRecipe         string
	Streak             int
	BudgetWidened      bool
	NewBudget          float64
	ArchetypeRequested bool
}

// Engine owns the mutation-trigger policy. One Run per autopilot cycle.
type Engine struct {
	store    storage.Store
	content  platform.ContentStore
	mutator  platform.Mutator
	defaults Defaults
	log      logx.Logger
	now      func() time.Time
}

func NewEngine(store storage.Store, content platform.ContentStore, mutator platform.Mutator, defaults Defaults, log logx.Logger) *Engine {
	return &Engine{store: store, content: content, mutator: mutator, defaults: defaults, log: log, now: time.Now}
}

// SetClock overrides the time source; tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Run walks the ordered trigger steps. The first matching step fires the
// run's single mutation; the underperformance bookkeeping of step 2
// (streak accounting and budget widening) runs regardless of step 1.
func (e *Engine) Run(ctx context.Context, pol bandit.Policy) (Outcome, error) {
	var out Outcome

	arms, err := e.store.ListArms(ctx, platform.ArmRecipe)
	if err != nil {
		return out, fmt.Errorf("list recipe arms: %w", err)
	}

	// Step 1: exploit-refine the best proven recipe.
	if best, ok := bestEligible(arms, pol); ok {
		live, err := e.content.LiveVariantCount(ctx, best.ID)
		if err != nil {
			return out, fmt.Errorf("live variant count: %w", err)
		}
		if live < maxLiveVariants {
			if err := e.mutate(ctx, best.ID); err != nil {
				return out, err
			}
			out.Step = StepExploit
			out.Mutated = true
			out.SeedRecipe = best.ID
			e.log.Info("exploit-refine mutation requested",
				logx.String("recipe", best.ID), logx.Int("live_variants", live))
		}
	}

	// Step 2: underperformance bookkeeping, always.
	if err := e.escalate(ctx, pol, &out); err != nil {
		return out, err
	}
	if out.Mutated {
		return out, nil
	}

	// Step 3: exploration floor.
	testing, err := e.content.TestingVariantCount(ctx)
	if err != nil {
		return out, fmt.Errorf("testing variant count: %w", err)
	}
	if testing < minTestingVariants {
		if seed, ok := bottomSeed(arms, pol); ok {
			if err := e.mutate(ctx, seed.ID); err != nil {
				return out, err
			}
			out.Step = StepExploration
			out.Mutated = true
			out.SeedRecipe = seed.ID
			e.log.Info("exploration mutation requested",
				logx.String("recipe", seed.ID), logx.Int("testing", testing))
			return out, nil
		}
	}

	// Step 4: plateau fallback.
	if pol.PlateauDays > 0 {
		plateaued, err := e.plateaued(ctx, pol)
		if err != nil {
			return out, err
		}
		if plateaued {
			if seed, ok := bottomSeed(arms, pol); ok {
				if err := e.mutate(ctx, seed.ID); err != nil {
					return out, err
				}
				out.Step = StepPlateau
				out.Mutated = true
				out.SeedRecipe = seed.ID
				e.log.Info("plateau mutation requested", logx.String("recipe", seed.ID))
			}
		}
	}
	return out, nil
}

func (e *Engine) mutate(ctx context.Context, recipeID string) error {
	req := platform.MutateRequest{
		RecipeID:       recipeID,
		Templates:      e.defaults.Templates,
		AllowedIntents: e.defaults.AllowedIntents,
		Guardrails:     e.defaults.Guardrails,
	}
	if err := e.mutator.Mutate(ctx, req); err != nil {
		return fmt.Errorf("mutate recipe %s: %w", recipeID, err)
	}
	return nil
}

// escalate updates the persisted underperformance streak and, when the
// streak is deep enough and enough time has passed, widens the
// exploration budget and possibly requests a brand-new archetype. The
// archetype respects the one-mutation-per-run rule; the streak and
// budget bookkeeping do not.
func (e *Engine) escalate(ctx context.Context, pol bandit.Policy, out *Outcome) error {
	now := e.now()

	state, err := e.store.GetOptimizerState(ctx)
	if err != nil {
		return fmt.Errorf("read optimizer state: %w", err)
	}

	samples, err := e.store.RewardsSince(ctx, now.Add(-underperformWindow), pol.MinViewsBeforeCounting)
	if err != nil {
		return fmt.Errorf("reward window: %w", err)
	}
	// Too little data is not evidence either way; leave the streak alone.
	if len(samples) >= underperformSamples {
		if mean(samples) <= pol.PriorMean*underperformRatio {
			state.UnderperformStreak++
		} else {
			state.UnderperformStreak = 0
		}
	}
	out.Streak = state.UnderperformStreak

	if state.UnderperformStreak >= escalationStreak && now.Sub(state.LastActionAt) > escalationSpacing {
		budget := pol.ExplorationBudget
		if stored, ok, err := e.store.GetExplorationBudget(ctx); err != nil {
			return fmt.Errorf("read exploration budget: %w", err)
		} else if ok {
			budget = stored
		}
		widened := budget + budgetStep
		if widened > bandit.ExplorationBudgetCap {
			widened = bandit.ExplorationBudgetCap
		}
		if err := e.store.PutExplorationBudget(ctx, widened); err != nil {
			return fmt.Errorf("persist exploration budget: %w", err)
		}
		out.BudgetWidened = widened > budget
		out.NewBudget = widened
		e.log.Warn("underperformance escalation",
			logx.Int("streak", state.UnderperformStreak),
			logx.Float64("exploration_budget", widened))

		if !out.Mutated && now.Sub(state.LastArchetypeAt) > escalationSpacing {
			names, err := e.content.RecipeNames(ctx)
			if err != nil {
				return fmt.Errorf("recipe names: %w", err)
			}
			req := platform.ArchetypeRequest{
				AllowedIntents: e.defaults.AllowedIntents,
				Guardrails:     e.defaults.Guardrails,
				ExistingNames:  names,
			}
			if err := e.mutator.CreateArchetype(ctx, req); err != nil {
				return fmt.Errorf("create archetype: %w", err)
			}
			out.Step = StepEscalation
			out.Mutated = true
			out.ArchetypeRequested = true
			state.LastArchetypeAt = now
			e.log.Info("new archetype requested", logx.Int("existing_recipes", len(names)))
		}
		state.LastActionAt = now
	}

	if err := e.store.PutOptimizerState(ctx, state); err != nil {
		return fmt.Errorf("persist optimizer state: %w", err)
	}
	return nil
}

// plateaued compares the trailing window's mean reward to the window
// before it. Both need at least three samples to mean anything.
func (e *Engine) plateaued(ctx context.Context, pol bandit.Policy) (bool, error) {
	now := e.now()
	window := time.Duration(pol.PlateauDays) * 24 * time.Hour

	cur, err := e.store.RewardsBetween(ctx, now.Add(-window), now, pol.MinViewsBeforeCounting)
	if err != nil {
		return false, fmt.Errorf("current reward window: %w", err)
	}
	prev, err := e.store.RewardsBetween(ctx, now.Add(-2*window), now.Add(-window), pol.MinViewsBeforeCounting)
	if err != nil {
		return false, fmt.Errorf("previous reward window: %w", err)
	}
	if len(cur) < minPlateauSamples || len(prev) < minPlateauSamples {
		return false, nil
	}
	return mean(cur) <= mean(prev), nil
}

// bestEligible picks the proven recipe with the highest posterior mean.
func bestEligible(arms []storage.Arm, pol bandit.Policy) (storage.Arm, bool) {
	var best storage.Arm
	found := false
	for _, a := range arms {
		if a.Pulls < pol.MinPullsBeforePromote {
			continue
		}
		if !found || posterior(a, pol) > posterior(best, pol) {
			best = a
			found = true
		}
	}
	return best, found
}

// bottomSeed picks a mutation seed from the bottom share of recipes by
// posterior mean, preferring the least-tested among the weakest.
func bottomSeed(arms []storage.Arm, pol bandit.Policy) (storage.Arm, bool) {
	if len(arms) == 0 {
		return storage.Arm{}, false
	}
	sorted := make([]storage.Arm, len(arms))
	copy(sorted, arms)
	sort.Slice(sorted, func(i, j int) bool {
		pi, pj := posterior(sorted[i], pol), posterior(sorted[j], pol)
		if pi != pj {
			return pi < pj
		}
		return sorted[i].ID < sorted[j].ID
	})

	n := int(float64(len(sorted))*bottomShare + 0.999)
	if n < 1 {
		n = 1
	}
	if n > len(sorted) {
		n = len(sorted)
	}
	pool := sorted[:n]

	seed := pool[0]
	for _, a := range pool[1:] {
		if a.Pulls < seed.Pulls {
			seed = a
		}
	}
	return seed, true
}

func posterior(a storage.Arm, pol bandit.Policy) float64 {
	return bandit.PosteriorMean(a.RewardSum, a.Pulls, pol.PriorMean, pol.PriorWeight)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
