package bandit

// Policy holds the numerical knobs driving the optimizer and the mutation
// trigger engine. The app maps it from config and overlays the persisted
// exploration budget before each cycle.
type Policy struct {
	// PriorMean is the assumed mean reward of an untested arm.
	PriorMean float64
	// PriorWeight is the prior's weight expressed in virtual pulls.
	PriorWeight float64

	MinPullsBeforePromote int64
	MinPullsBeforeRetire  int64

	Promotion  PromotionPolicy
	Retirement RetirementPolicy

	// ExplorationBudget is the share of pulls reserved for untested arms,
	// clamped to [0,0.6]. The trigger engine widens it under sustained
	// underperformance.
	ExplorationBudget float64

	// PlateauDays enables the plateau fallback when > 0.
	PlateauDays int

	// MinViewsBeforeCounting filters negligible-reach noise out of pull
	// accounting and sample windows.
	MinViewsBeforeCounting int64
}

type PromotionPolicy struct {
	MinImpressions int64
	// UpliftRatio is the minimum relative uplift over the type baseline,
	// e.g. 0.15 requires posterior >= baseline * 1.15.
	UpliftRatio float64
}

type RetirementPolicy struct {
	// MaxUnderperform is how many consecutive low evaluations an arm
	// survives before being retired.
	MaxUnderperform int
}

// ExplorationBudgetCap bounds how far escalation may widen the budget.
const ExplorationBudgetCap = 0.6

// DefaultPolicy mirrors the config defaults.
func DefaultPolicy() Policy {
	return Policy{
		PriorMean:             0.15,
		PriorWeight:           10,
		MinPullsBeforePromote: 5,
		MinPullsBeforeRetire:  8,
		Promotion: PromotionPolicy{
			MinImpressions: 2000,
			UpliftRatio:    0.15,
		},
		Retirement: RetirementPolicy{
			MaxUnderperform: 3,
		},
		ExplorationBudget:      0.2,
		PlateauDays:            7,
		MinViewsBeforeCounting: 100,
	}
}
