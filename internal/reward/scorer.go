// Package reward turns raw platform counters into a normalized [0,1]
// score. Everything here is pure; persistence and pull accounting live
// elsewhere.
package reward

// Blend weights. They sum to 1.0; retention dominates because it is the
// strongest delayed-quality signal the platform exposes.
const (
	weightRetention = 0.5
	weightView2     = 0.2
	weightView6     = 0.2
	weightSave      = 0.05
	weightShare     = 0.05
)

// Input is the raw per-video signal set. Rate-looking fields may arrive
// as ratios or raw counts; ToRate normalizes both.
type Input struct {
	Views          float64
	AvgWatchTime   float64
	TargetDuration float64
	ViewsAt2s      float64
	ViewsAt6s      float64
	Saves          float64
	Shares         float64
}

// Result carries the final reward plus the clamped intermediate rates so
// they can be persisted for audit.
type Result struct {
	Reward    float64
	Retention float64
	View2Rate float64
	View6Rate float64
	SaveRate  float64
	ShareRate float64
}

// ToRate normalizes a platform counter into a rate. Values already in
// [0,1] pass through unchanged; anything larger is treated as a raw count
// and divided by views. Zero views means zero rate.
func ToRate(value, views float64) float64 {
	if value >= 0 && value <= 1 {
		return value
	}
	if views <= 0 {
		return 0
	}
	return value / views
}

// Score blends the input signals into a [0,1] reward. Each term is
// clamped before weighting so one malformed counter cannot dominate.
func Score(in Input) Result {
	retention := 0.0
	if in.TargetDuration > 0 {
		retention = in.AvgWatchTime / in.TargetDuration
	}

	r := Result{
		Retention: clamp01(retention),
		View2Rate: clamp01(ToRate(in.ViewsAt2s, in.Views)),
		View6Rate: clamp01(ToRate(in.ViewsAt6s, in.Views)),
		SaveRate:  clamp01(ToRate(in.Saves, in.Views)),
		ShareRate: clamp01(ToRate(in.Shares, in.Views)),
	}
	r.Reward = clamp01(
		weightRetention*r.Retention +
			weightView2*r.View2Rate +
			weightView6*r.View6Rate +
			weightSave*r.SaveRate +
			weightShare*r.ShareRate)
	return r
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
