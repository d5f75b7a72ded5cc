package reward

import (
	"math"
	"testing"
)

func TestToRate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		value float64
		views float64
		want  float64
	}{
		{name: "ratio passthrough", value: 0.5, views: 1000, want: 0.5},
		{name: "raw count division", value: 50, views: 1000, want: 0.05},
		{name: "zero views", value: 50, views: 0, want: 0},
		{name: "boundary one", value: 1, views: 10, want: 1},
		{name: "negative value", value: -3, views: 100, want: -0.03},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := ToRate(tt.value, tt.views)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Fatalf("ToRate(%v, %v) = %v, want %v", tt.value, tt.views, got, tt.want)
			}
		})
	}
}

func TestScoreBounds(t *testing.T) {
	t.Parallel()
	inputs := []Input{
		{}, // all zero
		{Views: 0, TargetDuration: 0},
		{Views: 1000, AvgWatchTime: 500, TargetDuration: 10, ViewsAt2s: 5000, ViewsAt6s: 5000, Saves: 9999, Shares: 9999},
		{Views: 100, AvgWatchTime: 5, TargetDuration: 10, ViewsAt2s: 0.9, ViewsAt6s: 0.5, Saves: 2, Shares: 1},
	}
	for _, in := range inputs {
		r := Score(in)
		if r.Reward < 0 || r.Reward > 1 {
			t.Fatalf("Score(%+v).Reward = %v, out of [0,1]", in, r.Reward)
		}
	}
}

func TestScoreZeroInputs(t *testing.T) {
	t.Parallel()
	r := Score(Input{Views: 0, TargetDuration: 0})
	if r.Reward != 0 {
		t.Fatalf("zero inputs: reward = %v, want 0", r.Reward)
	}
}

func TestScoreBlend(t *testing.T) {
	t.Parallel()
	// Perfect retention, everything else zero => exactly the retention weight.
	r := Score(Input{Views: 100, AvgWatchTime: 10, TargetDuration: 10})
	if math.Abs(r.Reward-0.5) > 1e-12 {
		t.Fatalf("retention-only reward = %v, want 0.5", r.Reward)
	}

	// Malformed watch time cannot push the term past its weight.
	r = Score(Input{Views: 100, AvgWatchTime: 900, TargetDuration: 10})
	if math.Abs(r.Reward-0.5) > 1e-12 {
		t.Fatalf("clamped retention reward = %v, want 0.5", r.Reward)
	}
}

func TestScoreIntermediateRates(t *testing.T) {
	t.Parallel()
	r := Score(Input{Views: 1000, AvgWatchTime: 6, TargetDuration: 12, ViewsAt2s: 800, ViewsAt6s: 0.4, Saves: 50, Shares: 0.01})
	if math.Abs(r.Retention-0.5) > 1e-12 {
		t.Fatalf("Retention = %v, want 0.5", r.Retention)
	}
	if math.Abs(r.View2Rate-0.8) > 1e-12 {
		t.Fatalf("View2Rate = %v, want 0.8", r.View2Rate)
	}
	if math.Abs(r.View6Rate-0.4) > 1e-12 {
		t.Fatalf("View6Rate = %v, want 0.4", r.View6Rate)
	}
	if math.Abs(r.SaveRate-0.05) > 1e-12 {
		t.Fatalf("SaveRate = %v, want 0.05", r.SaveRate)
	}
	if math.Abs(r.ShareRate-0.01) > 1e-12 {
		t.Fatalf("ShareRate = %v, want 0.01", r.ShareRate)
	}
}
