package bandit

import (
	"context"
	"sync"
	"testing"

	"reelpilot/internal/platform"
	"reelpilot/internal/storage"
	logx "reelpilot/pkg/logx"
)

func TestPosteriorMean(t *testing.T) {
	t.Parallel()
	pol := DefaultPolicy()

	// Zero pulls: exactly the prior.
	if got := PosteriorMean(0, 0, pol.PriorMean, pol.PriorWeight); got != pol.PriorMean {
		t.Fatalf("PosteriorMean(0 pulls) = %v, want %v", got, pol.PriorMean)
	}

	// With pulls the posterior sits strictly between prior and raw mean.
	rewardSum, pulls := 8.0, int64(10) // raw mean 0.8
	got := PosteriorMean(rewardSum, pulls, pol.PriorMean, pol.PriorWeight)
	raw := rewardSum / float64(pulls)
	if got <= pol.PriorMean || got >= raw {
		t.Fatalf("posterior %v not strictly between prior %v and raw %v", got, pol.PriorMean, raw)
	}

	// Below-prior raw mean shrinks upward.
	got = PosteriorMean(0.1, 10, pol.PriorMean, pol.PriorWeight)
	if got <= 0.01 || got >= pol.PriorMean {
		t.Fatalf("posterior %v not strictly between raw 0.01 and prior %v", got, pol.PriorMean)
	}
}

func TestConfidenceMonotonic(t *testing.T) {
	t.Parallel()
	const w = 10.0
	if got := Confidence(0, w); got != 0 {
		t.Fatalf("Confidence(0) = %v, want 0", got)
	}
	prev := -1.0
	for pulls := int64(0); pulls <= 1000; pulls += 7 {
		c := Confidence(pulls, w)
		if c < prev {
			t.Fatalf("confidence decreased at pulls=%d: %v < %v", pulls, c, prev)
		}
		if c < 0 || c >= 1 {
			t.Fatalf("confidence out of [0,1) at pulls=%d: %v", pulls, c)
		}
		prev = c
	}
}

func TestRecordPullAccumulates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMem()
	opt := NewOptimizer(st, &fakeContent{}, logx.Nop())
	pol := DefaultPolicy()
	pol.MinViewsBeforeCounting = 10

	ref := platform.ArmRef{Type: platform.ArmRecipe, ID: "r1"}
	for i := 0; i < 2; i++ {
		counted, err := opt.RecordPull(ctx, ref, 100, 1.0, pol)
		if err != nil {
			t.Fatalf("RecordPull error: %v", err)
		}
		if !counted {
			t.Fatal("pull above the views gate should count")
		}
	}

	a, ok, err := st.GetArm(ctx, ref)
	if err != nil || !ok {
		t.Fatalf("GetArm: ok=%v err=%v", ok, err)
	}
	if a.Pulls != 2 || a.Impressions != 200 || a.RewardSum != 2.0 {
		t.Fatalf("arm = {pulls:%d imp:%d sum:%v}, want {2 200 2.0}", a.Pulls, a.Impressions, a.RewardSum)
	}
}

func TestRecordPullViewsGate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMem()
	opt := NewOptimizer(st, &fakeContent{}, logx.Nop())
	pol := DefaultPolicy()
	pol.MinViewsBeforeCounting = 100

	ref := platform.ArmRef{Type: platform.ArmClip, ID: "c1"}
	counted, err := opt.RecordPull(ctx, ref, 99, 0.5, pol)
	if err != nil {
		t.Fatalf("RecordPull error: %v", err)
	}
	if counted {
		t.Fatal("pull below the views gate must not count")
	}
	if _, ok, _ := st.GetArm(ctx, ref); ok {
		t.Fatal("arm must not be created by a non-qualifying pull")
	}
}

func TestPromoteRetire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMem()
	content := &fakeContent{}
	opt := NewOptimizer(st, content, logx.Nop())

	pol := DefaultPolicy()
	pol.MinViewsBeforeCounting = 1
	pol.MinPullsBeforePromote = 3
	pol.MinPullsBeforeRetire = 3
	pol.Promotion.MinImpressions = 300
	pol.Promotion.UpliftRatio = 0.1
	pol.Retirement.MaxUnderperform = 2

	seed := func(id string, pulls int, rewardEach float64) {
		ref := platform.ArmRef{Type: platform.ArmRecipe, ID: id}
		for i := 0; i < pulls; i++ {
			if _, err := opt.RecordPull(ctx, ref, 200, rewardEach, pol); err != nil {
				t.Fatalf("seed %s: %v", id, err)
			}
		}
	}
	seed("winner", 10, 0.9)
	seed("middle", 10, 0.5)
	seed("loser", 10, 0.0)

	rep, err := opt.PromoteRetire(ctx, pol)
	if err != nil {
		t.Fatalf("PromoteRetire error: %v", err)
	}
	if rep.Evaluated != 3 {
		t.Fatalf("Evaluated = %d, want 3", rep.Evaluated)
	}
	if len(rep.Promoted) != 1 || rep.Promoted[0].Ref.ID != "winner" {
		t.Fatalf("Promoted = %+v, want only winner", rep.Promoted)
	}
	// First pass only marks the loser as low; retirement needs two passes.
	if len(rep.Retired) != 0 {
		t.Fatalf("Retired on first pass = %+v, want none", rep.Retired)
	}

	rep, err = opt.PromoteRetire(ctx, pol)
	if err != nil {
		t.Fatalf("second PromoteRetire error: %v", err)
	}
	if len(rep.Retired) != 1 || rep.Retired[0].Ref.ID != "loser" {
		t.Fatalf("Retired = %+v, want only loser", rep.Retired)
	}
	if len(content.retired) != 1 || content.retired[0].ID != "loser" {
		t.Fatalf("content store retired = %+v", content.retired)
	}

	// Bandit history survives retirement.
	if _, ok, _ := st.GetArm(ctx, platform.ArmRef{Type: platform.ArmRecipe, ID: "loser"}); !ok {
		t.Fatal("retired arm must keep its statistics row")
	}
}

// fakeContent records status flips.
type fakeContent struct {
	mu       sync.Mutex
	promoted []platform.ArmRef
	retired  []platform.ArmRef
}

func (f *fakeContent) PromoteArm(_ context.Context, ref platform.ArmRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoted = append(f.promoted, ref)
	return nil
}

func (f *fakeContent) RetireArm(_ context.Context, ref platform.ArmRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retired = append(f.retired, ref)
	return nil
}

func (f *fakeContent) LiveVariantCount(context.Context, string) (int, error) { return 0, nil }
func (f *fakeContent) TestingVariantCount(context.Context) (int, error)      { return 0, nil }
func (f *fakeContent) RecipeNames(context.Context) ([]string, error)         { return nil, nil }
func (f *fakeContent) ReseedInspiration(context.Context) error               { return nil }
