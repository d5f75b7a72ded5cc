package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"reelpilot/internal/platform"
)

// fakePlanner creates sequentially numbered plans on demand.
type fakePlanner struct {
	mu      sync.Mutex
	seq     int
	refs    []platform.ArmRef
	failErr error
}

func (f *fakePlanner) TopUp(_ context.Context, count int, _ time.Time) (platform.TopUpResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return platform.TopUpResult{}, f.failErr
	}
	var res platform.TopUpResult
	for i := 0; i < count; i++ {
		f.seq++
		res.Created = append(res.Created, platform.PlanSeed{
			ID:             fmt.Sprintf("plan-%03d", f.seq),
			ArmRefs:        f.refs,
			TargetDuration: 30,
		})
	}
	return res, nil
}

// fakeRenderer fails the plan ids listed in fail.
type fakeRenderer struct {
	mu   sync.Mutex
	fail map[string]bool
	runs []string
}

func (f *fakeRenderer) Render(_ context.Context, planID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, planID)
	if f.fail[planID] {
		return "", fmt.Errorf("compose failed for %s", planID)
	}
	return "/renders/" + planID + ".mp4", nil
}

// fakePublisher scripts upload failures per plan render path and serves
// canned publish states and metrics.
type fakePublisher struct {
	mu sync.Mutex

	uploadErrs map[string]error // keyed by render path
	uploads    []string
	initCalls  int

	creatorInfo *platform.CreatorInfo
	creatorErr  error

	publishStates map[string]platform.PublishStatus // keyed by publish id
	metrics       []platform.VideoMetrics
	metricsErr    error
	metricsCalls  int
}

func (f *fakePublisher) CreatorInfo(context.Context) (platform.CreatorInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creatorErr != nil {
		return platform.CreatorInfo{}, f.creatorErr
	}
	if f.creatorInfo != nil {
		return *f.creatorInfo, nil
	}
	return platform.CreatorInfo{Username: "testuser"}, nil
}

func (f *fakePublisher) InitUpload(_ context.Context, _ platform.PostInfo, renderPath string) (platform.UploadTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return platform.UploadTicket{
		UploadURL: "https://upload.test/" + renderPath,
		PublishID: "pub-" + renderPath,
	}, nil
}

func (f *fakePublisher) UploadVideo(_ context.Context, _ string, renderPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.uploadErrs[renderPath]; err != nil {
		return err
	}
	f.uploads = append(f.uploads, renderPath)
	return nil
}

func (f *fakePublisher) GetPublishStatus(_ context.Context, publishID string) (platform.PublishStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.publishStates[publishID]; ok {
		return st, nil
	}
	return platform.PublishStatus{State: platform.PublishProcessingUpload}, nil
}

func (f *fakePublisher) VideoList(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.metrics))
	for _, m := range f.metrics {
		ids = append(ids, m.VideoID)
	}
	return ids, nil
}

func (f *fakePublisher) VideoMetrics(_ context.Context, _ []string) ([]platform.VideoMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metricsCalls++
	if f.metricsErr != nil {
		return nil, f.metricsErr
	}
	return f.metrics, nil
}

// fakeContent is a minimal content store.
type fakeContent struct {
	mu       sync.Mutex
	promoted []platform.ArmRef
	retired  []platform.ArmRef
	testing  int
	reseeds  int
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

func (f *fakeContent) TestingVariantCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.testing, nil
}

func (f *fakeContent) RecipeNames(context.Context) ([]string, error) { return nil, nil }

func (f *fakeContent) ReseedInspiration(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reseeds++
	return nil
}

// fakeMutator counts requests.
type fakeMutator struct {
	mu         sync.Mutex
	mutations  int
	archetypes int
}

func (f *fakeMutator) Mutate(context.Context, platform.MutateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	return nil
}

func (f *fakeMutator) CreateArchetype(context.Context, platform.ArchetypeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archetypes++
	return nil
}
