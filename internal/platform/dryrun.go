package platform

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Sim is an offline stand-in for every external collaborator. It gives
// the control loop a closed world with believable signal: each recipe
// carries a hidden quality and synthesized metrics are drawn around it,
// so the optimizer has something real to learn. Used with
// platform.dry_run; never in production wiring.
type Sim struct {
	mu  sync.Mutex
	rng *rand.Rand

	renderDir string

	// quality is the hidden per-recipe mean reward the metrics are
	// drawn around.
	quality map[string]float64
	live    map[string]bool
	testing int

	planSeq  int
	planArm  map[string]string // plan id -> recipe id
	videoArm map[string]string // video id -> recipe id

	// publishes counts polls per publish id; the second poll completes.
	publishes map[string]int
	videoSeq  int

	// views accumulates per video so metrics grow between refreshes.
	views map[string]int64

	reseeds int
}

func NewSim(seed int64, renderDir string) *Sim {
	s := &Sim{
		rng:       rand.New(rand.NewSource(seed)),
		renderDir: renderDir,
		quality: map[string]float64{
			"calm-walkthrough": 0.22,
			"fast-hook":        0.34,
			"question-open":    0.12,
			"trend-remix":      0.18,
		},
		live:      map[string]bool{},
		planArm:   map[string]string{},
		videoArm:  map[string]string{},
		publishes: map[string]int{},
		views:     map[string]int64{},
	}
	s.testing = len(s.quality)
	return s
}

// pickRecipe samples a recipe uniformly from the current pool.
func (s *Sim) pickRecipe() string {
	names := make([]string, 0, len(s.quality))
	for n := range s.quality {
		names = append(names, n)
	}
	if len(names) == 0 {
		return "fallback"
	}
	return names[s.rng.Intn(len(names))]
}

func (s *Sim) TopUp(_ context.Context, count int, _ time.Time) (TopUpResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res TopUpResult
	for i := 0; i < count; i++ {
		s.planSeq++
		id := fmt.Sprintf("sim-plan-%04d", s.planSeq)
		recipe := s.pickRecipe()
		s.planArm[id] = recipe
		res.Created = append(res.Created, PlanSeed{
			ID: id,
			ArmRefs: []ArmRef{
				{Type: ArmRecipe, ID: recipe},
				{Type: ArmCTA, ID: fmt.Sprintf("cta-%d", s.rng.Intn(3)+1)},
			},
			TargetDuration: 20 + float64(s.rng.Intn(21)),
		})
	}
	return res, nil
}

func (s *Sim) Render(_ context.Context, planID string) (string, error) {
	return filepath.Join(s.renderDir, planID+".mp4"), nil
}

func (s *Sim) CreatorInfo(context.Context) (CreatorInfo, error) {
	return CreatorInfo{
		Username:       "dryrun",
		FollowerCount:  1200,
		MaxVideoLength: 10 * time.Minute,
		PrivacyLevels:  []string{"SELF_ONLY", "PUBLIC_TO_EVERYONE"},
	}, nil
}

func (s *Sim) InitUpload(_ context.Context, _ PostInfo, renderPath string) (UploadTicket, error) {
	base := filepath.Base(renderPath)
	return UploadTicket{
		UploadURL: "sim://upload/" + base,
		PublishID: "sim-pub-" + base,
	}, nil
}

func (s *Sim) UploadVideo(context.Context, string, string) error { return nil }

func (s *Sim) GetPublishStatus(_ context.Context, publishID string) (PublishStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishes[publishID]++
	if s.publishes[publishID] < 2 {
		return PublishStatus{State: PublishProcessingUpload}, nil
	}
	s.videoSeq++
	vid := fmt.Sprintf("sim-vid-%04d", s.videoSeq)
	// sim-pub-<plan id>.mp4
	if plan, ok := strings.CutPrefix(publishID, "sim-pub-"); ok {
		plan = strings.TrimSuffix(plan, ".mp4")
		s.videoArm[vid] = s.planArm[plan]
	}
	return PublishStatus{State: PublishComplete, VideoID: vid}, nil
}

func (s *Sim) VideoList(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.videoArm))
	for vid := range s.videoArm {
		out = append(out, vid)
	}
	return out, nil
}

func (s *Sim) VideoMetrics(_ context.Context, ids []string) ([]VideoMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VideoMetrics, 0, len(ids))
	for _, id := range ids {
		q := s.quality[s.videoArm[id]]
		s.views[id] += 400 + int64(s.rng.Intn(1200))
		views := s.views[id]
		noise := (s.rng.Float64() - 0.5) * 0.1
		eng := q + noise
		if eng < 0 {
			eng = 0
		}
		out = append(out, VideoMetrics{
			VideoID:       id,
			Views:         views,
			Likes:         int64(float64(views) * eng * 0.2),
			Comments:      int64(float64(views) * eng * 0.02),
			Shares:        float64(views) * eng * 0.03,
			Saves:         float64(views) * eng * 0.05,
			AvgWatchTime:  60 * eng,
			ViewsAt2s:     float64(views) * (0.5 + eng),
			ViewsAt6s:     float64(views) * (0.2 + eng),
			FollowerDelta: int64(float64(views) * eng * 0.001),
		})
	}
	return out, nil
}

func (s *Sim) Mutate(_ context.Context, req MutateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent := s.quality[req.RecipeID]
	name := fmt.Sprintf("%s-v%d", req.RecipeID, s.rng.Intn(900)+100)
	// A mutation lands near its parent, occasionally better.
	s.quality[name] = clampQuality(parent + (s.rng.Float64()-0.4)*0.1)
	s.testing++
	return nil
}

func (s *Sim) CreateArchetype(context.Context, ArchetypeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := fmt.Sprintf("archetype-%d", s.rng.Intn(9000)+1000)
	s.quality[name] = clampQuality(0.1 + s.rng.Float64()*0.3)
	s.testing++
	return nil
}

func (s *Sim) PromoteArm(_ context.Context, ref ArmRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref.Type == ArmRecipe && !s.live[ref.ID] {
		s.live[ref.ID] = true
		if s.testing > 0 {
			s.testing--
		}
	}
	return nil
}

func (s *Sim) RetireArm(_ context.Context, ref ArmRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref.Type == ArmRecipe {
		delete(s.quality, ref.ID)
		delete(s.live, ref.ID)
		if s.testing > 0 {
			s.testing--
		}
	}
	return nil
}

func (s *Sim) LiveVariantCount(_ context.Context, recipeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for name := range s.quality {
		if s.live[name] && name != recipeID && strings.HasPrefix(name, recipeID) {
			n++
		}
	}
	return n, nil
}

func (s *Sim) TestingVariantCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.testing, nil
}

func (s *Sim) RecipeNames(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.quality))
	for n := range s.quality {
		out = append(out, n)
	}
	return out, nil
}

func (s *Sim) ReseedInspiration(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reseeds++
	return nil
}

func clampQuality(q float64) float64 {
	if q < 0.01 {
		return 0.01
	}
	if q > 0.95 {
		return 0.95
	}
	return q
}
