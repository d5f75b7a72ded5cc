package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"reelpilot/internal/platform"
)

// memStore is an in-memory Store used by tests and dry runs. It mirrors
// the sqlite semantics (upsert keys, lazy arm creation) without the
// database.
type memStore struct {
	mu sync.Mutex

	arms    map[platform.ArmRef]*Arm
	metrics map[string]MetricRecord
	plans   map[string]*PlanRecord
	named   map[string]string

	optState  OptimizerState
	hasOpt    bool
	cooldown  time.Time
	hasCool   bool
	budget    float64
	hasBudget bool

	runs []RunEntry
}

// NewMem returns an empty in-memory store.
func NewMem() Store {
	return &memStore{
		arms:    map[platform.ArmRef]*Arm{},
		metrics: map[string]MetricRecord{},
		plans:   map[string]*PlanRecord{},
		named:   map[string]string{},
	}
}

func (m *memStore) Close() error { return nil }

func (m *memStore) RecordArmPull(_ context.Context, ref platform.ArmRef, impressions int64, reward float64, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.arms[ref]
	if !ok {
		a = &Arm{Type: ref.Type, ID: ref.ID}
		m.arms[ref] = a
	}
	a.Pulls++
	a.Impressions += impressions
	a.RewardSum += reward
	a.LastUsedAt = usedAt
	return nil
}

func (m *memStore) GetArm(_ context.Context, ref platform.ArmRef) (Arm, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.arms[ref]
	if !ok {
		return Arm{}, false, nil
	}
	return *a, true, nil
}

func (m *memStore) ListArms(_ context.Context, t platform.ArmType) ([]Arm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Arm
	for ref, a := range m.arms {
		if ref.Type == t {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) SetArmLowEvals(_ context.Context, ref platform.ArmRef, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.arms[ref]; ok {
		a.LowEvals = n
	}
	return nil
}

func (m *memStore) UpsertMetrics(_ context.Context, rec MetricRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CollectedAt.IsZero() {
		rec.CollectedAt = time.Now()
	}
	m.metrics[rec.ExternalVideoID] = rec
	return nil
}

func (m *memStore) RewardsSince(ctx context.Context, since time.Time, minViews int64) ([]float64, error) {
	return m.RewardsBetween(ctx, since, time.Now().Add(time.Second), minViews)
}

func (m *memStore) RewardsBetween(_ context.Context, from, to time.Time, minViews int64) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type sample struct {
		at time.Time
		r  float64
	}
	var picked []sample
	for _, rec := range m.metrics {
		if rec.Views < minViews {
			continue
		}
		if rec.CollectedAt.Before(from) || !rec.CollectedAt.Before(to) {
			continue
		}
		picked = append(picked, sample{rec.CollectedAt, rec.Reward})
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].at.Before(picked[j].at) })
	out := make([]float64, len(picked))
	for i, s := range picked {
		out[i] = s.r
	}
	return out, nil
}

func (m *memStore) CreatePlans(_ context.Context, plans []PlanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, p := range plans {
		if _, exists := m.plans[p.ID]; exists {
			continue
		}
		if p.Status == "" {
			p.Status = platform.PlanPlanned
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = p.CreatedAt
		cp := p
		m.plans[p.ID] = &cp
	}
	return nil
}

func (m *memStore) GetPlan(_ context.Context, id string) (PlanRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return PlanRecord{}, false, nil
	}
	return *p, true, nil
}

func (m *memStore) PlansByStatus(_ context.Context, statuses ...platform.PlanStatus) ([]PlanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[platform.PlanStatus]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	var out []PlanRecord
	for _, p := range m.plans {
		if want[p.Status] {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memStore) SetPlanStatus(_ context.Context, id string, st platform.PlanStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.plans[id]; ok {
		p.Status = st
		p.LastError = lastError
		p.UpdatedAt = time.Now()
	}
	return nil
}

func (m *memStore) SetPlanRender(_ context.Context, id, renderPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.plans[id]; ok {
		p.RenderPath = renderPath
		p.UpdatedAt = time.Now()
	}
	return nil
}

func (m *memStore) SetPlanUpload(_ context.Context, id, publishID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.plans[id]; ok {
		p.PublishID = publishID
		p.UpdatedAt = time.Now()
	}
	return nil
}

func (m *memStore) SetPlanVideo(_ context.Context, id, externalVideoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.plans[id]; ok {
		p.ExternalVideoID = externalVideoID
		p.UpdatedAt = time.Now()
	}
	return nil
}

func (m *memStore) CountPendingSince(_ context.Context, since time.Time, statuses ...platform.PlanStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[platform.PlanStatus]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	n := 0
	for _, p := range m.plans {
		if want[p.Status] && !p.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetOptimizerState(_ context.Context) (OptimizerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.optState, nil
}

func (m *memStore) PutOptimizerState(_ context.Context, st OptimizerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optState = st
	m.hasOpt = true
	return nil
}

func (m *memStore) GetCooldown(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cooldown, m.hasCool, nil
}

func (m *memStore) PutCooldown(_ context.Context, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldown = until
	m.hasCool = true
	return nil
}

func (m *memStore) GetExplorationBudget(_ context.Context) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget, m.hasBudget, nil
}

func (m *memStore) PutExplorationBudget(_ context.Context, v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budget = v
	m.hasBudget = true
	return nil
}

func (m *memStore) AppendRun(_ context.Context, e RunEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	m.runs = append(m.runs, e)
	return nil
}

func (m *memStore) LastRunOfType(_ context.Context, runType string) (RunEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].RunType == runType {
			return m.runs[i], true, nil
		}
	}
	return RunEntry{}, false, nil
}

func (m *memStore) RecentRuns(_ context.Context, limit int) ([]RunEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	n := len(m.runs)
	if n > limit {
		n = limit
	}
	out := make([]RunEntry, 0, n)
	for i := len(m.runs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.runs[i])
	}
	return out, nil
}
