package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"reelpilot/internal/platform"
	logx "reelpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Names of singleton records in named_records.
const (
	recOptimizerState    = "optimizer_state"
	recCooldownUntil     = "cooldown_until"
	recExplorationBudget = "exploration_budget"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retainRuns time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	retain := cfg.RetainRuns
	if retain <= 0 {
		retain = 30 * 24 * time.Hour
	}
	st := &sqliteStore{db: db, log: log, retainRuns: retain, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Arm statistics ----

func (s *sqliteStore) RecordArmPull(ctx context.Context, ref platform.ArmRef, impressions int64, reward float64, usedAt time.Time) error {
	// Single-statement increment; no read-modify-write window.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO arms(arm_type, arm_id, pulls, impressions, reward_sum, low_evals, last_used_at)
		 VALUES(?,?,1,?,?,0,?)
		 ON CONFLICT(arm_type, arm_id) DO UPDATE SET
		   pulls = pulls + 1,
		   impressions = impressions + excluded.impressions,
		   reward_sum = reward_sum + excluded.reward_sum,
		   last_used_at = excluded.last_used_at`,
		string(ref.Type), ref.ID, impressions, reward, usedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetArm(ctx context.Context, ref platform.ArmRef) (Arm, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT arm_type, arm_id, pulls, impressions, reward_sum, low_evals, last_used_at
		 FROM arms WHERE arm_type = ? AND arm_id = ?`,
		string(ref.Type), ref.ID,
	)
	a, err := scanArm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Arm{}, false, nil
	}
	if err != nil {
		return Arm{}, false, err
	}
	return a, true, nil
}

func (s *sqliteStore) ListArms(ctx context.Context, t platform.ArmType) ([]Arm, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT arm_type, arm_id, pulls, impressions, reward_sum, low_evals, last_used_at
		 FROM arms WHERE arm_type = ? ORDER BY arm_id`,
		string(t),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Arm
	for rows.Next() {
		a, err := scanArm(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetArmLowEvals(ctx context.Context, ref platform.ArmRef, n int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE arms SET low_evals = ? WHERE arm_type = ? AND arm_id = ?`,
		n, string(ref.Type), ref.ID,
	)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanArm(r rowScanner) (Arm, error) {
	var a Arm
	var typ string
	var usedMS int64
	if err := r.Scan(&typ, &a.ID, &a.Pulls, &a.Impressions, &a.RewardSum, &a.LowEvals, &usedMS); err != nil {
		return Arm{}, err
	}
	a.Type = platform.ArmType(typ)
	if usedMS > 0 {
		a.LastUsedAt = time.UnixMilli(usedMS)
	}
	return a, nil
}

// ---- Metric records ----

func (s *sqliteStore) UpsertMetrics(ctx context.Context, m MetricRecord) error {
	if m.CollectedAt.IsZero() {
		m.CollectedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics(external_video_id, plan_id, views, likes, comments, shares, saves,
		   follower_delta, reward, retention, view2_rate, view6_rate, save_rate, share_rate, collected_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(external_video_id) DO UPDATE SET
		   plan_id = excluded.plan_id,
		   views = excluded.views,
		   likes = excluded.likes,
		   comments = excluded.comments,
		   shares = excluded.shares,
		   saves = excluded.saves,
		   follower_delta = excluded.follower_delta,
		   reward = excluded.reward,
		   retention = excluded.retention,
		   view2_rate = excluded.view2_rate,
		   view6_rate = excluded.view6_rate,
		   save_rate = excluded.save_rate,
		   share_rate = excluded.share_rate,
		   collected_at = excluded.collected_at`,
		m.ExternalVideoID, m.PlanID, m.Views, m.Likes, m.Comments, m.Shares, m.Saves,
		m.FollowerDelta, m.Reward, m.Retention, m.View2Rate, m.View6Rate, m.SaveRate, m.ShareRate,
		m.CollectedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) RewardsSince(ctx context.Context, since time.Time, minViews int64) ([]float64, error) {
	return s.rewards(ctx, since.UnixMilli(), time.Now().UnixMilli()+1, minViews)
}

func (s *sqliteStore) RewardsBetween(ctx context.Context, from, to time.Time, minViews int64) ([]float64, error) {
	return s.rewards(ctx, from.UnixMilli(), to.UnixMilli(), minViews)
}

func (s *sqliteStore) rewards(ctx context.Context, fromMS, toMS, minViews int64) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reward FROM metrics
		 WHERE collected_at >= ? AND collected_at < ? AND views >= ?
		 ORDER BY collected_at`,
		fromMS, toMS, minViews,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var r float64
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- Plan mirror ----

func (s *sqliteStore) CreatePlans(ctx context.Context, plans []PlanRecord) error {
	if len(plans) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for _, p := range plans {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		refs, err := json.Marshal(p.ArmRefs)
		if err != nil {
			return err
		}
		if p.Status == "" {
			p.Status = platform.PlanPlanned
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO plans(id, status, arm_refs, target_duration, render_path, publish_id,
			   external_video_id, scheduled_for, created_at, updated_at, last_error)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO NOTHING`,
			p.ID, string(p.Status), string(refs), p.TargetDuration,
			nullStr(p.RenderPath), nullStr(p.PublishID), nullStr(p.ExternalVideoID),
			msOrZero(p.ScheduledFor), p.CreatedAt.UnixMilli(), p.CreatedAt.UnixMilli(), nullStr(p.LastError),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetPlan(ctx context.Context, id string) (PlanRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, planSelect+` WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PlanRecord{}, false, nil
	}
	if err != nil {
		return PlanRecord{}, false, err
	}
	return p, true, nil
}

func (s *sqliteStore) PlansByStatus(ctx context.Context, statuses ...platform.PlanStatus) ([]PlanRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	ph := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		ph[i] = "?"
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		planSelect+` WHERE status IN (`+strings.Join(ph, ",")+`) ORDER BY created_at`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlanRecord
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetPlanStatus(ctx context.Context, id string, st platform.PlanStatus, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE plans SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(st), nullStr(lastError), time.Now().UnixMilli(), id,
	)
	return err
}

func (s *sqliteStore) SetPlanRender(ctx context.Context, id, renderPath string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE plans SET render_path = ?, updated_at = ? WHERE id = ?`,
		nullStr(renderPath), time.Now().UnixMilli(), id,
	)
	return err
}

func (s *sqliteStore) SetPlanUpload(ctx context.Context, id, publishID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE plans SET publish_id = ?, updated_at = ? WHERE id = ?`,
		nullStr(publishID), time.Now().UnixMilli(), id,
	)
	return err
}

func (s *sqliteStore) SetPlanVideo(ctx context.Context, id, externalVideoID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE plans SET external_video_id = ?, updated_at = ? WHERE id = ?`,
		nullStr(externalVideoID), time.Now().UnixMilli(), id,
	)
	return err
}

func (s *sqliteStore) CountPendingSince(ctx context.Context, since time.Time, statuses ...platform.PlanStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	ph := make([]string, len(statuses))
	args := []any{since.UnixMilli()}
	for i, st := range statuses {
		ph[i] = "?"
		args = append(args, string(st))
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM plans WHERE created_at >= ? AND status IN (`+strings.Join(ph, ",")+`)`,
		args...,
	).Scan(&n)
	return n, err
}

const planSelect = `SELECT id, status, arm_refs, target_duration,
  COALESCE(render_path,''), COALESCE(publish_id,''), COALESCE(external_video_id,''),
  scheduled_for, created_at, updated_at, COALESCE(last_error,'') FROM plans`

func scanPlan(r rowScanner) (PlanRecord, error) {
	var p PlanRecord
	var status, refs string
	var schedMS, createdMS, updatedMS int64
	if err := r.Scan(&p.ID, &status, &refs, &p.TargetDuration,
		&p.RenderPath, &p.PublishID, &p.ExternalVideoID,
		&schedMS, &createdMS, &updatedMS, &p.LastError); err != nil {
		return PlanRecord{}, err
	}
	p.Status = platform.PlanStatus(status)
	if err := json.Unmarshal([]byte(refs), &p.ArmRefs); err != nil {
		return PlanRecord{}, fmt.Errorf("plan %s: bad arm_refs: %w", p.ID, err)
	}
	if schedMS > 0 {
		p.ScheduledFor = time.UnixMilli(schedMS)
	}
	p.CreatedAt = time.UnixMilli(createdMS)
	p.UpdatedAt = time.UnixMilli(updatedMS)
	return p, nil
}

// ---- Named singleton records ----

func (s *sqliteStore) getNamed(ctx context.Context, name string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM named_records WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) putNamed(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO named_records(name, value) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		name, value,
	)
	return err
}

func (s *sqliteStore) GetOptimizerState(ctx context.Context) (OptimizerState, error) {
	v, ok, err := s.getNamed(ctx, recOptimizerState)
	if err != nil || !ok {
		return OptimizerState{}, err
	}
	var st OptimizerState
	if err := json.Unmarshal([]byte(v), &st); err != nil {
		return OptimizerState{}, fmt.Errorf("optimizer state: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) PutOptimizerState(ctx context.Context, st OptimizerState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.putNamed(ctx, recOptimizerState, string(b))
}

func (s *sqliteStore) GetCooldown(ctx context.Context) (time.Time, bool, error) {
	v, ok, err := s.getNamed(ctx, recCooldownUntil)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cooldown record: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) PutCooldown(ctx context.Context, until time.Time) error {
	return s.putNamed(ctx, recCooldownUntil, strconv.FormatInt(until.UnixMilli(), 10))
}

func (s *sqliteStore) GetExplorationBudget(ctx context.Context) (float64, bool, error) {
	v, ok, err := s.getNamed(ctx, recExplorationBudget)
	if err != nil || !ok {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("exploration budget record: %w", err)
	}
	return f, true, nil
}

func (s *sqliteStore) PutExplorationBudget(ctx context.Context, v float64) error {
	return s.putNamed(ctx, recExplorationBudget, strconv.FormatFloat(v, 'f', -1, 64))
}

// ---- Run log ----

func (s *sqliteStore) AppendRun(ctx context.Context, e RunEntry) error {
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, run_type, status, started_at, finished_at, err, detail)
		 VALUES(?,?,?,?,?,?,?)`,
		e.ID, e.RunType, e.Status, e.StartedAt.UnixMilli(), msOrZero(e.FinishedAt),
		nullStr(e.Error), nullStr(e.Detail),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_ = s.pruneRuns(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) LastRunOfType(ctx context.Context, runType string) (RunEntry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		runSelect+` WHERE run_type = ? ORDER BY started_at DESC LIMIT 1`, runType)
	e, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunEntry{}, false, nil
	}
	if err != nil {
		return RunEntry{}, false, err
	}
	return e, true, nil
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, runSelect+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunEntry
	for rows.Next() {
		e, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const runSelect = `SELECT id, run_type, status, started_at, finished_at,
  COALESCE(err,''), COALESCE(detail,'') FROM runs`

func scanRun(r rowScanner) (RunEntry, error) {
	var e RunEntry
	var startMS, finMS int64
	if err := r.Scan(&e.ID, &e.RunType, &e.Status, &startMS, &finMS, &e.Error, &e.Detail); err != nil {
		return RunEntry{}, err
	}
	e.StartedAt = time.UnixMilli(startMS)
	if finMS > 0 {
		e.FinishedAt = time.UnixMilli(finMS)
	}
	return e, nil
}

func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retainRuns).UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
