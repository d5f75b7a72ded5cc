// Package app wires the whole loop together: config, logging, storage,
// platform collaborators, the cycle runner and its two schedulers.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"reelpilot/internal/bandit"
	"reelpilot/internal/config"
	"reelpilot/internal/cycle"
	"reelpilot/internal/eventbus"
	"reelpilot/internal/guardrail"
	"reelpilot/internal/mutation"
	"reelpilot/internal/platform"
	"reelpilot/internal/scheduler"
	"reelpilot/internal/storage"
	logx "reelpilot/pkg/logx"
)

// Collaborators are the external systems the loop drives. Leave nil with
// platform.dry_run set and the app builds an offline simulator.
type Collaborators struct {
	Planner   platform.Planner
	Renderer  platform.Renderer
	Publisher platform.Publisher
	Mutator   platform.Mutator
	Content   platform.ContentStore
}

func (c Collaborators) complete() bool {
	return c.Planner != nil && c.Renderer != nil && c.Publisher != nil &&
		c.Mutator != nil && c.Content != nil
}

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store  storage.Store
	bus    eventbus.Bus
	guard  *guardrail.Controller
	runner *cycle.Runner

	posting   *scheduler.Service
	autopilot *scheduler.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
	started  bool
}

// Status is the operator-facing snapshot.
type Status struct {
	Posting     scheduler.Snapshot
	Autopilot   scheduler.Snapshot
	LastSummary cycle.Summary
}

func New(cfgPath string, col Collaborators) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	store, err := openStore(cfg, logSvc.Logger())
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	if !col.complete() {
		if !cfg.Platform.DryRun {
			store.Close()
			logSvc.Close()
			return nil, errors.New("platform collaborators required outside dry-run")
		}
		sim := platform.NewSim(time.Now().UnixNano(), cfg.Platform.RenderDir)
		col = Collaborators{
			Planner: sim, Renderer: sim, Publisher: sim, Mutator: sim, Content: sim,
		}
		log.Info("dry-run mode: simulated platform wired")
	}

	bus := eventbus.New()
	guard := guardrail.New(store, logSvc.Logger().With(logx.String("comp", "guardrail")))
	opt := bandit.NewOptimizer(store, col.Content, logSvc.Logger().With(logx.String("comp", "bandit")))
	eng := mutation.NewEngine(store, col.Content, col.Mutator, mutation.Defaults{
		Templates:      cfg.Mutation.Templates,
		AllowedIntents: cfg.Mutation.AllowedIntents,
		Guardrails:     cfg.Mutation.Guardrails,
	}, logSvc.Logger().With(logx.String("comp", "mutation")))

	runnerCfg, err := pipelineConfig(cfg)
	if err != nil {
		store.Close()
		logSvc.Close()
		return nil, err
	}
	runner := cycle.NewRunner(runnerCfg, policyFromConfig(cfg.Policy), cycle.Deps{
		Store:     store,
		Guard:     guard,
		Planner:   col.Planner,
		Renderer:  col.Renderer,
		Publisher: col.Publisher,
		Content:   col.Content,
		Optimizer: opt,
		Engine:    eng,
		Bus:       bus,
		Log:       logSvc.Logger().With(logx.String("comp", "cycle")),
	})

	a := &App{
		cfgm:   cfgm,
		logs:   logSvc,
		log:    log,
		store:  store,
		bus:    bus,
		guard:  guard,
		runner: runner,
	}

	if cfg.Scheduler.Enabled {
		trig, err := postingTrigger(cfg.Scheduler)
		if err != nil {
			store.Close()
			logSvc.Close()
			return nil, err
		}
		a.posting = scheduler.New(scheduler.Config{
			Name:     "posting",
			Trigger:  trig,
			Timezone: cfg.Scheduler.Timezone,
			Overlap:  overlapPolicy(cfg.Scheduler.Overlap),
		}, runner.RunScheduled, logSvc.Logger().With(logx.String("comp", "scheduler")))
	}
	if cfg.Autopilot.Enabled {
		a.autopilot = scheduler.New(scheduler.Config{
			Name:     "autopilot",
			Trigger:  scheduler.TriggerInterval{Every: time.Duration(cfg.Autopilot.IntervalHours) * time.Hour},
			Timezone: cfg.Scheduler.Timezone,
		}, runner.RunAutopilot, logSvc.Logger().With(logx.String("comp", "scheduler")))
	}

	return a, nil
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		// Validate only allows this in dry-run.
		return storage.NewMem(), nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	retain, err := config.ParseDurationField("storage.retain_runs", cfg.Storage.RetainRuns)
	if err != nil {
		return nil, err
	}
	return storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
		RetainRuns:  retain,
	}, log.With(logx.String("comp", "storage")))
}

func postingTrigger(sc config.SchedulerConfig) (scheduler.Trigger, error) {
	interval, err := config.ParseDurationField("scheduler.interval", sc.Interval)
	if err != nil {
		return nil, err
	}
	return scheduler.ParseTrigger(scheduler.Spec{
		Interval: interval,
		Windows:  sc.Windows,
		Cron:     sc.Cron,
	})
}

func overlapPolicy(s string) scheduler.OverlapPolicy {
	if strings.TrimSpace(s) == "allow" {
		return scheduler.OverlapAllow
	}
	return scheduler.OverlapSkipIfRunning
}

// policyFromConfig starts from the built-in defaults and overrides every
// knob the config sets.
func policyFromConfig(pc config.PolicyConfig) bandit.Policy {
	pol := bandit.DefaultPolicy()
	if pc.PriorMean > 0 {
		pol.PriorMean = pc.PriorMean
	}
	if pc.PriorWeight > 0 {
		pol.PriorWeight = pc.PriorWeight
	}
	if pc.MinPullsBeforePromote > 0 {
		pol.MinPullsBeforePromote = pc.MinPullsBeforePromote
	}
	if pc.MinPullsBeforeRetire > 0 {
		pol.MinPullsBeforeRetire = pc.MinPullsBeforeRetire
	}
	if pc.Promotion.MinImpressions > 0 {
		pol.Promotion.MinImpressions = pc.Promotion.MinImpressions
	}
	if pc.Promotion.UpliftRatio > 0 {
		pol.Promotion.UpliftRatio = pc.Promotion.UpliftRatio
	}
	if pc.Retirement.MaxUnderperform > 0 {
		pol.Retirement.MaxUnderperform = pc.Retirement.MaxUnderperform
	}
	if pc.ExplorationBudget > 0 {
		pol.ExplorationBudget = pc.ExplorationBudget
	}
	if pc.PlateauDays > 0 {
		pol.PlateauDays = pc.PlateauDays
	}
	if pc.MinViewsBeforeCounting > 0 {
		pol.MinViewsBeforeCounting = pc.MinViewsBeforeCounting
	}
	return pol
}

func pipelineConfig(cfg *config.Config) (cycle.Config, error) {
	windows := make([]cycle.PostWindow, 0, len(cfg.Pipeline.PostWindows))
	for _, raw := range cfg.Pipeline.PostWindows {
		w, err := scheduler.ParseHHMM(raw)
		if err != nil {
			return cycle.Config{}, fmt.Errorf("pipeline.post_windows: %w", err)
		}
		windows = append(windows, cycle.PostWindow{Hour: w.Hour, Min: w.Min})
	}
	return cycle.Config{
		QueueTarget:      cfg.Pipeline.QueueTarget,
		UploadLimit:      cfg.Pipeline.UploadLimit,
		PostWindows:      windows,
		ReseedInterval:   time.Duration(cfg.Pipeline.ReseedIntervalDays) * 24 * time.Hour,
		MutationEnabled:  cfg.Mutation.Enabled,
		UploadRatePerMin: cfg.Pipeline.UploadRatePerMin,
		PrivacyLevel:     cfg.Pipeline.PrivacyLevel,
	}, nil
}

// Start brings up the schedulers and the config watcher. It returns
// after everything is running; cycles then fire on their triggers.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return errors.New("app already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		if cfg.Scheduler.Enabled {
			if _, err := postingTrigger(cfg.Scheduler); err != nil {
				return err
			}
		}
		if _, err := pipelineConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if a.posting != nil {
		if err := a.posting.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("posting scheduler: %w", err)
		}
	}
	if a.autopilot != nil {
		if err := a.autopilot.Start(ctx); err != nil {
			if a.posting != nil {
				a.posting.Stop(ctx)
			}
			cancel()
			return fmt.Errorf("autopilot scheduler: %w", err)
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.started = true
	a.log.Info("started",
		logx.Bool("posting", a.posting != nil),
		logx.Bool("autopilot", a.autopilot != nil))
	return nil
}

// reloadLoop applies committed config updates between cycles: logging
// sinks, optimizer policy and pipeline tuning. Scheduler trigger changes
// need a restart and are only reported.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}

			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				continue
			}
			a.log.Info("config change applied",
				append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			lastApplied = newCfg

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
			a.runner.ApplyPolicy(policyFromConfig(newCfg.Policy))
			if rc, err := pipelineConfig(newCfg); err == nil {
				a.runner.ApplyConfig(rc)
			}
			for _, s := range sections {
				if s == "scheduler" || s == "autopilot" || s == "storage" || s == "platform" {
					a.log.Warn("section change requires restart", logx.String("section", s))
				}
			}
		}
	}
}

// Stop shuts everything down in reverse start order. Idempotent.
func (a *App) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("stopping")
		if a.autopilot != nil {
			a.autopilot.Stop(ctx)
		}
		if a.posting != nil {
			a.posting.Stop(ctx)
		}
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
		if cerr := a.store.Close(); cerr != nil {
			err = fmt.Errorf("closing storage: %w", cerr)
		}
		a.logs.Close()
	})
	return err
}

// Bus exposes the event stream for observers.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Status reports scheduler state and the last cycle outcome.
func (a *App) Status() Status {
	st := Status{LastSummary: a.runner.LastSummary()}
	if a.posting != nil {
		st.Posting = a.posting.Snapshot()
	}
	if a.autopilot != nil {
		st.Autopilot = a.autopilot.Snapshot()
	}
	return st
}
