// Package scheduler drives the control loop: a single recurring trigger
// (interval, daily windows, or cron) invoking the cycle runner. One
// service instance owns at most one live cron at a time; concurrent
// start requests are rejected rather than queued.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "reelpilot/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	cfg Config
	job Job
	log logx.Logger

	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron

	running  bool
	starting bool

	inFlight  atomic.Bool
	runWG     sync.WaitGroup
	runCtx    context.Context
	runCancel context.CancelFunc

	lastRunAt time.Time
	lastErr   string
}

func New(cfg Config, job Job, log logx.Logger) *Service {
	return &Service{
		cfg: cfg,
		job: job,
		log: log.With(logx.String("scheduler", cfg.Name)),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers the trigger and begins firing. It returns
// ErrStartInProgress if another Start is mid-flight and
// ErrAlreadyRunning if the service is already started; callers branch on
// the result instead of inspecting shared flags.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.starting {
		s.mu.Unlock()
		return ErrStartInProgress
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.starting = true
	cfg := s.cfg
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		return err
	}

	if cfg.Trigger == nil {
		return fail(fmt.Errorf("scheduler %s: no trigger configured", cfg.Name))
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return fail(fmt.Errorf("scheduler %s: %w", cfg.Name, err))
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if err := s.register(c, cfg.Trigger); err != nil {
		return fail(fmt.Errorf("scheduler %s: %w", cfg.Name, err))
	}

	s.mu.Lock()
	s.loc = loc
	s.c = c
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.running = true
	s.starting = false
	s.mu.Unlock()

	c.Start()
	s.log.Info("scheduler started",
		logx.String("mode", cfg.Trigger.Describe()),
		logx.String("tz", loc.String()))
	return nil
}

func (s *Service) register(c *cron.Cron, trig Trigger) error {
	switch t := trig.(type) {
	case TriggerInterval:
		c.Schedule(cron.Every(t.Every), cron.FuncJob(s.tick))
		return nil
	case TriggerWindows:
		for _, w := range t.Times {
			spec := fmt.Sprintf("%d %d * * *", w.Min, w.Hour)
			if _, err := c.AddFunc(spec, s.tick); err != nil {
				return fmt.Errorf("window %s: %w", w, err)
			}
		}
		return nil
	case TriggerCron:
		if _, err := c.AddFunc(t.Expr, s.tick); err != nil {
			return fmt.Errorf("cron %q: %w", t.Expr, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown trigger %T", trig)
	}
}

// tick runs one cycle. A panic in the job is contained here: it becomes
// lastError, never a process crash.
func (s *Service) tick() {
	s.mu.Lock()
	ctx := s.runCtx
	overlap := s.cfg.Overlap
	running := s.running
	s.mu.Unlock()
	if !running || ctx == nil {
		return
	}

	if overlap == OverlapSkipIfRunning {
		if !s.inFlight.CompareAndSwap(false, true) {
			s.log.Warn("tick skipped, previous cycle still running")
			return
		}
		defer s.inFlight.Store(false)
	}

	s.runWG.Add(1)
	defer s.runWG.Done()

	start := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("panic in cycle",
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
			}
		}()
		err = s.job(ctx)
	}()

	s.mu.Lock()
	s.lastRunAt = start
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("cycle finished with error", logx.Err(err), logx.Duration("took", time.Since(start)))
	} else {
		s.log.Debug("cycle finished", logx.Duration("took", time.Since(start)))
	}
}

// Stop cancels future triggers. An in-flight cycle always runs to
// completion; Stop waits for it best-effort until ctx expires. Stop is
// idempotent.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.running = false
	s.mu.Unlock()

	// cron.Stop halts new triggers; its context completes when jobs
	// started by cron have returned.
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped")
}

// Snapshot reports the current state and upcoming trigger times.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Name:      s.cfg.Name,
		Running:   s.running,
		LastRunAt: s.lastRunAt,
		LastError: s.lastErr,
	}
	if s.cfg.Trigger != nil {
		snap.Mode = s.cfg.Trigger.Describe()
	}
	if s.c != nil {
		for _, e := range s.c.Entries() {
			snap.Next = append(snap.Next, e.Next)
		}
	}
	return snap
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}
