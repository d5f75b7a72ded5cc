package scheduler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrAlreadyRunning  = errors.New("scheduler already running")
	ErrStartInProgress = errors.New("scheduler start already in progress")
)

// OverlapPolicy decides what happens when a trigger fires while a cycle
// is still executing.
type OverlapPolicy int

const (
	// OverlapSkipIfRunning drops the tick; the safer default.
	OverlapSkipIfRunning OverlapPolicy = iota
	// OverlapAllow runs cycles concurrently. Snapshotted guardrail state
	// can then double-spend the upload budget; kept only as an escape
	// hatch.
	OverlapAllow
)

// Trigger is the exhaustive schedule variant: exactly one of a fixed
// interval, a list of daily windows, or a cron expression.
type Trigger interface {
	isTrigger()
	// Describe is the human form used in logs and snapshots.
	Describe() string
}

// TriggerInterval fires every Every. Intervals below MinInterval are
// clamped at parse time.
type TriggerInterval struct {
	Every time.Duration
}

// TriggerWindows fires once per listed daily window.
type TriggerWindows struct {
	Times []HHMM
}

// TriggerCron fires on a cron expression.
type TriggerCron struct {
	Expr string
}

func (TriggerInterval) isTrigger() {}
func (TriggerWindows) isTrigger()  {}
func (TriggerCron) isTrigger()     {}

func (t TriggerInterval) Describe() string { return "every " + t.Every.String() }

func (t TriggerWindows) Describe() string {
	parts := make([]string, len(t.Times))
	for i, w := range t.Times {
		parts[i] = w.String()
	}
	return "daily at " + strings.Join(parts, ",")
}

func (t TriggerCron) Describe() string { return "cron " + t.Expr }

// MinInterval is the floor for interval triggers.
const MinInterval = 5 * time.Minute

// HHMM is a time-of-day window.
type HHMM struct {
	Hour int
	Min  int
}

func (w HHMM) String() string { return fmt.Sprintf("%02d:%02d", w.Hour, w.Min) }

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseHHMM parses a "HH:MM" daily window.
func ParseHHMM(s string) (HHMM, error) {
	m := reHHMM.FindStringSubmatch(s)
	if len(m) != 3 {
		return HHMM{}, fmt.Errorf("invalid window %q (use HH:MM)", s)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if hh > 23 {
		return HHMM{}, fmt.Errorf("invalid hour in %q", s)
	}
	if mm > 59 {
		return HHMM{}, fmt.Errorf("invalid minutes in %q", s)
	}
	return HHMM{Hour: hh, Min: mm}, nil
}

// Spec is the raw schedule configuration before parsing. Exactly one
// field must be set.
type Spec struct {
	Interval time.Duration
	Windows  []string
	Cron     string
}

// ParseTrigger maps a Spec to its tagged Trigger. Ambiguous or empty
// specs are rejected rather than resolved by precedence.
func ParseTrigger(spec Spec) (Trigger, error) {
	set := 0
	if spec.Interval > 0 {
		set++
	}
	if len(spec.Windows) > 0 {
		set++
	}
	if strings.TrimSpace(spec.Cron) != "" {
		set++
	}
	if set == 0 {
		return nil, errors.New("schedule required: set interval, windows or cron")
	}
	if set > 1 {
		return nil, errors.New("ambiguous schedule: set exactly one of interval, windows, cron")
	}

	switch {
	case spec.Interval > 0:
		every := spec.Interval
		if every < MinInterval {
			every = MinInterval
		}
		return TriggerInterval{Every: every}, nil
	case len(spec.Windows) > 0:
		times := make([]HHMM, 0, len(spec.Windows))
		seen := map[HHMM]bool{}
		for _, raw := range spec.Windows {
			w, err := ParseHHMM(raw)
			if err != nil {
				return nil, err
			}
			if seen[w] {
				continue
			}
			seen[w] = true
			times = append(times, w)
		}
		return TriggerWindows{Times: times}, nil
	default:
		return TriggerCron{Expr: strings.TrimSpace(spec.Cron)}, nil
	}
}

// Config controls one scheduler service instance.
type Config struct {
	// Name labels the scheduler in logs and run entries, e.g.
	// "autopilot" or "posting".
	Name     string
	Trigger  Trigger
	Timezone string // IANA TZ; empty means local
	Overlap  OverlapPolicy
}

// Snapshot is the observable scheduler state.
type Snapshot struct {
	Name      string
	Running   bool
	Mode      string
	Next      []time.Time
	LastRunAt time.Time
	LastError string
}

// Job is one scheduled cycle execution.
type Job func(ctx context.Context) error
