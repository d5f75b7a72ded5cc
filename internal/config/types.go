package config

import (
	"fmt"
	"regexp"
	"strings"
)

var reWindow = regexp.MustCompile(`^\s*\d{1,2}:\d{2}\s*$`)

// Config is the full on-disk configuration. Decoding is strict
// (DisallowUnknownFields), so typos and removed keys fail at load time
// instead of being silently ignored.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "6h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Autopilot AutopilotConfig `json:"autopilot"`
	Policy    PolicyConfig    `json:"policy"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Mutation  MutationConfig  `json:"mutation,omitempty"`
	Platform  PlatformConfig  `json:"platform,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite persistence layer.
//
// Example:
//
//	"storage": { "path": "./reelpilot.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// RetainRuns bounds the run log; older entries are pruned
	// opportunistically. Default "720h" (30 days).
	RetainRuns string `json:"retain_runs,omitempty"`
}

// SchedulerConfig drives the posting scheduler. Exactly one of interval,
// windows or cron must be set; precedence between them is deliberately
// not resolved.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	Interval string   `json:"interval,omitempty"`
	Windows  []string `json:"windows,omitempty"`
	Cron     string   `json:"cron,omitempty"`

	// Timezone is an IANA zone name; empty means local.
	Timezone string `json:"timezone,omitempty"`
	// Overlap is "skip" (default) or "allow".
	Overlap string `json:"overlap,omitempty"`
}

// AutopilotConfig drives the adaptive cycle.
type AutopilotConfig struct {
	Enabled       bool `json:"enabled"`
	IntervalHours int  `json:"interval_hours,omitempty"` // default 6
}

// PolicyConfig holds the optimizer knobs. Zero values fall back to the
// built-in defaults at mapping time; Validate only rejects values that
// are out of range in any interpretation.
type PolicyConfig struct {
	PriorMean             float64         `json:"prior_mean,omitempty"`
	PriorWeight           float64         `json:"prior_weight,omitempty"`
	MinPullsBeforePromote int64           `json:"min_pulls_before_promote,omitempty"`
	MinPullsBeforeRetire  int64           `json:"min_pulls_before_retire,omitempty"`
	Promotion             PromotionConfig `json:"promotion,omitempty"`
	Retirement            RetireConfig    `json:"retirement,omitempty"`

	// ExplorationBudget is clamped to [0, 0.6] by Validate.
	ExplorationBudget float64 `json:"exploration_budget,omitempty"`

	PlateauDays            int   `json:"plateau_days,omitempty"`
	MinViewsBeforeCounting int64 `json:"min_views_before_counting,omitempty"`
}

type PromotionConfig struct {
	MinImpressions int64   `json:"min_impressions,omitempty"`
	UpliftRatio    float64 `json:"uplift_ratio,omitempty"`
}

type RetireConfig struct {
	MaxUnderperform int `json:"max_underperform,omitempty"`
}

// PipelineConfig tunes the per-cycle publishing pipeline.
type PipelineConfig struct {
	QueueTarget int `json:"queue_target,omitempty"` // default 3
	UploadLimit int `json:"upload_limit,omitempty"` // default 2

	// PostWindows are daily "HH:MM" posting slots.
	PostWindows []string `json:"post_windows,omitempty"`

	ReseedIntervalDays int `json:"reseed_interval_days,omitempty"`

	UploadRatePerMin int    `json:"upload_rate_per_min,omitempty"` // default 2
	PrivacyLevel     string `json:"privacy_level,omitempty"`       // default "SELF_ONLY"
}

// MutationConfig enables the mutation trigger engine and carries the
// template/intent/guardrail sets passed through to the external mutator.
type MutationConfig struct {
	Enabled        bool     `json:"enabled"`
	Templates      []string `json:"templates,omitempty"`
	AllowedIntents []string `json:"allowed_intents,omitempty"`
	Guardrails     []string `json:"guardrails,omitempty"`
}

// PlatformConfig selects the publisher backend. With DryRun set the app
// wires simulated collaborators and never touches the network.
type PlatformConfig struct {
	DryRun      bool   `json:"dry_run,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	RenderDir   string `json:"render_dir,omitempty"`
}

const explorationBudgetCap = 0.6

// Validate applies defaults and clamps in place and rejects values with
// no sensible interpretation. It is installed as the Manager validator
// so a bad edit never reaches a running app.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file: path required when enabled")
	}

	if !c.Platform.DryRun && strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path: required outside dry-run")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.retain_runs", c.Storage.RetainRuns); err != nil {
		return err
	}

	if c.Scheduler.Enabled {
		set := 0
		if strings.TrimSpace(c.Scheduler.Interval) != "" {
			set++
		}
		if len(c.Scheduler.Windows) > 0 {
			set++
		}
		if strings.TrimSpace(c.Scheduler.Cron) != "" {
			set++
		}
		if set == 0 {
			return fmt.Errorf("scheduler: set one of interval, windows, cron")
		}
		if set > 1 {
			return fmt.Errorf("scheduler: set exactly one of interval, windows, cron")
		}
		if _, err := ParseDurationField("scheduler.interval", c.Scheduler.Interval); err != nil {
			return err
		}
	}
	switch strings.TrimSpace(c.Scheduler.Overlap) {
	case "", "skip", "allow":
	default:
		return fmt.Errorf("scheduler.overlap: %q (use skip or allow)", c.Scheduler.Overlap)
	}

	if c.Autopilot.IntervalHours < 0 {
		return fmt.Errorf("autopilot.interval_hours: must be >= 0")
	}
	if c.Autopilot.IntervalHours == 0 {
		c.Autopilot.IntervalHours = 6
	}

	if c.Policy.ExplorationBudget < 0 {
		c.Policy.ExplorationBudget = 0
	}
	if c.Policy.ExplorationBudget > explorationBudgetCap {
		c.Policy.ExplorationBudget = explorationBudgetCap
	}
	if c.Policy.PriorMean < 0 || c.Policy.PriorMean > 1 {
		return fmt.Errorf("policy.prior_mean: must be in [0,1]")
	}

	if c.Pipeline.QueueTarget <= 0 {
		c.Pipeline.QueueTarget = 3
	}
	if c.Pipeline.UploadLimit <= 0 {
		c.Pipeline.UploadLimit = 2
	}
	if c.Pipeline.UploadRatePerMin <= 0 {
		c.Pipeline.UploadRatePerMin = 2
	}
	if strings.TrimSpace(c.Pipeline.PrivacyLevel) == "" {
		c.Pipeline.PrivacyLevel = "SELF_ONLY"
	}
	for _, w := range c.Pipeline.PostWindows {
		if !reWindow.MatchString(w) {
			return fmt.Errorf("pipeline.post_windows: invalid window %q (use HH:MM)", w)
		}
	}
	if c.Pipeline.ReseedIntervalDays < 0 {
		return fmt.Errorf("pipeline.reseed_interval_days: must be >= 0")
	}

	if !c.Platform.DryRun {
		if strings.TrimSpace(c.Platform.BaseURL) == "" {
			return fmt.Errorf("platform.base_url: required outside dry-run")
		}
		if strings.TrimSpace(c.Platform.AccessToken) == "" {
			return fmt.Errorf("platform.access_token: required outside dry-run")
		}
	}
	return nil
}
