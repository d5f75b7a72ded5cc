package config

import (
	"reflect"
	"sort"
	"strings"

	logx "reelpilot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging. Secrets (the platform access token)
// are only ever reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Autopilot != newCfg.Autopilot {
		changed = append(changed, "autopilot")
		attrs = append(attrs,
			logx.Bool("autopilot.enabled", newCfg.Autopilot.Enabled),
			logx.Int("autopilot.interval_hours", newCfg.Autopilot.IntervalHours),
		)
	}

	if oldCfg.Policy != newCfg.Policy {
		changed = append(changed, "policy")
		attrs = append(attrs,
			logx.Float64("policy.exploration_budget", newCfg.Policy.ExplorationBudget),
			logx.Float64("policy.prior_mean", newCfg.Policy.PriorMean),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
		attrs = append(attrs,
			logx.Int("pipeline.queue_target", newCfg.Pipeline.QueueTarget),
			logx.Int("pipeline.upload_limit", newCfg.Pipeline.UploadLimit),
			logx.Int("pipeline.windows", len(newCfg.Pipeline.PostWindows)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Mutation, newCfg.Mutation) {
		changed = append(changed, "mutation")
		attrs = append(attrs, logx.Bool("mutation.enabled", newCfg.Mutation.Enabled))
	}

	// Platform (never log the token value)
	if oldCfg.Platform.DryRun != newCfg.Platform.DryRun ||
		strings.TrimSpace(oldCfg.Platform.BaseURL) != strings.TrimSpace(newCfg.Platform.BaseURL) ||
		strings.TrimSpace(oldCfg.Platform.RenderDir) != strings.TrimSpace(newCfg.Platform.RenderDir) ||
		(strings.TrimSpace(oldCfg.Platform.AccessToken) != "") != (strings.TrimSpace(newCfg.Platform.AccessToken) != "") {
		changed = append(changed, "platform")
		attrs = append(attrs,
			logx.Bool("platform.dry_run", newCfg.Platform.DryRun),
			logx.Bool("platform.token_set", strings.TrimSpace(newCfg.Platform.AccessToken) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
