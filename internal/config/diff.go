package config

import (
	"reflect"
	"sort"
	"strings"

	logx "dagd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging, and (3) the dag ids whose overrides changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.SchedulerEnabled() != newCfg.SchedulerEnabled() ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		oldCfg.Scheduler.MaxActiveRuns != newCfg.Scheduler.MaxActiveRuns ||
		oldCfg.Scheduler.DispatchRatePerSec != newCfg.Scheduler.DispatchRatePerSec {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.SchedulerEnabled()),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.max_active_runs", newCfg.Scheduler.MaxActiveRuns),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		if te := newCfg.TaskEngine; te != nil {
			attrs = append(attrs,
				logx.Int("task_engine.workers", te.Workers),
				logx.Int("task_engine.queue_size", te.QueueSize),
				logx.Int("task_engine.retry_max", te.RetryMax),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if st := newCfg.Storage; st != nil {
			attrs = append(attrs, logx.String("storage.driver", st.Driver))
		}
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	var dags []string
	seen := map[string]struct{}{}
	for id := range oldCfg.Dags {
		seen[id] = struct{}{}
	}
	for id := range newCfg.Dags {
		seen[id] = struct{}{}
	}
	for id := range seen {
		if oldCfg.Paused(id) != newCfg.Paused(id) {
			dags = append(dags, id)
		}
	}
	if len(dags) > 0 {
		sort.Strings(dags)
		changed = append(changed, "dags")
		attrs = append(attrs, logx.String("dags.changed", strings.Join(dags, ",")))
	}

	return changed, attrs, dags
}
