package config

import (
	"sort"
	"strings"

	logx "jobsched/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and structured attrs
// describing their new values, for a single reload log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
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
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	prev, ns := oldCfg.Scheduler, newCfg.Scheduler
	if prev.PoolSize != ns.PoolSize ||
		strings.TrimSpace(prev.Trigger) != strings.TrimSpace(ns.Trigger) ||
		strings.TrimSpace(prev.Timezone) != strings.TrimSpace(ns.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.pool_size", ns.PoolSize),
			logx.String("scheduler.trigger", strings.TrimSpace(ns.Trigger)),
			logx.String("scheduler.timezone", strings.TrimSpace(ns.Timezone)),
		)
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		nd := newCfg.Dispatcher
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.String("dispatcher.retry_policy", nd.RetryPolicy),
			logx.String("dispatcher.retry_base", nd.RetryBase),
			logx.Int("dispatcher.history_size", nd.HistorySize),
		)
	}

	if derefStorage(oldCfg.Storage) != derefStorage(newCfg.Storage) {
		st := derefStorage(newCfg.Storage)
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(st.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(st.Path) != ""),
		)
	}

	if oldCfg.Demo != newCfg.Demo {
		changed = append(changed, "demo")
		attrs = append(attrs, logx.String("demo.work_dir", newCfg.Demo.WorkDir))
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
