package app

import (
	"strings"

	"jobsched/internal/config"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{PoolSize: cfg.Scheduler.PoolSize}
}

func mapDispatcherConfig(cfg *config.Config) (engine.Config, error) {
	dc := cfg.Dispatcher
	policy, err := engine.ParseRetryPolicy(dc.RetryPolicy)
	if err != nil {
		return engine.Config{}, err
	}
	base, err := config.ParseDurationField("dispatcher.retry_base", dc.RetryBase)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("dispatcher.retry_max_delay", dc.RetryMaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		RetryPolicy:   policy,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RetryJitter:   dc.RetryJitter,
		HistorySize:   dc.HistorySize,
	}, nil
}

func triggerSpec(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Scheduler.Trigger); s != "" {
		return s
	}
	return config.DefaultTrigger
}
