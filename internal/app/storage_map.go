package app

import (
	"fmt"
	"strings"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = config.DefaultQueuePath
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	case "memory":
		return storage.Config{Driver: driver}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
