package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"dagd/internal/config"
	"dagd/internal/observability/debugsrv"
	"dagd/internal/storage"
	"dagd/internal/task/engine"
	"dagd/internal/task/scheduler"
	logx "dagd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		// The engine follows the scheduler unless configured explicitly.
		Enabled:     true,
		Workers:     2,
		QueueSize:   256,
		HistorySize: 200,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	out.RetryMax = te.RetryMax

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	paused := map[string]bool{}
	for id, d := range cfg.Dags {
		if d.Paused {
			paused[id] = true
		}
	}
	return scheduler.Config{
		Enabled:            cfg.SchedulerEnabled(),
		Timezone:           cfg.Scheduler.Timezone,
		MaxActiveRuns:      cfg.Scheduler.MaxActiveRuns,
		DispatchRatePerSec: float64(cfg.Scheduler.DispatchRatePerSec),
		Paused:             paused,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

// mapDebugConfig validates and converts the debug section. It never starts
// the server.
func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	dc := cfg.Debug
	out := debugsrv.Config{
		Enabled:       dc.Enabled,
		AllowInsecure: dc.AllowInsecure,
		Token:         strings.TrimSpace(dc.Token),
		Addr:          strings.TrimSpace(dc.Addr),
		Prefix:        strings.TrimSpace(dc.Prefix),
	}
	if out.Addr == "" {
		out.Addr = debugsrv.DefaultAddr
	}
	if out.Prefix == "" {
		out.Prefix = debugsrv.DefaultPrefix
	}

	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// 0 disables the write timeout so /debug/pprof/profile can stream.
	if out.WriteTimeout, err = config.ParseDurationField("debug.write_timeout", dc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	if dc.MutexProfileFraction < 0 {
		return out, fmt.Errorf("debug.mutex_profile_fraction must be >= 0")
	}
	if dc.BlockProfileRate < 0 {
		return out, fmt.Errorf("debug.block_profile_rate must be >= 0")
	}
	out.MutexProfileFraction = dc.MutexProfileFraction
	out.BlockProfileRate = dc.BlockProfileRate

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("debug.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		if !out.AllowInsecure && out.Token == "" && !debugsrv.IsLoopbackAddr(out.Addr) {
			return out, fmt.Errorf("debug: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}
