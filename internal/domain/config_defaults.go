package domain

import (
	"log/slog"
	"time"
)

func DefaultConfig() *Config {
	return &Config{
		DataDir:       "./data",
		Logger:        slog.Default(),
		Engine:        DefaultEngineConfig(),
		Sandbox:       DefaultSandboxConfig(),
		Replay:        DefaultReplayConfig(),
		Observability: DefaultObservabilityConfig(),
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxRecoveryAttempts:     3,
		RetryDelay:              1 * time.Second,
		MaxConcurrentNodes:      4,
		MaxExecutionTime:        5 * time.Minute,
		EnableCheckpoints:       true,
		ValidateBeforeExecution: true,
		EnableMetrics:           true,
		ArchiveRetention:        24 * time.Hour,
	}
}

func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Timeout:       50 * time.Millisecond,
		MaxIterations: 10_000,
		MaxStringLen:  1 << 20,
		MaxArrayLen:   100_000,
		MaxDepth:      32,
	}
}

func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		CacheEnabled:  true,
		CacheMaxCost:  64 << 20,
		CacheCounters: 100_000,
	}
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:      false,
		Port:         9090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		Priority:      0,
		Concurrency:   1,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
		MaxWaiting:    1024,
	}
}
