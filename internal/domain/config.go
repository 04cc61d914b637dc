package domain

import (
	"fmt"
	"log/slog"
	"time"
)

type Config struct {
	DataDir string       `json:"data_dir" yaml:"data_dir"`
	Logger  *slog.Logger `json:"-" yaml:"-"`

	Engine        EngineConfig        `json:"engine" yaml:"engine"`
	Sandbox       SandboxConfig       `json:"sandbox" yaml:"sandbox"`
	Replay        ReplayConfig        `json:"replay" yaml:"replay"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

type EngineConfig struct {
	// MaxRecoveryAttempts bounds per-node retries of retryable failures
	// inside one job attempt. Queue-level job retries stack on top of
	// this independently.
	MaxRecoveryAttempts int           `json:"max_recovery_attempts" yaml:"max_recovery_attempts"`
	RetryDelay          time.Duration `json:"retry_delay" yaml:"retry_delay"`
	MaxConcurrentNodes  int           `json:"max_concurrent_nodes" yaml:"max_concurrent_nodes"`
	MaxExecutionTime    time.Duration `json:"max_execution_time" yaml:"max_execution_time"`

	EnableCheckpoints       bool `json:"enable_checkpoints" yaml:"enable_checkpoints"`
	ValidateBeforeExecution bool `json:"validate_before_execution" yaml:"validate_before_execution"`
	EnableMetrics           bool `json:"enable_metrics" yaml:"enable_metrics"`

	// ArchiveRetention is how long terminal executions and their
	// checkpoints stay readable before storage expiry reclaims them.
	ArchiveRetention time.Duration `json:"archive_retention" yaml:"archive_retention"`
}

type SandboxConfig struct {
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	MaxIterations int           `json:"max_iterations" yaml:"max_iterations"`
	MaxStringLen  int           `json:"max_string_len" yaml:"max_string_len"`
	MaxArrayLen   int           `json:"max_array_len" yaml:"max_array_len"`
	MaxDepth      int           `json:"max_depth" yaml:"max_depth"`
}

type ReplayConfig struct {
	CacheEnabled  bool  `json:"cache_enabled" yaml:"cache_enabled"`
	CacheMaxCost  int64 `json:"cache_max_cost" yaml:"cache_max_cost"`
	CacheCounters int64 `json:"cache_counters" yaml:"cache_counters"`
}

type ObservabilityConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// QueueOptions configures one named queue at registration time.
type QueueOptions struct {
	Priority      int           `json:"priority" yaml:"priority"`
	Concurrency   int           `json:"concurrency" yaml:"concurrency"`
	RetryAttempts int           `json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay" yaml:"retry_delay"`
	MaxWaiting    int           `json:"max_waiting" yaml:"max_waiting"`
}

func (c *Config) Validate() error {
	if c.Engine.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("%w: max_recovery_attempts must be >= 0", ErrInvalidInput)
	}
	if c.Engine.MaxConcurrentNodes < 1 {
		return fmt.Errorf("%w: max_concurrent_nodes must be >= 1", ErrInvalidInput)
	}
	if c.Engine.MaxExecutionTime <= 0 {
		return fmt.Errorf("%w: max_execution_time must be positive", ErrInvalidInput)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("%w: sandbox timeout must be positive", ErrInvalidInput)
	}
	if c.Sandbox.MaxIterations < 1 {
		return fmt.Errorf("%w: sandbox max_iterations must be >= 1", ErrInvalidInput)
	}
	return nil
}

func (o QueueOptions) Validate() error {
	if o.Concurrency < 1 {
		return fmt.Errorf("%w: queue concurrency must be >= 1", ErrInvalidInput)
	}
	if o.RetryAttempts < 0 {
		return fmt.Errorf("%w: queue retry_attempts must be >= 0", ErrInvalidInput)
	}
	if o.MaxWaiting < 1 {
		return fmt.Errorf("%w: queue max_waiting must be >= 1", ErrInvalidInput)
	}
	return nil
}
