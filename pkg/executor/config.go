// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"fmt"

	"github.com/tombee/foreman/pkg/errors"
)

// RateLimitConfig configures per-user admission control.
type RateLimitConfig struct {
	// RequestsPerMinute is the maximum admitted requests per user per window
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`

	// BurstSize is the per-user token bucket capacity
	BurstSize int `yaml:"burst_size" json:"burst_size"`

	// WindowSeconds is the sliding window length in seconds
	WindowSeconds int `yaml:"window_seconds" json:"window_seconds"`

	// Enabled toggles rate limiting
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         10,
		WindowSeconds:     60,
		Enabled:           true,
	}
}

// Validate checks the configuration for invalid values.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerMinute < 1 {
		return &errors.ValidationError{
			Field:   "rate_limit.requests_per_minute",
			Message: fmt.Sprintf("must be >= 1, got %d", c.RequestsPerMinute),
		}
	}
	if c.BurstSize < 1 {
		return &errors.ValidationError{
			Field:   "rate_limit.burst_size",
			Message: fmt.Sprintf("must be >= 1, got %d", c.BurstSize),
		}
	}
	if c.WindowSeconds < 1 {
		return &errors.ValidationError{
			Field:   "rate_limit.window_seconds",
			Message: fmt.Sprintf("must be >= 1, got %d", c.WindowSeconds),
		}
	}
	return nil
}

// ConcurrencyConfig configures global and per-user process caps.
type ConcurrencyConfig struct {
	// MaxConcurrentProcesses caps simultaneously running subprocesses globally
	MaxConcurrentProcesses int `yaml:"max_concurrent_processes" json:"max_concurrent_processes"`

	// MaxProcessesPerUser caps simultaneously running subprocesses per user
	MaxProcessesPerUser int `yaml:"max_processes_per_user" json:"max_processes_per_user"`

	// ProcessQueueSize bounds the waiting-request queue (0 disables queueing)
	ProcessQueueSize int `yaml:"process_queue_size" json:"process_queue_size"`

	// EnableQueueing makes queueable rejections block on admission instead of
	// returning an early queued response. Rejection is the default policy.
	EnableQueueing bool `yaml:"enable_queueing" json:"enable_queueing"`

	// Enabled toggles concurrency control
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultConcurrencyConfig returns the default concurrency configuration.
func DefaultConcurrencyConfig() ConcurrencyConfig {
	return ConcurrencyConfig{
		MaxConcurrentProcesses: 10,
		MaxProcessesPerUser:    5,
		ProcessQueueSize:       50,
		Enabled:                true,
	}
}

// Validate checks the configuration for invalid values.
func (c ConcurrencyConfig) Validate() error {
	if c.MaxConcurrentProcesses < 1 {
		return &errors.ValidationError{
			Field:   "concurrency.max_concurrent_processes",
			Message: fmt.Sprintf("must be >= 1, got %d", c.MaxConcurrentProcesses),
		}
	}
	if c.MaxProcessesPerUser < 1 {
		return &errors.ValidationError{
			Field:   "concurrency.max_processes_per_user",
			Message: fmt.Sprintf("must be >= 1, got %d", c.MaxProcessesPerUser),
		}
	}
	if c.ProcessQueueSize < 0 {
		return &errors.ValidationError{
			Field:   "concurrency.process_queue_size",
			Message: fmt.Sprintf("must be >= 0, got %d", c.ProcessQueueSize),
		}
	}
	return nil
}

// ResourceLimitConfig configures per-subprocess resource bounds.
type ResourceLimitConfig struct {
	// MaxMemoryPerProcessMB is the RSS limit in megabytes
	MaxMemoryPerProcessMB int `yaml:"max_memory_per_process_mb" json:"max_memory_per_process_mb"`

	// MaxCPUTimeSeconds is the accumulated CPU time limit
	MaxCPUTimeSeconds int `yaml:"max_cpu_time_seconds" json:"max_cpu_time_seconds"`

	// MaxExecutionTimeSeconds is the wall-clock limit
	MaxExecutionTimeSeconds int `yaml:"max_execution_time_seconds" json:"max_execution_time_seconds"`

	// Enabled toggles resource monitoring
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultResourceLimitConfig returns the default resource limit configuration.
func DefaultResourceLimitConfig() ResourceLimitConfig {
	return ResourceLimitConfig{
		MaxMemoryPerProcessMB:   512,
		MaxCPUTimeSeconds:       300,
		MaxExecutionTimeSeconds: 600,
		Enabled:                 true,
	}
}

// Validate checks the configuration for invalid values.
func (c ResourceLimitConfig) Validate() error {
	if c.MaxMemoryPerProcessMB < 1 {
		return &errors.ValidationError{
			Field:   "resource_limits.max_memory_per_process_mb",
			Message: fmt.Sprintf("must be >= 1, got %d", c.MaxMemoryPerProcessMB),
		}
	}
	if c.MaxCPUTimeSeconds < 1 {
		return &errors.ValidationError{
			Field:   "resource_limits.max_cpu_time_seconds",
			Message: fmt.Sprintf("must be >= 1, got %d", c.MaxCPUTimeSeconds),
		}
	}
	if c.MaxExecutionTimeSeconds < 1 {
		return &errors.ValidationError{
			Field:   "resource_limits.max_execution_time_seconds",
			Message: fmt.Sprintf("must be >= 1, got %d", c.MaxExecutionTimeSeconds),
		}
	}
	return nil
}

// Config is the complete executor configuration. Each policy is independently
// toggleable via its Enabled field.
type Config struct {
	RateLimit      RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Concurrency    ConcurrencyConfig   `yaml:"concurrency" json:"concurrency"`
	ResourceLimits ResourceLimitConfig `yaml:"resource_limits" json:"resource_limits"`

	// TempDir overrides the temp file directory (default: OS temp dir)
	TempDir string `yaml:"temp_dir,omitempty" json:"temp_dir,omitempty"`
}

// DefaultConfig returns a Config with all policies enabled at their defaults.
func DefaultConfig() Config {
	return Config{
		RateLimit:      DefaultRateLimitConfig(),
		Concurrency:    DefaultConcurrencyConfig(),
		ResourceLimits: DefaultResourceLimitConfig(),
	}
}

// Validate checks all sub-configurations. Disabled sections are still
// validated so a later live enable cannot introduce invalid bounds.
func (c Config) Validate() error {
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if err := c.Concurrency.Validate(); err != nil {
		return err
	}
	if err := c.ResourceLimits.Validate(); err != nil {
		return err
	}
	return nil
}
