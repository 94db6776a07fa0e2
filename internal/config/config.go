// Package config provides configuration types and defaults for phonefleet.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all configuration options for phonefleet.
type Config struct {
	// ListenAddr is the address the HTTP control surface binds to.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// DebugLog is the path for the structured debug log. Empty disables it.
	DebugLog string `mapstructure:"debug_log" yaml:"debug_log,omitempty"`

	Provider      ProviderConfig      `mapstructure:"provider" yaml:"provider"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration" yaml:"orchestration"`
	Tracing       TracingConfig       `mapstructure:"tracing" yaml:"tracing"`
}

// ProviderConfig holds connection settings for the cloud-phone provider API.
type ProviderConfig struct {
	// BaseURL is the provider API root, e.g. "https://openapi.example.com".
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// RequestTimeoutSeconds bounds each provider HTTP request.
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`

	// DiscoveryCacheTTLSeconds controls caching of group/flow/app listings.
	DiscoveryCacheTTLSeconds int `mapstructure:"discovery_cache_ttl_seconds" yaml:"discovery_cache_ttl_seconds"`
}

// OrchestrationConfig holds default workflow execution parameters.
// Each start request may override any of these per run.
type OrchestrationConfig struct {
	// ConcurrencyLimit caps how many phones execute simultaneously.
	ConcurrencyLimit int `mapstructure:"concurrency_limit" yaml:"concurrency_limit"`

	// MaxRetries is the per-stage retry budget for each job.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// BackoffBaseSeconds is the base for exponential retry backoff.
	BackoffBaseSeconds int `mapstructure:"backoff_base_seconds" yaml:"backoff_base_seconds"`

	// PollIntervalSeconds is the period between task status polls.
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`

	// PollTimeoutSeconds is the default budget for a task to complete.
	// Publish tasks use a longer fixed budget regardless of this value.
	PollTimeoutSeconds int `mapstructure:"poll_timeout_seconds" yaml:"poll_timeout_seconds"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter" yaml:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.config/phonefleet/traces/traces.jsonl
	FilePath string `mapstructure:"file_path" yaml:"file_path,omitempty"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/phonefleet/traces/traces.jsonl or empty string if home dir unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "phonefleet", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		ListenAddr: "127.0.0.1:8787",
		Provider: ProviderConfig{
			RequestTimeoutSeconds:    30,
			DiscoveryCacheTTLSeconds: 300,
		},
		Orchestration: OrchestrationConfig{
			ConcurrencyLimit:    5,
			MaxRetries:          3,
			BackoffBaseSeconds:  2,
			PollIntervalSeconds: 10,
			PollTimeoutSeconds:  300,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for errors.
// Empty values fall back to defaults and are not errors.
func Validate(cfg Config) error {
	if err := ValidateProvider(cfg.Provider); err != nil {
		return err
	}
	if err := ValidateOrchestration(cfg.Orchestration); err != nil {
		return err
	}
	return ValidateTracing(cfg.Tracing)
}

// ValidateProvider checks provider configuration for errors.
func ValidateProvider(p ProviderConfig) error {
	if p.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("provider.request_timeout_seconds must be >= 0, got %d", p.RequestTimeoutSeconds)
	}
	if p.DiscoveryCacheTTLSeconds < 0 {
		return fmt.Errorf("provider.discovery_cache_ttl_seconds must be >= 0, got %d", p.DiscoveryCacheTTLSeconds)
	}
	return nil
}

// ValidateOrchestration checks orchestration defaults for errors.
// Zero values mean "use built-in default"; negatives are invalid.
func ValidateOrchestration(orch OrchestrationConfig) error {
	if orch.ConcurrencyLimit < 0 {
		return fmt.Errorf("orchestration.concurrency_limit must be >= 0, got %d", orch.ConcurrencyLimit)
	}
	if orch.MaxRetries < 0 {
		return fmt.Errorf("orchestration.max_retries must be >= 0, got %d", orch.MaxRetries)
	}
	if orch.BackoffBaseSeconds < 0 {
		return fmt.Errorf("orchestration.backoff_base_seconds must be >= 0, got %d", orch.BackoffBaseSeconds)
	}
	if orch.PollIntervalSeconds < 0 {
		return fmt.Errorf("orchestration.poll_interval_seconds must be >= 0, got %d", orch.PollIntervalSeconds)
	}
	if orch.PollTimeoutSeconds < 0 {
		return fmt.Errorf("orchestration.poll_timeout_seconds must be >= 0, got %d", orch.PollTimeoutSeconds)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	// Validate SampleRate is in range [0.0, 1.0]
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	// Validate Exporter is a valid option
	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		// FilePath is required when Exporter is "file"
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}

		// OTLPEndpoint is required when Exporter is "otlp"
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}
