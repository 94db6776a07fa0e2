// Package config provides configuration types, defaults, and persistence for phonefleet.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/phonefleet/internal/log"
)

const defaultConfigHeader = `# phonefleet configuration
#
# listen_addr:  address for the HTTP/SSE control surface
# debug_log:    path for the structured debug log (empty disables)
#
# provider:
#   base_url:                     cloud-phone provider API root (required to run workflows)
#   request_timeout_seconds:      per-request timeout
#   discovery_cache_ttl_seconds:  cache TTL for group/flow/app listings
#
# orchestration: per-run defaults, overridable in each start request
#   concurrency_limit:     phones executing simultaneously
#   max_retries:           per-stage retry budget
#   backoff_base_seconds:  exponential backoff base
#   poll_interval_seconds: task poll period
#   poll_timeout_seconds:  task completion budget (publishes use a longer fixed budget)
#
# tracing:
#   enabled:       enable distributed tracing (default false)
#   exporter:      none, file, stdout, otlp
#   file_path:     output for the file exporter
#   otlp_endpoint: collector endpoint for the otlp exporter
#   sample_rate:   0.0 to 1.0

`

// DefaultConfigYAML renders the default configuration as commented YAML.
func DefaultConfigYAML() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(defaultConfigHeader)

	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(Defaults()); err != nil {
		return nil, fmt.Errorf("marshaling defaults: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}

	return buf.Bytes(), nil
}

// WriteDefaultConfig creates a config file at the given path with default settings.
// Creates the parent directory if it doesn't exist. Writes atomically so a
// crash mid-write never leaves a truncated config behind.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	data, err := DefaultConfigYAML()
	if err != nil {
		return err
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".phonefleet.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
