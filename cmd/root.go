// Package cmd defines the phonefleet command line interface.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/phonefleet/internal/config"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "phonefleet",
	Short:   "Cloud phone fleet workflow orchestrator",
	Long:    `Runs automated account workflows across a fleet of cloud phones and exposes an HTTP API for starting, monitoring, and stopping runs.`,
	Version: version,
	RunE:    runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/phonefleet/config.yaml)")
	rootCmd.Flags().String("addr", "",
		"address for the HTTP API (overrides config)")
	rootCmd.Flags().Bool("debug", false,
		"enable debug logging")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("addr"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("listen_addr", defaults.ListenAddr)
	viper.SetDefault("provider.base_url", defaults.Provider.BaseURL)
	viper.SetDefault("provider.request_timeout_seconds", defaults.Provider.RequestTimeoutSeconds)
	viper.SetDefault("provider.discovery_cache_ttl_seconds", defaults.Provider.DiscoveryCacheTTLSeconds)
	viper.SetDefault("orchestration.concurrency_limit", defaults.Orchestration.ConcurrencyLimit)
	viper.SetDefault("orchestration.max_retries", defaults.Orchestration.MaxRetries)
	viper.SetDefault("orchestration.backoff_base_seconds", defaults.Orchestration.BackoffBaseSeconds)
	viper.SetDefault("orchestration.poll_interval_seconds", defaults.Orchestration.PollIntervalSeconds)
	viper.SetDefault("orchestration.poll_timeout_seconds", defaults.Orchestration.PollTimeoutSeconds)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .phonefleet/config.yaml (current directory)
		// 2. ~/.config/phonefleet/config.yaml (user config)
		if _, err := os.Stat(".phonefleet/config.yaml"); err == nil {
			viper.SetConfigFile(".phonefleet/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "phonefleet"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .phonefleet/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".phonefleet/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
