package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// hostConfig is wfhostd's process-level configuration: storage backend,
// coordinator backend, and the scheduler.Config knobs, resolved from (in
// increasing precedence) defaults, a config file, and WFHOSTD_*
// environment variables. Grounded on the cobra+viper combination several
// pack repos (toolhive, developer-mesh, agentflow-infrastructure, among
// others) declare for daemon configuration — this repo's only cobra CLI
// example (Raven) is a developer tool reading a single TOML file with no
// live environment overlay, so it does not fit a long-running daemon's
// needs the way the cobra+viper combination does.
type hostConfig struct {
	StoreDriver  string        `mapstructure:"store_driver"` // "memory", "sqlite", "postgres"
	StoreDSN     string        `mapstructure:"store_dsn"`

	CoordDriver string `mapstructure:"coordinator_driver"` // "noop", "redis", "postgres"
	CoordDSN    string `mapstructure:"coordinator_dsn"`

	DefinitionsDir string `mapstructure:"definitions_dir"`

	ListenAddr         string   `mapstructure:"listen_addr"`
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`

	// EmitDriver selects how the host's execution-history event stream
	// (emit.Emitter) is published: "none" (default, drop events), "log"
	// (structured log lines via the same zap logger wfhostd itself uses).
	EmitDriver string `mapstructure:"emit_driver"`

	PollInterval           time.Duration `mapstructure:"poll_interval"`
	MaxConcurrentWorkflows int           `mapstructure:"max_concurrent_workflows"`
	MaxStepConcurrency     int           `mapstructure:"max_step_concurrency"`
	LeaseTTL               time.Duration `mapstructure:"lease_ttl"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	PurgeInterval          time.Duration `mapstructure:"purge_interval"`
	PurgeAge               time.Duration `mapstructure:"purge_age"`
	NodeID                 string        `mapstructure:"node_id"`
}

func defaultHostConfig() hostConfig {
	return hostConfig{
		StoreDriver:            "memory",
		CoordDriver:            "noop",
		DefinitionsDir:         "./workflows",
		ListenAddr:             ":8080",
		EmitDriver:             "none",
		PollInterval:           5 * time.Second,
		MaxConcurrentWorkflows: 100,
		MaxStepConcurrency:     10,
		LeaseTTL:               30 * time.Second,
		HeartbeatInterval:      10 * time.Second,
		PurgeAge:               30 * 24 * time.Hour,
	}
}

// loadConfig layers defaults < config file (if present) < WFHOSTD_*
// environment variables into a hostConfig. cfgFile == "" skips the file
// layer and relies on viper's search paths.
func loadConfig(cfgFile string) (hostConfig, error) {
	cfg := defaultHostConfig()

	v := viper.New()
	v.SetEnvPrefix("WFHOSTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("wfhostd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/wfhostd")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return cfg, fmt.Errorf("wfhostd: read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("wfhostd: parse config: %w", err)
	}
	return cfg, nil
}
