package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alvmarrod/trust-carto/internal/license"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CARTO_TARGET
const EnvPrefix = "CARTO"

// Config holds all runtime configuration parameters
type Config struct {
	Target                  string   `mapstructure:"target"`
	CenterDomain            string   `mapstructure:"center_domain"`
	AnalyzeReachableDomains bool     `mapstructure:"analyze_reachable_domains"`
	ExploreTerminalDomains  bool     `mapstructure:"explore_terminal_domains"`
	ExploreForestTrust      bool     `mapstructure:"explore_forest_trust"`
	ExcludedDomains         []string `mapstructure:"excluded_domains"`

	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	ConcurrentWorkers int     `mapstructure:"concurrent_workers"`
	QueueCapacity     int     `mapstructure:"queue_capacity"`
	MaxDomains        int     `mapstructure:"max_domains"`
	ShutdownTimeoutMs int     `mapstructure:"shutdown_timeout_ms"`
	AnalysisTimeoutMs int     `mapstructure:"analysis_timeout_ms"`
	AnalysisRate      float64 `mapstructure:"analysis_rate"`

	LicensedDomains []string `mapstructure:"licensed_domains"`
	LicenseEdition  string   `mapstructure:"license_edition"`

	SnapshotDir        string `mapstructure:"snapshot_dir"`
	InventoryURL       string `mapstructure:"inventory_url"`
	InventorySelector  string `mapstructure:"inventory_selector"`
	InventoryAttr      string `mapstructure:"inventory_attr"`
	InventoryTimeoutMs int    `mapstructure:"inventory_timeout_ms"`

	DBPath      string `mapstructure:"db_path"`
	MetricsPath string `mapstructure:"metrics_path"`
	// MetricsListen serves Prometheus metrics on this address during the run when set
	MetricsListen string `mapstructure:"metrics_listen"`
}

// ShutdownTimeout returns the worker shutdown grace period
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// AnalysisTimeout returns the per-domain analysis limit (0 = none)
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.AnalysisTimeoutMs) * time.Millisecond
}

// InventoryTimeout returns the request timeout of the inventory scrape
func (c *Config) InventoryTimeout() time.Duration {
	return time.Duration(c.InventoryTimeoutMs) * time.Millisecond
}

// LoadConfig reads and validates configuration from a JSON or YAML file.
// An empty path relies on environment variables only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes a prepared viper instance, with CARTO_* environment overrides
func FromViper(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.LicensedDomains = license.ParseLimitation(strings.Join(cfg.LicensedDomains, ";"))
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// bindEnv registers every key so AutomaticEnv also applies during Unmarshal
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"target", "center_domain", "analyze_reachable_domains", "explore_terminal_domains",
		"explore_forest_trust", "excluded_domains", "port", "username", "password",
		"concurrent_workers", "queue_capacity", "max_domains", "shutdown_timeout_ms",
		"analysis_timeout_ms", "analysis_rate", "licensed_domains", "license_edition",
		"snapshot_dir", "inventory_url", "inventory_selector", "inventory_attr",
		"inventory_timeout_ms", "db_path", "metrics_path", "metrics_listen",
	} {
		_ = v.BindEnv(key)
	}
}

// applyDefaults sets default values for unspecified fields
func applyDefaults(cfg *Config) {
	if cfg.ConcurrentWorkers == 0 {
		cfg.ConcurrentWorkers = 100
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 30
	}
	if cfg.ShutdownTimeoutMs == 0 {
		cfg.ShutdownTimeoutMs = 30000
	}
	if cfg.InventoryTimeoutMs == 0 {
		cfg.InventoryTimeoutMs = 10000
	}
	if cfg.InventorySelector == "" {
		cfg.InventorySelector = "a[data-domain]"
	}
	if cfg.InventoryAttr == "" {
		cfg.InventoryAttr = "data-domain"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "carto.db"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "metrics.log"
	}
	if cfg.CenterDomain == "" && !strings.ContainsAny(cfg.Target, "*?") {
		cfg.CenterDomain = cfg.Target
	}
}

// validate checks that required fields are present and values are sensible
func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Target) == "" {
		return fmt.Errorf("target is required")
	}
	if cfg.ConcurrentWorkers < 1 {
		return fmt.Errorf("concurrent_workers must be >= 1")
	}
	if cfg.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be >= 1")
	}
	if cfg.MaxDomains < 0 {
		return fmt.Errorf("max_domains must be >= 0")
	}
	if cfg.ShutdownTimeoutMs < 100 {
		return fmt.Errorf("shutdown_timeout_ms must be >= 100")
	}
	if cfg.AnalysisTimeoutMs < 0 {
		return fmt.Errorf("analysis_timeout_ms must be >= 0")
	}
	if cfg.AnalysisRate < 0 {
		return fmt.Errorf("analysis_rate must be >= 0")
	}
	if cfg.InventoryTimeoutMs < 0 {
		return fmt.Errorf("inventory_timeout_ms must be >= 0")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}
	if cfg.SnapshotDir == "" {
		return fmt.Errorf("snapshot_dir is required")
	}
	return nil
}
