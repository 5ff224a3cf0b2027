// Package config loads daemon configuration from an optional YAML file,
// with CLAIMSD_* environment variables taking precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type StorageConfig struct {
	Backend       string `yaml:"backend"` // "memory" or "dynamodb"
	Region        string `yaml:"region"`
	ClaimsTable   string `yaml:"claims_table"`
	PoliciesTable string `yaml:"policies_table"`
}

type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	AnalysisURL    string `yaml:"analysis_url"`
	AnalysisAPIKey string `yaml:"analysis_api_key"`
	LedgerURL      string `yaml:"ledger_url"`
	SigningKey     string `yaml:"signing_key"`

	Workers               int           `yaml:"workers"`
	RequiredConfirmations int           `yaml:"required_confirmations"`
	SettlementRetries     int           `yaml:"settlement_retries"`
	FraudThreshold        float64       `yaml:"fraud_threshold"`
	ReconcileInterval     time.Duration `yaml:"reconcile_interval"`

	Storage StorageConfig `yaml:"storage"`
}

func Default() *Config {
	return &Config{
		HTTPAddr:              ":8080",
		MetricsAddr:           ":9090",
		Workers:               4,
		RequiredConfirmations: 3,
		SettlementRetries:     3,
		FraudThreshold:        0.7,
		ReconcileInterval:     5 * time.Minute,
		Storage: StorageConfig{
			Backend:       "memory",
			Region:        "us-east-1",
			ClaimsTable:   "claims",
			PoliciesTable: "policies",
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.HTTPAddr, "CLAIMSD_HTTP_ADDR")
	setString(&c.MetricsAddr, "CLAIMSD_METRICS_ADDR")
	setString(&c.AnalysisURL, "CLAIMSD_ANALYSIS_URL")
	setString(&c.AnalysisAPIKey, "CLAIMSD_ANALYSIS_API_KEY")
	setString(&c.LedgerURL, "CLAIMSD_LEDGER_URL")
	setString(&c.SigningKey, "CLAIMSD_SIGNING_KEY")
	setInt(&c.Workers, "CLAIMSD_WORKERS")
	setInt(&c.RequiredConfirmations, "CLAIMSD_REQUIRED_CONFIRMATIONS")
	setInt(&c.SettlementRetries, "CLAIMSD_SETTLEMENT_RETRIES")
	setFloat(&c.FraudThreshold, "CLAIMSD_FRAUD_THRESHOLD")
	setDuration(&c.ReconcileInterval, "CLAIMSD_RECONCILE_INTERVAL")
	setString(&c.Storage.Backend, "CLAIMSD_STORAGE_BACKEND")
	setString(&c.Storage.Region, "CLAIMSD_STORAGE_REGION")
	setString(&c.Storage.ClaimsTable, "CLAIMSD_CLAIMS_TABLE")
	setString(&c.Storage.PoliciesTable, "CLAIMSD_POLICIES_TABLE")
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "memory", "dynamodb":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "dynamodb" {
		if c.Storage.ClaimsTable == "" || c.Storage.PoliciesTable == "" {
			return fmt.Errorf("dynamodb backend requires claims_table and policies_table")
		}
	}
	if c.FraudThreshold <= 0 || c.FraudThreshold > 1 {
		return fmt.Errorf("fraud_threshold must be in (0, 1], got %v", c.FraudThreshold)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
