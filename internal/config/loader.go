package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".mnemod"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("MNEMOD_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ConfigDir)
	return &Config{
		Paths: PathsConfig{
			DataDir: dataDir,
			DBPath:  filepath.Join(dataDir, "mnemod.db"),
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Batcher: BatcherConfig{
			MaxEvents:    50,
			MaxAge:       4 * time.Hour,
			TickInterval: 30 * time.Second,
		},
		Oracle: OracleConfig{
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			Timeout:        30 * time.Second,
		},
		Policy: PolicyConfig{
			ConfidenceFloor: 0.7,
			MaxRetries:      3,
			RetryBackoff:    time.Second,
		},
		Dedup: DedupConfig{
			Threshold: 0.9,
			TopK:      5,
		},
		Route: RouteConfig{
			MaxResults:      20,
			SimilarityW:     0.6,
			ImportanceW:     0.25,
			RecencyW:        0.15,
			RecencyHalfLife: 14 * 24 * time.Hour,
			DefaultBudget:   2000,
		},
		Ingest: IngestConfig{
			Kafka: KafkaConfig{
				Topic:   "mnemod.events",
				GroupID: "mnemod",
			},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 7461,
		},
	}
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // use defaults if we can't find the config path
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	// If the file doesn't exist, continue with defaults.

	// Override with environment variables for each group.
	envconfig.Process("MNEMOD_PATHS", &cfg.Paths)
	envconfig.Process("MNEMOD_STORE", &cfg.Store)
	envconfig.Process("MNEMOD_BATCHER", &cfg.Batcher)
	envconfig.Process("MNEMOD_ORACLE", &cfg.Oracle)
	envconfig.Process("MNEMOD_POLICY", &cfg.Policy)
	envconfig.Process("MNEMOD_DEDUP", &cfg.Dedup)
	envconfig.Process("MNEMOD_ROUTE", &cfg.Route)
	envconfig.Process("MNEMOD_INGEST_KAFKA", &cfg.Ingest.Kafka)
	envconfig.Process("MNEMOD_GATEWAY", &cfg.Gateway)

	return cfg, nil
}

// Save writes the configuration to the config file, creating the directory
// if needed.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
