// Package config handles configuration loading and validation for evidenced.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Storage configuration for the authoritative local store.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Replica configuration for best-effort metadata mirroring.
	Replica ReplicaConfig `toml:"replica" json:"replica" yaml:"replica"`

	// Intake configuration for evidence drop directories.
	Intake IntakeConfig `toml:"intake" json:"intake" yaml:"intake"`

	// Rules configuration for the forwarded rule catalog.
	Rules RulesConfig `toml:"rules" json:"rules" yaml:"rules"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// StorageConfig holds local persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// MasterSecretFile, when set, points to a file whose bytes key the
	// per-row tamper-evidence MACs. Empty disables row MACs.
	MasterSecretFile string `toml:"master_secret_file" json:"master_secret_file" yaml:"master_secret_file"`
}

// ReplicaConfig holds the optional secondary store configuration.
type ReplicaConfig struct {
	// Enabled turns replication on. All other fields are ignored when
	// false.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Addr is the Redis host:port.
	Addr string `toml:"addr" json:"addr" yaml:"addr"`

	// Password authenticates against the Redis server; empty for none.
	Password string `toml:"password" json:"password" yaml:"password"`

	// DB selects the Redis logical database.
	DB int `toml:"db" json:"db" yaml:"db"`

	// TimeoutMs bounds each fire-and-forget replication attempt.
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
}

// IntakeConfig holds evidence drop directory configuration.
type IntakeConfig struct {
	// Dirs are the directories watched for arriving evidence files.
	Dirs []string `toml:"dirs" json:"dirs" yaml:"dirs"`

	// DebounceMs is how long a file must stay unmodified before it is
	// sealed and ingested.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// DefaultCase receives evidence whose drop directory does not map to
	// a case. Empty drops unmatched arrivals.
	DefaultCase string `toml:"default_case" json:"default_case" yaml:"default_case"`
}

// RulesConfig holds rule catalog configuration.
type RulesConfig struct {
	// CatalogPath is the rule catalog file (.json, .yaml or .yml).
	// Empty means no catalog is loaded.
	CatalogPath string `toml:"catalog_path" json:"catalog_path" yaml:"catalog_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr" or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "evidenced.db"),
		},
		Replica: ReplicaConfig{
			Addr:      "localhost:6379",
			TimeoutMs: 2000,
		},
		Intake: IntakeConfig{
			DebounceMs: 2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".evidenced")
	}
	return ".evidenced"
}

// ReplicaTimeout returns the configured replication bound as a duration.
func (c *ReplicaConfig) ReplicaTimeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Debounce returns the intake stabilization window as a duration.
func (c *IntakeConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path must not be empty"))
	}
	if c.Replica.Enabled && c.Replica.Addr == "" {
		errs = append(errs, errors.New("replica.addr must be set when replication is enabled"))
	}
	if c.Replica.TimeoutMs < 0 {
		errs = append(errs, errors.New("replica.timeout_ms must not be negative"))
	}
	if c.Intake.DebounceMs < 0 {
		errs = append(errs, errors.New("intake.debounce_ms must not be negative"))
	}
	for _, dir := range c.Intake.Dirs {
		if dir == "" {
			errs = append(errs, errors.New("intake.dirs must not contain empty entries"))
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not recognized", c.Logging.Level))
	}
	switch c.Logging.Output {
	case "", "stdout", "stderr":
	case "file":
		if c.Logging.FilePath == "" {
			errs = append(errs, errors.New("logging.file_path must be set for file output"))
		}
	default:
		errs = append(errs, fmt.Errorf("logging.output %q is not recognized", c.Logging.Output))
	}

	return errors.Join(errs...)
}

// ApplyEnvOverrides overlays EVIDENCED_* environment variables onto the
// configuration. Useful for containerized deployments.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("EVIDENCED_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("EVIDENCED_MASTER_SECRET_FILE"); v != "" {
		c.Storage.MasterSecretFile = v
	}
	if v := os.Getenv("EVIDENCED_REPLICA_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Replica.Enabled = b
		}
	}
	if v := os.Getenv("EVIDENCED_REPLICA_ADDR"); v != "" {
		c.Replica.Addr = v
	}
	if v := os.Getenv("EVIDENCED_REPLICA_PASSWORD"); v != "" {
		c.Replica.Password = v
	}
	if v := os.Getenv("EVIDENCED_REPLICA_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Replica.DB = n
		}
	}
	if v := os.Getenv("EVIDENCED_INTAKE_DIRS"); v != "" {
		c.Intake.Dirs = splitList(v)
	}
	if v := os.Getenv("EVIDENCED_DEFAULT_CASE"); v != "" {
		c.Intake.DefaultCase = v
	}
	if v := os.Getenv("EVIDENCED_RULES_CATALOG"); v != "" {
		c.Rules.CatalogPath = v
	}
	if v := os.Getenv("EVIDENCED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("EVIDENCED_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads the configuration file at path, overlays environment
// variables, and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// loadConfigFromFile parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return cfg, nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return errors.New("unable to parse config file (tried TOML, JSON, YAML)")
}

// MasterSecret reads the configured secret file. Returns nil with no error
// when no secret file is configured.
func (c *StorageConfig) MasterSecret() ([]byte, error) {
	if c.MasterSecretFile == "" {
		return nil, nil
	}
	secret, err := os.ReadFile(c.MasterSecretFile)
	if err != nil {
		return nil, fmt.Errorf("read master secret: %w", err)
	}
	if len(secret) == 0 {
		return nil, errors.New("master secret file is empty")
	}
	return secret, nil
}
