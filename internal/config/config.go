package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/localrivet/configurator"

	"github.com/localrivet/embedservice/internal/cluster"
	"github.com/localrivet/embedservice/internal/errortypes"
	"github.com/localrivet/embedservice/internal/logger"
)

// Config represents the embedding service configuration
type Config struct {
	// Cluster locates the parameter-server cluster descriptor.
	Cluster struct {
		// DescriptorPath is a path or URL of the descriptor JSON. When empty
		// the ESCLUSTER_CONFIG_PATH environment variable is consulted.
		DescriptorPath string `json:"descriptor_path" env:"CLUSTER_DESCRIPTOR_PATH"`
	} `json:"cluster"`

	// Store contains the local PS catalog configuration.
	Store struct {
		// SQLitePath is the path to the SQLite catalog file.
		SQLitePath string `json:"sqlite_path" env:"SQLITE_PATH" validate:"required"`
	} `json:"store"`

	// Logging contains logging-related configuration.
	Logging struct {
		// Level is the minimum log level to display ("debug", "info", "warn", "error").
		Level string `json:"level" env:"LOG_LEVEL" validate:"required"`

		// Format is the log format to use ("text", "json").
		Format string `json:"format" env:"LOG_FORMAT"`
	} `json:"logging"`

	Metrics struct {
		// Addr is the listen address of the /metrics endpoint; empty disables it.
		Addr string `json:"addr" env:"METRICS_ADDR"`
	} `json:"metrics"`

	Diagnostics struct {
		// Gops starts the gops agent.
		Gops bool `json:"gops" env:"GOPS"`
	} `json:"diagnostics"`

	// Internal state (not saved to config file)
	configPath     string       `json:"-"`
	mutex          sync.RWMutex `json:"-"`
	lastModifiedAt time.Time    `json:"-"`
}

// Default configuration values
const (
	DefaultConfigFilename = ".embedserviceconfig"
	DefaultSQLitePath     = ".embedservice.db"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	EnvPrefix             = "EMBEDSERVICE"
)

var ErrNoDescriptor = errors.New("config: cluster descriptor location is not configured")

// NewConfig creates a new Config instance with default values
func NewConfig() *Config {
	config := &Config{}
	config.Store.SQLitePath = DefaultSQLitePath
	config.Logging.Level = DefaultLogLevel
	config.Logging.Format = DefaultLogFormat
	return config
}

// LoadConfig loads the configuration from the default path
func LoadConfig() (*Config, error) {
	return LoadConfigWithPath(DefaultConfigFilename)
}

// LoadConfigWithPath loads the configuration from a specific path. A missing
// file yields the defaults.
func LoadConfigWithPath(configPath string) (*Config, error) {
	// stdout may carry the tool protocol, so loading logs go to stderr
	stdLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg := NewConfig()

	if configPath == DefaultConfigFilename {
		foundPath, err := configurator.FindConfigFile(configPath)
		if err == nil {
			configPath = foundPath
			stdLogger.Debug("Found config file at " + foundPath)
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		stdLogger.Info("Config file not found, using default configuration", "path", configPath)
		cfg.configPath = configPath
		cfg.lastModifiedAt = time.Now()
		return cfg, nil
	}

	stdLogger.Info("Loading configuration", "path", configPath)

	config := configurator.New(stdLogger).
		WithProvider(configurator.NewDefaultProvider()).
		WithProvider(configurator.NewFileProvider(configPath)).
		WithProvider(configurator.NewEnvProvider(EnvPrefix)).
		WithValidator(configurator.NewDefaultValidator())

	if err := config.Load(context.Background(), cfg); err != nil {
		return nil, errortypes.ConfigError(err, "failed to load configuration").WithField("path", configPath)
	}

	cfg.configPath = configPath
	cfg.lastModifiedAt = time.Now()
	return cfg, nil
}

// SaveToFile saves the configuration to the specified file
func (c *Config) SaveToFile(path string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := configurator.SaveToFile(c, path, configurator.FormatJSON); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	c.configPath = path
	c.lastModifiedAt = time.Now()
	return nil
}

// Save saves the configuration to the last used file path
func (c *Config) Save() error {
	if c.configPath == "" {
		c.configPath = DefaultConfigFilename
	}
	return c.SaveToFile(c.configPath)
}

// GetConfigPath returns the path of the currently loaded configuration file
func (c *Config) GetConfigPath() string {
	return c.configPath
}

// DescriptorLocation resolves where the cluster descriptor lives: the
// configured path first, then ESCLUSTER_CONFIG_PATH.
func (c *Config) DescriptorLocation() (string, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.Cluster.DescriptorPath != "" {
		return c.Cluster.DescriptorPath, nil
	}
	if location := os.Getenv(cluster.EnvConfigPath); location != "" {
		return location, nil
	}
	return "", errortypes.ConfigError(ErrNoDescriptor,
		"set cluster.descriptor_path or the "+cluster.EnvConfigPath+" environment variable")
}

// LoggerConfig returns the logger settings of this configuration.
func (c *Config) LoggerConfig() logger.Config {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
	}
}
