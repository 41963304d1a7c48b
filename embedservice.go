// Package embedservice wires the embedding table coordinator, the local PS
// store and the MCP tool server into a single service.
package embedservice

import (
	"context"
	"log/slog"

	"github.com/viant/afs"

	"github.com/localrivet/embedservice/internal/cluster"
	"github.com/localrivet/embedservice/internal/config"
	"github.com/localrivet/embedservice/internal/coordinator"
	"github.com/localrivet/embedservice/internal/errortypes"
	"github.com/localrivet/embedservice/internal/psstore"
	"github.com/localrivet/embedservice/internal/server"
	"github.com/localrivet/embedservice/internal/telemetry"
)

// Config represents the configuration for the embedding service.
type Config = config.Config

// TableSpec describes one table passed to Coordinator.InitTable.
type TableSpec = coordinator.TableSpec

// Service represents the embedding service.
type Service struct {
	config     *Config
	cluster    *cluster.Config
	store      *psstore.Store
	coord      *coordinator.Coordinator
	metrics    *telemetry.Metrics
	toolServer server.TableToolServer
	logger     *slog.Logger
}

// ServiceOptions defines the options for creating a new Service.
type ServiceOptions struct {
	Config     *Config      // Pre-filled config. If nil, ConfigPath is used.
	ConfigPath string       // Path to config file. If both are empty, DefaultConfig() is used.
	Logger     *slog.Logger // If nil, slog.Default() is used.
	FS         afs.Service  // File system used for the descriptor and exports. If nil, afs.New() is used.
}

// Components are the parts of a service, built without the tool server.
type Components struct {
	Cluster     *cluster.Config
	Store       *psstore.Store
	Coordinator *coordinator.Coordinator
	Metrics     *telemetry.Metrics
}

// NewService creates a new Service with the given options.
func NewService(ctx context.Context, opts ServiceOptions) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var cfg *Config
	var err error
	switch {
	case opts.Config != nil:
		cfg = opts.Config
		logger.Info("Using provided Config object for service initialization")
	case opts.ConfigPath != "":
		logger.Info("Loading configuration for service initialization", "path", opts.ConfigPath)
		cfg, err = config.LoadConfigWithPath(opts.ConfigPath)
		if err != nil {
			logger.Error("Failed to load configuration from path", "path", opts.ConfigPath, "error", err)
			return nil, err
		}
	default:
		logger.Warn("No Config object or ConfigPath provided, using default configuration")
		cfg = DefaultConfig()
	}

	parts, err := CreateComponents(ctx, cfg, opts.FS, logger)
	if err != nil {
		return nil, err
	}

	toolServer := server.NewTableToolServer(parts.Coordinator, logger)
	if err := toolServer.Initialize(); err != nil {
		logger.Error("Failed to initialize MCP table tool server", "error", err)
		parts.Store.Close()
		return nil, errortypes.ConfigError(err, "Failed to initialize MCP table tool server")
	}

	logger.Info("Embedding service successfully initialized", "ps_count", parts.Cluster.PSCount())
	return &Service{
		config:     cfg,
		cluster:    parts.Cluster,
		store:      parts.Store,
		coord:      parts.Coordinator,
		metrics:    parts.Metrics,
		toolServer: toolServer,
		logger:     logger,
	}, nil
}

// DefaultConfig returns the default configuration for the embedding service.
func DefaultConfig() *Config {
	return config.NewConfig()
}

// CreateComponents loads the cluster descriptor, opens the PS store and
// builds a coordinator over them.
func CreateComponents(ctx context.Context, cfg *Config, fs afs.Service, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if fs == nil {
		fs = afs.New()
	}

	location, err := cfg.DescriptorLocation()
	if err != nil {
		logger.Error("Cluster descriptor is not configured", "error", err)
		return nil, err
	}
	logger.Info("Loading cluster descriptor", "location", location)
	clusterCfg, err := cluster.LoadURL(ctx, fs, location)
	if err != nil {
		logger.Error("Failed to load cluster descriptor", "location", location, "error", err)
		return nil, err
	}

	logger.Info("Opening PS store", "path", cfg.Store.SQLitePath)
	catalog, err := psstore.OpenCatalog(cfg.Store.SQLitePath)
	if err != nil {
		logger.Error("Failed to open PS catalog", "path", cfg.Store.SQLitePath, "error", err)
		return nil, errortypes.DatabaseError(err, "Failed to open PS catalog").WithField("path", cfg.Store.SQLitePath)
	}
	store := psstore.New(catalog, fs, logger)

	metrics := telemetry.NewMetrics()
	coord, err := coordinator.New(coordinator.Options{
		Cluster: clusterCfg,
		Backend: store,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Components{
		Cluster:     clusterCfg,
		Store:       store,
		Coordinator: coord,
		Metrics:     metrics,
	}, nil
}

// Start serves the MCP tools. It blocks until the transport closes.
func (s *Service) Start() error {
	s.logger.Info("Starting embedding service")
	return s.toolServer.Start()
}

// Stop stops the tool server and closes the store.
func (s *Service) Stop() error {
	s.logger.Info("Stopping embedding service")
	if err := s.toolServer.Stop(); err != nil {
		s.logger.Error("Error stopping tool server", "error", err)
		return err
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close store", "error", err)
		return errortypes.DatabaseError(err, "failed to close PS store")
	}

	s.logger.Info("Embedding service stopped")
	return nil
}

// Coordinator returns the table coordinator used by the service.
func (s *Service) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// Store returns the PS store used by the service.
func (s *Service) Store() *psstore.Store {
	return s.store
}

// Metrics returns the service metrics.
func (s *Service) Metrics() *telemetry.Metrics {
	return s.metrics
}

// Config returns the configuration the service was built with.
func (s *Service) Config() *Config {
	return s.config
}
