// Package server exposes the embedding service coordinator as MCP tools.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/localrivet/gomcp/server"

	"github.com/localrivet/embedservice/internal/coordinator"
	"github.com/localrivet/embedservice/internal/errortypes"
	"github.com/localrivet/embedservice/internal/initializer"
	"github.com/localrivet/embedservice/internal/tools"
)

// Common server error types
var (
	ErrServerNotInitialized = errors.New("server not initialized")
	ErrMissingDependencies  = errors.New("one or more required dependencies are nil")
	ErrMissingArgument      = errors.New("required argument is missing")
)

// MCPTableToolServer implements the TableToolServer interface for handling
// MCP tool calls that manage PS embedding tables.
//
// The coordinator is not safe for concurrent use; every handler holds mu
// for the whole call.
type MCPTableToolServer struct {
	mu        sync.Mutex
	coord     *coordinator.Coordinator
	logger    *slog.Logger
	mcpServer server.Server
}

// NewTableToolServer creates a new MCPTableToolServer instance.
func NewTableToolServer(coord *coordinator.Coordinator, logger *slog.Logger) *MCPTableToolServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPTableToolServer{
		coord:  coord,
		logger: logger.With("component", "server"),
	}
}

// Initialize registers the tools.
func (s *MCPTableToolServer) Initialize() error {
	s.logger.Info("Initializing MCP Table Tool Server")

	if s.coord == nil {
		return errortypes.ConfigError(ErrMissingDependencies, "server initialization failed")
	}

	srv := server.NewServer("embedservice")

	srv = srv.Tool(tools.ToolInitTable, "Register a PS embedding table and push its configuration to the cluster",
		s.handleInitTable)

	srv = srv.Tool(tools.ToolExportCheckpoint, "Save embeddings and optimizer state of every table",
		s.handleExportCheckpoint)

	srv = srv.Tool(tools.ToolImportCheckpoint, "Restore embeddings and optimizer state of every table",
		s.handleImportCheckpoint)

	srv = srv.Tool(tools.ToolExportTable, "Save the embedding values of every table",
		s.handleExportTable)

	srv = srv.Tool(tools.ToolImportTable, "Restore the embedding values of every table",
		s.handleImportTable)

	srv = srv.Tool(tools.ToolListTables, "List the registered tables and the cluster size",
		s.handleListTables)

	s.mcpServer = srv
	s.logger.Info("MCP Table Tool Server initialized successfully", "tool_count", 6)
	return nil
}

// Start serves the tools over stdio until stdin is closed.
func (s *MCPTableToolServer) Start() error {
	if s.mcpServer == nil {
		return errortypes.ConfigError(ErrServerNotInitialized, "cannot start server")
	}
	s.logger.Info("Starting MCP Table Tool Server")
	return s.mcpServer.AsStdio().Run()
}

// Stop gracefully shuts down the MCP server.
func (s *MCPTableToolServer) Stop() error {
	s.logger.Info("Stopping MCP Table Tool Server")
	// The server will exit when stdin is closed
	return nil
}

func (s *MCPTableToolServer) fail(op string, err error) (string, string) {
	resp := errorToResponse(err)
	s.logger.Warn("Tool call failed", "tool", op, "code", resp.Code, "error", resp.Message, "details", resp.Details)
	return resp.Message, resp.Code
}

// handleInitTable handles the init_table MCP tool call.
func (s *MCPTableToolServer) handleInitTable(_ *server.Context, req tools.InitTableRequest) (tools.InitTableResponse, error) {
	s.logger.Info("Processing init_table request", "table", req.Name, "optimizer", req.Optimizer)
	s.mu.Lock()
	defer s.mu.Unlock()

	response := tools.InitTableResponse{Status: tools.StatusSuccess}
	spec, err := s.tableSpec(req)
	if err == nil {
		var snap *coordinator.Snapshot
		snap, err = s.coord.InitTable(context.Background(), spec)
		if err == nil {
			response.TableIDs = snap.TableIDs
			response.TableID = snap.TableIDs[req.Name]
			if desc, ok := s.coord.Table(req.Name); ok {
				response.BucketSize = desc.BucketSize
				response.SlotVarCount = desc.SlotVarCount
			}
		}
	}
	if err != nil {
		response.Status = tools.StatusError
		response.Error, response.Code = s.fail(tools.ToolInitTable, err)
	}
	return response, nil
}

// tableSpec converts a tool request into a coordinator table spec.
func (s *MCPTableToolServer) tableSpec(req tools.InitTableRequest) (coordinator.TableSpec, error) {
	spec := coordinator.TableSpec{
		Name:            req.Name,
		Optimizer:       req.Optimizer,
		OptimizerParams: req.OptimizerParams,
		Mode:            req.Mode,
	}
	if req.VocabularySize == nil || req.EmbeddingDim == nil {
		return spec, errortypes.ValidationError(ErrMissingArgument,
			"table name, init_vocabulary_size and embedding_dim can not be None")
	}
	if req.MaxFeatureCount == nil {
		return spec, errortypes.ValidationError(ErrMissingArgument, "for ps table, max_feature_count can not be None")
	}
	spec.VocabularySize = *req.VocabularySize
	spec.EmbeddingDim = *req.EmbeddingDim
	spec.MaxFeatureCount = *req.MaxFeatureCount

	if req.Initializer != nil {
		init, err := toInitializer(req.Initializer)
		if err != nil {
			return spec, err
		}
		spec.Initializer = init
	}
	if req.Filter != nil {
		f, err := s.coord.CounterFilterFromValues(req.Filter.FilterFreq, req.Filter.DefaultKey, req.Filter.DefaultValue)
		if err != nil {
			return spec, err
		}
		spec.Filter = f
	}
	return spec, nil
}

func toInitializer(spec *tools.InitializerSpec) (initializer.Initializer, error) {
	switch spec.Type {
	case tools.InitializerUniform:
		return initializer.Uniform{Scale: spec.Scale, Seed: spec.Seed}, nil
	case tools.InitializerTruncatedNormal:
		return initializer.TruncatedNormal{Mean: spec.Mean, Sigma: spec.Stddev, Seed: spec.Seed}, nil
	case tools.InitializerConstant:
		return initializer.Constant{Value: spec.Value}, nil
	case tools.InitializerCanonical:
		return &initializer.Canonical{
			Mode:          spec.InitializerMode,
			Min:           spec.Min,
			Max:           spec.Max,
			ConstantValue: spec.ConstantValue,
			Mu:            spec.Mu,
			Sigma:         spec.Sigma,
			Seed:          spec.Seed,
		}, nil
	}
	return nil, errortypes.TypeError(fmt.Errorf("%w: %q", initializer.ErrUnsupported, spec.Type),
		"initializer type must be uniform, truncated_normal, constant or canonical")
}

func (s *MCPTableToolServer) runPathTool(name, path string, fn func(context.Context, string) error) tools.StatusResponse {
	s.logger.Info("Processing "+name+" request", "path", path)
	s.mu.Lock()
	defer s.mu.Unlock()

	response := tools.StatusResponse{Status: tools.StatusSuccess}
	if err := fn(context.Background(), path); err != nil {
		response.Status = tools.StatusError
		response.Error, response.Code = s.fail(name, err)
	}
	return response
}

// handleExportCheckpoint handles the export_checkpoint MCP tool call.
func (s *MCPTableToolServer) handleExportCheckpoint(_ *server.Context, req tools.PathRequest) (tools.StatusResponse, error) {
	return s.runPathTool(tools.ToolExportCheckpoint, req.Path, s.coord.ExportCheckpoint), nil
}

// handleImportCheckpoint handles the import_checkpoint MCP tool call.
func (s *MCPTableToolServer) handleImportCheckpoint(_ *server.Context, req tools.PathRequest) (tools.StatusResponse, error) {
	return s.runPathTool(tools.ToolImportCheckpoint, req.Path, s.coord.ImportCheckpoint), nil
}

// handleExportTable handles the export_table MCP tool call.
func (s *MCPTableToolServer) handleExportTable(_ *server.Context, req tools.PathRequest) (tools.StatusResponse, error) {
	return s.runPathTool(tools.ToolExportTable, req.Path, s.coord.ExportTable), nil
}

// handleImportTable handles the import_table MCP tool call.
func (s *MCPTableToolServer) handleImportTable(_ *server.Context, req tools.PathRequest) (tools.StatusResponse, error) {
	return s.runPathTool(tools.ToolImportTable, req.Path, s.coord.ImportTable), nil
}

// handleListTables handles the list_tables MCP tool call.
func (s *MCPTableToolServer) handleListTables(_ *server.Context, _ tools.ListTablesRequest) (tools.ListTablesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	response := tools.ListTablesResponse{
		Status:            tools.StatusSuccess,
		PSCount:           s.coord.ClusterConfig().PSCount(),
		UsesCounterFilter: s.coord.UsesCounterFilter(),
		Tables:            []tools.TableInfo{},
	}
	for _, t := range s.coord.Tables() {
		info := tools.TableInfo{
			TableID:         t.TableID,
			Name:            t.Name,
			VocabularySize:  t.VocabularySize,
			EmbeddingDim:    t.EmbeddingDim,
			MaxFeatureCount: t.MaxFeatureCount,
			BucketSize:      t.BucketSize,
			SlotVarCount:    t.SlotVarCount,
			ValueTotalLen:   t.ValueTotalLen(),
			Optimizer:       t.Optimizer.String(),
			FilterMode:      string(t.FilterMode),
			Mode:            t.Mode,
			TrainLevel:      t.TrainLevel,
		}
		if t.Initializer != nil {
			mode := t.Initializer.Mode
			info.InitializerMode = &mode
		}
		response.Tables = append(response.Tables, info)
	}
	return response, nil
}
