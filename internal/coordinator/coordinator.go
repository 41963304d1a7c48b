// Package coordinator registers PS embedding tables, pushes their
// configuration to the parameter servers and drives checkpoint and table
// export/import across the cluster.
//
// A Coordinator is not safe for concurrent use. Table ids are assigned by a
// read-increment-write on the registry, so callers that share one across
// goroutines must serialize access themselves.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/localrivet/embedservice/internal/cluster"
	"github.com/localrivet/embedservice/internal/errortypes"
	"github.com/localrivet/embedservice/internal/filter"
	"github.com/localrivet/embedservice/internal/initializer"
	"github.com/localrivet/embedservice/internal/layer"
	"github.com/localrivet/embedservice/internal/optimizer"
	"github.com/localrivet/embedservice/internal/registry"
	"github.com/localrivet/embedservice/internal/telemetry"
)

// Table modes
const (
	ModeTrain   = "train"
	ModePredict = "predict"
)

var (
	ErrMissingDependencies = errors.New("coordinator: cluster config and backend are required")
	ErrMode                = errors.New("coordinator: mode must be train or predict")
	ErrEmptyPath           = errors.New("coordinator: file path is required")
)

// Options configures a Coordinator.
type Options struct {
	Cluster *cluster.Config    // Required.
	Backend layer.Backend      // Required.
	Logger  *slog.Logger       // If nil, slog.Default() is used.
	Metrics *telemetry.Metrics // Optional.
}

// TableSpec describes a table to initialize.
type TableSpec struct {
	Name            string
	VocabularySize  int64
	EmbeddingDim    int
	MaxFeatureCount int

	// Initializer is only consulted for tables with an optimizer. Leaving it
	// nil on such a table means the table resumes from a checkpoint.
	Initializer initializer.Initializer

	// Filter is a *filter.CounterFilter or *filter.EmbeddingVariableOption.
	Filter filter.Spec

	// Optimizer is "adam", "adagrad", "adamw" or empty for a table that is
	// not trained.
	Optimizer       string
	OptimizerParams []float32

	// Mode is "train" (the default) or "predict".
	Mode string
}

// Snapshot is the full coordinator state after an InitTable call: every
// table registered so far, not only the one just added. The maps are copies.
type Snapshot struct {
	TableIDs     map[string]int
	Initializers map[int]*initializer.Canonical
	Filters      map[int]*filter.CounterFilter
}

// Coordinator owns the table registry and the per-table initializer and
// filter bookkeeping.
type Coordinator struct {
	cluster  *cluster.Config
	backend  layer.Backend
	registry *registry.Registry
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	initializers     map[int]*initializer.Canonical
	filters          map[int]*filter.CounterFilter
	useCounterFilter bool
}

// New creates a Coordinator for the given cluster.
func New(opts Options) (*Coordinator, error) {
	if opts.Cluster == nil || opts.Backend == nil {
		return nil, errortypes.ConfigError(ErrMissingDependencies, "coordinator initialization failed")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cluster:      opts.Cluster,
		backend:      opts.Backend,
		registry:     registry.New(),
		logger:       logger.With("component", "coordinator"),
		metrics:      opts.Metrics,
		initializers: make(map[int]*initializer.Canonical),
		filters:      make(map[int]*filter.CounterFilter),
	}, nil
}

// InitTable registers a table and pushes its configuration to the PS cluster.
//
// Every argument check runs before the table is registered, so a rejected
// call leaves no trace. A failure of the init layer is returned unchanged;
// the table stays registered in that case.
func (c *Coordinator) InitTable(ctx context.Context, spec TableSpec) (*Snapshot, error) {
	desc, err := c.prepare(spec)
	if err != nil {
		c.metrics.RecordRegistrationFailure(string(errortypes.TypeOf(err)))
		errortypes.LogError(c.logger, err)
		return nil, err
	}

	id, err := c.registry.Register(desc)
	if err != nil {
		c.metrics.RecordRegistrationFailure(string(errortypes.TypeOf(err)))
		errortypes.LogError(c.logger, err)
		return nil, err
	}
	desc.TableID = id
	if desc.Initializer != nil {
		c.initializers[id] = desc.Initializer
	}
	if desc.Filter != nil {
		c.filters[id] = desc.Filter
	}
	c.metrics.RecordRegistration(c.registry.Len())
	c.logger.Info("Registered PS table",
		"table", desc.Name, "table_id", id, "bucket_size", desc.BucketSize,
		"slot_var_count", desc.SlotVarCount, "filter_mode", desc.FilterMode,
		"optimizer", desc.Optimizer.String())

	req := &layer.InitRequest{
		Cluster:         c.cluster,
		TableID:         id,
		TableName:       desc.Name,
		TrainMode:       desc.TrainMode,
		TrainLevel:      desc.TrainLevel,
		BucketSize:      desc.BucketSize,
		EmbeddingDim:    desc.EmbeddingDim,
		SlotVarCount:    desc.SlotVarCount,
		Initializer:     desc.Initializer,
		FilterMode:      desc.FilterMode,
		Filter:          desc.Filter,
		Optimizer:       desc.Optimizer.String(),
		OptimizerParams: desc.OptimizerParams,
		MaxFeatureCount: desc.MaxFeatureCount,
		Mode:            desc.Mode,
	}
	if err := c.call(layer.OpInit, func() error { return c.backend.InitTable(ctx, req) }); err != nil {
		return nil, err
	}
	return c.Snapshot(), nil
}

// prepare validates spec and builds the descriptor to register.
func (c *Coordinator) prepare(spec TableSpec) (*registry.TableDescriptor, error) {
	desc := &registry.TableDescriptor{
		Name:            spec.Name,
		VocabularySize:  spec.VocabularySize,
		EmbeddingDim:    spec.EmbeddingDim,
		MaxFeatureCount: spec.MaxFeatureCount,
		Mode:            spec.Mode,
	}
	if err := c.registry.Validate(desc); err != nil {
		return nil, err
	}

	mode, f, err := filter.Attach(spec.Filter)
	if err != nil {
		return nil, err
	}
	desc.FilterMode = mode
	desc.Filter = f

	if desc.Mode == "" {
		desc.Mode = ModeTrain
	}
	if desc.Mode != ModeTrain && desc.Mode != ModePredict {
		return nil, errortypes.ValidationError(ErrMode, "invalid table mode").WithField("mode", spec.Mode)
	}

	kind, err := optimizer.Parse(spec.Optimizer)
	if err != nil {
		return nil, err
	}
	desc.Optimizer = kind
	desc.SlotVarCount = kind.SlotVarCount()
	desc.TrainMode = kind.Trainable()
	if kind.Trainable() && spec.Initializer != nil {
		canonical, err := initializer.Normalize(spec.Initializer)
		if err != nil {
			return nil, err
		}
		desc.Initializer = canonical
		desc.TrainLevel = true
	}
	if desc.OptimizerParams, err = kind.ParamBuffer(spec.OptimizerParams); err != nil {
		return nil, err
	}

	desc.BucketSize = c.cluster.BucketSize(spec.VocabularySize)
	return desc, nil
}

// ExportCheckpoint saves embeddings and optimizer state of every table.
func (c *Coordinator) ExportCheckpoint(ctx context.Context, path string) error {
	req, err := c.batch(path, true, true)
	if err != nil {
		return err
	}
	return c.call(layer.OpExportCheckpoint, func() error { return c.backend.ExportCheckpoint(ctx, req) })
}

// ImportCheckpoint restores embeddings and optimizer state of every table.
func (c *Coordinator) ImportCheckpoint(ctx context.Context, path string) error {
	req, err := c.batch(path, true, false)
	if err != nil {
		return err
	}
	return c.call(layer.OpImportCheckpoint, func() error { return c.backend.ImportCheckpoint(ctx, req) })
}

// ExportTable saves the embedding values of every table.
func (c *Coordinator) ExportTable(ctx context.Context, path string) error {
	req, err := c.batch(path, false, true)
	if err != nil {
		return err
	}
	return c.call(layer.OpExportTable, func() error { return c.backend.ExportTable(ctx, req) })
}

// ImportTable restores the embedding values of every table.
func (c *Coordinator) ImportTable(ctx context.Context, path string) error {
	req, err := c.batch(path, false, false)
	if err != nil {
		return err
	}
	return c.call(layer.OpImportTable, func() error { return c.backend.ImportTable(ctx, req) })
}

// batch builds the parallel arrays for all tables in ascending table id.
// Checkpoint rows are padded with the optimizer slots and two housekeeping
// scalars; table rows are the bare embedding. Retention is disabled.
func (c *Coordinator) batch(path string, checkpoint, export bool) (*layer.BatchRequest, error) {
	if path == "" {
		return nil, errortypes.ValidationError(ErrEmptyPath, "file path can not be empty")
	}
	tables := c.registry.Tables()
	req := &layer.BatchRequest{
		EmbeddingDims: make([]int, 0, len(tables)),
		ValueLens:     make([]int, 0, len(tables)),
		TableNames:    make([]string, 0, len(tables)),
		TableIDs:      make([]int, 0, len(tables)),
		Path:          path,
	}
	if export {
		req.StepsToLive = make([]int, 0, len(tables))
	}
	for _, t := range tables {
		req.EmbeddingDims = append(req.EmbeddingDims, t.EmbeddingDim)
		if checkpoint {
			req.ValueLens = append(req.ValueLens, t.ValueTotalLen())
		} else {
			req.ValueLens = append(req.ValueLens, t.EmbeddingDim)
		}
		req.TableNames = append(req.TableNames, t.Name)
		req.TableIDs = append(req.TableIDs, t.TableID)
		if export {
			req.StepsToLive = append(req.StepsToLive, 0)
		}
	}
	return req, nil
}

// call runs one layer call, timing and logging it. The error is returned as is.
func (c *Coordinator) call(op string, fn func() error) error {
	c.logger.Debug("Calling layer", "op", op, "tables", c.registry.Len())
	start := time.Now()
	err := fn()
	c.metrics.RecordLayerCall(op, time.Since(start), err)
	if err != nil {
		c.logger.Error("Layer call failed", "op", op, "error", err)
		return err
	}
	c.logger.Debug("Layer call completed", "op", op, "duration", time.Since(start))
	return nil
}

// CounterFilter builds a counter filter and switches counter filtering on
// for the tables that attach it.
func (c *Coordinator) CounterFilter(filterFreq int, defaults ...filter.Default) (*filter.CounterFilter, error) {
	f, err := filter.NewCounterFilter(filterFreq, defaults...)
	if err != nil {
		return nil, err
	}
	c.useCounterFilter = true
	return f, nil
}

// CounterFilterFromValues is CounterFilter for untyped input.
func (c *Coordinator) CounterFilterFromValues(filterFreq, defaultKey, defaultValue any) (*filter.CounterFilter, error) {
	f, err := filter.FromValues(filterFreq, defaultKey, defaultValue)
	if err != nil {
		return nil, err
	}
	c.useCounterFilter = true
	return f, nil
}

// EmbeddingVariableOption wraps a counter filter into a variable option.
func (c *Coordinator) EmbeddingVariableOption(f *filter.CounterFilter) (*filter.EmbeddingVariableOption, error) {
	opt, err := filter.NewEmbeddingVariableOption(f)
	if err != nil {
		return nil, err
	}
	c.useCounterFilter = true
	return opt, nil
}

// UsesCounterFilter reports whether a counter filter has been built.
func (c *Coordinator) UsesCounterFilter() bool {
	return c.useCounterFilter
}

// Snapshot returns copies of the name to id, id to initializer and id to
// filter maps.
func (c *Coordinator) Snapshot() *Snapshot {
	s := &Snapshot{
		TableIDs:     c.registry.NameToID(),
		Initializers: make(map[int]*initializer.Canonical, len(c.initializers)),
		Filters:      make(map[int]*filter.CounterFilter, len(c.filters)),
	}
	for id, init := range c.initializers {
		cp := *init
		s.Initializers[id] = &cp
	}
	for id, f := range c.filters {
		cp := *f
		s.Filters[id] = &cp
	}
	return s
}

// Tables returns the registered tables in ascending table id.
func (c *Coordinator) Tables() []*registry.TableDescriptor {
	return c.registry.Tables()
}

// Table looks a table up by name.
func (c *Coordinator) Table(name string) (*registry.TableDescriptor, bool) {
	return c.registry.Lookup(name)
}

// ClusterConfig returns the cluster the coordinator was built for.
func (c *Coordinator) ClusterConfig() *cluster.Config {
	return c.cluster
}
