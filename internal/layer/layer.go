// Package layer defines the outbound calls the coordinator makes to push
// table configuration to the PS cluster and to persist or restore table data.
// Implementations fan out to every PS and block until the cluster-wide
// operation completes or fails.
package layer

import (
	"context"
	"errors"
	"fmt"

	"github.com/localrivet/embedservice/internal/cluster"
	"github.com/localrivet/embedservice/internal/filter"
	"github.com/localrivet/embedservice/internal/initializer"
)

// Operation names, used for logging and metrics.
const (
	OpInit             = "init"
	OpExportCheckpoint = "ckpt_export"
	OpImportCheckpoint = "ckpt_import"
	OpExportTable      = "table_export"
	OpImportTable      = "table_import"
)

// ErrMisaligned reports parallel arrays of different lengths.
var ErrMisaligned = errors.New("layer: parallel arrays differ in length")

// InitRequest carries the full configuration of one table.
type InitRequest struct {
	Cluster         *cluster.Config
	TableID         int
	TableName       string
	TrainMode       bool
	TrainLevel      bool
	BucketSize      int64
	EmbeddingDim    int
	SlotVarCount    int
	Initializer     *initializer.Canonical
	FilterMode      filter.Mode
	Filter          *filter.CounterFilter
	Optimizer       string
	OptimizerParams []float32
	MaxFeatureCount int
	Mode            string
}

// BatchRequest covers every registered table in ascending table id. The
// slices are parallel: index i of each describes the same table.
//
// For checkpoints ValueLens holds the full row width including optimizer
// slots; for table exports it equals EmbeddingDims. StepsToLive is only set
// on exports.
type BatchRequest struct {
	EmbeddingDims []int
	ValueLens     []int
	TableNames    []string
	TableIDs      []int
	Path          string
	StepsToLive   []int
}

// Len returns the number of tables in the batch.
func (r *BatchRequest) Len() int {
	return len(r.TableIDs)
}

// Validate checks that the parallel arrays line up.
func (r *BatchRequest) Validate() error {
	n := len(r.TableIDs)
	if len(r.EmbeddingDims) != n || len(r.ValueLens) != n || len(r.TableNames) != n {
		return fmt.Errorf("%w: ids=%d dims=%d lens=%d names=%d", ErrMisaligned,
			n, len(r.EmbeddingDims), len(r.ValueLens), len(r.TableNames))
	}
	if r.StepsToLive != nil && len(r.StepsToLive) != n {
		return fmt.Errorf("%w: ids=%d steps_to_live=%d", ErrMisaligned, n, len(r.StepsToLive))
	}
	return nil
}

// Initializer pushes one table's configuration to the PS cluster.
type Initializer interface {
	InitTable(ctx context.Context, req *InitRequest) error
}

// CheckpointLayer persists and restores embeddings with optimizer state.
type CheckpointLayer interface {
	ExportCheckpoint(ctx context.Context, req *BatchRequest) error
	ImportCheckpoint(ctx context.Context, req *BatchRequest) error
}

// TableLayer persists and restores embedding values only.
type TableLayer interface {
	ExportTable(ctx context.Context, req *BatchRequest) error
	ImportTable(ctx context.Context, req *BatchRequest) error
}

// Backend is the full set of layers the coordinator drives.
type Backend interface {
	Initializer
	CheckpointLayer
	TableLayer
}
