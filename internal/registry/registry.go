// Package registry assigns table ids and keeps the metadata of every PS
// embedding table registered with the coordinator.
package registry

import (
	"errors"
	"math"
	"strings"

	"github.com/localrivet/embedservice/internal/errortypes"
	"github.com/localrivet/embedservice/internal/filter"
	"github.com/localrivet/embedservice/internal/initializer"
	"github.com/localrivet/embedservice/internal/optimizer"
)

const (
	// MaxTables is the most PS tables that can be live at once.
	MaxTables = 10

	// MaxVocabularySize is the exclusive upper bound on a vocabulary.
	MaxVocabularySize = math.MaxInt32
)

var (
	ErrMissingName        = errors.New("registry: table name is required")
	ErrTableName          = errors.New("registry: table name can not contain path separators or ..")
	ErrVocabularySize     = errors.New("registry: invalid vocabulary size")
	ErrEmbeddingDim       = errors.New("registry: invalid embedding dim")
	ErrMaxFeatureCount    = errors.New("registry: invalid max feature count")
	ErrVocabularyTooLarge = errors.New("registry: vocabulary size exceeds int32 max value")
	ErrDuplicateName      = errors.New("registry: table has been initialized")
	ErrTooManyTables      = errors.New("registry: too many PS tables")
)

// TableDescriptor is the metadata of one registered table. It is filled in
// by the coordinator and frozen by Register.
type TableDescriptor struct {
	TableID         int
	Name            string
	VocabularySize  int64
	EmbeddingDim    int
	MaxFeatureCount int
	BucketSize      int64
	SlotVarCount    int
	Optimizer       optimizer.Kind
	OptimizerParams []float32
	Initializer     *initializer.Canonical
	FilterMode      filter.Mode
	Filter          *filter.CounterFilter
	TrainMode       bool
	TrainLevel      bool
	Mode            string
}

// ValueTotalLen is the checkpoint row width: the embedding, one vector per
// optimizer slot, and two housekeeping scalars.
func (d *TableDescriptor) ValueTotalLen() int {
	return d.EmbeddingDim*(d.SlotVarCount+1) + 2
}

func (d *TableDescriptor) clone() *TableDescriptor {
	cp := *d
	cp.OptimizerParams = append([]float32(nil), d.OptimizerParams...)
	if d.Initializer != nil {
		init := *d.Initializer
		cp.Initializer = &init
	}
	if d.Filter != nil {
		f := *d.Filter
		cp.Filter = &f
	}
	return &cp
}

// Registry holds registered tables in id order. It is not safe for
// concurrent use; the owner serializes calls.
type Registry struct {
	tables []*TableDescriptor
	byName map[string]int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// ValidateName checks that name is set and can name a directory of its own.
// PS exports write each table under a directory named after it.
func ValidateName(name string) error {
	if name == "" {
		return errortypes.ValidationError(ErrMissingName, "table name, init_vocabulary_size and embedding_dim can not be None")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return errortypes.ValidationError(ErrTableName, "invalid table name").WithField("table", name)
	}
	return nil
}

// ValidateCommon checks the parameters every table needs.
func ValidateCommon(name string, vocabularySize int64, embeddingDim int) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if vocabularySize < 0 {
		return errortypes.ValidationError(ErrVocabularySize, "init_vocabulary_size can not be smaller than zero").
			WithField("init_vocabulary_size", vocabularySize)
	}
	if embeddingDim <= 0 {
		return errortypes.ValidationError(ErrEmbeddingDim, "embedding_dim must be greater than zero").
			WithField("embedding_dim", embeddingDim)
	}
	return nil
}

// Validate runs every registration check without mutating the registry.
func (r *Registry) Validate(d *TableDescriptor) error {
	if err := ValidateCommon(d.Name, d.VocabularySize, d.EmbeddingDim); err != nil {
		return err
	}
	if d.MaxFeatureCount <= 0 {
		return errortypes.ValidationError(ErrMaxFeatureCount, "for ps table, max_feature_count must be greater than zero").
			WithField("max_feature_count", d.MaxFeatureCount)
	}
	if d.VocabularySize >= MaxVocabularySize {
		return errortypes.CapacityError(ErrVocabularyTooLarge, "init_vocabulary_size exceeds int32 max value").
			WithField("init_vocabulary_size", d.VocabularySize)
	}
	if _, ok := r.byName[d.Name]; ok {
		return errortypes.DuplicateNameError(ErrDuplicateName, "this table has been initialized").
			WithField("table", d.Name)
	}
	if len(r.tables) >= MaxTables {
		return errortypes.CapacityError(ErrTooManyTables, "now only 10 PS embedding tables can be init").
			WithField("table", d.Name)
	}
	return nil
}

// Register validates d, assigns it the next dense table id and stores a
// copy. On error nothing is recorded and no id is consumed.
func (r *Registry) Register(d *TableDescriptor) (int, error) {
	if err := r.Validate(d); err != nil {
		return 0, err
	}
	stored := d.clone()
	stored.TableID = len(r.tables)
	r.tables = append(r.tables, stored)
	r.byName[stored.Name] = stored.TableID
	return stored.TableID, nil
}

// Len returns the number of registered tables.
func (r *Registry) Len() int {
	return len(r.tables)
}

// Get returns a copy of the descriptor with the given id.
func (r *Registry) Get(id int) (*TableDescriptor, bool) {
	if id < 0 || id >= len(r.tables) {
		return nil, false
	}
	return r.tables[id].clone(), true
}

// Lookup returns a copy of the descriptor registered under name.
func (r *Registry) Lookup(name string) (*TableDescriptor, bool) {
	id, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.Get(id)
}

// Tables returns copies of all descriptors in ascending table id.
func (r *Registry) Tables() []*TableDescriptor {
	out := make([]*TableDescriptor, len(r.tables))
	for i, d := range r.tables {
		out[i] = d.clone()
	}
	return out
}

// NameToID returns a snapshot of the name to id mapping.
func (r *Registry) NameToID() map[string]int {
	out := make(map[string]int, len(r.byName))
	for k, v := range r.byName {
		out[k] = v
	}
	return out
}
