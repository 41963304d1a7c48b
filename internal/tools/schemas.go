// Package tools defines the request and response schemas of the embedding
// service MCP tools.
package tools

const (
	// ToolInitTable is the name of the init_table MCP tool
	ToolInitTable = "init_table"

	// ToolExportCheckpoint is the name of the export_checkpoint MCP tool
	ToolExportCheckpoint = "export_checkpoint"

	// ToolImportCheckpoint is the name of the import_checkpoint MCP tool
	ToolImportCheckpoint = "import_checkpoint"

	// ToolExportTable is the name of the export_table MCP tool
	ToolExportTable = "export_table"

	// ToolImportTable is the name of the import_table MCP tool
	ToolImportTable = "import_table"

	// ToolListTables is the name of the list_tables MCP tool
	ToolListTables = "list_tables"
)

// Response statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Initializer types accepted by InitializerSpec.Type
const (
	InitializerUniform         = "uniform"
	InitializerTruncatedNormal = "truncated_normal"
	InitializerConstant        = "constant"
	InitializerCanonical       = "canonical"
)

// InitializerSpec selects and parameterizes a table initializer.
type InitializerSpec struct {
	// Type is one of uniform, truncated_normal, constant or canonical
	Type string `json:"type"`

	// Scale bounds a uniform initializer to [-Scale, Scale]
	Scale float64 `json:"scale,omitempty"`

	// Mean and Stddev parameterize a truncated normal initializer
	Mean   float64 `json:"mean,omitempty"`
	Stddev float64 `json:"stddev,omitempty"`

	// Value is the fill value of a constant initializer
	Value float64 `json:"value,omitempty"`

	Seed int `json:"seed,omitempty"`

	// Canonical fields, used when Type is canonical
	InitializerMode string  `json:"initializer_mode,omitempty"`
	Min             float64 `json:"min,omitempty"`
	Max             float64 `json:"max,omitempty"`
	ConstantValue   float64 `json:"constant_value,omitempty"`
	Mu              float64 `json:"mu,omitempty"`
	Sigma           float64 `json:"sigma,omitempty"`
}

// CounterFilterSpec describes a counter filter. The fields are untyped so
// that type mismatches are reported by the service rather than the decoder.
type CounterFilterSpec struct {
	FilterFreq   any `json:"filter_freq"`
	DefaultKey   any `json:"default_key,omitempty"`
	DefaultValue any `json:"default_value,omitempty"`
}

// InitTableRequest defines the input schema for init_table tool
type InitTableRequest struct {
	Name string `json:"name"`

	// Required numeric fields are pointers so a missing value is told apart from zero
	VocabularySize  *int64 `json:"init_vocabulary_size"`
	EmbeddingDim    *int   `json:"embedding_dim"`
	MaxFeatureCount *int   `json:"max_feature_count"`

	// Initializer is only used with an optimizer; omit it to resume from a checkpoint
	Initializer *InitializerSpec `json:"initializer,omitempty"`

	Filter *CounterFilterSpec `json:"filter,omitempty"`

	// Optimizer is adam, adagrad, adamw or empty
	Optimizer       string    `json:"optimizer,omitempty"`
	OptimizerParams []float32 `json:"optimizer_param,omitempty"`

	// Mode is train (default) or predict
	Mode string `json:"mode,omitempty"`
}

// InitTableResponse defines the output schema for init_table tool
type InitTableResponse struct {
	// Status indicates the result of the operation ("success" or "error")
	Status string `json:"status"`

	TableID      int   `json:"table_id"`
	BucketSize   int64 `json:"bucket_size,omitempty"`
	SlotVarCount int   `json:"slot_var_count"`

	// TableIDs maps every table registered so far to its id
	TableIDs map[string]int `json:"table_ids,omitempty"`

	// Error contains an error message if Status is "error"
	Error string `json:"error,omitempty"`

	// Code classifies the error
	Code string `json:"code,omitempty"`
}

// PathRequest defines the input schema of the export and import tools
type PathRequest struct {
	// Path is the export directory, a local path or an afs URL
	Path string `json:"path"`
}

// StatusResponse defines the output schema of the export and import tools
type StatusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

// ListTablesRequest defines the input schema for list_tables tool
type ListTablesRequest struct{}

// TableInfo describes one registered table
type TableInfo struct {
	TableID         int     `json:"table_id"`
	Name            string  `json:"name"`
	VocabularySize  int64   `json:"init_vocabulary_size"`
	EmbeddingDim    int     `json:"embedding_dim"`
	MaxFeatureCount int     `json:"max_feature_count"`
	BucketSize      int64   `json:"bucket_size"`
	SlotVarCount    int     `json:"slot_var_count"`
	ValueTotalLen   int     `json:"value_total_len"`
	Optimizer       string  `json:"optimizer,omitempty"`
	FilterMode      string  `json:"filter_mode"`
	Mode            string  `json:"mode"`
	TrainLevel      bool    `json:"train_level"`
	InitializerMode *string `json:"initializer_mode,omitempty"`
}

// ListTablesResponse defines the output schema for list_tables tool
type ListTablesResponse struct {
	Status            string      `json:"status"`
	PSCount           int         `json:"ps_count"`
	UsesCounterFilter bool        `json:"uses_counter_filter"`
	Tables            []TableInfo `json:"tables"`
	Error             string      `json:"error,omitempty"`
	Code              string      `json:"code,omitempty"`
}
