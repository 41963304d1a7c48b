package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/localrivet/embedservice/internal/cluster"
	"github.com/localrivet/embedservice/internal/errortypes"
	"github.com/localrivet/embedservice/internal/filter"
	"github.com/localrivet/embedservice/internal/initializer"
	"github.com/localrivet/embedservice/internal/layer"
	"github.com/localrivet/embedservice/internal/registry"
	"github.com/localrivet/embedservice/internal/telemetry"
)

// recordingBackend captures every layer call.
type recordingBackend struct {
	inits   []*layer.InitRequest
	batches map[string][]*layer.BatchRequest
	err     error
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{batches: make(map[string][]*layer.BatchRequest)}
}

func (b *recordingBackend) InitTable(_ context.Context, req *layer.InitRequest) error {
	b.inits = append(b.inits, req)
	return b.err
}

func (b *recordingBackend) record(op string, req *layer.BatchRequest) error {
	b.batches[op] = append(b.batches[op], req)
	return b.err
}

func (b *recordingBackend) ExportCheckpoint(_ context.Context, req *layer.BatchRequest) error {
	return b.record(layer.OpExportCheckpoint, req)
}

func (b *recordingBackend) ImportCheckpoint(_ context.Context, req *layer.BatchRequest) error {
	return b.record(layer.OpImportCheckpoint, req)
}

func (b *recordingBackend) ExportTable(_ context.Context, req *layer.BatchRequest) error {
	return b.record(layer.OpExportTable, req)
}

func (b *recordingBackend) ImportTable(_ context.Context, req *layer.BatchRequest) error {
	return b.record(layer.OpImportTable, req)
}

func twoPSCluster(t *testing.T) *cluster.Config {
	t.Helper()
	cfg, err := cluster.Load([]byte(`{"psNum":2,"psCluster":[
		{"id":0,"ctrlPanel":{"ipaddr":"10.0.0.1"}},
		{"id":1,"ctrlPanel":{"ipaddr":"10.0.0.2"}}]}`))
	if err != nil {
		t.Fatalf("cluster.Load() error = %v", err)
	}
	return cfg
}

func newCoordinator(t *testing.T) (*Coordinator, *recordingBackend) {
	t.Helper()
	backend := newRecordingBackend()
	c, err := New(Options{Cluster: twoPSCluster(t), Backend: backend, Metrics: telemetry.NewMetrics()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, backend
}

func spec(name string) TableSpec {
	return TableSpec{Name: name, VocabularySize: 1000, EmbeddingDim: 8, MaxFeatureCount: 4}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Options{}); !errortypes.IsConfigError(err) {
		t.Errorf("New() error = %v, want config error", err)
	}
}

func TestInitTableAdagradScenario(t *testing.T) {
	c, backend := newCoordinator(t)

	s := spec("emb_a")
	s.Optimizer = "adagrad"
	s.OptimizerParams = []float32{0.1}
	snap, err := c.InitTable(context.Background(), s)
	if err != nil {
		t.Fatalf("InitTable() error = %v", err)
	}
	if len(backend.inits) != 1 {
		t.Fatalf("init calls = %d, want 1", len(backend.inits))
	}

	got := backend.inits[0]
	want := &layer.InitRequest{
		Cluster:         c.ClusterConfig(),
		TableID:         0,
		TableName:       "emb_a",
		TrainMode:       true,
		TrainLevel:      false,
		BucketSize:      500,
		EmbeddingDim:    8,
		SlotVarCount:    1,
		FilterMode:      filter.ModeNone,
		Optimizer:       "adagrad",
		OptimizerParams: []float32{0.1},
		MaxFeatureCount: 4,
		Mode:            ModeTrain,
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(cluster.Config{})); diff != "" {
		t.Errorf("init request mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]int{"emb_a": 0}, snap.TableIDs); diff != "" {
		t.Errorf("snapshot ids mismatch (-want +got):\n%s", diff)
	}
}

func TestInitTableTrainLevel(t *testing.T) {
	c, backend := newCoordinator(t)

	s := spec("emb")
	s.Optimizer = "adam"
	s.OptimizerParams = []float32{0.5, 0.7}
	s.Initializer = initializer.TruncatedNormal{Mean: 0.1, Sigma: 0.2, Seed: 3}
	snap, err := c.InitTable(context.Background(), s)
	if err != nil {
		t.Fatalf("InitTable() error = %v", err)
	}

	req := backend.inits[0]
	if !req.TrainMode || !req.TrainLevel {
		t.Errorf("train flags = %v/%v, want true/true", req.TrainMode, req.TrainLevel)
	}
	if req.SlotVarCount != 2 {
		t.Errorf("SlotVarCount = %d, want 2", req.SlotVarCount)
	}
	if diff := cmp.Diff([]float32{0}, req.OptimizerParams); diff != "" {
		t.Errorf("adam params mismatch (-want +got):\n%s", diff)
	}
	wantInit := &initializer.Canonical{Mode: initializer.ModeTruncatedNormal, Min: -0.01, Max: 0.01,
		ConstantValue: 1, Mu: 0.1, Sigma: 0.2, Seed: 3}
	if diff := cmp.Diff(wantInit, req.Initializer); diff != "" {
		t.Errorf("initializer mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[int]*initializer.Canonical{0: wantInit}, snap.Initializers); diff != "" {
		t.Errorf("snapshot initializers mismatch (-want +got):\n%s", diff)
	}
}

func TestInitTableWithoutOptimizer(t *testing.T) {
	c, backend := newCoordinator(t)

	s := spec("frozen")
	s.Initializer = initializer.Default()
	s.OptimizerParams = []float32{1, 2, 3}
	if _, err := c.InitTable(context.Background(), s); err != nil {
		t.Fatalf("InitTable() error = %v", err)
	}
	req := backend.inits[0]
	if req.TrainMode || req.TrainLevel || req.SlotVarCount != 0 {
		t.Errorf("got train=%v level=%v slots=%d, want false/false/0", req.TrainMode, req.TrainLevel, req.SlotVarCount)
	}
	if req.Initializer != nil {
		t.Errorf("Initializer = %+v, want nil", req.Initializer)
	}
	if len(req.OptimizerParams) != 0 {
		t.Errorf("OptimizerParams = %v, want none", req.OptimizerParams)
	}
}

func TestInitTableDenseIDs(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	bad := spec("bad")
	bad.EmbeddingDim = 0
	for i := 0; i < registry.MaxTables; i++ {
		if _, err := c.InitTable(ctx, bad); !errortypes.IsValidationError(err) {
			t.Fatalf("InitTable(bad) error = %v, want validation error", err)
		}
		snap, err := c.InitTable(ctx, spec(fmt.Sprintf("t%d", i)))
		if err != nil {
			t.Fatalf("InitTable(t%d) error = %v", i, err)
		}
		if id := snap.TableIDs[fmt.Sprintf("t%d", i)]; id != i {
			t.Errorf("t%d id = %d, want %d", i, id, i)
		}
	}

	_, err := c.InitTable(ctx, spec("eleventh"))
	if !errortypes.IsCapacityError(err) {
		t.Errorf("11th InitTable() error = %v, want capacity error", err)
	}
}

func TestInitTableRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TableSpec)
		check  func(error) bool
		target error
	}{
		{"missing name", func(s *TableSpec) { s.Name = "" }, errortypes.IsValidationError, registry.ErrMissingName},
		{"negative vocabulary", func(s *TableSpec) { s.VocabularySize = -1 }, errortypes.IsValidationError, registry.ErrVocabularySize},
		{"zero max feature", func(s *TableSpec) { s.MaxFeatureCount = 0 }, errortypes.IsValidationError, registry.ErrMaxFeatureCount},
		{"vocabulary too large", func(s *TableSpec) { s.VocabularySize = 1<<31 - 1 }, errortypes.IsCapacityError, registry.ErrVocabularyTooLarge},
		{"unknown optimizer", func(s *TableSpec) { s.Optimizer = "sgd" }, errortypes.IsValidationError, nil},
		{"adagrad without params", func(s *TableSpec) { s.Optimizer = "adagrad" }, errortypes.IsValidationError, nil},
		{"adagrad with two params", func(s *TableSpec) {
			s.Optimizer = "adagrad"
			s.OptimizerParams = []float32{0.1, 0.2}
		}, errortypes.IsValidationError, nil},
		{"bad mode", func(s *TableSpec) { s.Mode = "serve" }, errortypes.IsValidationError, ErrMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, backend := newCoordinator(t)
			s := spec("emb")
			tt.mutate(&s)
			_, err := c.InitTable(context.Background(), s)
			if !tt.check(err) {
				t.Fatalf("InitTable() error = %v, wrong kind", err)
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("InitTable() error = %v, want %v", err, tt.target)
			}
			if len(backend.inits) != 0 || len(c.Tables()) != 0 {
				t.Errorf("rejected call left state: inits=%d tables=%d", len(backend.inits), len(c.Tables()))
			}
		})
	}
}

type foreignInitializer struct{}

func (foreignInitializer) Kind() initializer.Kind { return initializer.Kind(99) }

func TestInitTableInitializerTypeError(t *testing.T) {
	c, _ := newCoordinator(t)
	s := spec("emb")
	s.Optimizer = "adam"
	s.Initializer = foreignInitializer{}
	if _, err := c.InitTable(context.Background(), s); !errortypes.IsTypeError(err) {
		t.Errorf("InitTable() error = %v, want type error", err)
	}
	if _, ok := c.Table("emb"); ok {
		t.Error("table registered despite type error")
	}
}

func TestDuplicateKeepsFirstDescriptor(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()
	if _, err := c.InitTable(ctx, spec("emb_a")); err != nil {
		t.Fatal(err)
	}
	before, _ := c.Table("emb_a")

	again := spec("emb_a")
	again.EmbeddingDim = 64
	if _, err := c.InitTable(ctx, again); !errortypes.IsDuplicateNameError(err) {
		t.Fatalf("InitTable() error = %v, want duplicate name error", err)
	}
	after, _ := c.Table("emb_a")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("first descriptor changed (-before +after):\n%s", diff)
	}
}

func TestInitTableCounterFilter(t *testing.T) {
	c, backend := newCoordinator(t)
	ctx := context.Background()

	if c.UsesCounterFilter() {
		t.Fatal("counter filter enabled before any was built")
	}
	f, err := c.CounterFilter(5, filter.WithDefaultKey(3))
	if err != nil {
		t.Fatalf("CounterFilter() error = %v", err)
	}
	if !c.UsesCounterFilter() {
		t.Error("UsesCounterFilter() = false after CounterFilter")
	}
	opt, err := c.EmbeddingVariableOption(f)
	if err != nil {
		t.Fatal(err)
	}

	withFilter := spec("filtered")
	withFilter.Filter = opt
	if _, err := c.InitTable(ctx, withFilter); err != nil {
		t.Fatalf("InitTable(filtered) error = %v", err)
	}
	snap, err := c.InitTable(ctx, spec("plain"))
	if err != nil {
		t.Fatal(err)
	}

	if backend.inits[0].FilterMode != filter.ModeCounter || backend.inits[1].FilterMode != filter.ModeNone {
		t.Errorf("filter modes = %q, %q", backend.inits[0].FilterMode, backend.inits[1].FilterMode)
	}
	key := int64(3)
	want := map[int]*filter.CounterFilter{0: {FilterFreq: 5, DefaultKey: &key, DefaultKeyOrValue: true}}
	if diff := cmp.Diff(want, snap.Filters); diff != "" {
		t.Errorf("snapshot filters mismatch (-want +got):\n%s", diff)
	}

	if _, err := c.CounterFilterFromValues(5, nil, nil); !errortypes.IsValidationError(err) {
		t.Errorf("CounterFilterFromValues(5) error = %v, want validation error", err)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	c, _ := newCoordinator(t)
	snap, err := c.InitTable(context.Background(), spec("emb"))
	if err != nil {
		t.Fatal(err)
	}
	snap.TableIDs["intruder"] = 7
	if _, ok := c.Snapshot().TableIDs["intruder"]; ok {
		t.Error("snapshot mutation leaked into coordinator")
	}
}

func TestExportImportBatches(t *testing.T) {
	c, backend := newCoordinator(t)
	ctx := context.Background()

	a := spec("emb_a")
	a.Optimizer = "adagrad"
	a.OptimizerParams = []float32{0.1}
	b := spec("emb_b")
	b.EmbeddingDim = 4
	b.Optimizer = "adam"
	for _, s := range []TableSpec{a, b, spec("emb_c")} {
		if _, err := c.InitTable(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.ExportCheckpoint(ctx, "/ckpt"); err != nil {
		t.Fatalf("ExportCheckpoint() error = %v", err)
	}
	if err := c.ImportCheckpoint(ctx, "/ckpt"); err != nil {
		t.Fatalf("ImportCheckpoint() error = %v", err)
	}
	if err := c.ExportTable(ctx, "/tbl"); err != nil {
		t.Fatalf("ExportTable() error = %v", err)
	}
	if err := c.ImportTable(ctx, "/tbl"); err != nil {
		t.Fatalf("ImportTable() error = %v", err)
	}

	names := []string{"emb_a", "emb_b", "emb_c"}
	ids := []int{0, 1, 2}
	dims := []int{8, 4, 8}
	want := map[string][]*layer.BatchRequest{
		layer.OpExportCheckpoint: {{EmbeddingDims: dims, ValueLens: []int{18, 14, 10}, TableNames: names,
			TableIDs: ids, Path: "/ckpt", StepsToLive: []int{0, 0, 0}}},
		layer.OpImportCheckpoint: {{EmbeddingDims: dims, ValueLens: []int{18, 14, 10}, TableNames: names,
			TableIDs: ids, Path: "/ckpt"}},
		layer.OpExportTable: {{EmbeddingDims: dims, ValueLens: dims, TableNames: names,
			TableIDs: ids, Path: "/tbl", StepsToLive: []int{0, 0, 0}}},
		layer.OpImportTable: {{EmbeddingDims: dims, ValueLens: dims, TableNames: names,
			TableIDs: ids, Path: "/tbl"}},
	}
	if diff := cmp.Diff(want, backend.batches); diff != "" {
		t.Errorf("batch calls mismatch (-want +got):\n%s", diff)
	}
}

func TestExportEmptyPath(t *testing.T) {
	c, backend := newCoordinator(t)
	if err := c.ExportCheckpoint(context.Background(), ""); !errortypes.IsValidationError(err) {
		t.Errorf("ExportCheckpoint(\"\") error = %v, want validation error", err)
	}
	if len(backend.batches) != 0 {
		t.Errorf("layer called %d times, want 0", len(backend.batches))
	}
}

func TestExportWithoutTables(t *testing.T) {
	c, backend := newCoordinator(t)
	if err := c.ExportTable(context.Background(), "/tbl"); err != nil {
		t.Fatal(err)
	}
	calls := backend.batches[layer.OpExportTable]
	if len(calls) != 1 || calls[0].Len() != 0 {
		t.Errorf("empty export calls = %+v, want one empty batch", calls)
	}
}

func TestLayerErrorsPropagateUnchanged(t *testing.T) {
	c, backend := newCoordinator(t)
	ctx := context.Background()
	psDown := errors.New("ps 1 unreachable")
	backend.err = psDown

	if _, err := c.InitTable(ctx, spec("emb")); err != psDown {
		t.Errorf("InitTable() error = %v, want %v", err, psDown)
	}
	if _, ok := c.Table("emb"); !ok {
		t.Error("table should stay registered after init layer failure")
	}
	if err := c.ExportCheckpoint(ctx, "/ckpt"); err != psDown {
		t.Errorf("ExportCheckpoint() error = %v, want %v", err, psDown)
	}
	if err := c.ImportTable(ctx, "/tbl"); err != psDown {
		t.Errorf("ImportTable() error = %v, want %v", err, psDown)
	}
}
