package psstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/localrivet/embedservice/internal/cluster"
	"github.com/localrivet/embedservice/internal/errortypes"
	"github.com/localrivet/embedservice/internal/filter"
	"github.com/localrivet/embedservice/internal/layer"
	"github.com/localrivet/embedservice/internal/registry"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func twoPS(t *testing.T) *cluster.Config {
	t.Helper()
	cfg, err := cluster.Load([]byte(`{"psNum":2,"psCluster":[
		{"id":0,"ctrlPanel":{"ipaddr":"10.0.0.1"}},
		{"id":1,"ctrlPanel":{"ipaddr":"10.0.0.2"}}]}`))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

// initTables registers emb_a (dim 2, adagrad) and emb_b (dim 3, no optimizer).
func initTables(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	reqs := []*layer.InitRequest{
		{Cluster: twoPS(t), TableID: 0, TableName: "emb_a", TrainMode: true, BucketSize: 500,
			EmbeddingDim: 2, SlotVarCount: 1, FilterMode: filter.ModeNone, Optimizer: "adagrad",
			OptimizerParams: []float32{0.1}, MaxFeatureCount: 4, Mode: "train"},
		{Cluster: twoPS(t), TableID: 1, TableName: "emb_b", BucketSize: 50,
			EmbeddingDim: 3, FilterMode: filter.ModeNone, MaxFeatureCount: 4, Mode: "predict"},
	}
	for _, req := range reqs {
		if err := s.InitTable(ctx, req); err != nil {
			t.Fatalf("InitTable(%s) error = %v", req.TableName, err)
		}
	}
}

func checkpointBatch(path string, export bool) *layer.BatchRequest {
	req := &layer.BatchRequest{
		EmbeddingDims: []int{2, 3},
		ValueLens:     []int{2*2 + 2, 3 + 2},
		TableNames:    []string{"emb_a", "emb_b"},
		TableIDs:      []int{0, 1},
		Path:          path,
	}
	if export {
		req.StepsToLive = []int{0, 0}
	}
	return req
}

func tableBatch(path string, export bool) *layer.BatchRequest {
	req := checkpointBatch(path, export)
	req.ValueLens = []int{2, 3}
	return req
}

func TestInitTableRecordsShards(t *testing.T) {
	s := openStore(t)
	initTables(t, s)

	rec, ok, err := s.Table(0)
	if err != nil || !ok {
		t.Fatalf("Table(0) = %v, %v", ok, err)
	}
	if rec.Name != "emb_a" || rec.RowWidth() != 6 || rec.Optimizer != "adagrad" {
		t.Errorf("Table(0) = %+v", rec)
	}
	if diff := cmp.Diff([]float32{0.1}, rec.OptimizerParams); diff != "" {
		t.Errorf("optimizer params mismatch (-want +got):\n%s", diff)
	}

	shards, err := s.Shards(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(shards) != 2 || shards[0].PSID != 0 || shards[1].PSID != 1 || shards[0].BucketSize != 500 {
		t.Errorf("Shards(0) = %+v", shards)
	}

	// re-init replaces the previous layout and data
	if err := s.SetShardValues(0, 1, []float32{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatal(err)
	}
	initTables(t, s)
	shards, _ = s.Shards(0)
	if shards[1].Rows() != 0 {
		t.Errorf("re-init kept %d rows", shards[1].Rows())
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src := openStore(t)
	initTables(t, src)
	rowsA := []float32{1, 2, 0.5, 0.5, 7, 1, 3, 4, 0.25, 0.25, 7, 2}
	if err := src.SetShardValues(0, 1, rowsA); err != nil {
		t.Fatalf("SetShardValues() error = %v", err)
	}
	if err := src.ExportCheckpoint(ctx, checkpointBatch(dir, true)); err != nil {
		t.Fatalf("ExportCheckpoint() error = %v", err)
	}

	for _, name := range []string{ManifestName, "emb_a/ps_0.bin", "emb_a/ps_1.bin", "emb_b/ps_1.bin"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing export file %s: %v", name, err)
		}
	}

	dst := openStore(t)
	initTables(t, dst)
	if err := dst.ImportCheckpoint(ctx, checkpointBatch(dir, false)); err != nil {
		t.Fatalf("ImportCheckpoint() error = %v", err)
	}
	shards, _ := dst.Shards(0)
	if diff := cmp.Diff(rowsA, shards[1].Values); diff != "" {
		t.Errorf("imported rows mismatch (-want +got):\n%s", diff)
	}
	rec, _, _ := dst.Table(0)
	if rec.ImportedFrom != dir {
		t.Errorf("ImportedFrom = %q, want %q", rec.ImportedFrom, dir)
	}
}

func TestTableExportKeepsEmbeddingsOnly(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t)
	initTables(t, s)
	if err := s.SetShardValues(0, 0, []float32{1, 2, 0.5, 0.5, 7, 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.ExportTable(ctx, tableBatch(dir, true)); err != nil {
		t.Fatalf("ExportTable() error = %v", err)
	}

	// training moves on, then the embeddings are restored
	if err := s.SetShardValues(0, 0, []float32{9, 9, 0.75, 0.75, 8, 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.ImportTable(ctx, tableBatch(dir, false)); err != nil {
		t.Fatalf("ImportTable() error = %v", err)
	}
	shards, _ := s.Shards(0)
	if diff := cmp.Diff([]float32{1, 2, 0.75, 0.75, 8, 1}, shards[0].Values); diff != "" {
		t.Errorf("rows after table import mismatch (-want +got):\n%s", diff)
	}
}

func TestImportRejections(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStore(t)
	initTables(t, s)
	if err := s.SetShardValues(0, 0, []float32{1, 2, 0.5, 0.5, 7, 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.ExportCheckpoint(ctx, checkpointBatch(dir, true)); err != nil {
		t.Fatal(err)
	}

	if err := s.ImportTable(ctx, tableBatch(dir, false)); !errors.Is(err, ErrKindMismatch) {
		t.Errorf("ImportTable(ckpt export) error = %v, want ErrKindMismatch", err)
	}
	if err := s.ImportCheckpoint(ctx, checkpointBatch(t.TempDir(), false)); !errors.Is(err, ErrNoManifest) {
		t.Errorf("ImportCheckpoint(empty dir) error = %v, want ErrNoManifest", err)
	}

	renamed := checkpointBatch(dir, false)
	renamed.TableNames = []string{"emb_a", "emb_c"}
	if err := s.ImportCheckpoint(ctx, renamed); !errors.Is(err, ErrTableMismatch) {
		t.Errorf("ImportCheckpoint(renamed) error = %v, want ErrTableMismatch", err)
	}

	shard := filepath.Join(dir, "emb_a", "ps_0.bin")
	data, err := os.ReadFile(shard)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(shard, data, 0o644); err != nil {
		t.Fatal(err)
	}
	err = s.ImportCheckpoint(ctx, checkpointBatch(dir, false))
	if !errors.Is(err, ErrChecksum) || !errortypes.IsValidationError(err) {
		t.Errorf("ImportCheckpoint(corrupt) error = %v, want ErrChecksum", err)
	}
	shards, _ := s.Shards(0)
	if diff := cmp.Diff([]float32{1, 2, 0.5, 0.5, 7, 1}, shards[0].Values); diff != "" {
		t.Errorf("failed import changed rows (-want +got):\n%s", diff)
	}
}

func TestExportRejectsBadBatches(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	initTables(t, s)

	unordered := checkpointBatch(t.TempDir(), true)
	unordered.TableIDs = []int{1, 0}
	if err := s.ExportCheckpoint(ctx, unordered); !errors.Is(err, ErrUnordered) {
		t.Errorf("unordered export error = %v, want ErrUnordered", err)
	}

	misaligned := checkpointBatch(t.TempDir(), true)
	misaligned.ValueLens = []int{6}
	if err := s.ExportCheckpoint(ctx, misaligned); !errors.Is(err, layer.ErrMisaligned) {
		t.Errorf("misaligned export error = %v, want ErrMisaligned", err)
	}

	wrongLen := tableBatch(t.TempDir(), true)
	if err := s.ExportCheckpoint(ctx, wrongLen); !errors.Is(err, ErrValueLen) {
		t.Errorf("table value lens on checkpoint error = %v, want ErrValueLen", err)
	}

	unknown := &layer.BatchRequest{EmbeddingDims: []int{2}, ValueLens: []int{2}, TableNames: []string{"x"},
		TableIDs: []int{7}, Path: t.TempDir()}
	if err := s.ExportTable(ctx, unknown); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("unknown table export error = %v, want ErrUnknownTable", err)
	}
}

func TestInitTableRequiresCluster(t *testing.T) {
	s := openStore(t)
	err := s.InitTable(context.Background(), &layer.InitRequest{TableID: 0, TableName: "x", EmbeddingDim: 1})
	if !errors.Is(err, ErrNoCluster) {
		t.Errorf("InitTable() error = %v, want ErrNoCluster", err)
	}
}

func TestInitTableRejectsPathNames(t *testing.T) {
	s := openStore(t)
	for _, name := range []string{"../../escaped", "a/b", `a\b`} {
		err := s.InitTable(context.Background(), &layer.InitRequest{
			Cluster: twoPS(t), TableID: 0, TableName: name, BucketSize: 10, EmbeddingDim: 1,
		})
		if !errors.Is(err, registry.ErrTableName) || !errortypes.IsValidationError(err) {
			t.Errorf("InitTable(%q) error = %v, want ErrTableName", name, err)
		}
	}
	if _, ok, _ := s.Table(0); ok {
		t.Error("rejected table was recorded")
	}
}

func TestImportRejectsShardLargerThanBucket(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src := openStore(t)
	initTables(t, src)
	rows := []float32{1, 2, 0.5, 0.5, 7, 1, 3, 4, 0.25, 0.25, 7, 2, 5, 6, 0.125, 0.125, 7, 3}
	if err := src.SetShardValues(0, 0, rows); err != nil {
		t.Fatal(err)
	}
	if err := src.ExportCheckpoint(ctx, checkpointBatch(dir, true)); err != nil {
		t.Fatal(err)
	}

	dst := openStore(t)
	initTables(t, dst)
	small := &layer.InitRequest{Cluster: twoPS(t), TableID: 0, TableName: "emb_a", TrainMode: true, BucketSize: 2,
		EmbeddingDim: 2, SlotVarCount: 1, FilterMode: filter.ModeNone, Optimizer: "adagrad",
		OptimizerParams: []float32{0.1}, MaxFeatureCount: 4, Mode: "train"}
	if err := dst.InitTable(ctx, small); err != nil {
		t.Fatal(err)
	}

	err := dst.ImportCheckpoint(ctx, checkpointBatch(dir, false))
	if !errors.Is(err, ErrBucketFull) || !errortypes.IsValidationError(err) {
		t.Errorf("ImportCheckpoint(oversized shard) error = %v, want ErrBucketFull", err)
	}
	shards, _ := dst.Shards(0)
	if shards[0].Rows() != 0 {
		t.Errorf("failed import stored %d rows", shards[0].Rows())
	}

	if err := dst.SetShardValues(0, 0, rows); !errors.Is(err, ErrBucketFull) {
		t.Errorf("SetShardValues(3 rows, bucket 2) error = %v, want ErrBucketFull", err)
	}
}
