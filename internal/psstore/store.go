// Package psstore is a single-host stand-in for the parameter-server
// cluster. It keeps table configuration and shard rows in a SQLite catalog
// and reads and writes exports as per-PS shard files plus a manifest.
package psstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	"github.com/localrivet/embedservice/internal/errortypes"
	"github.com/localrivet/embedservice/internal/layer"
	"github.com/localrivet/embedservice/internal/registry"
	"github.com/localrivet/embedservice/internal/util"
)

var (
	ErrNoCluster     = errors.New("psstore: init request carries no cluster config")
	ErrUnordered     = errors.New("psstore: table ids must be strictly ascending")
	ErrUnknownTable  = errors.New("psstore: table is not initialized")
	ErrValueLen      = errors.New("psstore: value length does not match table layout")
	ErrNoManifest    = errors.New("psstore: no manifest at import path")
	ErrKindMismatch  = errors.New("psstore: export kind does not match import")
	ErrTableMismatch = errors.New("psstore: exported tables do not match request")
	ErrChecksum      = errors.New("psstore: shard checksum mismatch")
	ErrBucketFull    = errors.New("psstore: shard holds more rows than the bucket")
)

// Store implements layer.Backend on top of a Catalog and an afs file system.
type Store struct {
	mu      sync.Mutex
	catalog *Catalog
	fs      afs.Service
	logger  *slog.Logger
}

// New creates a Store. A nil fs uses afs.New(); a nil logger uses slog.Default().
func New(catalog *Catalog, fs afs.Service, logger *slog.Logger) *Store {
	if fs == nil {
		fs = afs.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{catalog: catalog, fs: fs, logger: logger.With("component", "psstore")}
}

// Open opens the catalog at dbPath and returns a Store over the local file system.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	catalog, err := OpenCatalog(dbPath)
	if err != nil {
		return nil, errortypes.DatabaseError(err, "failed to open PS catalog").WithField("path", dbPath)
	}
	return New(catalog, nil, logger), nil
}

// Close closes the catalog.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog.Close()
}

// InitTable records the table and an empty shard of BucketSize rows'
// capacity on every PS of the cluster.
func (s *Store) InitTable(_ context.Context, req *layer.InitRequest) error {
	if req.Cluster == nil {
		return errortypes.ValidationError(ErrNoCluster, "init request is missing the cluster config")
	}
	if err := registry.ValidateName(req.TableName); err != nil {
		return err
	}
	config, err := json.Marshal(struct {
		TrainMode       bool        `json:"train_mode"`
		TrainLevel      bool        `json:"train_level"`
		Initializer     interface{} `json:"initializer,omitempty"`
		FilterMode      string      `json:"filter_mode"`
		Filter          interface{} `json:"filter,omitempty"`
		MaxFeatureCount int         `json:"max_feature_count"`
	}{req.TrainMode, req.TrainLevel, req.Initializer, string(req.FilterMode), req.Filter, req.MaxFeatureCount})
	if err != nil {
		return errortypes.InternalError(err, "failed to encode table config")
	}

	rec := &TableRecord{
		TableID:         req.TableID,
		Name:            req.TableName,
		EmbeddingDim:    req.EmbeddingDim,
		SlotVarCount:    req.SlotVarCount,
		BucketSize:      req.BucketSize,
		Optimizer:       req.Optimizer,
		OptimizerParams: req.OptimizerParams,
		Config:          config,
		Mode:            req.Mode,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.catalog.PutTable(rec, req.Cluster.PSIDs()); err != nil {
		return errortypes.DatabaseError(err, "failed to record table").WithField("table_id", req.TableID)
	}
	s.logger.Debug("Initialized table on PS", "table_id", req.TableID, "ps", req.Cluster.PSIDs())
	return nil
}

// ExportCheckpoint writes full rows including optimizer slots.
func (s *Store) ExportCheckpoint(ctx context.Context, req *layer.BatchRequest) error {
	return s.export(ctx, KindCheckpoint, req)
}

// ExportTable writes the embedding columns only.
func (s *Store) ExportTable(ctx context.Context, req *layer.BatchRequest) error {
	return s.export(ctx, KindTable, req)
}

// ImportCheckpoint restores full rows.
func (s *Store) ImportCheckpoint(ctx context.Context, req *layer.BatchRequest) error {
	return s.importFrom(ctx, KindCheckpoint, req)
}

// ImportTable restores the embedding columns, keeping optimizer state when
// the row counts agree.
func (s *Store) ImportTable(ctx context.Context, req *layer.BatchRequest) error {
	return s.importFrom(ctx, KindTable, req)
}

func checkBatch(req *layer.BatchRequest) error {
	if err := req.Validate(); err != nil {
		return errortypes.ValidationError(err, "misaligned batch request")
	}
	for i := 1; i < len(req.TableIDs); i++ {
		if req.TableIDs[i] <= req.TableIDs[i-1] {
			return errortypes.ValidationError(ErrUnordered, "table ids out of order").
				WithField("position", i)
		}
	}
	return nil
}

// table loads the record of position i of req and checks its layout.
func (s *Store) table(kind string, req *layer.BatchRequest, i int) (*TableRecord, error) {
	id := req.TableIDs[i]
	rec, ok, err := s.catalog.Table(id)
	if err != nil {
		return nil, errortypes.DatabaseError(err, "failed to read table").WithField("table_id", id)
	}
	if !ok {
		return nil, errortypes.ValidationError(ErrUnknownTable, "table was never initialized on the PS").
			WithField("table_id", id)
	}
	if rec.Name != req.TableNames[i] {
		return nil, errortypes.ValidationError(ErrTableMismatch, "table name differs from PS record").
			WithFields(map[string]interface{}{"table_id": id, "want": rec.Name, "got": req.TableNames[i]})
	}
	if rec.EmbeddingDim != req.EmbeddingDims[i] {
		return nil, errortypes.ValidationError(ErrValueLen, "embedding dim differs from PS layout").
			WithFields(map[string]interface{}{"table": rec.Name, "want": rec.EmbeddingDim, "got": req.EmbeddingDims[i]})
	}
	want := rec.EmbeddingDim
	if kind == KindCheckpoint {
		want = rec.RowWidth()
	}
	if req.ValueLens[i] != want {
		return nil, errortypes.ValidationError(ErrValueLen, "value length differs from PS layout").
			WithFields(map[string]interface{}{"table": rec.Name, "want": want, "got": req.ValueLens[i]})
	}
	return rec, nil
}

func shardPath(tableName string, psID int) string {
	return fmt.Sprintf("%s/ps_%d.bin", tableName, psID)
}

func (s *Store) export(ctx context.Context, kind string, req *layer.BatchRequest) error {
	if err := checkBatch(req); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	manifest := newManifest(kind)
	for i := range req.TableIDs {
		rec, err := s.table(kind, req, i)
		if err != nil {
			return err
		}
		shards, err := s.catalog.Shards(rec.TableID)
		if err != nil {
			return errortypes.DatabaseError(err, "failed to read shards").WithField("table", rec.Name)
		}
		stepsToLive := 0
		if req.StepsToLive != nil {
			stepsToLive = req.StepsToLive[i]
		}

		entry := ManifestTable{
			TableID:      rec.TableID,
			Name:         rec.Name,
			EmbeddingDim: rec.EmbeddingDim,
			ValueLen:     req.ValueLens[i],
			StepsToLive:  stepsToLive,
		}
		for _, shard := range shards {
			values := shard.Values
			if kind == KindTable {
				values = projectRows(values, shard.RowWidth, rec.EmbeddingDim)
			}
			data, err := marshalShard(&shardFile{
				Version:      shardFormatVersion,
				TableID:      rec.TableID,
				TableName:    rec.Name,
				PSID:         shard.PSID,
				EmbeddingDim: rec.EmbeddingDim,
				ValueLen:     req.ValueLens[i],
				StepsToLive:  stepsToLive,
				BucketSize:   int(shard.BucketSize),
				Values:       values,
			})
			if err != nil {
				return errortypes.InternalError(err, "failed to encode shard").WithField("table", rec.Name)
			}
			sum, err := util.Checksum(data)
			if err != nil {
				return errortypes.InternalError(err, "failed to checksum shard")
			}
			rel := shardPath(rec.Name, shard.PSID)
			if err := s.fs.Upload(ctx, url.Join(req.Path, rel), file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
				return errortypes.ExternalError(err, "failed to write shard").WithField("file", rel)
			}
			entry.Shards = append(entry.Shards, ManifestShard{
				PSID:     shard.PSID,
				File:     rel,
				Rows:     len(values) / req.ValueLens[i],
				Checksum: sum,
			})
		}
		manifest.Tables = append(manifest.Tables, entry)
	}

	data, err := manifest.marshal()
	if err != nil {
		return errortypes.InternalError(err, "failed to encode manifest")
	}
	if err := s.fs.Upload(ctx, url.Join(req.Path, ManifestName), file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return errortypes.ExternalError(err, "failed to write manifest").WithField("path", req.Path)
	}
	s.logger.Info("Exported tables", "kind", kind, "export_id", manifest.ExportID,
		"tables", len(manifest.Tables), "path", req.Path)
	return nil
}

// importFrom verifies every shard of the export before it touches the
// catalog, so a failed import leaves the PS state unchanged.
func (s *Store) importFrom(ctx context.Context, kind string, req *layer.BatchRequest) error {
	if err := checkBatch(req); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	manifestURL := url.Join(req.Path, ManifestName)
	exists, err := s.fs.Exists(ctx, manifestURL)
	if err != nil {
		return errortypes.ExternalError(err, "failed to stat manifest").WithField("path", req.Path)
	}
	if !exists {
		return errortypes.ValidationError(ErrNoManifest, "nothing was exported at this path").WithField("path", req.Path)
	}
	data, err := s.fs.DownloadWithURL(ctx, manifestURL)
	if err != nil {
		return errortypes.ExternalError(err, "failed to read manifest").WithField("path", req.Path)
	}
	manifest, err := parseManifest(data)
	if err != nil {
		return errortypes.ValidationError(err, "invalid manifest").WithField("path", req.Path)
	}
	if manifest.Kind != kind {
		return errortypes.ValidationError(ErrKindMismatch, "export kind does not match").
			WithFields(map[string]interface{}{"want": kind, "got": manifest.Kind})
	}
	if len(manifest.Tables) != req.Len() {
		return errortypes.ValidationError(ErrTableMismatch, "exported table count differs").
			WithFields(map[string]interface{}{"exported": len(manifest.Tables), "requested": req.Len()})
	}

	var updates []*ShardRecord
	for i, entry := range manifest.Tables {
		if entry.TableID != req.TableIDs[i] || entry.Name != req.TableNames[i] ||
			entry.EmbeddingDim != req.EmbeddingDims[i] || entry.ValueLen != req.ValueLens[i] {
			return errortypes.ValidationError(ErrTableMismatch, "exported table differs from request").
				WithFields(map[string]interface{}{"position": i, "exported": entry.Name, "requested": req.TableNames[i]})
		}
		rec, err := s.table(kind, req, i)
		if err != nil {
			return err
		}
		current, err := s.catalog.Shards(rec.TableID)
		if err != nil {
			return errortypes.DatabaseError(err, "failed to read shards").WithField("table", rec.Name)
		}
		byPS := make(map[int]*ShardRecord, len(current))
		for _, sh := range current {
			byPS[sh.PSID] = sh
		}

		for _, ms := range entry.Shards {
			sf, err := s.readShard(ctx, req.Path, ms)
			if err != nil {
				return err
			}
			if sf.TableID != entry.TableID || sf.PSID != ms.PSID || sf.ValueLen != entry.ValueLen {
				return errortypes.ValidationError(ErrTableMismatch, "shard header differs from manifest").
					WithField("file", ms.File)
			}
			target, ok := byPS[ms.PSID]
			if !ok {
				return errortypes.ValidationError(ErrTableMismatch, "shard belongs to a PS outside the cluster").
					WithFields(map[string]interface{}{"table": rec.Name, "ps_id": ms.PSID})
			}
			update := *target
			if kind == KindCheckpoint {
				update.Values = sf.Values
			} else {
				update.Values = mergeRows(target.Values, sf.Values, target.RowWidth, rec.EmbeddingDim)
			}
			if int64(update.Rows()) > update.BucketSize {
				return errortypes.ValidationError(ErrBucketFull, "imported shard does not fit the bucket").
					WithFields(map[string]interface{}{"table": rec.Name, "ps_id": ms.PSID,
						"rows": update.Rows(), "bucket_size": update.BucketSize})
			}
			updates = append(updates, &update)
		}
	}

	if err := s.catalog.PutShards(updates, req.Path); err != nil {
		return errortypes.DatabaseError(err, "failed to store imported shards")
	}
	s.logger.Info("Imported tables", "kind", kind, "export_id", manifest.ExportID,
		"tables", req.Len(), "path", req.Path)
	return nil
}

func (s *Store) readShard(ctx context.Context, root string, ms ManifestShard) (*shardFile, error) {
	data, err := s.fs.DownloadWithURL(ctx, url.Join(root, ms.File))
	if err != nil {
		return nil, errortypes.ExternalError(err, "failed to read shard").WithField("file", ms.File)
	}
	sum, err := util.Checksum(data)
	if err != nil {
		return nil, errortypes.InternalError(err, "failed to checksum shard")
	}
	if sum != ms.Checksum {
		return nil, errortypes.ValidationError(ErrChecksum, "shard is corrupt").WithField("file", ms.File)
	}
	sf, err := unmarshalShard(data)
	if err != nil {
		return nil, errortypes.ValidationError(err, "failed to decode shard").WithField("file", ms.File)
	}
	return sf, nil
}

// SetShardValues replaces the rows held by one PS for a table. It stands in
// for the training traffic a real PS receives.
func (s *Store) SetShardValues(tableID, psID int, values []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	shards, err := s.catalog.Shards(tableID)
	if err != nil {
		return errortypes.DatabaseError(err, "failed to read shards")
	}
	for _, sh := range shards {
		if sh.PSID != psID {
			continue
		}
		if len(values)%sh.RowWidth != 0 {
			return errortypes.ValidationError(ErrValueLen, "values do not fill whole rows").
				WithFields(map[string]interface{}{"row_width": sh.RowWidth, "values": len(values)})
		}
		if int64(len(values)/sh.RowWidth) > sh.BucketSize {
			return errortypes.ValidationError(ErrBucketFull, "values do not fit the bucket").
				WithFields(map[string]interface{}{"bucket_size": sh.BucketSize, "rows": len(values) / sh.RowWidth})
		}
		sh.Values = values
		if err := s.catalog.PutShards([]*ShardRecord{sh}, ""); err != nil {
			return errortypes.DatabaseError(err, "failed to store shard")
		}
		return nil
	}
	return errortypes.ValidationError(ErrUnknownTable, "no such shard").
		WithFields(map[string]interface{}{"table_id": tableID, "ps_id": psID})
}

// Shards returns the shards recorded for a table in ascending PS id.
func (s *Store) Shards(tableID int) ([]*ShardRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog.Shards(tableID)
}

// Table returns the PS-side record of a table.
func (s *Store) Table(tableID int) (*TableRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog.Table(tableID)
}

var _ layer.Backend = (*Store)(nil)
