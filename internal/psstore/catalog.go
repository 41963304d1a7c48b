package psstore

import (
	"fmt"
	"time"

	"crawshaw.io/sqlite"
)

// TableRecord is the PS-side configuration of one table.
type TableRecord struct {
	TableID         int
	Name            string
	EmbeddingDim    int
	SlotVarCount    int
	BucketSize      int64
	Optimizer       string
	OptimizerParams []float32
	Config          []byte // JSON of the init request
	Mode            string
	ImportedFrom    string
	UpdatedAt       time.Time
}

// RowWidth is the width of a checkpoint row for this table.
func (r *TableRecord) RowWidth() int {
	return r.EmbeddingDim*(r.SlotVarCount+1) + 2
}

// ShardRecord is the slice of a table held by one PS.
type ShardRecord struct {
	TableID    int
	PSID       int
	BucketSize int64
	RowWidth   int
	Values     []float32 // row-major, RowWidth values per row
}

// Rows returns the number of rows in the shard.
func (s *ShardRecord) Rows() int {
	if s.RowWidth == 0 {
		return 0
	}
	return len(s.Values) / s.RowWidth
}

// Catalog keeps table and shard state in SQLite. It wraps a single
// connection and is not safe for concurrent use.
type Catalog struct {
	conn   *sqlite.Conn
	dbPath string
}

// OpenCatalog opens or creates the catalog database at dbPath.
func OpenCatalog(dbPath string) (*Catalog, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.SQLITE_OPEN_CREATE|sqlite.SQLITE_OPEN_READWRITE)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	c := &Catalog{conn: conn, dbPath: dbPath}
	if err := c.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return c, nil
}

func (c *Catalog) createTables() error {
	for _, ddl := range []string{`
	CREATE TABLE IF NOT EXISTS es_tables (
		table_id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		embedding_dim INTEGER NOT NULL,
		slot_var_count INTEGER NOT NULL,
		bucket_size INTEGER NOT NULL,
		optimizer TEXT NOT NULL,
		optimizer_params BLOB,
		config TEXT NOT NULL,
		mode TEXT NOT NULL,
		imported_from TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);`, `
	CREATE TABLE IF NOT EXISTS es_shards (
		table_id INTEGER NOT NULL,
		ps_id INTEGER NOT NULL,
		bucket_size INTEGER NOT NULL,
		row_width INTEGER NOT NULL,
		rows_data BLOB,
		PRIMARY KEY (table_id, ps_id)
	);`} {
		if err := c.exec(ddl); err != nil {
			return err
		}
	}
	return nil
}

// exec runs a statement that returns no rows.
func (c *Catalog) exec(query string) error {
	stmt, err := c.conn.Prepare(query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Reset()
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

// inTx runs fn inside a transaction.
func (c *Catalog) inTx(fn func() error) (err error) {
	if err := c.exec("BEGIN;"); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = c.exec("ROLLBACK;")
			return
		}
		err = c.exec("COMMIT;")
	}()
	return fn()
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// PutTable stores rec and one empty shard per PS, replacing whatever was
// recorded under the same table id.
func (c *Catalog) PutTable(rec *TableRecord, psIDs []int) error {
	params, err := encodeValues(rec.OptimizerParams)
	if err != nil {
		return err
	}
	return c.inTx(func() error {
		stmt, err := c.conn.Prepare(`
		INSERT OR REPLACE INTO es_tables
			(table_id, name, embedding_dim, slot_var_count, bucket_size, optimizer,
			 optimizer_params, config, mode, imported_from, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?);`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert statement: %w", err)
		}
		defer stmt.Reset()

		stmt.BindInt64(1, int64(rec.TableID))
		stmt.BindText(2, rec.Name)
		stmt.BindInt64(3, int64(rec.EmbeddingDim))
		stmt.BindInt64(4, int64(rec.SlotVarCount))
		stmt.BindInt64(5, rec.BucketSize)
		stmt.BindText(6, rec.Optimizer)
		stmt.BindBytes(7, params)
		stmt.BindText(8, string(rec.Config))
		stmt.BindText(9, rec.Mode)
		stmt.BindInt64(10, time.Now().Unix())
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("failed to insert table %s: %w", rec.Name, err)
		}

		if err := c.deleteShards(rec.TableID); err != nil {
			return err
		}
		for _, psID := range psIDs {
			shard := &ShardRecord{TableID: rec.TableID, PSID: psID, BucketSize: rec.BucketSize, RowWidth: rec.RowWidth()}
			if err := c.putShard(shard); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Catalog) deleteShards(tableID int) error {
	stmt, err := c.conn.Prepare(`DELETE FROM es_shards WHERE table_id = ?;`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}
	defer stmt.Reset()
	stmt.BindInt64(1, int64(tableID))
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("failed to delete shards of table %d: %w", tableID, err)
	}
	return nil
}

func (c *Catalog) putShard(s *ShardRecord) error {
	data, err := encodeValues(s.Values)
	if err != nil {
		return err
	}
	stmt, err := c.conn.Prepare(`
	INSERT OR REPLACE INTO es_shards (table_id, ps_id, bucket_size, row_width, rows_data)
	VALUES (?, ?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("failed to prepare shard statement: %w", err)
	}
	defer stmt.Reset()
	stmt.BindInt64(1, int64(s.TableID))
	stmt.BindInt64(2, int64(s.PSID))
	stmt.BindInt64(3, s.BucketSize)
	stmt.BindInt64(4, int64(s.RowWidth))
	stmt.BindBytes(5, data)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("failed to store shard %d/%d: %w", s.TableID, s.PSID, err)
	}
	return nil
}

// PutShards replaces the values of the given shards and records where they
// were imported from, all in one transaction.
func (c *Catalog) PutShards(shards []*ShardRecord, importedFrom string) error {
	return c.inTx(func() error {
		touched := make(map[int]bool)
		for _, s := range shards {
			if err := c.putShard(s); err != nil {
				return err
			}
			touched[s.TableID] = true
		}
		if importedFrom == "" {
			return nil
		}
		for tableID := range touched {
			if err := c.markImported(tableID, importedFrom); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Catalog) markImported(tableID int, path string) error {
	stmt, err := c.conn.Prepare(`UPDATE es_tables SET imported_from = ?, updated_at = ? WHERE table_id = ?;`)
	if err != nil {
		return fmt.Errorf("failed to prepare update statement: %w", err)
	}
	defer stmt.Reset()
	stmt.BindText(1, path)
	stmt.BindInt64(2, time.Now().Unix())
	stmt.BindInt64(3, int64(tableID))
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("failed to mark table %d imported: %w", tableID, err)
	}
	return nil
}

// Table returns the record stored under tableID.
func (c *Catalog) Table(tableID int) (*TableRecord, bool, error) {
	stmt, err := c.conn.Prepare(`
	SELECT table_id, name, embedding_dim, slot_var_count, bucket_size, optimizer,
	       optimizer_params, config, mode, imported_from, updated_at
	FROM es_tables WHERE table_id = ?;`)
	if err != nil {
		return nil, false, fmt.Errorf("failed to prepare select statement: %w", err)
	}
	defer stmt.Reset()
	stmt.BindInt64(1, int64(tableID))

	hasRow, err := stmt.Step()
	if err != nil {
		return nil, false, fmt.Errorf("failed to execute select statement: %w", err)
	}
	if !hasRow {
		return nil, false, nil
	}

	params := make([]byte, stmt.ColumnLen(6))
	stmt.ColumnBytes(6, params)
	rec := &TableRecord{
		TableID:      int(stmt.ColumnInt64(0)),
		Name:         stmt.ColumnText(1),
		EmbeddingDim: int(stmt.ColumnInt64(2)),
		SlotVarCount: int(stmt.ColumnInt64(3)),
		BucketSize:   stmt.ColumnInt64(4),
		Optimizer:    stmt.ColumnText(5),
		Config:       []byte(stmt.ColumnText(7)),
		Mode:         stmt.ColumnText(8),
		ImportedFrom: stmt.ColumnText(9),
		UpdatedAt:    time.Unix(stmt.ColumnInt64(10), 0),
	}
	if rec.OptimizerParams, err = decodeValues(params); err != nil {
		return nil, false, fmt.Errorf("failed to decode optimizer params of table %d: %w", tableID, err)
	}
	return rec, true, nil
}

// Shards returns the shards of a table in ascending PS id.
func (c *Catalog) Shards(tableID int) ([]*ShardRecord, error) {
	stmt, err := c.conn.Prepare(`
	SELECT table_id, ps_id, bucket_size, row_width, rows_data
	FROM es_shards WHERE table_id = ? ORDER BY ps_id;`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare select statement: %w", err)
	}
	defer stmt.Reset()
	stmt.BindInt64(1, int64(tableID))

	var shards []*ShardRecord
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to execute select statement: %w", err)
		}
		if !hasRow {
			break
		}
		data := make([]byte, stmt.ColumnLen(4))
		stmt.ColumnBytes(4, data)
		values, err := decodeValues(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode shard %d/%d: %w", tableID, stmt.ColumnInt64(1), err)
		}
		shards = append(shards, &ShardRecord{
			TableID:    int(stmt.ColumnInt64(0)),
			PSID:       int(stmt.ColumnInt64(1)),
			BucketSize: stmt.ColumnInt64(2),
			RowWidth:   int(stmt.ColumnInt64(3)),
			Values:     values,
		})
	}
	return shards, nil
}
