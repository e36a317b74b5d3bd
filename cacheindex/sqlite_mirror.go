package cacheindex

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3" // Register sqlite3 database driver
)

// SQLiteMirror is a derived, rebuildable sqlite view of the JSON index,
// used only to serve the HTTP control plane's /preview endpoint without
// re-reading every DDS header on each request. It is never the source of
// truth: Rebuild clears it and repopulates it from the in-memory Index.
type SQLiteMirror struct {
	db        *sql.DB
	mu        sync.Mutex
	batchSize int
}

// NewSQLiteMirror opens (creating if absent) a sqlite database at dsn
// with the single `tiles` table the mirror needs.
func NewSQLiteMirror(dsn string, batchSize int) (*SQLiteMirror, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	m := &SQLiteMirror{db: db, batchSize: batchSize}
	if err := m.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *SQLiteMirror) createTables() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS tiles (
			id INTEGER NOT NULL,
			size_id INTEGER NOT NULL,
			path TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			under_final INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS tiles_path ON tiles (path);
		CREATE INDEX IF NOT EXISTS tiles_id ON tiles (id);
		PRAGMA synchronous=OFF;
	`)
	return err
}

// Close releases the underlying database handle.
func (m *SQLiteMirror) Close() error {
	return m.db.Close()
}

// Rebuild truncates and repopulates the mirror from idx's in-memory
// records, batching inserts into transactions of batchSize rows.
func (m *SQLiteMirror) Rebuild(idx *Index) error {
	idx.mu.Lock()
	records := make([]*CacheRecord, 0, len(idx.files))
	for _, rec := range idx.files {
		records = append(records, rec)
	}
	finalRoot := idx.finalRoot
	idx.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.db.Exec("DELETE FROM tiles"); err != nil {
		return fmt.Errorf("cacheindex: clearing sqlite mirror: %w", err)
	}

	var txn *sql.Tx
	var err error
	count := 0
	for _, rec := range records {
		if txn == nil {
			txn, err = m.db.Begin()
			if err != nil {
				return err
			}
		}

		underFinal := 0
		if isUnder(rec.Path, finalRoot) {
			underFinal = 1
		}

		_, err = txn.Exec(
			"INSERT OR REPLACE INTO tiles (id, size_id, path, width, height, under_final) VALUES (?, ?, ?, ?, ?, ?);",
			rec.ID, rec.SizeID, rec.Path, rec.Width, rec.Height, underFinal,
		)
		if err != nil {
			txn.Rollback()
			return err
		}

		count++
		if count%m.batchSize == 0 {
			if err := txn.Commit(); err != nil {
				return err
			}
			txn = nil
		}
	}

	if txn != nil {
		if err := txn.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// BestPath returns the path of the highest-size_id record for tileID,
// preferring the final tree over backup, matching the JSON index's
// preferRecord ordering but served from sqlite for /preview latency.
func (m *SQLiteMirror) BestPath(tileID int64) (path string, sizeID int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := m.db.QueryRow(
		`SELECT path, size_id FROM tiles WHERE id = ? ORDER BY under_final DESC, size_id DESC LIMIT 1`,
		tileID,
	)
	var p string
	var sid int
	if err := row.Scan(&p, &sid); err != nil {
		return "", 0, false
	}
	return p, sid, true
}
