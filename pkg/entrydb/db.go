// Package entrydb implements the per-file columnar entry store on an
// embedded SQLite database.
//
// One store corresponds to one parsed file. During parse the store is opened
// writable by exactly one parse worker and rows are bulk-appended in batched
// transactions; after Finalize the store is only ever opened read-only, and
// concurrent readers are safe. The implicit rowid preserves insertion order;
// time-range and signal queries go through secondary indexes created at
// finalize time so the ingest path stays cheap.
package entrydb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	_ "github.com/glebarez/go-sqlite"
	"golang.org/x/sync/semaphore"

	"github.com/plc-visualizer/backend/internal/logger"
	"github.com/plc-visualizer/backend/pkg/models"
)

var (
	// ErrReadOnly is returned when appending to a store opened read-only.
	ErrReadOnly = errors.New("store is read-only")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

const (
	// flushBatchSize is the number of buffered rows per bulk-insert
	// transaction.
	flushBatchSize = 50_000

	// defaultQueryConcurrency bounds concurrent heavy queries per store to
	// protect working-set memory.
	defaultQueryConcurrency = 3
)

// Options tunes a store's resource usage.
type Options struct {
	// TempDir is the working directory for SQLite temporary files
	// (sort spills during index creation). Empty uses the OS default.
	TempDir string

	// ParseMemoryBytes caps the page cache during ingest. Zero defaults
	// to 1 GiB.
	ParseMemoryBytes int64

	// IndexMemoryBytes caps the page cache during post-parse index
	// creation. Zero defaults to 1.5 GiB.
	IndexMemoryBytes int64

	// Workers is the SQLite worker-thread budget for sorting. Zero keeps
	// the engine default.
	Workers int

	// QueryConcurrency bounds concurrent heavy queries. Zero defaults
	// to 3.
	QueryConcurrency int64
}

func (o *Options) applyDefaults() {
	if o.ParseMemoryBytes <= 0 {
		o.ParseMemoryBytes = 1 << 30
	}
	if o.IndexMemoryBytes <= 0 {
		o.IndexMemoryBytes = 3 << 29 // 1.5 GiB
	}
	if o.QueryConcurrency <= 0 {
		o.QueryConcurrency = defaultQueryConcurrency
	}
}

// Store is a single-file columnar entry store.
type Store struct {
	path     string
	db       *sql.DB
	opts     Options
	readOnly bool

	// Append buffer, writer-only.
	bufMu sync.Mutex
	buf   []models.LogEntry

	rows atomic.Int64 // flushed row count
	gen  atomic.Uint64

	counts *countCache
	sem    *semaphore.Weighted

	// Cursor cache for keyset pagination, keyed by filter signature.
	cursorMu sync.Mutex
	cursors  map[string]map[int]pageCursor

	closed atomic.Bool
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	ts          INTEGER NOT NULL,
	device_id   TEXT NOT NULL,
	signal_name TEXT NOT NULL,
	value       TEXT NOT NULL,
	signal_type TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	line_number INTEGER NOT NULL,
	source_id   TEXT NOT NULL DEFAULT ''
);`

// Create opens a new writable store at path. The file must not already be in
// use by another writer; the session layer guarantees single-writer access.
func Create(path string, opts Options) (*Store, error) {
	opts.applyDefaults()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open entry store: %w", err)
	}
	// A single connection keeps pragma state coherent for the writer.
	db.SetMaxOpenConns(1)

	s := &Store{path: path, db: db, opts: opts}
	if err := s.initWriter(); err != nil {
		db.Close()
		os.Remove(path)
		return nil, err
	}

	s.counts, err = newCountCache()
	if err != nil {
		db.Close()
		os.Remove(path)
		return nil, err
	}
	s.sem = semaphore.NewWeighted(opts.QueryConcurrency)
	s.cursors = make(map[string]map[int]pageCursor)
	return s, nil
}

// Open opens an existing store read-only. Readers may be concurrent.
func Open(path string, opts Options) (*Store, error) {
	opts.applyDefaults()

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("entry store missing: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open entry store: %w", err)
	}

	s := &Store{path: path, db: db, opts: opts, readOnly: true}
	if _, err := db.Exec("PRAGMA query_only = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set read-only mode: %w", err)
	}

	var rows int64
	if err := db.QueryRow("SELECT COUNT(*) FROM entries").Scan(&rows); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	s.rows.Store(rows)

	s.counts, err = newCountCache()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.sem = semaphore.NewWeighted(opts.QueryConcurrency)
	s.cursors = make(map[string]map[int]pageCursor)
	return s, nil
}

// initWriter creates the schema and applies ingest-phase pragmas. Durability
// during parse is deliberately relaxed: a crash mid-parse discards the store
// and the file is re-parsed.
func (s *Store) initWriter() error {
	pragmas := []string{
		"PRAGMA journal_mode = OFF",
		"PRAGMA synchronous = OFF",
		fmt.Sprintf("PRAGMA cache_size = %d", -s.opts.ParseMemoryBytes/1024),
	}
	if s.opts.TempDir != "" {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA temp_store_directory = '%s'", s.opts.TempDir))
	}
	if s.opts.Workers > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA threads = %d", s.opts.Workers))
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply pragma %q: %w", p, err)
		}
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create entries schema: %w", err)
	}
	return nil
}

// Path returns the on-disk path of the store.
func (s *Store) Path() string { return s.path }

// Len returns the total number of appended rows, including buffered ones.
func (s *Store) Len() int64 {
	s.bufMu.Lock()
	buffered := int64(len(s.buf))
	s.bufMu.Unlock()
	return s.rows.Load() + buffered
}

// Append buffers entries and flushes to disk when the batch fills. Append
// order is preserved.
func (s *Store) Append(entries ...models.LogEntry) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	s.buf = append(s.buf, entries...)
	for len(s.buf) >= flushBatchSize {
		batch := s.buf[:flushBatchSize]
		if err := s.flushLocked(batch); err != nil {
			return err
		}
		s.buf = s.buf[flushBatchSize:]
	}
	return nil
}

// Flush writes any buffered rows to disk.
func (s *Store) Flush() error {
	if s.readOnly {
		return nil
	}
	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	if len(s.buf) == 0 {
		return nil
	}
	if err := s.flushLocked(s.buf); err != nil {
		return err
	}
	s.buf = s.buf[:0]
	return nil
}

func (s *Store) flushLocked(batch []models.LogEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO entries
		(ts, device_id, signal_name, value, signal_type, category, line_number, source_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	for i := range batch {
		e := &batch[i]
		if _, err := stmt.Exec(e.Timestamp, e.DeviceID, e.SignalName, e.Value,
			string(e.SignalType), e.Category, e.LineNumber, e.SourceID); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("failed to insert entry: %w", err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append batch: %w", err)
	}

	s.rows.Add(int64(len(batch)))
	s.gen.Add(1) // invalidates cached counts and cursors
	return nil
}

// Finalize flushes remaining rows and creates the query indexes. Called once
// at the end of a successful parse; the higher index-phase memory ceiling
// applies only here.
func (s *Store) Finalize() error {
	if s.readOnly {
		return nil
	}
	if err := s.Flush(); err != nil {
		return err
	}

	statements := []string{
		fmt.Sprintf("PRAGMA cache_size = %d", -s.opts.IndexMemoryBytes/1024),
		"CREATE INDEX IF NOT EXISTS idx_entries_ts ON entries(ts)",
		"CREATE INDEX IF NOT EXISTS idx_entries_signal ON entries(device_id, signal_name, ts)",
		"ANALYZE",
		fmt.Sprintf("PRAGMA cache_size = %d", -s.opts.ParseMemoryBytes/1024),
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to finalize store: %w", err)
		}
	}

	logger.Info("entry store finalized", "path", s.path, "rows", s.rows.Load())
	return nil
}

// Close releases the database handle. It does not delete the store file.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.counts != nil {
		s.counts.close()
	}
	return s.db.Close()
}

// Delete closes the store and removes its file from disk.
func (s *Store) Delete() error {
	s.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove entry store: %w", err)
	}
	return nil
}

// acquire takes a slot on the heavy-query semaphore, honoring ctx.
func (s *Store) acquire(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.sem.Acquire(ctx, 1)
}

func (s *Store) release() {
	s.sem.Release(1)
}
