package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/arkilian/arkilian/internal/bloom"
	_ "github.com/mattn/go-sqlite3"

	"github.com/arkilian/arkilian/pkg/types"
)

// SQLiteStore is a reference Store implementation backed by a local
// SQLite database, generalizing internal/manifest/catalog.go's
// single-writer/multi-reader connection split from partition metadata to
// arbitrary (dataset, key) timestamped blobs. Values larger than
// coldThreshold spill to a ColdStore (typically S3-backed) and are
// fetched back on read; this lets a single binary serve both small
// metadata rows and large batch IR blobs without bloating the SQLite file.
type SQLiteStore struct {
	db     *sql.DB // write connection (single writer)
	readDB *sql.DB // read connection pool (concurrent readers)

	cold         ColdStore
	coldThreshold int64

	mu      sync.Mutex // write-only lock; reads don't need this
	filters sync.Map   // dataset -> *bloom.BloomFilter, negative-lookup skip
}

// ColdStore is the subset of object-storage behavior the SQLite store
// needs for blobs that don't fit inline. S3ColdStore implements it.
type ColdStore interface {
	Put(ctx context.Context, objectPath string, data []byte) error
	Get(ctx context.Context, objectPath string) ([]byte, error)
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed KV store.
// cold may be nil, in which case oversized values are stored inline anyway.
func NewSQLiteStore(dbPath string, cold ColdStore, coldThresholdBytes int64) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("kvstore: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	if coldThresholdBytes <= 0 {
		coldThresholdBytes = 64 * 1024
	}

	store := &SQLiteStore{
		db:            db,
		readDB:        readDB,
		cold:          cold,
		coldThreshold: coldThresholdBytes,
	}

	if err := store.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("kvstore: failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv_entries (
			dataset    TEXT NOT NULL,
			key_bytes  BLOB NOT NULL,
			millis     INTEGER NOT NULL,
			bytes      BLOB,
			cold_ref   TEXT,
			PRIMARY KEY (dataset, key_bytes, millis)
		);
		CREATE INDEX IF NOT EXISTS idx_kv_entries_lookup
			ON kv_entries (dataset, key_bytes, millis);
	`)
	return err
}

// Put writes one versioned value for (dataset, keyBytes). Values over
// the cold threshold are spilled to ColdStore and referenced by path.
func (s *SQLiteStore) Put(ctx context.Context, dataset string, keyBytes []byte, value types.TimedValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inlineBytes []byte
	var coldRef sql.NullString

	if s.cold != nil && int64(len(value.Bytes)) > s.coldThreshold {
		objectPath := fmt.Sprintf("%s/%x-%d.bin", dataset, keyBytes, value.Millis)
		if err := s.cold.Put(ctx, objectPath, value.Bytes); err != nil {
			return fmt.Errorf("kvstore: cold spill failed: %w", err)
		}
		coldRef = sql.NullString{String: objectPath, Valid: true}
	} else {
		inlineBytes = value.Bytes
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv_entries (dataset, key_bytes, millis, bytes, cold_ref) VALUES (?, ?, ?, ?, ?)`,
		dataset, keyBytes, value.Millis, inlineBytes, coldRef,
	)
	if err != nil {
		return fmt.Errorf("kvstore: insert failed: %w", err)
	}

	s.markSeen(dataset, keyBytes)
	return nil
}

// MultiGet implements Store.
func (s *SQLiteStore) MultiGet(ctx context.Context, reqs []types.GetRequest) ([]types.GetResponse, error) {
	resps := make([]types.GetResponse, len(reqs))
	for i, req := range reqs {
		resps[i] = types.GetResponse{Request: req}

		if !s.mightContain(req.Dataset, req.KeyBytes) {
			continue
		}

		values, err := s.get(ctx, req)
		if err != nil {
			resps[i].Err = err
			continue
		}
		resps[i].Values = values
	}
	return resps, nil
}

func (s *SQLiteStore) get(ctx context.Context, req types.GetRequest) ([]types.TimedValue, error) {
	query := `SELECT millis, bytes, cold_ref FROM kv_entries WHERE dataset = ? AND key_bytes = ?`
	args := []interface{}{req.Dataset, req.KeyBytes}
	if req.AfterMillis != nil {
		query += ` AND millis >= ?`
		args = append(args, *req.AfterMillis)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kvstore: query failed: %w", err)
	}
	defer rows.Close()

	var out []types.TimedValue
	for rows.Next() {
		var millis int64
		var inline []byte
		var coldRef sql.NullString
		if err := rows.Scan(&millis, &inline, &coldRef); err != nil {
			return nil, fmt.Errorf("kvstore: scan failed: %w", err)
		}

		bytes := inline
		if coldRef.Valid {
			if s.cold == nil {
				return nil, fmt.Errorf("kvstore: cold reference %q with no cold store configured", coldRef.String)
			}
			bytes, err = s.cold.Get(ctx, coldRef.String)
			if err != nil {
				return nil, fmt.Errorf("kvstore: cold fetch failed: %w", err)
			}
		}

		out = append(out, types.TimedValue{Bytes: bytes, Millis: millis})
	}
	return out, rows.Err()
}

// markSeen adds (dataset,keyBytes) to the dataset's Bloom filter so a
// later MultiGet for a never-written key can skip the SQLite round trip.
func (s *SQLiteStore) markSeen(dataset string, keyBytes []byte) {
	f := s.filterFor(dataset)
	f.Add(keyBytes)
}

func (s *SQLiteStore) mightContain(dataset string, keyBytes []byte) bool {
	v, ok := s.filters.Load(dataset)
	if !ok {
		// No filter built yet for this dataset: fall through to SQLite.
		return true
	}
	return v.(*bloom.BloomFilter).Contains(keyBytes)
}

func (s *SQLiteStore) filterFor(dataset string) *bloom.BloomFilter {
	if v, ok := s.filters.Load(dataset); ok {
		return v.(*bloom.BloomFilter)
	}
	f := bloom.NewWithEstimates(100000, 0.01)
	actual, _ := s.filters.LoadOrStore(dataset, f)
	return actual.(*bloom.BloomFilter)
}

// Close closes both connections.
func (s *SQLiteStore) Close() error {
	if err := s.readDB.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
