package metastore

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"yuxicoord/internal/types"
)

const pgOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// DatabaseStore keeps metadata documents in a relational table, one row
// per key. The schema is created lazily on first use.
type DatabaseStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewDatabaseStore(dsn string) *DatabaseStore {
	return &DatabaseStore{dsn: dsn, openDB: sql.Open}
}

// Load returns the mapping stored under key, or an empty mapping when
// the key is absent. Read errors are logged and reported as empty, same
// as the file backend.
func (s *DatabaseStore) Load(ctx context.Context, key string) map[string]any {
	if err := s.ensureReady(); err != nil {
		log.WithError(err).Error("metadata database unavailable")
		return map[string]any{}
	}

	opCtx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	var content string
	err := s.db.QueryRowContext(opCtx,
		"SELECT content FROM global_metadata WHERE key = $1", key).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}
	}
	if err != nil {
		log.WithError(err).WithField("key", key).Error("failed to load metadata from database")
		return map[string]any{}
	}

	var value map[string]any
	if err := json.Unmarshal([]byte(content), &value); err != nil {
		log.WithError(err).WithField("key", key).Error("stored metadata is not valid JSON")
		return map[string]any{}
	}
	return value
}

// Save upserts the document inside a single transaction, so the write is
// atomic from the caller's perspective.
func (s *DatabaseStore) Save(ctx context.Context, key string, value map[string]any) error {
	if err := s.ensureReady(); err != nil {
		return types.Err(types.ErrStorageWrite, err, "")
	}

	content, err := json.Marshal(value)
	if err != nil {
		return types.Err(types.ErrStorageWrite, err, "metadata for %q is not serializable", key)
	}

	opCtx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(opCtx, nil)
	if err != nil {
		return types.Err(types.ErrStorageWrite, err, "")
	}
	_, err = tx.ExecContext(opCtx, `
		INSERT INTO global_metadata (key, content, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key)
		DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()`,
		key, string(content))
	if err != nil {
		_ = tx.Rollback()
		return types.Err(types.ErrStorageWrite, err, "failed to upsert metadata %q", key)
	}
	if err := tx.Commit(); err != nil {
		return types.Err(types.ErrStorageWrite, err, "")
	}
	log.WithField("key", key).Debug("saved metadata to database")
	return nil
}

func (s *DatabaseStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *DatabaseStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), pgOperationTimeout)
		defer cancel()
		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS global_metadata (
				key TEXT PRIMARY KEY,
				content TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`)
		if err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}
