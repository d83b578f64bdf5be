// Package postgres implements the canonical queue store and the change
// notifier on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"plyr/internal/queue"
	"plyr/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// DB defines the database operations the store needs.
// It is implemented by *pgxpool.Pool and can be mocked for testing.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

const selectQueue = `
	SELECT tracks, COALESCE(current_index, -1), shuffle, repeat,
	       COALESCE(original_order, '[]'::jsonb), version, updated_at, updated_by
	FROM queue_state
	WHERE owner_id = $1`

// Store is the PostgreSQL implementation of queue.Store.
type Store struct {
	db     DB
	logger logrus.FieldLogger
	now    func() time.Time
}

var _ queue.Store = (*Store)(nil)

// Open connects a pool to url, applies the schema and returns the store.
func Open(ctx context.Context, url string, maxConns int, logger logrus.FieldLogger) (*Store, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := AutoMigrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to migrate: %w", err)
	}

	logger.WithField("max_conns", cfg.MaxConns).Info("Postgres queue store initialized")
	return NewStore(pool, logger), pool, nil
}

// NewStore wraps an open DB. The schema must already exist.
func NewStore(db DB, logger logrus.FieldLogger) *Store {
	return &Store{db: db, logger: logger, now: time.Now}
}

// AutoMigrate creates the queue table and applies column migrations.
func AutoMigrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS queue_state (
          owner_id      TEXT PRIMARY KEY,
          tracks        JSONB NOT NULL DEFAULT '[]',
          current_index INT,
          shuffle       BOOLEAN NOT NULL DEFAULT FALSE,
          repeat        TEXT NOT NULL DEFAULT 'off',
          version       BIGINT NOT NULL DEFAULT 0,
          updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
          updated_by    TEXT NOT NULL DEFAULT ''
      )
    `); err != nil {
		return err
	}

	// 1. Shuffle restore order
	if _, err := db.Exec(ctx, `
		ALTER TABLE queue_state ADD COLUMN IF NOT EXISTS original_order JSONB;
	`); err != nil {
		return err
	}
	return nil
}

// Read returns the queue of ownerID, or its implicit version-0 record.
func (s *Store) Read(ctx context.Context, ownerID string) (models.QueueState, error) {
	if ownerID == "" {
		return models.QueueState{}, queue.ErrMissingOwner
	}
	return scanQueue(s.db.QueryRow(ctx, selectQueue, ownerID), ownerID)
}

// Write applies next if the stored version equals expectedVersion. The row is
// created at version 0 if missing and then locked FOR UPDATE, so concurrent
// writers for one owner are serialized by the row lock.
func (s *Store) Write(ctx context.Context, ownerID string, expectedVersion int64, next models.QueueState, updatedBy string) (queue.WriteResult, error) {
	if ownerID == "" {
		return queue.WriteResult{}, queue.ErrMissingOwner
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return queue.WriteResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO queue_state (owner_id) VALUES ($1)
		ON CONFLICT (owner_id) DO NOTHING`, ownerID); err != nil {
		return queue.WriteResult{}, fmt.Errorf("ensure queue row: %w", err)
	}

	current, err := scanQueue(tx.QueryRow(ctx, selectQueue+" FOR UPDATE", ownerID), ownerID)
	if err != nil {
		return queue.WriteResult{}, err
	}

	res, err := queue.Arbitrate(current, expectedVersion, next, updatedBy, s.now())
	if err != nil || !res.Accepted {
		return res, err
	}

	tracks, err := json.Marshal(res.State.Tracks)
	if err != nil {
		return queue.WriteResult{}, fmt.Errorf("encode tracks: %w", err)
	}
	var originalOrder []byte
	if len(res.State.OriginalOrder) > 0 {
		if originalOrder, err = json.Marshal(res.State.OriginalOrder); err != nil {
			return queue.WriteResult{}, fmt.Errorf("encode original order: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE queue_state
		SET tracks = $2, current_index = $3, shuffle = $4, repeat = $5,
		    original_order = $6, version = $7, updated_at = $8, updated_by = $9
		WHERE owner_id = $1 AND version = $10`,
		ownerID, string(tracks), res.State.CurrentIndex, res.State.Shuffle, string(res.State.Repeat),
		nullableJSON(originalOrder), res.State.Version, res.State.UpdatedAt, res.State.UpdatedBy,
		current.Version,
	)
	if err != nil {
		return queue.WriteResult{}, fmt.Errorf("update queue: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return queue.WriteResult{}, fmt.Errorf("queue of %s changed during write", ownerID)
	}

	if err := tx.Commit(ctx); err != nil {
		return queue.WriteResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// Ping checks the pool
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the pool
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func nullableJSON(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}

func scanQueue(row pgx.Row, ownerID string) (models.QueueState, error) {
	var (
		tracks        []byte
		currentIndex  int
		repeat        string
		originalOrder []byte
	)

	state := models.NewQueueState(ownerID)
	err := row.Scan(&tracks, &currentIndex, &state.Shuffle, &repeat, &originalOrder,
		&state.Version, &state.UpdatedAt, &state.UpdatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return models.QueueState{}, fmt.Errorf("read queue: %w", err)
	}

	if err := json.Unmarshal(tracks, &state.Tracks); err != nil {
		return models.QueueState{}, fmt.Errorf("decode tracks: %w", err)
	}
	if currentIndex >= 0 {
		state.CurrentIndex = models.Index(currentIndex)
	}
	state.Repeat = models.RepeatMode(repeat)
	if len(originalOrder) > 0 {
		if err := json.Unmarshal(originalOrder, &state.OriginalOrder); err != nil {
			return models.QueueState{}, fmt.Errorf("decode original order: %w", err)
		}
	}
	state.UpdatedAt = state.UpdatedAt.UTC()
	state.Normalize()
	return state, nil
}
