package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"plyr/internal/queue"
	"plyr/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database is the SQLite implementation of queue.Store. It is safe for
// concurrent use because the underlying *sql.DB is concurrency-safe and every
// write runs in an immediate (write-locking) transaction.
type Database struct {
	conn   *sql.DB
	logger logrus.FieldLogger
	now    func() time.Time

	// Prepared statements for better performance
	selectQueueStmt *sql.Stmt
	insertQueueStmt *sql.Stmt
	updateQueueStmt *sql.Stmt
}

var _ queue.Store = (*Database)(nil)

// NewDatabase opens (or creates) a SQLite database at the provided path and
// ensures the queue table exists. Caller should Close() it when finished.
func NewDatabase(dbPath string, maxConns int, logger logrus.FieldLogger) (*Database, error) {
	// _txlock=immediate makes BEGIN take the write lock up front, so the
	// read-compare-write in Write cannot interleave with another writer.
	dsn := dbPath + "?mode=rwc&_txlock=immediate&_busy_timeout=5000"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 5
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=memory;",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	db := &Database{
		conn:   conn,
		logger: logger,
		now:    time.Now,
	}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.WithField("db_path", dbPath).Info("Database initialized successfully")
	return db, nil
}

// createTables creates the queue table if it does not already exist, then
// executes any migrations. This is idempotent and safe to call multiple times.
func (db *Database) createTables() error {
	queueTable := `
	CREATE TABLE IF NOT EXISTS queue_state (
		owner_id TEXT PRIMARY KEY,
		tracks TEXT NOT NULL DEFAULT '[]',
		current_index INTEGER,
		shuffle BOOLEAN NOT NULL DEFAULT FALSE,
		repeat TEXT NOT NULL DEFAULT 'off',
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		updated_by TEXT
	);`

	if _, err := db.conn.Exec(queueTable); err != nil {
		return err
	}

	return db.runMigrations()
}

// runMigrations performs incremental schema updates in-place. Each migration
// should be idempotent and safe to re-run; keep them lightweight.
func (db *Database) runMigrations() error {
	// Migration 1: Add original_order column for shuffle restore
	var columnExists bool
	err := db.conn.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info('queue_state')
		WHERE name = 'original_order'`).Scan(&columnExists)

	if err != nil {
		return err
	}

	if !columnExists {
		_, err = db.conn.Exec("ALTER TABLE queue_state ADD COLUMN original_order TEXT")
		if err != nil {
			return err
		}

		db.logger.Info("Added original_order column to queue_state table")
	}

	return nil
}

// prepareStatements prepares the queue statements
func (db *Database) prepareStatements() error {
	var err error

	db.selectQueueStmt, err = db.conn.Prepare(`
		SELECT tracks, current_index, shuffle, repeat, original_order, version, updated_at, updated_by
		FROM queue_state WHERE owner_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare select queue statement: %w", err)
	}

	db.insertQueueStmt, err = db.conn.Prepare(`
		INSERT INTO queue_state (owner_id, tracks, current_index, shuffle, repeat, original_order, version, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert queue statement: %w", err)
	}

	db.updateQueueStmt, err = db.conn.Prepare(`
		UPDATE queue_state
		SET tracks = ?, current_index = ?, shuffle = ?, repeat = ?, original_order = ?, version = ?, updated_at = ?, updated_by = ?
		WHERE owner_id = ? AND version = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare update queue statement: %w", err)
	}

	return nil
}

// Read returns the queue of ownerID, or its implicit version-0 record.
func (db *Database) Read(ctx context.Context, ownerID string) (models.QueueState, error) {
	if ownerID == "" {
		return models.QueueState{}, queue.ErrMissingOwner
	}
	return scanQueue(db.selectQueueStmt.QueryRowContext(ctx, ownerID), ownerID)
}

// Write applies next if the stored version equals expectedVersion.
func (db *Database) Write(ctx context.Context, ownerID string, expectedVersion int64, next models.QueueState, updatedBy string) (queue.WriteResult, error) {
	if ownerID == "" {
		return queue.WriteResult{}, queue.ErrMissingOwner
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return queue.WriteResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanQueue(tx.StmtContext(ctx, db.selectQueueStmt).QueryRowContext(ctx, ownerID), ownerID)
	if err != nil {
		return queue.WriteResult{}, err
	}

	res, err := queue.Arbitrate(current, expectedVersion, next, updatedBy, db.now())
	if err != nil || !res.Accepted {
		return res, err
	}

	args, err := queueArgs(res.State)
	if err != nil {
		return queue.WriteResult{}, err
	}

	var result sql.Result
	if current.Version == 0 {
		result, err = tx.StmtContext(ctx, db.insertQueueStmt).ExecContext(ctx, append([]interface{}{ownerID}, args...)...)
	} else {
		result, err = tx.StmtContext(ctx, db.updateQueueStmt).ExecContext(ctx, append(args, ownerID, current.Version)...)
	}
	if err != nil {
		return queue.WriteResult{}, fmt.Errorf("failed to store queue: %w", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return queue.WriteResult{}, err
	} else if rows != 1 {
		return queue.WriteResult{}, fmt.Errorf("queue of %s changed during write", ownerID)
	}

	if err := tx.Commit(); err != nil {
		return queue.WriteResult{}, fmt.Errorf("failed to commit queue: %w", err)
	}
	return res, nil
}

// Ping checks the connection
func (db *Database) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the underlying database connection and prepared statements.
func (db *Database) Close() error {
	statements := []*sql.Stmt{
		db.selectQueueStmt,
		db.insertQueueStmt,
		db.updateQueueStmt,
	}

	for _, stmt := range statements {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				db.logger.WithError(err).Error("Failed to close prepared statement")
			}
		}
	}

	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// queueArgs returns the column values of s in statement order, starting at
// tracks and ending at updated_by.
func queueArgs(s models.QueueState) ([]interface{}, error) {
	tracks, err := json.Marshal(s.Tracks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tracks: %w", err)
	}

	var currentIndex sql.NullInt64
	if s.CurrentIndex != nil {
		currentIndex = sql.NullInt64{Int64: int64(*s.CurrentIndex), Valid: true}
	}

	var originalOrder sql.NullString
	if len(s.OriginalOrder) > 0 {
		data, err := json.Marshal(s.OriginalOrder)
		if err != nil {
			return nil, fmt.Errorf("failed to encode original order: %w", err)
		}
		originalOrder = sql.NullString{String: string(data), Valid: true}
	}

	return []interface{}{
		string(tracks),
		currentIndex,
		s.Shuffle,
		string(s.Repeat),
		originalOrder,
		s.Version,
		s.UpdatedAt.UTC().Format(time.RFC3339Nano),
		s.UpdatedBy,
	}, nil
}

// scanQueue scans one queue_state row. A missing row yields the version-0
// record of ownerID.
func scanQueue(row *sql.Row, ownerID string) (models.QueueState, error) {
	var (
		tracks        string
		currentIndex  sql.NullInt64
		repeat        string
		originalOrder sql.NullString
		updatedAt     string
		updatedBy     sql.NullString
	)

	state := models.NewQueueState(ownerID)
	err := row.Scan(&tracks, &currentIndex, &state.Shuffle, &repeat, &originalOrder, &state.Version, &updatedAt, &updatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return models.QueueState{}, fmt.Errorf("failed to read queue: %w", err)
	}

	if err := json.Unmarshal([]byte(tracks), &state.Tracks); err != nil {
		return models.QueueState{}, fmt.Errorf("failed to decode tracks: %w", err)
	}
	if currentIndex.Valid {
		state.CurrentIndex = models.Index(int(currentIndex.Int64))
	}
	state.Repeat = models.RepeatMode(repeat)
	if originalOrder.Valid && originalOrder.String != "" {
		if err := json.Unmarshal([]byte(originalOrder.String), &state.OriginalOrder); err != nil {
			return models.QueueState{}, fmt.Errorf("failed to decode original order: %w", err)
		}
	}
	if state.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return models.QueueState{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	state.UpdatedBy = updatedBy.String
	state.Normalize()
	return state, nil
}
