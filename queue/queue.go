// Package queue is the durable local operation queue. Every local
// mutation lands here before anything crosses the network, and queue
// state survives process restarts: the dispatch loop always reads its
// work from this store, never from memory.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/fieldtrack/fieldsync/errors"
	"github.com/fieldtrack/fieldsync/logging"
	"github.com/fieldtrack/fieldsync/operation"

	"github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opEnqueue     = "queue.Enqueue"
	opCoalesce    = "queue.Coalesce"
	opGet         = "queue.Get"
	opUpdate      = "queue.Update"
	opReadySet    = "queue.ReadySet"
	opMark        = "queue.Mark"
	opRevert      = "queue.RevertInFlight"
	opEntityState = "queue.EntityState"
	opPurge       = "queue.PurgeAcked"
	opStats       = "queue.Stats"
)

var (
	ErrQueueClosed = errors.New("queue is closed")

	// ErrDuplicateIdempotencyKey means an operation with the same
	// idempotency key is already queued and not yet terminal. Enqueueing
	// it again would double-apply the same logical edit.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key in queue")

	ErrOperationNotFound = errors.New("operation not found")
)

// Config holds configuration options for the Queue.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled for better concurrency
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:fieldsync.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to
	// DataSourceName.
	EnableWAL bool

	// Connection pool settings.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "_journal_mode=") {
			sep := "?"
			if strings.Contains(c.DataSourceName, "?") {
				sep = "&"
			}
			c.DataSourceName += sep + "_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Queue is the SQLite-backed durable operation queue.
type Queue struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
}

// New opens (or creates) the queue database described by config.
func New(config *Config) (*Queue, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("queue"))
	logger.InfoContext(context.Background(), "Opening queue database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to queue database: %w", err)
	}

	q := &Queue{db: db, logger: logger}
	if err := q.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup queue schema: %w", err)
	}

	return q, nil
}

func (q *Queue) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS operations (
        sync_id         TEXT PRIMARY KEY,
        entity_type     TEXT NOT NULL,
        entity_id       TEXT NOT NULL,
        operation_type  TEXT NOT NULL,
        payload         TEXT NOT NULL,
        priority        INTEGER NOT NULL,
        idempotency_key TEXT NOT NULL,
        checksum        TEXT NOT NULL,
        base_version    INTEGER NOT NULL DEFAULT 0,
        depends_on      TEXT,
        status          TEXT NOT NULL,
        attempt_count   INTEGER NOT NULL DEFAULT 0,
        not_before      TIMESTAMP,
        last_error      TEXT,
        created_at      TIMESTAMP NOT NULL,
        acked_at        TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_ops_entity ON operations (entity_type, entity_id);
    CREATE INDEX IF NOT EXISTS idx_ops_status ON operations (status);
    CREATE UNIQUE INDEX IF NOT EXISTS idx_ops_active_key ON operations (idempotency_key)
        WHERE status NOT IN ('acked', 'abandoned');

    CREATE TABLE IF NOT EXISTS sync_state (
        entity_type    TEXT NOT NULL,
        entity_id      TEXT NOT NULL,
        local_version  INTEGER NOT NULL DEFAULT 0,
        remote_version INTEGER NOT NULL DEFAULT 0,
        updated_at     TIMESTAMP NOT NULL,
        PRIMARY KEY (entity_type, entity_id)
    );

    CREATE TABLE IF NOT EXISTS conflicts (
        sync_id        TEXT PRIMARY KEY,
        entity_type    TEXT NOT NULL,
        entity_id      TEXT NOT NULL,
        local_payload  TEXT NOT NULL,
        remote_payload TEXT NOT NULL,
        base_version   INTEGER NOT NULL,
        remote_version INTEGER NOT NULL,
        strategy       TEXT NOT NULL,
        detected_at    TIMESTAMP NOT NULL
    );
    `
	_, err := q.db.Exec(query)
	return err
}

func (q *Queue) checkOpen() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	return nil
}

// Enqueue durably records a pending operation and bumps the entity's
// local version. A non-terminal operation with the same idempotency key
// makes this a no-op failure with ErrDuplicateIdempotencyKey.
func (q *Queue) Enqueue(ctx context.Context, op *operation.Operation) error {
	if err := q.checkOpen(); err != nil {
		return err
	}

	dependsOn, err := marshalDeps(op.DependsOn)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opEnqueue, "queue")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opEnqueue, "queue")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO operations
            (sync_id, entity_type, entity_id, operation_type, payload, priority,
             idempotency_key, checksum, base_version, depends_on, status,
             attempt_count, not_before, last_error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, '', ?)`,
		op.SyncID, op.EntityType, op.EntityID, string(op.Type), string(op.Payload),
		int(op.Priority), op.IdempotencyKey, op.Checksum, op.BaseVersion,
		dependsOn, string(operation.StatusPending), op.CreatedAt.UTC())
	if err != nil {
		// The partial unique index on active idempotency keys surfaces as a
		// UNIQUE constraint violation naming the column, not the index.
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
			strings.Contains(err.Error(), "idempotency_key") {
			return ErrDuplicateIdempotencyKey
		}
		return syncErrors.WrapOpComponent(err, opEnqueue, "queue")
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO sync_state (entity_type, entity_id, local_version, remote_version, updated_at)
        VALUES (?, ?, 1, 0, ?)
        ON CONFLICT(entity_type, entity_id)
        DO UPDATE SET local_version = local_version + 1, updated_at = excluded.updated_at`,
		op.EntityType, op.EntityID, time.Now().UTC())
	if err != nil {
		return syncErrors.WrapOpComponent(err, opEnqueue, "queue")
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, opEnqueue, "queue")
	}
	return nil
}

// Coalesce folds op's payload into an already pending update for the
// same entity instead of queueing a second operation. Only operations
// still in pending status are eligible: anything in flight must run to
// completion under its original idempotency key. Returns the sync ID of
// the absorbed operation, or ok=false when there is nothing to coalesce
// into and the caller should Enqueue instead.
func (q *Queue) Coalesce(ctx context.Context, op *operation.Operation) (string, bool, error) {
	if err := q.checkOpen(); err != nil {
		return "", false, err
	}
	if op.Type != operation.TypeUpdate {
		return "", false, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, syncErrors.WrapOpComponent(err, opCoalesce, "queue")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var syncID string
	err = tx.QueryRowContext(ctx, `
        SELECT sync_id FROM operations
        WHERE entity_type = ? AND entity_id = ? AND operation_type = ? AND status = ?
        ORDER BY created_at DESC LIMIT 1`,
		op.EntityType, op.EntityID, string(operation.TypeUpdate),
		string(operation.StatusPending)).Scan(&syncID)
	if err == sql.ErrNoRows {
		err = nil
		tx.Rollback()
		return "", false, nil
	}
	if err != nil {
		return "", false, syncErrors.WrapOpComponent(err, opCoalesce, "queue")
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE operations
        SET payload = ?, checksum = ?, idempotency_key = ?, base_version = ?
        WHERE sync_id = ?`,
		string(op.Payload), op.Checksum, op.IdempotencyKey, op.BaseVersion, syncID)
	if err != nil {
		return "", false, syncErrors.WrapOpComponent(err, opCoalesce, "queue")
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE sync_state SET local_version = local_version + 1, updated_at = ?
        WHERE entity_type = ? AND entity_id = ?`,
		time.Now().UTC(), op.EntityType, op.EntityID)
	if err != nil {
		return "", false, syncErrors.WrapOpComponent(err, opCoalesce, "queue")
	}

	if err = tx.Commit(); err != nil {
		return "", false, syncErrors.WrapOpComponent(err, opCoalesce, "queue")
	}
	return syncID, true, nil
}

// Get loads a single operation by sync ID.
func (q *Queue) Get(ctx context.Context, syncID string) (*operation.Operation, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	row := q.db.QueryRowContext(ctx, selectOperation+` WHERE sync_id = ?`, syncID)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opGet, "queue")
	}
	return op, nil
}

// Update rewrites an operation's mutable fields. The coordinator uses
// this for conflict resolution paths that resubmit with new content.
func (q *Queue) Update(ctx context.Context, op *operation.Operation) error {
	if err := q.checkOpen(); err != nil {
		return err
	}

	var notBefore interface{}
	if !op.NotBefore.IsZero() {
		notBefore = op.NotBefore.UTC()
	}
	res, err := q.db.ExecContext(ctx, `
        UPDATE operations
        SET payload = ?, checksum = ?, idempotency_key = ?, base_version = ?,
            status = ?, attempt_count = ?, not_before = ?, last_error = ?
        WHERE sync_id = ?`,
		string(op.Payload), op.Checksum, op.IdempotencyKey, op.BaseVersion,
		string(op.Status), op.AttemptCount, notBefore, op.LastError, op.SyncID)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opUpdate, "queue")
	}
	return requireRow(res, opUpdate)
}

// MarkInFlight transitions the given operations to in_flight.
func (q *Queue) MarkInFlight(ctx context.Context, syncIDs []string) error {
	return q.setStatus(ctx, syncIDs, operation.StatusInFlight)
}

// MarkAcked records remote acceptance: the operation reaches its
// terminal acked state and the entity's remote version advances.
// Versions only move forward; a stale ack never rolls one back.
func (q *Queue) MarkAcked(ctx context.Context, syncID string, remoteVersion int64) error {
	if err := q.checkOpen(); err != nil {
		return err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opMark, "queue")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var entityType, entityID string
	err = tx.QueryRowContext(ctx,
		`SELECT entity_type, entity_id FROM operations WHERE sync_id = ?`,
		syncID).Scan(&entityType, &entityID)
	if err == sql.ErrNoRows {
		err = nil
		tx.Rollback()
		return ErrOperationNotFound
	}
	if err != nil {
		return syncErrors.WrapOpComponent(err, opMark, "queue")
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE operations SET status = ?, acked_at = ?, last_error = '' WHERE sync_id = ?`,
		string(operation.StatusAcked), time.Now().UTC(), syncID)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opMark, "queue")
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO sync_state (entity_type, entity_id, local_version, remote_version, updated_at)
        VALUES (?, ?, 0, ?, ?)
        ON CONFLICT(entity_type, entity_id)
        DO UPDATE SET remote_version = MAX(remote_version, excluded.remote_version),
                      updated_at = excluded.updated_at`,
		entityType, entityID, remoteVersion, time.Now().UTC())
	if err != nil {
		return syncErrors.WrapOpComponent(err, opMark, "queue")
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, opMark, "queue")
	}
	return nil
}

// MarkConflicted parks an operation pending conflict resolution. It
// stops dispatching and blocks every later operation for its entity.
func (q *Queue) MarkConflicted(ctx context.Context, syncID, reason string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, last_error = ? WHERE sync_id = ?`,
		string(operation.StatusConflicted), reason, syncID)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opMark, "queue")
	}
	return requireRow(res, opMark)
}

// MarkFailed records a delivered-and-rejected attempt. The attempt
// count increments; permanent failures terminate into abandoned while
// recoverable ones are rescheduled for nextRetry.
func (q *Queue) MarkFailed(ctx context.Context, syncID, reason string, nextRetry time.Time, permanent bool) error {
	if err := q.checkOpen(); err != nil {
		return err
	}

	status := operation.StatusFailed
	var notBefore interface{}
	if permanent {
		status = operation.StatusAbandoned
	} else {
		notBefore = nextRetry.UTC()
	}

	res, err := q.db.ExecContext(ctx, `
        UPDATE operations
        SET status = ?, attempt_count = attempt_count + 1, not_before = ?, last_error = ?
        WHERE sync_id = ?`,
		string(status), notBefore, reason, syncID)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opMark, "queue")
	}
	return requireRow(res, opMark)
}

// Abandon terminates an operation without it ever being accepted.
func (q *Queue) Abandon(ctx context.Context, syncID, reason string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, last_error = ? WHERE sync_id = ?`,
		string(operation.StatusAbandoned), reason, syncID)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opMark, "queue")
	}
	return requireRow(res, opMark)
}

// RevertInFlight returns operations to pending after a batch that never
// reached the acceptor. Attempt counts are untouched: not being able to
// send is not a rejection.
func (q *Queue) RevertInFlight(ctx context.Context, syncIDs []string, notBefore time.Time) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	if len(syncIDs) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
        UPDATE operations SET status = ?, not_before = ?
        WHERE sync_id IN (%s) AND status = ?`, placeholders(len(syncIDs)))
	args := make([]interface{}, 0, len(syncIDs)+3)
	args = append(args, string(operation.StatusPending), notBefore.UTC())
	for _, id := range syncIDs {
		args = append(args, id)
	}
	args = append(args, string(operation.StatusInFlight))

	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return syncErrors.WrapOpComponent(err, opRevert, "queue")
	}
	return nil
}

func (q *Queue) setStatus(ctx context.Context, syncIDs []string, status operation.Status) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	if len(syncIDs) == 0 {
		return nil
	}

	query := fmt.Sprintf(`UPDATE operations SET status = ? WHERE sync_id IN (%s)`,
		placeholders(len(syncIDs)))
	args := make([]interface{}, 0, len(syncIDs)+1)
	args = append(args, string(status))
	for _, id := range syncIDs {
		args = append(args, id)
	}

	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return syncErrors.WrapOpComponent(err, opMark, "queue")
	}
	return nil
}

// ClearBackoff removes the re-probe delay from pending operations.
// Called when connectivity returns so reverted operations dispatch
// immediately instead of waiting out their delay. Failed operations
// keep their exponential schedule.
func (q *Queue) ClearBackoff(ctx context.Context) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx,
		`UPDATE operations SET not_before = NULL WHERE status = ?`,
		string(operation.StatusPending)); err != nil {
		return syncErrors.WrapOpComponent(err, opMark, "queue")
	}
	return nil
}

// PurgeAcked deletes acked operations older than the retention cutoff.
// Their idempotency keys stay live on the acceptor side, so replaying a
// purged operation is still harmless.
func (q *Queue) PurgeAcked(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := q.checkOpen(); err != nil {
		return 0, err
	}
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM operations WHERE status = ? AND acked_at IS NOT NULL AND acked_at < ?`,
		string(operation.StatusAcked), olderThan.UTC())
	if err != nil {
		return 0, syncErrors.WrapOpComponent(err, opPurge, "queue")
	}
	return res.RowsAffected()
}

// Stats reports the queue population by status.
func (q *Queue) Stats(ctx context.Context) (map[operation.Status]int, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opStats, "queue")
	}
	defer rows.Close()

	stats := make(map[operation.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opStats, "queue")
		}
		stats[operation.Status(status)] = count
	}
	return stats, rows.Err()
}

// Close closes the queue database. Safe to call more than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

const selectOperation = `
    SELECT sync_id, entity_type, entity_id, operation_type, payload, priority,
           idempotency_key, checksum, base_version, depends_on, status,
           attempt_count, not_before, last_error, created_at
    FROM operations`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*operation.Operation, error) {
	var (
		op        operation.Operation
		opType    string
		payload   string
		priority  int
		dependsOn sql.NullString
		status    string
		notBefore sql.NullTime
		lastError sql.NullString
	)
	err := row.Scan(&op.SyncID, &op.EntityType, &op.EntityID, &opType, &payload,
		&priority, &op.IdempotencyKey, &op.Checksum, &op.BaseVersion, &dependsOn,
		&status, &op.AttemptCount, &notBefore, &lastError, &op.CreatedAt)
	if err != nil {
		return nil, err
	}

	op.Type = operation.Type(opType)
	op.Payload = json.RawMessage(payload)
	op.Priority = operation.Priority(priority)
	op.Status = operation.Status(status)
	if notBefore.Valid {
		op.NotBefore = notBefore.Time
	}
	if lastError.Valid {
		op.LastError = lastError.String
	}
	if dependsOn.Valid && dependsOn.String != "" {
		if err := json.Unmarshal([]byte(dependsOn.String), &op.DependsOn); err != nil {
			return nil, fmt.Errorf("corrupt depends_on for %s: %w", op.SyncID, err)
		}
	}
	return &op, nil
}

func marshalDeps(deps []string) (interface{}, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(deps)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func requireRow(res sql.Result, op syncErrors.Op) error {
	n, err := res.RowsAffected()
	if err != nil {
		return syncErrors.WrapOpComponent(err, op, "queue")
	}
	if n == 0 {
		return ErrOperationNotFound
	}
	return nil
}
