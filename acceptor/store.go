package acceptor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	stdSync "sync"
	"time"

	syncErrors "github.com/fieldtrack/fieldsync/errors"
	"github.com/fieldtrack/fieldsync/operation"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const (
	opGetEntity  = "acceptor.GetEntity"
	opSeenResult = "acceptor.SeenResult"
	opApply      = "acceptor.Apply"
)

var (
	ErrStoreClosed    = errors.New("acceptor store is closed")
	ErrEntityNotFound = errors.New("entity not found")
)

// Entity is the acceptor's stored state for one entity.
type Entity struct {
	EntityType string
	EntityID   string
	UserID     string
	Payload    json.RawMessage
	Version    int64
	Deleted    bool
	UpdatedAt  time.Time
}

// Store is the acceptor's SQLite persistence: current entity state plus
// the durable seen set that makes application effectively once. The
// entity write and the seen entry always commit in the same
// transaction.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
}

// NewStore opens (or creates) the acceptor database.
func NewStore(dataSourceName string) (*Store, error) {
	if dataSourceName == "" {
		return nil, fmt.Errorf("dataSourceName is required")
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open acceptor database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to acceptor database: %w", err)
	}

	s := &Store{db: db}
	if err := s.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup acceptor schema: %w", err)
	}
	return s, nil
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS entities (
        entity_type TEXT NOT NULL,
        entity_id   TEXT NOT NULL,
        user_id     TEXT NOT NULL,
        payload     TEXT NOT NULL,
        version     INTEGER NOT NULL,
        deleted     INTEGER NOT NULL DEFAULT 0,
        updated_at  TIMESTAMP NOT NULL,
        PRIMARY KEY (entity_type, entity_id)
    );
    CREATE INDEX IF NOT EXISTS idx_entities_user ON entities (user_id);

    CREATE TABLE IF NOT EXISTS seen_operations (
        idempotency_key TEXT PRIMARY KEY,
        sync_id         TEXT NOT NULL,
        entity_type     TEXT NOT NULL,
        entity_id       TEXT NOT NULL,
        result          TEXT NOT NULL,
        applied_at      TIMESTAMP NOT NULL
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// GetEntity loads the current state of one entity.
func (s *Store) GetEntity(ctx context.Context, entityType, entityID string) (*Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	e := &Entity{EntityType: entityType, EntityID: entityID}
	var payload string
	err := s.db.QueryRowContext(ctx, `
        SELECT user_id, payload, version, deleted, updated_at FROM entities
        WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&e.UserID, &payload, &e.Version, &e.Deleted, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opGetEntity, "acceptor")
	}
	e.Payload = json.RawMessage(payload)
	return e, nil
}

// SeenResult returns the stored result for an idempotency key that was
// already applied.
func (s *Store) SeenResult(ctx context.Context, idempotencyKey string) (operation.Result, bool, error) {
	if err := s.checkOpen(); err != nil {
		return operation.Result{}, false, err
	}

	var resultJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM seen_operations WHERE idempotency_key = ?`,
		idempotencyKey).Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return operation.Result{}, false, nil
	}
	if err != nil {
		return operation.Result{}, false, syncErrors.WrapOpComponent(err, opSeenResult, "acceptor")
	}

	var res operation.Result
	if err := json.Unmarshal([]byte(resultJSON), &res); err != nil {
		return operation.Result{}, false, syncErrors.WrapOpComponent(err, opSeenResult, "acceptor")
	}
	return res, true, nil
}

// Apply commits an operation's effect and its seen entry atomically.
// A crash between the two can therefore never double-apply: either both
// are durable or neither is.
func (s *Store) Apply(ctx context.Context, userID string, op *operation.Operation, newPayload json.RawMessage, newVersion int64, deleted bool, result operation.Result) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opApply, "acceptor")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO entities (entity_type, entity_id, user_id, payload, version, deleted, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(entity_type, entity_id) DO UPDATE SET
            payload = excluded.payload,
            version = excluded.version,
            deleted = excluded.deleted,
            updated_at = excluded.updated_at`,
		op.EntityType, op.EntityID, userID, string(newPayload), newVersion,
		boolToInt(deleted), time.Now().UTC())
	if err != nil {
		return syncErrors.WrapOpComponent(err, opApply, "acceptor")
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opApply, "acceptor")
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO seen_operations (idempotency_key, sync_id, entity_type, entity_id, result, applied_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		op.IdempotencyKey, op.SyncID, op.EntityType, op.EntityID,
		string(resultJSON), time.Now().UTC())
	if err != nil {
		return syncErrors.WrapOpComponent(err, opApply, "acceptor")
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, opApply, "acceptor")
	}
	return nil
}

// Close closes the store. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
