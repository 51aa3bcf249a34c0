// Package acceptor is the remote half of the sync protocol: it receives
// operation batches, applies each operation exactly once, and reports a
// per-operation verdict. One client's bad operation never poisons the
// rest of its batch.
package acceptor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	stdSync "sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fieldtrack/fieldsync/idempotency"
	"github.com/fieldtrack/fieldsync/logging"
	"github.com/fieldtrack/fieldsync/operation"
	"github.com/fieldtrack/fieldsync/schema"
)

// Processor applies batches against the store. Concurrent batches are
// serialized per entity, so two clients editing different entities
// never wait on each other.
type Processor struct {
	store    *Store
	registry *schema.Registry
	logger   *logging.Logger

	// resultCache fronts the durable seen set for hot replays (a client
	// re-sending a batch right after a dropped response).
	resultCache *lru.Cache[string, operation.Result]

	lockMu      stdSync.Mutex
	entityLocks map[string]*stdSync.Mutex
}

// NewProcessor builds a Processor over store. cacheSize <= 0 defaults
// to 4096 cached results.
func NewProcessor(store *Store, registry *schema.Registry, cacheSize int) (*Processor, error) {
	if store == nil || registry == nil {
		return nil, fmt.Errorf("store and registry are required")
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, operation.Result](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Processor{
		store:       store,
		registry:    registry,
		logger:      logging.WithComponent(logging.Component("acceptor")),
		resultCache: cache,
		entityLocks: make(map[string]*stdSync.Mutex),
	}, nil
}

// ProcessBatch applies a validated batch owned by userID. Operations
// are applied in batch order; each gets its own verdict and a failure
// isolates to its operation.
func (p *Processor) ProcessBatch(ctx context.Context, userID string, batch *operation.Batch) *operation.BatchResult {
	br := &operation.BatchResult{
		Success: true,
		BatchID: batch.BatchID,
	}
	for _, op := range batch.Operations {
		br.Results = append(br.Results, p.processOne(ctx, userID, op))
	}
	br.ProcessedAt = time.Now().UTC()
	return br
}

func (p *Processor) processOne(ctx context.Context, userID string, op *operation.Operation) operation.Result {
	unlock := p.lockEntity(op.EntityType, op.EntityID)
	defer unlock()

	// Replay: an already applied key returns its original verdict and
	// changes nothing.
	if res, ok := p.resultCache.Get(op.IdempotencyKey); ok {
		return res
	}
	if res, seen, err := p.store.SeenResult(ctx, op.IdempotencyKey); err != nil {
		return p.internalError(ctx, op, err)
	} else if seen {
		p.resultCache.Add(op.IdempotencyKey, res)
		return res
	}

	if res, ok := p.validate(op); !ok {
		return res
	}

	entity, err := p.store.GetEntity(ctx, op.EntityType, op.EntityID)
	if err != nil && err != ErrEntityNotFound {
		return p.internalError(ctx, op, err)
	}
	exists := err == nil

	if exists && entity.UserID != userID {
		return operation.Result{
			SyncID:       op.SyncID,
			Status:       operation.ResultError,
			ErrorCode:    operation.CodeForbidden,
			ErrorMessage: "entity belongs to another user",
		}
	}

	if res, conflicted := p.detectConflict(op, entity, exists); conflicted {
		return res
	}

	return p.apply(ctx, userID, op, entity, exists)
}

func (p *Processor) validate(op *operation.Operation) (operation.Result, bool) {
	if !idempotency.Verify(op.Payload, op.Checksum) {
		return operation.Result{
			SyncID:       op.SyncID,
			Status:       operation.ResultError,
			ErrorCode:    operation.CodeBadOperation,
			ErrorMessage: "payload does not match its checksum",
		}, false
	}
	if idempotency.Key(op.EntityType, op.EntityID, string(op.Type), op.Checksum) != op.IdempotencyKey {
		return operation.Result{
			SyncID:       op.SyncID,
			Status:       operation.ResultError,
			ErrorCode:    operation.CodeBadOperation,
			ErrorMessage: "idempotency key does not match operation identity",
		}, false
	}
	if err := p.registry.Validate(op.EntityType, op.Payload); err != nil {
		return operation.Result{
			SyncID:       op.SyncID,
			Status:       operation.ResultError,
			ErrorCode:    operation.CodeValidationFailed,
			ErrorMessage: err.Error(),
		}, false
	}
	return operation.Result{}, true
}

// detectConflict compares the version the client based its edit on with
// the version currently stored.
func (p *Processor) detectConflict(op *operation.Operation, entity *Entity, exists bool) (operation.Result, bool) {
	switch op.Type {
	case operation.TypeCreate:
		if exists && !entity.Deleted {
			return conflictResult(op, entity), true
		}
	case operation.TypeUpdate, operation.TypeDelete:
		if exists && op.BaseVersion != entity.Version {
			return conflictResult(op, entity), true
		}
	}
	return operation.Result{}, false
}

func (p *Processor) apply(ctx context.Context, userID string, op *operation.Operation, entity *Entity, exists bool) operation.Result {
	var (
		newPayload json.RawMessage
		newVersion int64
		deleted    bool
	)

	switch op.Type {
	case operation.TypeCreate:
		newPayload = op.Payload
		newVersion = 1
		if exists {
			// Recreating a deleted entity continues its version history.
			newVersion = entity.Version + 1
		}

	case operation.TypeUpdate:
		if !exists {
			return operation.Result{
				SyncID:       op.SyncID,
				Status:       operation.ResultError,
				ErrorCode:    operation.CodeBadOperation,
				ErrorMessage: "cannot update an entity that does not exist",
			}
		}
		merged, err := mergePayload(entity.Payload, op.Payload)
		if err != nil {
			return operation.Result{
				SyncID:       op.SyncID,
				Status:       operation.ResultError,
				ErrorCode:    operation.CodeBadOperation,
				ErrorMessage: err.Error(),
			}
		}
		newPayload = merged
		newVersion = entity.Version + 1

	case operation.TypeDelete:
		// Deleting an absent entity is idempotently fine: the desired
		// state already holds.
		newPayload = op.Payload
		newVersion = 1
		if exists {
			newVersion = entity.Version + 1
		}
		deleted = true
	}

	result := operation.Result{
		SyncID:        op.SyncID,
		Status:        operation.ResultAcked,
		RemoteVersion: newVersion,
	}
	if err := p.store.Apply(ctx, userID, op, newPayload, newVersion, deleted, result); err != nil {
		return p.internalError(ctx, op, err)
	}
	p.resultCache.Add(op.IdempotencyKey, result)
	return result
}

// lockEntity serializes application per entity. The registry holds one
// mutex per entity seen and never evicts; a mutex cannot be dropped
// while a batch may still hold it. At ~100 bytes per entry this stays
// small for field-recording workloads.
func (p *Processor) lockEntity(entityType, entityID string) func() {
	key := entityType + "\x00" + entityID
	p.lockMu.Lock()
	m, ok := p.entityLocks[key]
	if !ok {
		m = &stdSync.Mutex{}
		p.entityLocks[key] = m
	}
	p.lockMu.Unlock()

	m.Lock()
	return m.Unlock
}

func conflictResult(op *operation.Operation, entity *Entity) operation.Result {
	return operation.Result{
		SyncID:          op.SyncID,
		Status:          operation.ResultConflict,
		RemoteVersion:   entity.Version,
		ConflictPayload: entity.Payload,
	}
}

func (p *Processor) internalError(ctx context.Context, op *operation.Operation, err error) operation.Result {
	p.logger.LogError(ctx, err, "operation failed",
		slog.String("sync_id", op.SyncID),
		slog.String("entity_id", op.EntityID),
	)
	return operation.Result{
		SyncID:       op.SyncID,
		Status:       operation.ResultError,
		ErrorCode:    operation.CodeInternal,
		ErrorMessage: err.Error(),
	}
}

// mergePayload applies an update delta over the stored payload: fields
// present in the delta overwrite, everything else survives.
func mergePayload(current, delta json.RawMessage) (json.RawMessage, error) {
	var base, change map[string]interface{}
	if err := json.Unmarshal(current, &base); err != nil {
		return nil, fmt.Errorf("stored payload is corrupt: %w", err)
	}
	if err := json.Unmarshal(delta, &change); err != nil {
		return nil, fmt.Errorf("update payload is not an object: %w", err)
	}
	for k, v := range change {
		base[k] = v
	}
	return json.Marshal(base)
}
