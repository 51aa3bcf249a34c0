package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	syncErrors "github.com/fieldtrack/fieldsync/errors"
	"github.com/fieldtrack/fieldsync/operation"
	"github.com/fieldtrack/fieldsync/telemetry"
)

// Decision resolves one manually parked conflict. Strategy selects the
// path; MergedPayload is only consulted for field-merge and, when nil,
// falls back to the automatic shallow merge.
type Decision struct {
	Strategy      operation.Strategy
	MergedPayload json.RawMessage
}

func (c *Coordinator) strategyFor(entityType string) operation.Strategy {
	if s, ok := c.opts.Strategies[entityType]; ok {
		return s
	}
	return c.opts.DefaultStrategy
}

// resolveConflict handles a conflict verdict from the acceptor. The
// conflict is always recorded durably first; automatic strategies then
// resolve and delete the record, while manual parks the operation until
// ResolveManual.
func (c *Coordinator) resolveConflict(ctx context.Context, op *operation.Operation, res operation.Result) error {
	strategy := c.strategyFor(op.EntityType)

	rec := &operation.ConflictRecord{
		SyncID:        op.SyncID,
		EntityType:    op.EntityType,
		EntityID:      op.EntityID,
		LocalPayload:  op.Payload,
		RemotePayload: res.ConflictPayload,
		BaseVersion:   op.BaseVersion,
		RemoteVersion: res.RemoteVersion,
		Strategy:      strategy,
		DetectedAt:    time.Now().UTC(),
	}
	if err := c.queue.RecordConflict(ctx, rec); err != nil {
		return err
	}

	c.opts.Telemetry.Emit(telemetry.Event{
		Name:       telemetry.EventConflictDetected,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		SyncID:     op.SyncID,
		At:         rec.DetectedAt,
		Fields: map[string]interface{}{
			"strategy":       string(strategy),
			"base_version":   op.BaseVersion,
			"remote_version": res.RemoteVersion,
		},
	})

	switch strategy {
	case operation.StrategyLocalWins:
		return c.resolveLocalWins(ctx, op, rec)
	case operation.StrategyRemoteWins:
		return c.resolveRemoteWins(ctx, op.SyncID, rec)
	case operation.StrategyFieldMerge:
		return c.resolveFieldMerge(ctx, op, rec, nil)
	default:
		return c.queue.MarkConflicted(ctx, op.SyncID, "awaiting manual resolution")
	}
}

// resolveLocalWins resubmits the local content rebased onto the current
// remote version. Content is unchanged, so the idempotency key stays.
func (c *Coordinator) resolveLocalWins(ctx context.Context, op *operation.Operation, rec *operation.ConflictRecord) error {
	op.BaseVersion = rec.RemoteVersion
	op.Status = operation.StatusPending
	op.NotBefore = time.Time{}
	op.LastError = ""
	if err := c.queue.Update(ctx, op); err != nil {
		return err
	}
	return c.queue.DeleteConflict(ctx, op.SyncID)
}

// resolveRemoteWins accepts the remote state: the local edit resolves
// as applied and the remote payload is handed to the application so it
// can overwrite its local copy.
func (c *Coordinator) resolveRemoteWins(ctx context.Context, syncID string, rec *operation.ConflictRecord) error {
	if err := c.queue.MarkAcked(ctx, syncID, rec.RemoteVersion); err != nil {
		return err
	}
	if c.opts.RemotePayloadHandler != nil {
		c.opts.RemotePayloadHandler(rec.EntityType, rec.EntityID, rec.RemotePayload, rec.RemoteVersion)
	}
	return c.queue.DeleteConflict(ctx, syncID)
}

// resolveFieldMerge resubmits a merged payload as a fresh operation.
// The old operation terminates; the merged content gets a new sync ID
// and idempotency key because it is genuinely new content.
func (c *Coordinator) resolveFieldMerge(ctx context.Context, op *operation.Operation, rec *operation.ConflictRecord, merged json.RawMessage) error {
	if merged == nil {
		var err error
		merged, err = mergeFields(rec.RemotePayload, rec.LocalPayload)
		if err != nil {
			return syncErrors.E(syncErrors.OpResolve, syncErrors.Component("coordinator"),
				syncErrors.KindPermanent, err)
		}
	}

	replacement, err := operation.New(c.registry, op.EntityType, op.EntityID,
		operation.TypeUpdate, merged, op.Priority, nil)
	if err != nil {
		return err
	}
	replacement.BaseVersion = rec.RemoteVersion

	if err := c.queue.Abandon(ctx, op.SyncID, "superseded by merged resubmission"); err != nil {
		return err
	}
	if err := c.queue.Enqueue(ctx, replacement); err != nil {
		return err
	}
	return c.queue.DeleteConflict(ctx, op.SyncID)
}

// ResolveManual applies a user decision to a parked conflict and
// returns the operation to the dispatch flow. It does not trigger a
// sync; call Sync when the decision batch is complete.
func (c *Coordinator) ResolveManual(ctx context.Context, syncID string, decision Decision) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return syncErrors.E(syncErrors.OpResolve, syncErrors.Component("coordinator"),
			"coordinator is closed")
	}
	c.mu.RUnlock()

	rec, err := c.queue.Conflict(ctx, syncID)
	if err != nil {
		return err
	}
	op, err := c.queue.Get(ctx, syncID)
	if err != nil {
		return err
	}
	if op.Status != operation.StatusConflicted {
		return syncErrors.E(syncErrors.OpResolve, syncErrors.Component("coordinator"),
			syncErrors.KindPermanent,
			fmt.Errorf("operation %s is %s, not conflicted", syncID, op.Status))
	}

	switch decision.Strategy {
	case operation.StrategyLocalWins:
		return c.resolveLocalWins(ctx, op, rec)
	case operation.StrategyRemoteWins:
		return c.resolveRemoteWins(ctx, syncID, rec)
	case operation.StrategyFieldMerge:
		if decision.MergedPayload != nil {
			if err := c.registry.Validate(op.EntityType, decision.MergedPayload); err != nil {
				return err
			}
		}
		return c.resolveFieldMerge(ctx, op, rec, decision.MergedPayload)
	default:
		return syncErrors.E(syncErrors.OpResolve, syncErrors.Component("coordinator"),
			syncErrors.KindPermanent,
			fmt.Errorf("invalid resolution strategy %q", decision.Strategy))
	}
}

// mergeFields shallow-merges two JSON objects: the result starts from
// the remote state and local fields overwrite on collision. Fields only
// one side touched all survive.
func mergeFields(remote, local json.RawMessage) (json.RawMessage, error) {
	var remoteMap, localMap map[string]interface{}
	if err := json.Unmarshal(remote, &remoteMap); err != nil {
		return nil, fmt.Errorf("remote payload is not an object: %w", err)
	}
	if err := json.Unmarshal(local, &localMap); err != nil {
		return nil, fmt.Errorf("local payload is not an object: %w", err)
	}

	for k, v := range localMap {
		remoteMap[k] = v
	}
	return json.Marshal(remoteMap)
}
