package queue

import (
	"context"
	"database/sql"
	"sort"
	"time"

	syncErrors "github.com/fieldtrack/fieldsync/errors"
	"github.com/fieldtrack/fieldsync/operation"
)

// ReadySet selects the operations eligible for the next batch, honoring
// three ordering rules:
//
//   - Per-entity causality: an entity's operations are taken in creation
//     order, and the first ineligible one (in flight, conflicted, backing
//     off, or waiting on a dependency) blocks everything after it for
//     that entity.
//   - Dependencies: an operation waits until every operation it depends
//     on has been acked. A dependency that is no longer in the queue was
//     acked and purged, so it counts as satisfied.
//   - Priority: eligible entities dispatch highest priority first, ties
//     broken by age.
//
// The result is truncated to limit, cutting whole entity suffixes so a
// later operation never ships without its predecessors.
func (q *Queue) ReadySet(ctx context.Context, now time.Time, limit int) ([]*operation.Operation, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := q.db.QueryContext(ctx, selectOperation+`
        WHERE status NOT IN (?, ?) ORDER BY created_at ASC, sync_id ASC`,
		string(operation.StatusAcked), string(operation.StatusAbandoned))
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opReadySet, "queue")
	}
	defer rows.Close()

	var active []*operation.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, syncErrors.WrapOpComponent(err, opReadySet, "queue")
		}
		active = append(active, op)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opReadySet, "queue")
	}

	acked, err := q.ackedSyncIDs(ctx)
	if err != nil {
		return nil, err
	}
	activeIDs := make(map[string]struct{}, len(active))
	for _, op := range active {
		activeIDs[op.SyncID] = struct{}{}
	}

	depsSatisfied := func(op *operation.Operation) bool {
		for _, dep := range op.DependsOn {
			if _, isAcked := acked[dep]; isAcked {
				continue
			}
			if _, stillQueued := activeIDs[dep]; stillQueued {
				return false
			}
		}
		return true
	}

	// Walk each entity's operations in creation order, stopping at the
	// first one that cannot dispatch.
	type entityGroup struct {
		ops      []*operation.Operation
		priority operation.Priority
	}
	groups := make(map[string]*entityGroup)
	var order []string
	blocked := make(map[string]bool)

	for _, op := range active {
		key := op.EntityType + "\x00" + op.EntityID
		if blocked[key] {
			continue
		}

		eligible := (op.Status == operation.StatusPending || op.Status == operation.StatusFailed) &&
			(op.NotBefore.IsZero() || !op.NotBefore.After(now)) &&
			depsSatisfied(op)
		if !eligible {
			blocked[key] = true
			continue
		}

		g, ok := groups[key]
		if !ok {
			g = &entityGroup{priority: op.Priority}
			groups[key] = g
			order = append(order, key)
		}
		g.ops = append(g.ops, op)
		if op.Priority > g.priority {
			g.priority = op.Priority
		}
	}

	// Highest priority entity first; order already reflects age.
	sort.SliceStable(order, func(i, j int) bool {
		return groups[order[i]].priority > groups[order[j]].priority
	})

	var ready []*operation.Operation
	for _, key := range order {
		for _, op := range groups[key].ops {
			if limit > 0 && len(ready) >= limit {
				return ready, nil
			}
			ready = append(ready, op)
		}
	}
	return ready, nil
}

func (q *Queue) ackedSyncIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT sync_id FROM operations WHERE status = ?`,
		string(operation.StatusAcked))
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opReadySet, "queue")
	}
	defer rows.Close()

	acked := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opReadySet, "queue")
		}
		acked[id] = struct{}{}
	}
	return acked, rows.Err()
}

// EntityState derives the per-entity sync view from stored versions and
// the entity's queued operations.
func (q *Queue) EntityState(ctx context.Context, entityType, entityID string) (*operation.SyncState, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	state := &operation.SyncState{
		EntityType: entityType,
		EntityID:   entityID,
		Status:     operation.SyncStatusSynced,
	}
	err := q.db.QueryRowContext(ctx, `
        SELECT local_version, remote_version FROM sync_state
        WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&state.LocalVersion, &state.RemoteVersion)
	if err != nil && err != sql.ErrNoRows {
		return nil, syncErrors.WrapOpComponent(err, opEntityState, "queue")
	}

	rows, err := q.db.QueryContext(ctx, `
        SELECT status, COUNT(*) FROM operations
        WHERE entity_type = ? AND entity_id = ? GROUP BY status`,
		entityType, entityID)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opEntityState, "queue")
	}
	defer rows.Close()

	counts := make(map[operation.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opEntityState, "queue")
		}
		counts[operation.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opEntityState, "queue")
	}

	switch {
	case counts[operation.StatusConflicted] > 0:
		state.Status = operation.SyncStatusConflict
	case counts[operation.StatusInFlight] > 0:
		state.Status = operation.SyncStatusSyncing
	case counts[operation.StatusPending] > 0 || counts[operation.StatusFailed] > 0:
		state.Status = operation.SyncStatusPending
	case counts[operation.StatusAbandoned] > 0:
		state.Status = operation.SyncStatusError
	}
	return state, nil
}
