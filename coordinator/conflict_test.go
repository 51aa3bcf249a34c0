package coordinator

import (
	"context"
	"encoding/json"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldtrack/fieldsync/operation"
	"github.com/fieldtrack/fieldsync/schema"
)

// conflictOnce rejects the first attempt per sync ID with a conflict,
// then acks.
func conflictOnce(remotePayload string, remoteVersion int64) *scriptTransport {
	conflicted := make(map[string]bool)
	return &scriptTransport{fn: func(_ context.Context, b *operation.Batch) (*operation.BatchResult, error) {
		br := &operation.BatchResult{Success: true, BatchID: b.BatchID, ProcessedAt: time.Now()}
		for _, op := range b.Operations {
			if !conflicted[op.EntityID] {
				conflicted[op.EntityID] = true
				br.Results = append(br.Results, operation.Result{
					SyncID:          op.SyncID,
					Status:          operation.ResultConflict,
					RemoteVersion:   remoteVersion,
					ConflictPayload: json.RawMessage(remotePayload),
				})
				continue
			}
			br.Results = append(br.Results, operation.Result{
				SyncID:        op.SyncID,
				Status:        operation.ResultAcked,
				RemoteVersion: remoteVersion + 1,
			})
		}
		return br, nil
	}}
}

func TestConflict_LocalWins(t *testing.T) {
	transport := conflictOnce(`{"id":"fl-1","notes":"remote"}`, 7)
	c, q := testCoordinator(t, transport,
		WithStrategy(schema.EntityFindLog, operation.StrategyLocalWins))
	ctx := context.Background()

	op := submit(t, c, "fl-1", `{"id":"fl-1","notes":"local"}`)

	res, _, err := c.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Conflicts != 1 {
		t.Fatalf("conflicts = %d, want 1", res.Conflicts)
	}

	got, _ := q.Get(ctx, op.SyncID)
	if got.Status != operation.StatusPending {
		t.Fatalf("status = %s, want pending for resubmission", got.Status)
	}
	if got.BaseVersion != 7 {
		t.Errorf("base version = %d, want rebased to 7", got.BaseVersion)
	}
	if got.IdempotencyKey != op.IdempotencyKey {
		t.Error("unchanged content must keep its idempotency key")
	}

	// Resubmission succeeds on the next cycle.
	if _, _, err := c.Sync(ctx); err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	got, _ = q.Get(ctx, op.SyncID)
	if got.Status != operation.StatusAcked {
		t.Errorf("status = %s, want acked after resubmission", got.Status)
	}

	if conflicts, _ := c.Conflicts(ctx); len(conflicts) != 0 {
		t.Errorf("%d conflict records left after automatic resolution", len(conflicts))
	}
}

func TestConflict_RemoteWins(t *testing.T) {
	var handled atomic.Int32
	var handedPayload json.RawMessage
	transport := conflictOnce(`{"id":"fl-1","notes":"remote"}`, 7)
	c, q := testCoordinator(t, transport,
		WithStrategy(schema.EntityFindLog, operation.StrategyRemoteWins),
		WithRemotePayloadHandler(func(entityType, entityID string, payload json.RawMessage, version int64) {
			handled.Add(1)
			handedPayload = payload
			if version != 7 {
				t.Errorf("handler version = %d, want 7", version)
			}
		}))
	ctx := context.Background()

	op := submit(t, c, "fl-1", `{"id":"fl-1","notes":"local"}`)
	if _, _, err := c.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	got, _ := q.Get(ctx, op.SyncID)
	if got.Status != operation.StatusAcked {
		t.Errorf("status = %s, want acked (resolved by remote state)", got.Status)
	}
	if handled.Load() != 1 {
		t.Fatal("remote payload handler was not invoked")
	}
	if string(handedPayload) != `{"id":"fl-1","notes":"remote"}` {
		t.Errorf("handler payload = %s", handedPayload)
	}

	state, _ := c.EntityState(ctx, schema.EntityFindLog, "fl-1")
	if state.RemoteVersion != 7 {
		t.Errorf("remote version = %d, want 7", state.RemoteVersion)
	}
}

func TestConflict_FieldMerge(t *testing.T) {
	transport := conflictOnce(`{"id":"fl-1","category":"coin","depth_cm":30}`, 7)
	c, q := testCoordinator(t, transport,
		WithStrategy(schema.EntityFindLog, operation.StrategyFieldMerge))
	ctx := context.Background()

	op, err := c.Submit(ctx, schema.EntityFindLog, "fl-1", operation.TypeUpdate,
		json.RawMessage(`{"id":"fl-1","notes":"local note"}`), operation.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if _, _, err := c.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	old, _ := q.Get(ctx, op.SyncID)
	if old.Status != operation.StatusAbandoned {
		t.Errorf("original status = %s, want abandoned (superseded)", old.Status)
	}

	ready, err := q.ReadySet(ctx, time.Now(), 0)
	if err != nil {
		t.Fatalf("ReadySet failed: %v", err)
	}
	if len(ready) != 1 {
		t.Fatalf("ready set = %d ops, want the merged resubmission", len(ready))
	}
	merged := ready[0]
	if merged.SyncID == op.SyncID {
		t.Error("merged resubmission must carry a fresh sync id")
	}
	if merged.IdempotencyKey == op.IdempotencyKey {
		t.Error("merged content must derive a new idempotency key")
	}
	if merged.BaseVersion != 7 {
		t.Errorf("merged base version = %d, want 7", merged.BaseVersion)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(merged.Payload, &payload); err != nil {
		t.Fatalf("merged payload: %v", err)
	}
	want := map[string]interface{}{
		"id":       "fl-1",
		"category": "coin",
		"depth_cm": float64(30),
		"notes":    "local note",
	}
	if !reflect.DeepEqual(payload, want) {
		t.Errorf("merged payload = %v, want %v", payload, want)
	}
}

func TestConflict_ManualParksAndBlocks(t *testing.T) {
	transport := conflictOnce(`{"id":"fl-1","notes":"remote"}`, 7)
	c, q := testCoordinator(t, transport) // default strategy is manual
	ctx := context.Background()

	op := submit(t, c, "fl-1", `{"id":"fl-1","notes":"local"}`)
	if _, _, err := c.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	got, _ := q.Get(ctx, op.SyncID)
	if got.Status != operation.StatusConflicted {
		t.Fatalf("status = %s, want conflicted", got.Status)
	}

	conflicts, err := c.Conflicts(ctx)
	if err != nil {
		t.Fatalf("Conflicts failed: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].SyncID != op.SyncID {
		t.Fatalf("conflict record missing: %+v", conflicts)
	}
	if string(conflicts[0].RemotePayload) != `{"id":"fl-1","notes":"remote"}` {
		t.Errorf("remote payload = %s", conflicts[0].RemotePayload)
	}

	// A later edit to the same entity must not dispatch past the parked
	// conflict.
	if _, err := c.Submit(ctx, schema.EntityFindLog, "fl-1", operation.TypeDelete,
		nil, operation.PriorityCritical); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	before := atomic.LoadInt32(&transport.calls)
	if _, _, err := c.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if atomic.LoadInt32(&transport.calls) != before {
		t.Error("entity with a parked conflict must not dispatch")
	}
}

func TestResolveManual_LocalWins(t *testing.T) {
	transport := conflictOnce(`{"id":"fl-1","notes":"remote"}`, 7)
	c, q := testCoordinator(t, transport)
	ctx := context.Background()

	op := submit(t, c, "fl-1", `{"id":"fl-1","notes":"local"}`)
	c.Sync(ctx)

	if err := c.ResolveManual(ctx, op.SyncID, Decision{Strategy: operation.StrategyLocalWins}); err != nil {
		t.Fatalf("ResolveManual failed: %v", err)
	}

	got, _ := q.Get(ctx, op.SyncID)
	if got.Status != operation.StatusPending || got.BaseVersion != 7 {
		t.Errorf("after resolution: status=%s base=%d, want pending/7", got.Status, got.BaseVersion)
	}

	if _, _, err := c.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	got, _ = q.Get(ctx, op.SyncID)
	if got.Status != operation.StatusAcked {
		t.Errorf("status = %s, want acked", got.Status)
	}
}

func TestResolveManual_WithMergedPayload(t *testing.T) {
	transport := conflictOnce(`{"id":"fl-1","notes":"remote"}`, 7)
	c, q := testCoordinator(t, transport)
	ctx := context.Background()

	op := submit(t, c, "fl-1", `{"id":"fl-1","notes":"local"}`)
	c.Sync(ctx)

	err := c.ResolveManual(ctx, op.SyncID, Decision{
		Strategy:      operation.StrategyFieldMerge,
		MergedPayload: json.RawMessage(`{"id":"fl-1","notes":"hand merged"}`),
	})
	if err != nil {
		t.Fatalf("ResolveManual failed: %v", err)
	}

	ready, _ := q.ReadySet(ctx, time.Now(), 0)
	if len(ready) != 1 {
		t.Fatalf("ready set = %d, want 1", len(ready))
	}
	if string(ready[0].Payload) != `{"id":"fl-1","notes":"hand merged"}` {
		t.Errorf("payload = %s", ready[0].Payload)
	}
}

func TestResolveManual_RejectsBadInput(t *testing.T) {
	transport := conflictOnce(`{"id":"fl-1"}`, 7)
	c, _ := testCoordinator(t, transport)
	ctx := context.Background()

	op := submit(t, c, "fl-1", `{"id":"fl-1"}`)
	c.Sync(ctx)

	if err := c.ResolveManual(ctx, "no-such-id", Decision{Strategy: operation.StrategyLocalWins}); err == nil {
		t.Error("unknown sync id must fail")
	}
	if err := c.ResolveManual(ctx, op.SyncID, Decision{Strategy: "coin-flip"}); err == nil {
		t.Error("unknown strategy must fail")
	}
	err := c.ResolveManual(ctx, op.SyncID, Decision{
		Strategy:      operation.StrategyFieldMerge,
		MergedPayload: json.RawMessage(`{"notes":"missing id"}`),
	})
	if err == nil {
		t.Error("merged payload failing schema validation must be rejected")
	}
}
