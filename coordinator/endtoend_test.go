package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldtrack/fieldsync/acceptor"
	syncErrors "github.com/fieldtrack/fieldsync/errors"
	"github.com/fieldtrack/fieldsync/operation"
	"github.com/fieldtrack/fieldsync/schema"
)

// processorTransport delivers batches straight to an in-process
// acceptor. When dropResponses is positive the batch is applied but the
// reply is lost, which is what an interrupted connection looks like
// from the client's side.
type processorTransport struct {
	p             *acceptor.Processor
	calls         int32
	dropResponses int32
}

func (t *processorTransport) Send(ctx context.Context, batch *operation.Batch) (*operation.BatchResult, error) {
	atomic.AddInt32(&t.calls, 1)
	br := t.p.ProcessBatch(ctx, batch.UserID, batch)
	if atomic.AddInt32(&t.dropResponses, -1) >= 0 {
		return nil, syncErrors.E(syncErrors.OpSend, syncErrors.Component("transport"),
			syncErrors.KindConnectivity, fmt.Errorf("connection reset before response"))
	}
	return br, nil
}

func newProcessorTransport(t *testing.T) (*processorTransport, *acceptor.Store) {
	t.Helper()
	store, err := acceptor.NewStore(filepath.Join(t.TempDir(), "acceptor.db"))
	if err != nil {
		t.Fatalf("opening acceptor store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p, err := acceptor.NewProcessor(store, schema.MustNewRegistry(), 0)
	if err != nil {
		t.Fatalf("building processor: %v", err)
	}
	return &processorTransport{p: p}, store
}

func TestSync_SequentialEditsAgainstAcceptor(t *testing.T) {
	transport, store := newProcessorTransport(t)
	c, q := testCoordinator(t, transport)
	ctx := context.Background()

	submit(t, c, "fl-1", `{"id":"fl-1","category":"coin"}`)
	if _, _, err := c.Sync(ctx); err != nil {
		t.Fatalf("first Sync failed: %v", err)
	}

	// The edit is based on the version the create acked at.
	upd, err := c.Submit(ctx, schema.EntityFindLog, "fl-1", operation.TypeUpdate,
		json.RawMessage(`{"id":"fl-1","notes":"engraved"}`), operation.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit update failed: %v", err)
	}
	if upd.BaseVersion != 1 {
		t.Errorf("update BaseVersion = %d, want 1", upd.BaseVersion)
	}

	res, _, err := c.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	if res.Acked != 1 || res.Conflicts != 0 {
		t.Errorf("acked=%d conflicts=%d, want 1/0", res.Acked, res.Conflicts)
	}

	got, err := q.Get(ctx, upd.SyncID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != operation.StatusAcked {
		t.Errorf("update status = %s, want acked", got.Status)
	}

	entity, err := store.GetEntity(ctx, schema.EntityFindLog, "fl-1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if entity.Version != 2 {
		t.Errorf("entity version = %d, want 2", entity.Version)
	}

	// And the next edit bases itself on the advanced version.
	del, err := c.Submit(ctx, schema.EntityFindLog, "fl-1", operation.TypeDelete,
		nil, operation.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit delete failed: %v", err)
	}
	if del.BaseVersion != 2 {
		t.Errorf("delete BaseVersion = %d, want 2", del.BaseVersion)
	}
	if res, _, err = c.Sync(ctx); err != nil || res.Acked != 1 {
		t.Fatalf("delete Sync acked=%d err=%v, want 1/nil", res.Acked, err)
	}
}

func TestSync_LostResponsesApplyOnce(t *testing.T) {
	transport, store := newProcessorTransport(t)
	transport.dropResponses = 2
	c, q := testCoordinator(t, transport)
	ctx := context.Background()

	op := submit(t, c, "fl-1", `{"id":"fl-1","category":"coin"}`)

	// Two deliveries whose replies are lost: the operation returns to
	// pending each time and connectivity failures cost no attempts.
	for i := 1; i <= 2; i++ {
		if _, _, err := c.Sync(ctx); err == nil {
			t.Fatalf("Sync %d should surface the lost response", i)
		}
		got, err := q.Get(ctx, op.SyncID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != operation.StatusPending {
			t.Fatalf("status after lost response = %s, want pending", got.Status)
		}
		if got.AttemptCount != 0 {
			t.Errorf("attempt count = %d, want 0", got.AttemptCount)
		}
		time.Sleep(5 * time.Millisecond)
	}

	res, _, err := c.Sync(ctx)
	if err != nil {
		t.Fatalf("third Sync failed: %v", err)
	}
	if res.Acked != 1 {
		t.Errorf("acked = %d, want 1", res.Acked)
	}
	if calls := atomic.LoadInt32(&transport.calls); calls != 3 {
		t.Errorf("deliveries = %d, want 3", calls)
	}

	// Three deliveries of the same idempotency key, one application.
	entity, err := store.GetEntity(ctx, schema.EntityFindLog, "fl-1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if entity.Version != 1 {
		t.Errorf("entity version = %d, want 1", entity.Version)
	}

	got, err := q.Get(ctx, op.SyncID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != operation.StatusAcked {
		t.Errorf("status = %s, want acked", got.Status)
	}
}
