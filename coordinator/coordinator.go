// Package coordinator runs the sync dispatch loop: it drains the
// durable queue into batches, sends them through the transport, and
// folds the acceptor's per-operation verdicts back into queue state.
// A single actor owns all state transitions, so no operation can be
// dispatched twice concurrently.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	stdSync "sync"
	"time"

	"github.com/fieldtrack/fieldsync/backoff"
	syncErrors "github.com/fieldtrack/fieldsync/errors"
	"github.com/fieldtrack/fieldsync/logging"
	"github.com/fieldtrack/fieldsync/operation"
	"github.com/fieldtrack/fieldsync/queue"
	"github.com/fieldtrack/fieldsync/schema"
	"github.com/fieldtrack/fieldsync/telemetry"
)

// Transport delivers a batch to the remote acceptor. Errors carry a
// failure kind distinguishing "never delivered" from "delivered and
// rejected".
type Transport interface {
	Send(ctx context.Context, batch *operation.Batch) (*operation.BatchResult, error)
}

// SyncResult summarizes one dispatch cycle.
type SyncResult struct {
	StartTime  time.Time
	Duration   time.Duration
	Dispatched int
	Acked      int
	Conflicts  int
	Failed     int
	Abandoned  int
	Errors     []error
}

// Coordinator is the single actor that moves operations through their
// lifecycle. Construct with New; all methods are safe for concurrent
// use.
type Coordinator struct {
	queue     *queue.Queue
	transport Transport
	registry  *schema.Registry
	opts      Options
	logger    *logging.Logger

	mu           stdSync.RWMutex
	subscribers  []func(*SyncResult)
	autoSyncStop chan struct{}
	closed       bool

	// syncing and rerun implement coalesced triggering: a Sync call that
	// lands during a running cycle queues exactly one follow-up cycle, no
	// matter how many calls arrive.
	syncing bool
	rerun   bool
}

// New builds a Coordinator over a durable queue and a transport.
func New(q *queue.Queue, t Transport, reg *schema.Registry, options ...Option) (*Coordinator, error) {
	if q == nil || t == nil || reg == nil {
		return nil, fmt.Errorf("queue, transport and registry are required")
	}

	var opts Options
	for _, apply := range options {
		apply(&opts)
	}
	opts.setDefaults()
	if opts.UserID == "" {
		return nil, fmt.Errorf("a user id is required")
	}

	return &Coordinator{
		queue:     q,
		transport: t,
		registry:  reg,
		opts:      opts,
		logger:    logging.WithComponent(logging.Component("coordinator")),
	}, nil
}

// Submit records a local mutation. The operation is validated, given
// its sync identity, and durably queued; when an update for the same
// entity is still pending the new content coalesces into it instead of
// queueing a second operation. Submit never touches the network.
func (c *Coordinator) Submit(ctx context.Context, entityType, entityID string, opType operation.Type, payload json.RawMessage, priority operation.Priority, dependsOn ...string) (*operation.Operation, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, syncErrors.E(syncErrors.OpEnqueue, syncErrors.Component("coordinator"),
			"coordinator is closed")
	}
	c.mu.RUnlock()

	op, err := operation.New(c.registry, entityType, entityID, opType, payload, priority, dependsOn)
	if err != nil {
		return nil, err
	}

	// An edit is based on the remote version last acked for this entity;
	// the acceptor compares it against current state to detect concurrent
	// edits. Creates are based on nothing.
	if opType != operation.TypeCreate {
		state, err := c.queue.EntityState(ctx, entityType, entityID)
		if err != nil {
			return nil, err
		}
		op.BaseVersion = state.RemoteVersion
	}

	if opType == operation.TypeUpdate {
		if syncID, ok, err := c.queue.Coalesce(ctx, op); err != nil {
			return nil, err
		} else if ok {
			c.logger.DebugContext(ctx, "coalesced local edit",
				slog.String("entity_id", entityID),
				slog.String("into_sync_id", syncID),
			)
			return c.queue.Get(ctx, syncID)
		}
	}

	if err := c.queue.Enqueue(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// Sync runs dispatch cycles until the ready set is empty. A call that
// arrives while a cycle is running coalesces into one follow-up cycle
// and returns immediately with ok=false.
func (c *Coordinator) Sync(ctx context.Context) (*SyncResult, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false, syncErrors.E(syncErrors.OpDispatch, syncErrors.Component("coordinator"),
			"coordinator is closed")
	}
	if c.syncing {
		c.rerun = true
		c.mu.Unlock()
		return nil, false, nil
	}
	c.syncing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.syncing = false
		c.mu.Unlock()
	}()

	total := &SyncResult{StartTime: time.Now()}
	defer func() {
		total.Duration = time.Since(total.StartTime)
		c.notifySubscribers(total)
	}()

	for {
		res, err := c.runCycle(ctx)
		total.merge(res)
		if err != nil {
			total.Errors = append(total.Errors, err)
			return total, true, err
		}

		c.mu.Lock()
		again := c.rerun
		c.rerun = false
		c.mu.Unlock()

		// A full batch means backlog may remain; a partial one drained the
		// ready set. Retries wait for the next trigger.
		if res.Dispatched < c.opts.MaxBatchSize && !again {
			return total, true, nil
		}
		select {
		case <-ctx.Done():
			total.Errors = append(total.Errors, ctx.Err())
			return total, true, ctx.Err()
		default:
		}
	}
}

// runCycle forms and dispatches one batch and applies its results.
func (c *Coordinator) runCycle(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{StartTime: time.Now()}
	now := time.Now()

	ready, err := c.queue.ReadySet(ctx, now, c.opts.MaxBatchSize)
	if err != nil {
		return result, err
	}
	if len(ready) == 0 {
		return result, nil
	}

	// Trim to the payload cap, keeping the prefix so per-entity order
	// holds.
	bytes := 0
	cut := len(ready)
	for i, op := range ready {
		bytes += len(op.Payload)
		if bytes > c.opts.MaxPayloadBytes && i > 0 {
			cut = i
			break
		}
	}
	ready = ready[:cut]

	batch, err := operation.NewBatch(c.opts.UserID, ready)
	if err != nil {
		return result, err
	}
	result.Dispatched = len(ready)

	c.opts.Telemetry.Emit(telemetry.Event{
		Name: telemetry.EventSyncStarted,
		At:   now,
		Fields: map[string]interface{}{
			"batch_id":   batch.BatchID,
			"operations": len(ready),
		},
	})

	syncIDs := make([]string, len(ready))
	for i, op := range ready {
		syncIDs[i] = op.SyncID
	}
	if err := c.queue.MarkInFlight(ctx, syncIDs); err != nil {
		return result, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	br, err := c.transport.Send(sendCtx, batch)
	cancel()
	if err != nil {
		return result, c.handleSendFailure(ctx, syncIDs, err)
	}

	c.applyResults(ctx, ready, br, result)

	if _, err := c.queue.PurgeAcked(ctx, time.Now().Add(-c.opts.AckRetention)); err != nil {
		c.logger.LogError(ctx, err, "purging acked operations")
	}
	return result, nil
}

// handleSendFailure deals with a batch that produced no per-operation
// results. Nothing was processed remotely, so every operation returns
// to pending with its attempt count untouched.
func (c *Coordinator) handleSendFailure(ctx context.Context, syncIDs []string, sendErr error) error {
	class := backoff.Classify(sendErr)
	retryAt, _ := c.opts.Policy.NextRetryTime(time.Now(), 0, backoff.ClassConnectivity)
	if class == backoff.ClassTransient {
		retryAt = time.Now().Add(c.opts.Policy.Delay(0))
	}

	if err := c.queue.RevertInFlight(ctx, syncIDs, retryAt); err != nil {
		return err
	}

	c.logger.LogError(ctx, sendErr, "batch delivery failed",
		slog.Int("operations", len(syncIDs)),
		slog.Time("retry_at", retryAt),
	)
	return sendErr
}

// applyResults folds the acceptor's verdicts back into queue state.
// Operations the reply does not mention are treated as undelivered.
func (c *Coordinator) applyResults(ctx context.Context, sent []*operation.Operation, br *operation.BatchResult, result *SyncResult) {
	now := time.Now()
	var missing []string

	for _, op := range sent {
		res, found := br.ResultFor(op.SyncID)
		if !found {
			missing = append(missing, op.SyncID)
			continue
		}

		switch res.Status {
		case operation.ResultAcked:
			if err := c.queue.MarkAcked(ctx, op.SyncID, res.RemoteVersion); err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			result.Acked++

		case operation.ResultConflict:
			result.Conflicts++
			if err := c.resolveConflict(ctx, op, res); err != nil {
				result.Errors = append(result.Errors, err)
			}

		case operation.ResultError:
			c.applyErrorResult(ctx, op, res, now, result)

		default:
			result.Errors = append(result.Errors, syncErrors.E(syncErrors.OpDispatch,
				syncErrors.Component("coordinator"), syncErrors.KindProtocol,
				fmt.Errorf("unknown result status %q for %s", res.Status, op.SyncID)))
		}
	}

	if result.Acked > 0 {
		c.opts.Telemetry.Emit(telemetry.Event{
			Name:   telemetry.EventBatchAcked,
			At:     now,
			Fields: map[string]interface{}{"batch_id": br.BatchID, "acked": result.Acked},
		})
	}

	if len(missing) > 0 {
		retryAt, _ := c.opts.Policy.NextRetryTime(now, 0, backoff.ClassConnectivity)
		if err := c.queue.RevertInFlight(ctx, missing, retryAt); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}
}

func (c *Coordinator) applyErrorResult(ctx context.Context, op *operation.Operation, res operation.Result, now time.Time, result *SyncResult) {
	reason := res.ErrorCode
	if res.ErrorMessage != "" {
		reason = res.ErrorCode + ": " + res.ErrorMessage
	}

	if res.Permanent() {
		if err := c.queue.MarkFailed(ctx, op.SyncID, reason, time.Time{}, true); err != nil {
			result.Errors = append(result.Errors, err)
			return
		}
		result.Abandoned++
		c.emitOpEvent(telemetry.EventOperationAbandoned, op, reason)
		return
	}

	// This attempt is op.AttemptCount; abandonment is checked against the
	// count after this rejection lands.
	retryAt, ok := c.opts.Policy.NextRetryTime(now, op.AttemptCount, backoff.ClassTransient)
	if !ok || op.AttemptCount+1 >= c.opts.Policy.MaxAttempts {
		if err := c.queue.MarkFailed(ctx, op.SyncID, reason, time.Time{}, true); err != nil {
			result.Errors = append(result.Errors, err)
			return
		}
		result.Abandoned++
		c.emitOpEvent(telemetry.EventOperationAbandoned, op, reason)
		return
	}

	if err := c.queue.MarkFailed(ctx, op.SyncID, reason, retryAt, false); err != nil {
		result.Errors = append(result.Errors, err)
		return
	}
	result.Failed++
	c.emitOpEvent(telemetry.EventOperationFailed, op, reason)
}

func (c *Coordinator) emitOpEvent(name string, op *operation.Operation, reason string) {
	c.opts.Telemetry.Emit(telemetry.Event{
		Name:       name,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		SyncID:     op.SyncID,
		At:         time.Now(),
		Fields:     map[string]interface{}{"reason": reason},
	})
}

// OnConnectivityRestored clears connectivity re-probe delays and runs a
// sync immediately. Wire it to the platform's network reachability
// signal.
func (c *Coordinator) OnConnectivityRestored(ctx context.Context) (*SyncResult, error) {
	if err := c.queue.ClearBackoff(ctx); err != nil {
		return nil, err
	}
	res, _, err := c.Sync(ctx)
	return res, err
}

// EntityState exposes the per-entity sync view.
func (c *Coordinator) EntityState(ctx context.Context, entityType, entityID string) (*operation.SyncState, error) {
	return c.queue.EntityState(ctx, entityType, entityID)
}

// Conflicts lists conflicts awaiting manual resolution.
func (c *Coordinator) Conflicts(ctx context.Context) ([]*operation.ConflictRecord, error) {
	return c.queue.Conflicts(ctx)
}

// StartAutoSync begins periodic syncing at the configured interval.
func (c *Coordinator) StartAutoSync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return syncErrors.E(syncErrors.OpDispatch, syncErrors.Component("coordinator"),
			"coordinator is closed")
	}
	if c.autoSyncStop != nil {
		return syncErrors.E(syncErrors.OpDispatch, syncErrors.Component("coordinator"),
			"auto sync is already running")
	}

	stopChan := make(chan struct{})
	c.autoSyncStop = stopChan

	go func() {
		ticker := time.NewTicker(c.opts.SyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopChan:
				return
			case <-ticker.C:
				if _, _, err := c.Sync(ctx); err != nil {
					c.logger.LogError(ctx, err, "auto sync cycle failed")
				}
			}
		}
	}()
	return nil
}

// StopAutoSync stops periodic syncing.
func (c *Coordinator) StopAutoSync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.autoSyncStop == nil {
		return syncErrors.E(syncErrors.OpDispatch, syncErrors.Component("coordinator"),
			"auto sync is not running")
	}
	close(c.autoSyncStop)
	c.autoSyncStop = nil
	return nil
}

// Subscribe registers a handler invoked after every dispatch cycle.
func (c *Coordinator) Subscribe(handler func(*SyncResult)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return syncErrors.E(syncErrors.OpDispatch, syncErrors.Component("coordinator"),
			"coordinator is closed")
	}
	c.subscribers = append(c.subscribers, handler)
	return nil
}

func (c *Coordinator) notifySubscribers(result *SyncResult) {
	c.mu.RLock()
	subscribers := make([]func(*SyncResult), len(c.subscribers))
	copy(subscribers, c.subscribers)
	c.mu.RUnlock()

	for _, handler := range subscribers {
		go func(h func(*SyncResult)) {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("subscriber panicked", slog.Any("panic", r))
				}
			}()
			h(result)
		}(handler)
	}
}

// Close stops auto sync and closes the queue. In-flight operations are
// recovered on the next start: anything not acked is still in the
// durable queue.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.autoSyncStop != nil {
		close(c.autoSyncStop)
		c.autoSyncStop = nil
	}
	return c.queue.Close()
}

func (r *SyncResult) merge(other *SyncResult) {
	if other == nil {
		return
	}
	r.Dispatched += other.Dispatched
	r.Acked += other.Acked
	r.Conflicts += other.Conflicts
	r.Failed += other.Failed
	r.Abandoned += other.Abandoned
	r.Errors = append(r.Errors, other.Errors...)
}
