package operation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/fieldtrack/fieldsync/errors"
)

// Batch is an ordered group of operations dispatched in one round trip.
// Insertion order is the dependency-respecting dispatch order. All
// operations belong to the same authenticated principal.
type Batch struct {
	BatchID    string       `json:"batch_id"`
	UserID     string       `json:"user_id"`
	Operations []*Operation `json:"operations"`
	CreatedAt  time.Time    `json:"created_at"`
}

// NewBatch groups ops into a batch owned by userID. It rejects empty
// batches and duplicate sync IDs; operation order is preserved.
func NewBatch(userID string, ops []*Operation) (*Batch, error) {
	if userID == "" {
		return nil, syncErrors.E(syncErrors.OpDispatch, syncErrors.Component("batch"), syncErrors.KindPermanent,
			"batch requires a user id")
	}
	if len(ops) == 0 {
		return nil, syncErrors.E(syncErrors.OpDispatch, syncErrors.Component("batch"), syncErrors.KindPermanent,
			"batch requires at least one operation")
	}

	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if _, dup := seen[op.SyncID]; dup {
			return nil, syncErrors.E(syncErrors.OpDispatch, syncErrors.Component("batch"), syncErrors.KindPermanent,
				fmt.Errorf("duplicate sync id %s in batch", op.SyncID))
		}
		seen[op.SyncID] = struct{}{}
	}

	return &Batch{
		BatchID:    uuid.New().String(),
		UserID:     userID,
		Operations: ops,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Marshal serializes the batch to its wire form.
func (b *Batch) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalBatch parses and validates a wire batch. Shape violations are
// protocol errors.
func UnmarshalBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, syncErrors.E(syncErrors.OpApply, syncErrors.Component("batch"), syncErrors.KindProtocol, err)
	}
	if err := b.ValidateWire(); err != nil {
		return nil, err
	}
	return &b, nil
}

// ValidateWire checks the structural invariants of a received batch.
func (b *Batch) ValidateWire() error {
	protocolErr := func(format string, args ...interface{}) error {
		return syncErrors.E(syncErrors.OpApply, syncErrors.Component("batch"), syncErrors.KindProtocol,
			fmt.Errorf(format, args...))
	}

	if b.BatchID == "" {
		return protocolErr("missing batch_id")
	}
	if b.UserID == "" {
		return protocolErr("missing user_id")
	}
	if len(b.Operations) == 0 {
		return protocolErr("batch has no operations")
	}

	seen := make(map[string]struct{}, len(b.Operations))
	for i, op := range b.Operations {
		if op == nil {
			return protocolErr("operation %d is null", i)
		}
		if op.SyncID == "" {
			return protocolErr("operation %d missing sync_id", i)
		}
		if _, dup := seen[op.SyncID]; dup {
			return protocolErr("duplicate sync id %s", op.SyncID)
		}
		seen[op.SyncID] = struct{}{}
		if !op.Type.Valid() {
			return protocolErr("operation %s has invalid type %q", op.SyncID, op.Type)
		}
		if op.EntityType == "" || op.EntityID == "" {
			return protocolErr("operation %s missing entity identity", op.SyncID)
		}
		if op.IdempotencyKey == "" {
			return protocolErr("operation %s missing idempotency key", op.SyncID)
		}
	}
	return nil
}

// PayloadBytes returns the summed payload size, used to honor the
// coordinator's maximum batch payload size.
func (b *Batch) PayloadBytes() int {
	total := 0
	for _, op := range b.Operations {
		total += len(op.Payload)
	}
	return total
}

// ResultStatus is the acceptor's verdict on one operation.
type ResultStatus string

const (
	ResultAcked    ResultStatus = "acked"
	ResultConflict ResultStatus = "conflict"
	ResultError    ResultStatus = "error"
)

// Error codes carried in per-operation results.
const (
	CodeValidationFailed = "validation_failed"
	CodeForbidden        = "forbidden"
	CodeInternal         = "internal_error"
	CodeBadOperation     = "bad_operation"
)

// Result is the acceptor's per-operation outcome. For conflicts,
// RemoteVersion and ConflictPayload describe the currently stored state.
type Result struct {
	SyncID          string          `json:"sync_id"`
	Status          ResultStatus    `json:"status"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RemoteVersion   int64           `json:"remote_version,omitempty"`
	ConflictPayload json.RawMessage `json:"conflict_payload,omitempty"`
}

// Permanent reports whether an error result cannot succeed on retry.
func (r Result) Permanent() bool {
	switch r.ErrorCode {
	case CodeValidationFailed, CodeForbidden, CodeBadOperation:
		return true
	}
	return false
}

// BatchResult is the acceptor's reply to one batch. Success means the
// batch was processed; individual failures are encoded per operation.
type BatchResult struct {
	Success     bool      `json:"success"`
	BatchID     string    `json:"batch_id"`
	Results     []Result  `json:"results"`
	ProcessedAt time.Time `json:"processed_at"`
}

// ResultFor returns the result for syncID, if present.
func (br *BatchResult) ResultFor(syncID string) (Result, bool) {
	for _, r := range br.Results {
		if r.SyncID == syncID {
			return r, true
		}
	}
	return Result{}, false
}

// SyncStatus is the derived per-entity synchronization state exposed to
// the presentation layer.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusSyncing  SyncStatus = "syncing"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusError    SyncStatus = "error"
)

// SyncState is the per-entity view: RemoteVersion only advances on acked
// operations and never moves backward.
type SyncState struct {
	EntityType    string     `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	LocalVersion  int64      `json:"local_version"`
	RemoteVersion int64      `json:"remote_version"`
	Status        SyncStatus `json:"sync_status"`
}

// Strategy selects how a conflict is resolved for an entity type.
type Strategy string

const (
	StrategyLocalWins  Strategy = "local-wins"
	StrategyRemoteWins Strategy = "remote-wins"
	StrategyFieldMerge Strategy = "field-merge"
	StrategyManual     Strategy = "manual"
)

// ConflictRecord captures a divergence between the version a local edit
// was based on and the version currently stored remotely. Owned by the
// coordinator until resolved.
type ConflictRecord struct {
	SyncID        string          `json:"sync_id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	LocalPayload  json.RawMessage `json:"local_payload"`
	RemotePayload json.RawMessage `json:"remote_payload"`
	BaseVersion   int64           `json:"base_version"`
	RemoteVersion int64           `json:"remote_version"`
	Strategy      Strategy        `json:"resolution_strategy"`
	DetectedAt    time.Time       `json:"detected_at"`
}
