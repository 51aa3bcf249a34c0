// Package operation defines the unit of synchronization: a queued local
// mutation targeting one entity, plus the batch and result types that
// cross the wire between client and acceptor.
package operation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/fieldtrack/fieldsync/errors"
	"github.com/fieldtrack/fieldsync/idempotency"
	"github.com/fieldtrack/fieldsync/schema"
)

// Type is the kind of mutation an operation carries.
type Type string

const (
	TypeCreate Type = "create"
	TypeUpdate Type = "update"
	TypeDelete Type = "delete"
)

func (t Type) Valid() bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDelete:
		return true
	}
	return false
}

// Priority orders operations for dispatch. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "normal"
}

// ParsePriority converts a wire name back to a Priority. Unknown names
// map to normal.
func ParsePriority(s string) Priority {
	for p, name := range priorityNames {
		if name == s {
			return p
		}
	}
	return PriorityNormal
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = ParsePriority(s)
	return nil
}

// Status is an operation's position in the coordinator state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInFlight   Status = "in_flight"
	StatusAcked      Status = "acked"
	StatusConflicted Status = "conflicted"
	StatusFailed     Status = "failed"
	StatusAbandoned  Status = "abandoned"
)

// Terminal reports whether a status ends the operation's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusAcked || s == StatusAbandoned
}

// Operation is a single queued mutation. SyncID is immutable and never
// reused; the coordinator alone mutates Status, AttemptCount and
// scheduling fields after construction.
type Operation struct {
	SyncID     string          `json:"sync_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Type       Type            `json:"operation_type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   Priority        `json:"priority"`

	IdempotencyKey string `json:"idempotency_key"`
	Checksum       string `json:"checksum"`

	// BaseVersion is the remote version this edit was based on. Zero for
	// creates.
	BaseVersion int64 `json:"base_version,omitempty"`

	// Local scheduling state; never crosses the wire.
	CreatedAt    time.Time `json:"-"`
	Status       Status    `json:"-"`
	AttemptCount int       `json:"-"`
	DependsOn    []string  `json:"-"`
	NotBefore    time.Time `json:"-"`
	LastError    string    `json:"-"`
}

// New constructs a pending Operation for a local mutation. The payload is
// validated against the entity schema; failures surface as permanent
// errors since resubmitting identical content cannot succeed. A delete
// with no payload carries an id-only tombstone.
func New(reg *schema.Registry, entityType, entityID string, opType Type, payload json.RawMessage, priority Priority, dependsOn []string) (*Operation, error) {
	if !opType.Valid() {
		return nil, syncErrors.E(syncErrors.OpEnqueue, syncErrors.Component("operation"), syncErrors.KindPermanent,
			fmt.Errorf("invalid operation type %q", opType))
	}
	if entityID == "" {
		return nil, syncErrors.E(syncErrors.OpEnqueue, syncErrors.Component("operation"), syncErrors.KindPermanent,
			"entity id is required")
	}

	if opType == TypeDelete && len(payload) == 0 {
		tombstone, err := json.Marshal(map[string]string{"id": entityID})
		if err != nil {
			return nil, err
		}
		payload = tombstone
	}

	if err := reg.Validate(entityType, payload); err != nil {
		return nil, err
	}

	checksum, err := idempotency.Checksum(payload)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpEnqueue, syncErrors.Component("operation"), syncErrors.KindPermanent, err)
	}

	// UUIDv7 sync IDs are time-ordered, so creation order survives in the
	// identifier itself.
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating sync id: %w", err)
	}

	return &Operation{
		SyncID:         id.String(),
		EntityType:     entityType,
		EntityID:       entityID,
		Type:           opType,
		Payload:        payload,
		Priority:       priority,
		IdempotencyKey: idempotency.Key(entityType, entityID, string(opType), checksum),
		Checksum:       checksum,
		CreatedAt:      time.Now().UTC(),
		Status:         StatusPending,
		DependsOn:      append([]string(nil), dependsOn...),
	}, nil
}

// RecomputeIdentity refreshes Checksum and IdempotencyKey after the
// payload changed (coalesced edits, merged conflict payloads).
func (o *Operation) RecomputeIdentity() error {
	checksum, err := idempotency.Checksum(o.Payload)
	if err != nil {
		return err
	}
	o.Checksum = checksum
	o.IdempotencyKey = idempotency.Key(o.EntityType, o.EntityID, string(o.Type), checksum)
	return nil
}

// VerifyIntegrity reports whether the payload still matches its recorded
// checksum. A mismatch means local store corruption.
func (o *Operation) VerifyIntegrity() bool {
	return idempotency.Verify(o.Payload, o.Checksum)
}
