// Package schema holds the JSON Schemas for syncable field-recording
// entities and validates operation payloads against them. The same
// registry runs on both sides: clients reject invalid payloads before
// enqueueing, the acceptor re-validates before applying.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	syncErrors "github.com/fieldtrack/fieldsync/errors"
)

// Entity type names known to the registry.
const (
	EntityFieldSession   = "field_session"
	EntityFindLog        = "find_log"
	EntityCaptureSession = "capture_session"
	EntitySpecimen       = "specimen"
)

// ErrUnknownEntityType is returned for entity types with no registered schema.
var ErrUnknownEntityType = fmt.Errorf("unknown entity type")

// Registry maps entity types to compiled JSON Schemas.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry compiles the built-in entity schemas.
func NewRegistry() (*Registry, error) {
	r := &Registry{schemas: make(map[string]*gojsonschema.Schema)}
	for entityType, raw := range builtinSchemas {
		if err := r.Register(entityType, raw); err != nil {
			return nil, fmt.Errorf("compiling schema for %s: %w", entityType, err)
		}
	}
	return r, nil
}

// MustNewRegistry is NewRegistry for initialization paths where the
// built-in schemas are known to compile.
func MustNewRegistry() *Registry {
	r, err := NewRegistry()
	if err != nil {
		panic(err)
	}
	return r
}

// Register compiles and installs a schema for entityType, replacing any
// existing one.
func (r *Registry) Register(entityType, rawSchema string) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(rawSchema))
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[entityType] = compiled
	return nil
}

// Known reports whether a schema is registered for entityType.
func (r *Registry) Known(entityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[entityType]
	return ok
}

// EntityTypes returns the registered entity types, sorted.
func (r *Registry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks payload against the schema for entityType. A failure is a
// permanent error: resubmitting the same payload cannot succeed.
func (r *Registry) Validate(entityType string, payload []byte) error {
	r.mu.RLock()
	compiled, ok := r.schemas[entityType]
	r.mu.RUnlock()
	if !ok {
		return syncErrors.E(syncErrors.OpApply, syncErrors.Component("schema"), syncErrors.KindPermanent,
			fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType))
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		// Not even parseable as JSON.
		return syncErrors.E(syncErrors.OpApply, syncErrors.Component("schema"), syncErrors.KindPermanent, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return syncErrors.E(syncErrors.OpApply, syncErrors.Component("schema"), syncErrors.KindPermanent,
			fmt.Errorf("invalid %s payload: %s", entityType, strings.Join(details, "; ")))
	}
	return nil
}
