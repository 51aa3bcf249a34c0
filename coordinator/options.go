package coordinator

import (
	"encoding/json"
	"time"

	"github.com/fieldtrack/fieldsync/backoff"
	"github.com/fieldtrack/fieldsync/operation"
	"github.com/fieldtrack/fieldsync/telemetry"
)

// Options configures a Coordinator. Zero values take the defaults
// applied by setDefaults.
type Options struct {
	// UserID is the principal every dispatched batch belongs to.
	UserID string

	// MaxBatchSize caps operations per batch. Default 50.
	MaxBatchSize int

	// MaxPayloadBytes caps the summed payload size of a batch. An
	// operation that would push the batch over the cap waits for the next
	// cycle. Default 1 MiB.
	MaxPayloadBytes int

	// SyncInterval drives StartAutoSync. Default 30s.
	SyncInterval time.Duration

	// Timeout bounds one dispatch round trip. Default 30s.
	Timeout time.Duration

	// Policy is the retry schedule for failed operations.
	Policy backoff.Policy

	// DefaultStrategy applies to entity types with no explicit entry in
	// Strategies. Defaults to manual: silently discarding field data is
	// never the right default.
	DefaultStrategy operation.Strategy
	Strategies      map[string]operation.Strategy

	// RemotePayloadHandler is invoked when a remote-wins resolution
	// accepts the server's state, so the application can overwrite its
	// local copy of the entity. Optional.
	RemotePayloadHandler func(entityType, entityID string, payload json.RawMessage, version int64)

	// Telemetry receives sync lifecycle events. Default NopSink.
	Telemetry telemetry.Sink

	// AckRetention is how long acked operations stay in the queue before
	// PurgeAcked removes them. Default 24h.
	AckRetention time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 50
	}
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = 1 << 20
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Policy.BaseDelay == 0 {
		o.Policy = backoff.DefaultPolicy()
	}
	if o.DefaultStrategy == "" {
		o.DefaultStrategy = operation.StrategyManual
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.NopSink{}
	}
	if o.AckRetention <= 0 {
		o.AckRetention = 24 * time.Hour
	}
}

// Option mutates Options during construction.
type Option func(*Options)

// WithUser sets the batch owner.
func WithUser(userID string) Option {
	return func(o *Options) { o.UserID = userID }
}

// WithBatchLimits sets the per-batch operation and payload caps.
func WithBatchLimits(maxOps, maxPayloadBytes int) Option {
	return func(o *Options) {
		o.MaxBatchSize = maxOps
		o.MaxPayloadBytes = maxPayloadBytes
	}
}

// WithSyncInterval sets the auto-sync cadence.
func WithSyncInterval(d time.Duration) Option {
	return func(o *Options) { o.SyncInterval = d }
}

// WithTimeout bounds each dispatch round trip.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithPolicy sets the retry policy.
func WithPolicy(p backoff.Policy) Option {
	return func(o *Options) { o.Policy = p }
}

// WithStrategy sets the conflict strategy for one entity type.
func WithStrategy(entityType string, s operation.Strategy) Option {
	return func(o *Options) {
		if o.Strategies == nil {
			o.Strategies = make(map[string]operation.Strategy)
		}
		o.Strategies[entityType] = s
	}
}

// WithDefaultStrategy sets the fallback conflict strategy.
func WithDefaultStrategy(s operation.Strategy) Option {
	return func(o *Options) { o.DefaultStrategy = s }
}

// WithRemotePayloadHandler registers the callback that receives remote
// state accepted by a remote-wins resolution.
func WithRemotePayloadHandler(fn func(entityType, entityID string, payload json.RawMessage, version int64)) Option {
	return func(o *Options) { o.RemotePayloadHandler = fn }
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(o *Options) { o.Telemetry = sink }
}

// WithAckRetention sets how long acked operations are kept.
func WithAckRetention(d time.Duration) Option {
	return func(o *Options) { o.AckRetention = d }
}
