// Package backoff computes retry schedules for failed sync operations.
// The policy is a pure function of (attempt count, failure class, config),
// so retry timing stays testable and identical across call sites.
package backoff

import (
	"math/rand"
	"time"

	syncErrors "github.com/fieldtrack/fieldsync/errors"
)

// FailureClass tells the policy how an operation failed.
type FailureClass int

const (
	// ClassConnectivity: the batch never reached the acceptor. Retried after
	// a short fixed delay; does not count against MaxAttempts.
	ClassConnectivity FailureClass = iota

	// ClassTransient: delivered and rejected recoverably (5xx, timeout).
	// Retried with exponential backoff until MaxAttempts.
	ClassTransient

	// ClassPermanent: validation or authorization failure. Never retried.
	ClassPermanent
)

// Policy holds the backoff configuration.
type Policy struct {
	// BaseDelay is the delay before the first transient retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// MaxAttempts is the number of delivered-and-rejected attempts after
	// which a transient failure terminates into abandoned.
	MaxAttempts int

	// ConnectivityDelay is the fixed delay before retrying a batch that
	// could not be sent at all.
	ConnectivityDelay time.Duration

	// JitterFraction spreads each delay uniformly by ±fraction to avoid
	// synchronized retry storms across clients. Zero disables jitter.
	JitterFraction float64

	// randFloat returns a value in [0,1). Tests may pin it; nil uses
	// the global math/rand source.
	randFloat func() float64
}

// DefaultPolicy returns the production policy: 1s base doubling to a 5m
// cap, ±20% jitter, abandonment after 8 rejected attempts, 15s
// connectivity re-probe.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:         time.Second,
		MaxDelay:          5 * time.Minute,
		MaxAttempts:       8,
		ConnectivityDelay: 15 * time.Second,
		JitterFraction:    0.2,
	}
}

// WithRand returns a copy of p using f as its jitter source.
func (p Policy) WithRand(f func() float64) Policy {
	p.randFloat = f
	return p
}

// Delay returns the backoff delay for the given attempt count:
// min(MaxDelay, BaseDelay * 2^attempt), jittered.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.BaseDelay
	// Guard the shift: beyond 62 doublings everything is past MaxDelay.
	if attempt > 62 {
		delay = p.MaxDelay
	} else {
		delay = p.BaseDelay << uint(attempt)
		if delay > p.MaxDelay || delay <= 0 {
			delay = p.MaxDelay
		}
	}

	return p.jitter(delay)
}

func (p Policy) jitter(d time.Duration) time.Duration {
	if p.JitterFraction <= 0 {
		return d
	}
	f := p.randFloat
	if f == nil {
		f = rand.Float64
	}
	// Uniform in [1-fraction, 1+fraction).
	factor := 1 + p.JitterFraction*(2*f()-1)
	return time.Duration(float64(d) * factor)
}

// NextRetryTime computes when a failed operation becomes eligible again.
// The second return value is false when the failure class terminates the
// operation instead of scheduling a retry: permanent failures always, and
// transient failures once attempt reaches MaxAttempts.
func (p Policy) NextRetryTime(now time.Time, attempt int, class FailureClass) (time.Time, bool) {
	switch class {
	case ClassPermanent:
		return time.Time{}, false
	case ClassConnectivity:
		return now.Add(p.ConnectivityDelay), true
	default:
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return time.Time{}, false
		}
		return now.Add(p.Delay(attempt)), true
	}
}

// Classify maps a sync error to its failure class. Unclassified errors are
// treated as transient: retrying is the safe default for unknown failures.
func Classify(err error) FailureClass {
	switch syncErrors.KindOf(err) {
	case syncErrors.KindConnectivity:
		return ClassConnectivity
	case syncErrors.KindPermanent, syncErrors.KindProtocol:
		return ClassPermanent
	default:
		return ClassTransient
	}
}
