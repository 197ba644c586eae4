package match

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRetryInterval is the fixed wait between failed rounds.
const DefaultRetryInterval = time.Second

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPublisher sends state, discovery and verdict events to p.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithPeerRecorder records discoveries and verdicts in r.
func WithPeerRecorder(r PeerRecorder) Option {
	return func(c *Coordinator) { c.peers = r }
}

// WithAuditLogger records every validation round.
func WithAuditLogger(a AuditLogger) Option {
	return func(c *Coordinator) { c.auditor = a }
}

// WithBackOff sets the policy used between failed rounds. The factory is
// called once per run; the policy is reset after every verdict. A policy
// returning backoff.Stop ends the run.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Coordinator) {
		if newBackOff != nil {
			c.newBackOff = newBackOff
		}
	}
}

// WithRetryPredicate decides which round failures are retried. Failures it
// rejects stop the run as if Stop had been called.
func WithRetryPredicate(retry func(error) bool) Option {
	return func(c *Coordinator) {
		if retry != nil {
			c.retryable = retry
		}
	}
}

// WithTracerProvider sets the provider for round spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// ConstantBackOff returns a factory for a fixed retry interval.
func ConstantBackOff(d time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff { return backoff.NewConstantBackOff(d) }
}

// ExponentialBackOff returns a factory for a capped exponential policy.
func ExponentialBackOff(initial, max time.Duration, multiplier, jitter float64) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = max
		b.Multiplier = multiplier
		b.RandomizationFactor = jitter
		b.Reset()
		return b
	}
}

// RetryAll retries every failure.
func RetryAll(error) bool { return true }
