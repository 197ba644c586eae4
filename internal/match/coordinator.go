// Package match drives the scan, validate and decide loop.
//
// A Coordinator owns one loop goroutine per run. Each round advertises the
// local identity, scans for exactly one peer, submits it to the validation
// service and either loops (badmatch), resolves the pending Future (match)
// or waits out a backoff interval (any failure). Stop interrupts the scan,
// discards the pending Future and drops any verdict that arrives later.
package match

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mosaic-app/mosaic/internal/backend"
	"github.com/mosaic-app/mosaic/internal/radio"
	"github.com/mosaic-app/mosaic/internal/telemetry"
)

const tracerName = "github.com/mosaic-app/mosaic/internal/match"

// Coordinator runs the match loop for one local identity.
//
// Lock ordering: ctrl before mu. The loop goroutine only takes mu, so
// control calls may wait for it while holding ctrl.
type Coordinator struct {
	transport radio.Transport
	validator Validator
	self      radio.Identity

	logger     *slog.Logger
	publisher  Publisher
	peers      PeerRecorder
	auditor    AuditLogger
	tracer     trace.Tracer
	newBackOff func() backoff.BackOff
	retryable  func(error) bool

	ctrl sync.Mutex // serializes Start, Resume, Stop and Close

	mu        sync.Mutex
	state     State
	gen       uint64 // bumped on every launch and stop; stale loops compare against it
	future    *Future
	cancel    context.CancelFunc
	done      chan struct{} // closed when the current loop returns
	lastMatch *radio.Peer
	closed    bool
}

// New creates an idle coordinator.
func New(transport radio.Transport, validator Validator, self radio.Identity, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport:  transport,
		validator:  validator,
		self:       self,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:     otel.Tracer(tracerName),
		newBackOff: ConstantBackOff(DefaultRetryInterval),
		retryable:  RetryAll,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "match", "self", self)
	return c
}

// Self returns the local identity.
func (c *Coordinator) Self() radio.Identity {
	return c.self
}

// Start begins a new run and returns the Future for its match.
// It fails with ErrAlreadyRunning while a run is scanning or validating.
func (c *Coordinator) Start(ctx context.Context) (*Future, error) {
	c.ctrl.Lock()
	defer c.ctrl.Unlock()

	if err := c.settle(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state.running() {
		c.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	f, prev := c.launchLocked(ctx)
	c.mu.Unlock()

	c.publishState(prev, Scanning)
	return f, nil
}

// Resume returns the Future for the next match. A running loop is joined
// without starting another scan; otherwise Resume behaves like Start.
func (c *Coordinator) Resume(ctx context.Context) (*Future, error) {
	c.ctrl.Lock()
	defer c.ctrl.Unlock()

	if err := c.settle(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state.running() {
		if c.future == nil {
			c.future = newFuture()
		}
		f := c.future
		c.mu.Unlock()
		return f, nil
	}
	f, prev := c.launchLocked(ctx)
	c.mu.Unlock()

	c.publishState(prev, Scanning)
	return f, nil
}

// settle waits for a loop that has already decided to exit (matched or
// halted) so a new run never overlaps it. Caller holds ctrl.
func (c *Coordinator) settle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	done := c.done
	running := c.state.running()
	c.mu.Unlock()

	if done == nil || running {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) launchLocked(ctx context.Context) (*Future, State) {
	if c.cancel != nil {
		c.cancel()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.gen++
	gen := c.gen
	prev := c.state
	f := newFuture()
	done := make(chan struct{})

	c.state = Scanning
	c.future = f
	c.cancel = cancel
	c.done = done

	go c.run(runCtx, gen, done)
	c.logger.Info("match loop started", "run", gen)
	return f, prev
}

// Stop halts the loop, interrupts any scan and discards the pending Future
// without resolving it. It waits for the loop to exit or ctx to end and is
// safe to call repeatedly.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.ctrl.Lock()
	defer c.ctrl.Unlock()
	return c.stopLocked(ctx)
}

func (c *Coordinator) stopLocked(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	cancel, done := c.cancel, c.done
	c.gen++
	c.future = nil
	c.state = Stopped
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("stop: %w", ctx.Err())
		}
	}
	c.transport.StopScan()

	if prev != Stopped {
		c.logger.Info("match loop stopped", "previous", prev)
		c.publishState(prev, Stopped)
	}
	return err
}

// Close stops the loop, withdraws the advertisement and rejects further
// control calls.
func (c *Coordinator) Close(ctx context.Context) error {
	c.ctrl.Lock()
	defer c.ctrl.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	stopErr := c.stopLocked(ctx)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if err := c.transport.StopAll(); err != nil {
		return errors.Join(stopErr, fmt.Errorf("close transport: %w", err))
	}
	return stopErr
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsActive reports whether the state is anything but Idle or Stopped.
func (c *Coordinator) IsActive() bool {
	return c.State().Active()
}

// LastMatch returns the most recent matched peer, if any.
func (c *Coordinator) LastMatch() (radio.Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastMatch == nil {
		return radio.Peer{}, false
	}
	return *c.lastMatch, true
}

// run is the loop goroutine for one run generation.
func (c *Coordinator) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	bo := c.newBackOff()
	for round := 1; ; round++ {
		if ctx.Err() != nil {
			return
		}

		peer, verdict, err := c.round(ctx, gen, round)
		if ctx.Err() != nil {
			// Stopped mid-round; whatever the round produced is discarded.
			return
		}

		if err != nil {
			if errors.Is(err, errStale) {
				return
			}
			if !c.retryable(err) {
				c.halt(gen, err, "retry rejected")
				return
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				c.halt(gen, err, "backoff exhausted")
				return
			}
			c.logger.Warn("round failed", "round", round, "code", errorCode(err), "err", err, "retry_in", wait)
			c.publishFault(err, wait, false)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		bo.Reset()
		if verdict == backend.VerdictMatch {
			c.resolve(gen, peer)
			return
		}
		c.logger.Info("badmatch, scanning again", "peer", peer.ID)
	}
}

var errStale = errors.New("stale run")

// round performs one advertise, scan and validate cycle.
func (c *Coordinator) round(ctx context.Context, gen uint64, n int) (radio.Peer, backend.Verdict, error) {
	ctx, span := c.tracer.Start(ctx, "match.round", trace.WithAttributes(
		attribute.Int("mosaic.round", n),
		attribute.String("mosaic.self", c.self.String()),
	))
	defer span.End()

	peer, verdict, err := c.roundSteps(ctx, gen)
	if err != nil && !errors.Is(err, errStale) {
		span.RecordError(err)
		span.SetStatus(codes.Error, errorCode(err))
	}
	if peer.ID != "" {
		span.SetAttributes(attribute.String("mosaic.peer", peer.ID.String()))
	}
	if verdict != "" {
		span.SetAttributes(attribute.String("mosaic.verdict", string(verdict)))
	}
	return peer, verdict, err
}

func (c *Coordinator) roundSteps(ctx context.Context, gen uint64) (radio.Peer, backend.Verdict, error) {
	if !c.transition(gen, Scanning) {
		return radio.Peer{}, "", errStale
	}

	if err := c.transport.Advertise(ctx, c.self); err != nil {
		return radio.Peer{}, "", radio.Wrap("advertise", err)
	}

	peer, err := c.transport.ScanOnce(ctx)
	if err != nil {
		return radio.Peer{}, "", radio.Wrap("scan", err)
	}
	if peer.SeenAt.IsZero() {
		peer.SeenAt = time.Now()
	}

	c.logger.Info("peer found", "peer", peer.ID, "rssi", peer.RSSI)
	if c.peers != nil {
		c.peers.Observe(peer)
	}
	c.publish("peerFound", map[string]any{"peer": peer.ID, "rssi": peer.RSSI})

	if !c.transition(gen, AwaitingValidation) {
		return peer, "", errStale
	}

	verdict, err := c.validate(ctx, peer)
	if err != nil {
		return peer, "", err
	}

	c.logger.Info("verdict received", "peer", peer.ID, "verdict", verdict)
	if c.peers != nil {
		c.peers.RecordVerdict(peer.ID, string(verdict))
	}
	c.publish("verdict", map[string]any{"peer": peer.ID, "verdict": verdict})
	return peer, verdict, nil
}

type validation struct {
	verdict backend.Verdict
	err     error
}

// validate runs the backend call on a helper goroutine so Stop never waits
// on it. The call itself is not cancelled; a late result is dropped.
func (c *Coordinator) validate(ctx context.Context, peer radio.Peer) (backend.Verdict, error) {
	result := make(chan validation, 1)
	callCtx := context.WithoutCancel(ctx)

	go func() {
		start := time.Now()
		v, err := c.validator.CheckMatch(callCtx, c.self.String(), peer.ID.String(), peer.RSSI)
		if c.auditor != nil {
			outcome := string(v)
			if err != nil {
				outcome = errorCode(err)
			}
			c.auditor.LogRound(callCtx, c.self.String(), peer.ID.String(), peer.RSSI, outcome, time.Since(start))
		}
		result <- validation{verdict: v, err: err}
	}()

	select {
	case r := <-result:
		return r.verdict, r.err
	case <-ctx.Done():
		c.logger.Debug("validation abandoned", "peer", peer.ID)
		return "", ctx.Err()
	}
}

// transition moves a live run to s. It returns false for a stale run.
func (c *Coordinator) transition(gen uint64, s State) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.publishState(prev, s)
	}
	return true
}

// resolve fulfils the pending Future with peer and settles into Idle.
func (c *Coordinator) resolve(gen uint64, peer radio.Peer) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	prev := c.state
	f := c.future
	c.future = nil
	c.state = Matched
	c.lastMatch = &peer
	c.mu.Unlock()

	c.transport.StopScan()
	if f != nil {
		f.resolve(peer)
	}
	c.logger.Info("match found", "peer", peer.ID)
	c.publishState(prev, Matched)
	c.publish("matched", map[string]any{"peer": peer.ID, "rssi": peer.RSSI})

	c.mu.Lock()
	settled := gen == c.gen && c.state == Matched
	if settled {
		c.state = Idle
	}
	c.mu.Unlock()
	if settled {
		c.publishState(Matched, Idle)
	}
}

// halt ends a live run into Stopped after an unrecoverable round failure.
func (c *Coordinator) halt(gen uint64, cause error, reason string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.future = nil
	c.state = Stopped
	c.mu.Unlock()

	c.transport.StopScan()
	c.logger.Error("match loop halted", "reason", reason, "code", errorCode(cause), "err", cause)
	c.publishFault(cause, 0, true)
	c.publishState(prev, Stopped)
}

func (c *Coordinator) publishState(prev, next State) {
	c.publish("state", map[string]any{"state": next, "previous": prev})
}

func (c *Coordinator) publishFault(err error, retryIn time.Duration, fatal bool) {
	c.publish("fault", map[string]any{
		"code":    errorCode(err),
		"message": err.Error(),
		"retryIn": retryIn.Milliseconds(),
		"fatal":   fatal,
	})
}

func (c *Coordinator) publish(eventType string, data map[string]any) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(telemetry.Event{Type: eventType, Data: data}); err != nil {
		c.logger.Debug("publish failed", "type", eventType, "err", err)
	}
}

// errorCode classifies a round failure for logs, telemetry and audit.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, backend.ErrProtocol):
		return "PROTOCOL"
	case errors.Is(err, backend.ErrValidation):
		return "VALIDATION"
	case errors.Is(err, radio.ErrTransport):
		return "TRANSPORT"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "CANCELLED"
	default:
		return "INTERNAL"
	}
}

// sleep waits d or until ctx ends. It reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
