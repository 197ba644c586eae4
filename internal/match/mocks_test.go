package match

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mosaic-app/mosaic/internal/backend"
	"github.com/mosaic-app/mosaic/internal/radio"
	"github.com/mosaic-app/mosaic/internal/telemetry"
)

type scanStep struct {
	peer radio.Peer
	err  error
}

// MockTransport hands out scripted scan results and counts concurrent scans.
type MockTransport struct {
	AdvertiseFunc func(ctx context.Context, id radio.Identity) error
	ScanOnceFunc  func(ctx context.Context) (radio.Peer, error)

	steps   chan scanStep
	started chan int

	mu         sync.Mutex
	advertised []radio.Identity
	scans      int
	active     int
	peak       int
	stopScans  int
	stopAlls   int
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		steps:   make(chan scanStep, 64),
		started: make(chan int, 256),
	}
}

// Push queues the result of a future ScanOnce.
func (m *MockTransport) Push(peer radio.Identity, rssi int) {
	m.steps <- scanStep{peer: radio.Peer{ID: peer, RSSI: rssi, SeenAt: time.Now()}}
}

// PushErr queues a failing ScanOnce.
func (m *MockTransport) PushErr(err error) {
	m.steps <- scanStep{err: err}
}

func (m *MockTransport) Advertise(ctx context.Context, id radio.Identity) error {
	m.mu.Lock()
	m.advertised = append(m.advertised, id)
	fn := m.AdvertiseFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, id)
	}
	return nil
}

func (m *MockTransport) ScanOnce(ctx context.Context) (radio.Peer, error) {
	m.mu.Lock()
	m.scans++
	m.active++
	if m.active > m.peak {
		m.peak = m.active
	}
	n := m.scans
	fn := m.ScanOnceFunc
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	select {
	case m.started <- n:
	default:
	}

	if fn != nil {
		return fn(ctx)
	}
	select {
	case s := <-m.steps:
		return s.peer, s.err
	case <-ctx.Done():
		return radio.Peer{}, radio.Wrap("scan", ctx.Err())
	}
}

func (m *MockTransport) StopScan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopScans++
}

func (m *MockTransport) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopAlls++
	return nil
}

func (m *MockTransport) Scans() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scans
}

func (m *MockTransport) Peak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

func (m *MockTransport) StopScans() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopScans
}

func (m *MockTransport) StopAlls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopAlls
}

func (m *MockTransport) Advertised() []radio.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]radio.Identity(nil), m.advertised...)
}

// AwaitScan blocks until the n-th ScanOnce has started.
func (m *MockTransport) AwaitScan(t *testing.T, n int) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		if m.Scans() >= n {
			return
		}
		select {
		case <-m.started:
		case <-timeout:
			t.Fatalf("scan %d never started (saw %d)", n, m.Scans())
		}
	}
}

// MockValidator records calls and answers through CheckMatchFunc.
type MockValidator struct {
	CheckMatchFunc func(ctx context.Context, finder, found string, rssi int) (backend.Verdict, error)

	mu    sync.Mutex
	calls []string
}

// Verdicts answers from a fixed table; unknown peers get badmatch.
func Verdicts(table map[string]backend.Verdict) *MockValidator {
	return &MockValidator{
		CheckMatchFunc: func(_ context.Context, _, found string, _ int) (backend.Verdict, error) {
			if v, ok := table[found]; ok {
				return v, nil
			}
			return backend.VerdictBadMatch, nil
		},
	}
}

func (m *MockValidator) CheckMatch(ctx context.Context, finder, found string, rssi int) (backend.Verdict, error) {
	m.mu.Lock()
	m.calls = append(m.calls, found)
	fn := m.CheckMatchFunc
	m.mu.Unlock()
	if fn == nil {
		return backend.VerdictBadMatch, nil
	}
	return fn(ctx, finder, found, rssi)
}

func (m *MockValidator) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (p *recordingPublisher) Publish(e telemetry.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) find(eventType string, match func(map[string]any) bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e.Type == eventType && (match == nil || match(e.Data)) {
			return true
		}
	}
	return false
}

type roundRecord struct {
	finder, found string
	rssi          int
	result        string
}

type recordingAuditor struct {
	mu     sync.Mutex
	rounds []roundRecord
}

func (a *recordingAuditor) LogRound(_ context.Context, finder, found string, rssi int, result string, _ time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rounds = append(a.rounds, roundRecord{finder, found, rssi, result})
}

func (a *recordingAuditor) Rounds() []roundRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]roundRecord(nil), a.rounds...)
}

// countingBackOff returns a fixed interval and counts calls. With stopAfter
// set, the stopAfter-th NextBackOff returns backoff.Stop.
type countingBackOff struct {
	mu        sync.Mutex
	interval  time.Duration
	stopAfter int
	next      int
	resets    int
}

func (b *countingBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	if b.stopAfter > 0 && b.next >= b.stopAfter {
		return backoff.Stop
	}
	return b.interval
}

func (b *countingBackOff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets++
}

func (b *countingBackOff) counts() (next, resets int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next, b.resets
}

func (b *countingBackOff) factory() func() backoff.BackOff {
	return func() backoff.BackOff { return b }
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitMatch(t *testing.T, f *Future) radio.Peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("future did not resolve: %v", err)
	}
	return p
}

func assertPending(t *testing.T, f *Future, within time.Duration) {
	t.Helper()
	select {
	case <-f.Done():
		p, _ := f.Peer()
		t.Fatalf("future resolved unexpectedly with %q", p.ID)
	case <-time.After(within):
	}
}

func newTestCoordinator(t *testing.T, tr radio.Transport, v Validator, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithBackOff(ConstantBackOff(0))}, opts...)
	c := New(tr, v, "User-1", opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return c
}
