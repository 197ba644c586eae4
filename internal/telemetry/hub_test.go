package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mosaic-app/mosaic/internal/config"
)

// threadSafeResponseWriter captures SSE events in a thread-safe way
type threadSafeResponseWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	headers http.Header
}

func newThreadSafeResponseWriter() *threadSafeResponseWriter {
	return &threadSafeResponseWriter{headers: make(http.Header)}
}

func (w *threadSafeResponseWriter) Header() http.Header { return w.headers }

func (w *threadSafeResponseWriter) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(data)
}

func (w *threadSafeResponseWriter) WriteHeader(int) {}

func (w *threadSafeResponseWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func testTiming() *config.TimingConfig {
	cfg := config.LoadTimingBaseline()
	cfg.HeartbeatInterval = time.Hour
	cfg.HeartbeatJitter = 0
	cfg.EventBufferSize = 5
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// subscribe runs Subscribe in the background and returns the writer and a
// function that disconnects the client and waits for Subscribe to return.
func subscribe(t *testing.T, hub *Hub, lastEventID string) (*threadSafeResponseWriter, func()) {
	t.Helper()
	w := newThreadSafeResponseWriter()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/telemetry", nil)
	if lastEventID != "" {
		r.Header.Set("Last-Event-ID", lastEventID)
	}

	before := hub.ClientCount()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Subscribe(ctx, w, r) }()
	waitFor(t, "client registration", func() bool { return hub.ClientCount() > before })
	waitFor(t, "ready event", func() bool { return strings.Contains(w.String(), "event: ready") })

	return w, func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Subscribe returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Subscribe did not return after cancel")
		}
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub(testTiming(), nil)
	defer hub.Stop()

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d", hub.ClientCount())
	}
	if hub.buffer.GetCapacity() != 5 {
		t.Errorf("buffer capacity = %d, want 5", hub.buffer.GetCapacity())
	}
}

func TestPublishAssignsMonotonicIDs(t *testing.T) {
	hub := NewHub(testTiming(), nil)
	defer hub.Stop()

	for i := 0; i < 3; i++ {
		if err := hub.Publish(Event{Type: EventState, Data: map[string]any{"i": i}}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	events := hub.buffer.GetEventsAfter(0)
	if len(events) != 3 {
		t.Fatalf("buffered %d events, want 3", len(events))
	}
	for i, e := range events {
		if e.ID != int64(i+1) {
			t.Errorf("event %d has id %d", i, e.ID)
		}
	}
}

func TestConcurrentPublishKeepsBufferOrdered(t *testing.T) {
	timing := testTiming()
	timing.EventBufferSize = 400
	hub := NewHub(timing, nil)
	defer hub.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = hub.Publish(Event{Type: EventState, Data: map[string]any{"i": i}})
			}
		}()
	}
	wg.Wait()

	events := hub.buffer.GetEventsAfter(0)
	if len(events) != 400 {
		t.Fatalf("buffered %d events, want 400", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatalf("events out of order at %d: %d after %d", i, events[i].ID, events[i-1].ID)
		}
	}
}

func TestHeartbeatIsNotBuffered(t *testing.T) {
	hub := NewHub(testTiming(), nil)
	defer hub.Stop()

	_ = hub.Publish(Event{Type: EventHeartbeat})
	_ = hub.Publish(Event{Type: EventState})

	events := hub.buffer.GetEventsAfter(0)
	if len(events) != 1 || events[0].Type != EventState {
		t.Fatalf("buffer = %+v", events)
	}
	if events[0].ID != 2 {
		t.Errorf("heartbeat should still consume an id, got %d", events[0].ID)
	}
}

func TestSubscribeStreamsEvents(t *testing.T) {
	hub := NewHub(testTiming(), nil)
	defer hub.Stop()
	hub.SetSnapshot(func() map[string]any {
		return map[string]any{"state": "idle", "localId": "User-1"}
	})

	w, disconnect := subscribe(t, hub, "")

	_ = hub.Publish(Event{Type: EventPeerFound, Data: map[string]any{"peer": "User-42"}})
	waitFor(t, "peerFound", func() bool { return strings.Contains(w.String(), "event: peerFound") })
	disconnect()

	out := w.String()
	if !strings.Contains(out, `"localId":"User-1"`) {
		t.Errorf("ready event missing snapshot: %s", out)
	}
	if !strings.Contains(out, "id: 1\nevent: peerFound\ndata: {\"peer\":\"User-42\"}\n\n") {
		t.Errorf("unexpected SSE framing: %q", out)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("client not unregistered")
	}
}

func TestLastEventIDReplay(t *testing.T) {
	hub := NewHub(testTiming(), nil)
	defer hub.Stop()

	for _, peer := range []string{"User-1", "User-2", "User-3"} {
		_ = hub.Publish(Event{Type: EventPeerFound, Data: map[string]any{"peer": peer}})
	}

	w, disconnect := subscribe(t, hub, "1")
	waitFor(t, "replay", func() bool { return strings.Contains(w.String(), "id: 3\n") })
	disconnect()

	out := w.String()
	if strings.Contains(out, "id: 1\n") {
		t.Error("event 1 should not be replayed")
	}
	if !strings.Contains(out, "id: 2\n") {
		t.Error("event 2 missing from replay")
	}
	if strings.Count(out, "id: 3\n") != 1 {
		t.Error("event 3 should be delivered exactly once")
	}
}

func TestReplayIsBoundedByBuffer(t *testing.T) {
	hub := NewHub(testTiming(), nil)
	defer hub.Stop()

	for i := 0; i < 8; i++ {
		_ = hub.Publish(Event{Type: EventState})
	}

	w, disconnect := subscribe(t, hub, "1")
	waitFor(t, "replay", func() bool { return strings.Contains(w.String(), "id: 8\n") })
	disconnect()

	out := w.String()
	for _, id := range []string{"id: 2\n", "id: 3\n"} {
		if strings.Contains(out, id) {
			t.Errorf("evicted event %q was replayed", strings.TrimSpace(id))
		}
	}
	if !strings.Contains(out, "id: 4\n") {
		t.Error("oldest retained event missing")
	}
}

func TestHeartbeat(t *testing.T) {
	cfg := testTiming()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	hub := NewHub(cfg, nil)
	defer hub.Stop()

	w, disconnect := subscribe(t, hub, "")
	waitFor(t, "heartbeat", func() bool { return strings.Contains(w.String(), "event: heartbeat") })
	disconnect()
}

func TestStopDisconnectsClients(t *testing.T) {
	hub := NewHub(testTiming(), nil)

	w := newThreadSafeResponseWriter()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/telemetry", nil)
	done := make(chan error, 1)
	go func() { done <- hub.Subscribe(context.Background(), w, r) }()
	waitFor(t, "client registration", func() bool { return hub.ClientCount() == 1 })

	hub.Stop()
	hub.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after Stop")
	}

	if err := hub.Subscribe(context.Background(), newThreadSafeResponseWriter(), r); err == nil {
		t.Error("Subscribe after Stop should fail")
	}
	if err := hub.Publish(Event{Type: EventState}); err != nil {
		t.Errorf("Publish after Stop should be a no-op, got %v", err)
	}
}

func TestSlowClientDoesNotBlockPublish(t *testing.T) {
	hub := NewHub(testTiming(), nil)
	defer hub.Stop()

	hub.mu.Lock()
	hub.clients["stuck"] = &Client{
		ID:     "stuck",
		Events: make(chan Event),
		Cancel: func() {},
		ctx:    context.Background(),
	}
	hub.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = hub.Publish(Event{Type: EventState})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow client")
	}
}

func TestEventBuffer(t *testing.T) {
	b := NewEventBuffer(3)
	for i := int64(1); i <= 5; i++ {
		b.AddEvent(Event{ID: i})
	}

	if b.GetSize() != 3 {
		t.Fatalf("size = %d, want 3", b.GetSize())
	}
	got := b.GetEventsAfter(0)
	if got[0].ID != 3 || got[2].ID != 5 {
		t.Errorf("retained ids = %d..%d, want 3..5", got[0].ID, got[2].ID)
	}
	if after := b.GetEventsAfter(4); len(after) != 1 || after[0].ID != 5 {
		t.Errorf("GetEventsAfter(4) = %+v", after)
	}
	if NewEventBuffer(0).GetCapacity() != 1 {
		t.Error("capacity should be clamped to 1")
	}
}
