package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mosaic-app/mosaic/internal/config"
)

// Event types.
const (
	EventReady     = "ready"
	EventState     = "state"
	EventPeerFound = "peerFound"
	EventVerdict   = "verdict"
	EventMatched   = "matched"
	EventFault     = "fault"
	EventHeartbeat = "heartbeat"
)

// Event is one SSE message.
type Event struct {
	ID   int64          `json:"id,omitempty"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Client is one SSE subscriber.
type Client struct {
	ID     string
	Writer http.ResponseWriter
	Cancel context.CancelFunc
	Events chan Event

	ctx      context.Context
	replayed int64 // highest id sent by replay; live copies at or below it are skipped
	mu       sync.Mutex
}

// SnapshotFunc supplies the payload of the ready event.
type SnapshotFunc func() map[string]any

// Hub manages SSE fan-out.
//
// Lock ordering: publishMu before h.mu before Client.mu. EventBuffer has its
// own lock and is never removed, so it may be used after releasing h.mu.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	snapshot SnapshotFunc

	// publishMu keeps id assignment, buffering and fan-out in id order
	// across concurrent publishers.
	publishMu sync.Mutex
	nextID    atomic.Int64
	buffer    *EventBuffer

	config *config.TimingConfig
	logger *slog.Logger

	heartbeatStop chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a telemetry hub.
func NewHub(timingConfig *config.TimingConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		clients: make(map[string]*Client),
		buffer:  NewEventBuffer(timingConfig.EventBufferSize),
		config:  timingConfig,
		logger:  logger.With("component", "telemetry"),
		done:    make(chan struct{}),
	}
}

// SetSnapshot installs the provider for ready event payloads.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

// Subscribe streams events to w until ctx ends or the hub stops.
// A Last-Event-ID header resumes from the ring buffer.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	select {
	case <-h.done:
		return fmt.Errorf("telemetry hub stopped")
	default:
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var lastEventID int64
	if s := r.Header.Get("Last-Event-ID"); s != "" {
		if id, err := strconv.ParseInt(s, 10, 64); err == nil && id > 0 {
			lastEventID = id
		}
	}

	clientCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ID:     uuid.NewString(),
		Writer: w,
		Cancel: cancel,
		Events: make(chan Event, 64),
		ctx:    clientCtx,
	}

	// Register before replay so nothing published in between is lost;
	// duplicates are dropped by id.
	h.mu.Lock()
	h.clients[client.ID] = client
	if h.heartbeatStop == nil {
		h.startHeartbeatLocked()
	}
	h.mu.Unlock()
	defer h.unregisterClient(client.ID)

	h.logger.Debug("client subscribed", "client", client.ID, "last_event_id", lastEventID)

	if err := h.sendReadyEvent(client); err != nil {
		return fmt.Errorf("failed to send ready event: %w", err)
	}

	if lastEventID > 0 {
		for _, event := range h.buffer.GetEventsAfter(lastEventID) {
			if err := h.sendEventToClient(client, event); err != nil {
				return fmt.Errorf("failed to replay events: %w", err)
			}
			client.replayed = event.ID
		}
	}

	h.handleClient(client)
	return nil
}

// Publish assigns an id, buffers the event and offers it to every client.
// Slow clients drop events rather than block the publisher.
func (h *Hub) Publish(event Event) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	if event.ID == 0 {
		event.ID = h.nextID.Add(1)
	}
	if event.Type != EventHeartbeat {
		h.buffer.AddEvent(event)
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case <-c.ctx.Done():
		case c.Events <- event:
		default:
			h.logger.Warn("dropping event for slow client", "client", c.ID, "type", event.Type, "id", event.ID)
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) sendReadyEvent(client *Client) error {
	h.mu.RLock()
	snap := h.snapshot
	h.mu.RUnlock()

	data := map[string]any{}
	if snap != nil {
		data = snap()
	}
	// Ready carries the current head id but does not advance the sequence.
	return h.sendEventToClient(client, Event{
		Type: EventReady,
		Data: map[string]any{"snapshot": data, "lastEventId": h.nextID.Load()},
	})
}

func (h *Hub) sendEventToClient(client *Client, event Event) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	if event.ID > 0 {
		if _, err := fmt.Fprintf(client.Writer, "id: %d\n", event.ID); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(client.Writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	if f, ok := client.Writer.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (h *Hub) handleClient(client *Client) {
	for {
		select {
		case <-client.ctx.Done():
			return
		case <-h.done:
			return
		case event := <-client.Events:
			if event.ID > 0 && event.ID <= client.replayed {
				continue
			}
			if err := h.sendEventToClient(client, event); err != nil {
				h.logger.Debug("client write failed", "client", client.ID, "err", err)
				return
			}
		}
	}
}

func (h *Hub) unregisterClient(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[id]
	if !ok {
		return
	}
	client.Cancel()
	delete(h.clients, id)
	h.logger.Debug("client unsubscribed", "client", id)

	if len(h.clients) == 0 && h.heartbeatStop != nil {
		close(h.heartbeatStop)
		h.heartbeatStop = nil
	}
}

// startHeartbeatLocked starts the heartbeat goroutine. Caller holds h.mu.
func (h *Hub) startHeartbeatLocked() {
	stop := make(chan struct{})
	h.heartbeatStop = stop

	interval := h.config.HeartbeatInterval
	jitter := h.config.HeartbeatJitter

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			wait := interval
			if jitter > 0 {
				wait += time.Duration(rand.Int64N(int64(2*jitter))) - jitter
			}
			t := time.NewTimer(wait)
			select {
			case <-t.C:
				_ = h.Publish(Event{
					Type: EventHeartbeat,
					Data: map[string]any{"ts": time.Now().UTC().Format(time.RFC3339)},
				})
			case <-stop:
				t.Stop()
				return
			case <-h.done:
				t.Stop()
				return
			}
		}
	}()
}

// Stop disconnects every client and ends the heartbeat. It is idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		for _, c := range h.clients {
			c.Cancel()
		}
		if h.heartbeatStop != nil {
			close(h.heartbeatStop)
			h.heartbeatStop = nil
		}
		h.mu.Unlock()

		h.wg.Wait()
	})
}

// EventBuffer is a fixed-capacity ring of recent events.
type EventBuffer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewEventBuffer creates a buffer holding at most capacity events.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventBuffer{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
	}
}

// AddEvent appends event, evicting the oldest when full.
func (b *EventBuffer) AddEvent(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) == b.capacity {
		copy(b.events, b.events[1:])
		b.events = b.events[:len(b.events)-1]
	}
	b.events = append(b.events, event)
}

// GetEventsAfter returns buffered events with an id above lastID.
func (b *EventBuffer) GetEventsAfter(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, e := range b.events {
		if e.ID > lastID {
			out = append(out, e)
		}
	}
	return out
}

// GetCapacity returns the buffer capacity.
func (b *EventBuffer) GetCapacity() int {
	return b.capacity
}

// GetSize returns the number of buffered events.
func (b *EventBuffer) GetSize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}
