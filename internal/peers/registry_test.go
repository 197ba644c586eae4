package peers

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mosaic-app/mosaic/internal/radio"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
	list := r.List()
	if list.Items == nil || len(list.Items) != 0 {
		t.Errorf("expected empty non-nil items, got %v", list.Items)
	}
	if list.LastMatchID != "" {
		t.Errorf("expected no last match, got %q", list.LastMatchID)
	}
}

func TestObserve(t *testing.T) {
	r := NewRegistry()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	r.Observe(radio.Peer{ID: "User-42", RSSI: -70, SeenAt: t0})
	r.Observe(radio.Peer{ID: "User-42", RSSI: -55, SeenAt: t0.Add(time.Second)})

	p, err := r.Get("User-42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Sightings != 2 {
		t.Errorf("Sightings = %d, want 2", p.Sightings)
	}
	if p.RSSI != -55 {
		t.Errorf("RSSI = %d, want latest -55", p.RSSI)
	}
	if !p.FirstSeen.Equal(t0) || !p.LastSeen.Equal(t0.Add(time.Second)) {
		t.Errorf("seen window = %v..%v", p.FirstSeen, p.LastSeen)
	}
}

func TestObserveWithoutTimestamp(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r.now = fixedClock(now)

	r.Observe(radio.Peer{ID: "User-1"})
	p, _ := r.Get("User-1")
	if !p.LastSeen.Equal(now) {
		t.Errorf("LastSeen = %v, want %v", p.LastSeen, now)
	}
}

func TestRecordVerdict(t *testing.T) {
	r := NewRegistry()
	r.Observe(radio.Peer{ID: "User-42", SeenAt: time.Now()})

	r.RecordVerdict("User-42", "badmatch")
	p, _ := r.Get("User-42")
	if p.Verdict != "badmatch" {
		t.Errorf("Verdict = %q", p.Verdict)
	}
	if r.List().LastMatchID != "" {
		t.Error("badmatch must not set last match")
	}

	r.RecordVerdict("User-77", "match")
	if r.List().LastMatchID != "User-77" {
		t.Errorf("LastMatchID = %q, want User-77", r.List().LastMatchID)
	}
	if _, err := r.Get("User-77"); err != nil {
		t.Errorf("verdict for unseen peer should create an entry: %v", err)
	}
}

func TestVerdictAtJSON(t *testing.T) {
	r := NewRegistry()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r.now = fixedClock(at)
	r.Observe(radio.Peer{ID: "User-1"})

	p, _ := r.Get("User-1")
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	_ = json.Unmarshal(b, &fields)
	if _, ok := fields["verdictAt"]; ok {
		t.Errorf("verdictAt present before any verdict: %s", b)
	}

	r.RecordVerdict("User-1", "badmatch")
	p, _ = r.Get("User-1")
	b, _ = json.Marshal(p)
	fields = nil
	_ = json.Unmarshal(b, &fields)
	if fields["verdictAt"] != "2026-03-01T09:00:00Z" {
		t.Errorf("verdictAt = %v, want 2026-03-01T09:00:00Z", fields["verdictAt"])
	}

	*p.VerdictAt = time.Time{}
	again, _ := r.Get("User-1")
	if !again.VerdictAt.Equal(at) {
		t.Error("Get leaked verdict timestamp")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	r.Observe(radio.Peer{ID: "User-1", RSSI: -60})

	p, _ := r.Get("User-1")
	p.RSSI = 0

	again, _ := r.Get("User-1")
	if again.RSSI != -60 {
		t.Error("Get leaked internal state")
	}
}

func TestGetUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("User-404"); err == nil {
		t.Error("expected error for unknown peer")
	}
}

func TestListOrdering(t *testing.T) {
	r := NewRegistry()
	t0 := time.Now()
	r.Observe(radio.Peer{ID: "User-1", SeenAt: t0})
	r.Observe(radio.Peer{ID: "User-2", SeenAt: t0.Add(2 * time.Second)})
	r.Observe(radio.Peer{ID: "User-3", SeenAt: t0.Add(time.Second)})

	items := r.List().Items
	want := []radio.Identity{"User-2", "User-3", "User-1"}
	if len(items) != len(want) {
		t.Fatalf("got %d items", len(items))
	}
	for i, id := range want {
		if items[i].ID != id {
			t.Errorf("items[%d] = %q, want %q", i, items[i].ID, id)
		}
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry()
	r.Observe(radio.Peer{ID: "User-1"})

	if err := r.Remove("User-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := r.Remove("User-1"); !errors.Is(err, ErrNotFound) {
		t.Error("expected error removing twice")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d", r.Len())
	}
}

func TestPrune(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = fixedClock(now)

	r.Observe(radio.Peer{ID: "User-old", SeenAt: now.Add(-time.Hour)})
	r.Observe(radio.Peer{ID: "User-match", SeenAt: now.Add(-time.Hour)})
	r.Observe(radio.Peer{ID: "User-new", SeenAt: now.Add(-time.Minute)})
	r.RecordVerdict("User-match", "match")

	if n := r.Prune(10 * time.Minute); n != 1 {
		t.Errorf("Prune removed %d, want 1", n)
	}
	if _, err := r.Get("User-old"); err == nil {
		t.Error("stale peer survived prune")
	}
	if _, err := r.Get("User-match"); err != nil {
		t.Error("last match must survive prune")
	}
	if _, err := r.Get("User-new"); err != nil {
		t.Error("fresh peer was pruned")
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := radio.Identity(fmt.Sprintf("User-%d", i%3))
			for j := 0; j < 100; j++ {
				r.Observe(radio.Peer{ID: id, RSSI: -j})
				r.RecordVerdict(id, "badmatch")
				_ = r.List()
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, p := range r.List().Items {
		total += p.Sightings
	}
	if total != 1000 {
		t.Errorf("total sightings = %d, want 1000", total)
	}
}
