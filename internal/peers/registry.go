// Package peers keeps the inventory of peers observed by the match loop.
package peers

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mosaic-app/mosaic/internal/radio"
)

// ErrNotFound is returned for identities the registry has not seen.
var ErrNotFound = errors.New("NOT_FOUND")

// Peer is a registry entry for one observed identity.
type Peer struct {
	ID        radio.Identity `json:"id"`
	RSSI      int            `json:"rssi"`
	FirstSeen time.Time      `json:"firstSeen"`
	LastSeen  time.Time      `json:"lastSeen"`
	Sightings int            `json:"sightings"`
	Verdict   string         `json:"verdict,omitempty"`
	VerdictAt *time.Time     `json:"verdictAt,omitempty"`
}

func (p *Peer) clone() Peer {
	cp := *p
	if p.VerdictAt != nil {
		at := *p.VerdictAt
		cp.VerdictAt = &at
	}
	return cp
}

// PeerList is the response format for GET /peers.
type PeerList struct {
	LastMatchID radio.Identity `json:"lastMatchId,omitempty"`
	Items       []Peer         `json:"items"`
}

// Registry tracks sightings and verdicts per peer.
type Registry struct {
	mu        sync.RWMutex
	peers     map[radio.Identity]*Peer
	lastMatch radio.Identity
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[radio.Identity]*Peer),
		now:   time.Now,
	}
}

// Observe records a sighting of p.
func (r *Registry) Observe(p radio.Peer) {
	seen := p.SeenAt
	if seen.IsZero() {
		seen = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.peers[p.ID]
	if !ok {
		entry = &Peer{ID: p.ID, FirstSeen: seen}
		r.peers[p.ID] = entry
	}
	entry.RSSI = p.RSSI
	if seen.After(entry.LastSeen) {
		entry.LastSeen = seen
	}
	entry.Sightings++
}

// RecordVerdict stores the latest verdict for id. Unknown ids are added.
func (r *Registry) RecordVerdict(id radio.Identity, verdict string) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.peers[id]
	if !ok {
		entry = &Peer{ID: id, FirstSeen: now, LastSeen: now}
		r.peers[id] = entry
	}
	entry.Verdict = verdict
	entry.VerdictAt = &now
	if verdict == "match" {
		r.lastMatch = id
	}
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id radio.Identity) (*Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.peers[id]
	if !ok {
		return nil, fmt.Errorf("peer %s: %w", id, ErrNotFound)
	}
	cp := entry.clone()
	return &cp, nil
}

// List returns all entries, most recently seen first.
func (r *Registry) List() *PeerList {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		items = append(items, p.clone())
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].LastSeen.Equal(items[j].LastSeen) {
			return items[i].ID < items[j].ID
		}
		return items[i].LastSeen.After(items[j].LastSeen)
	})

	return &PeerList{LastMatchID: r.lastMatch, Items: items}
}

// Len returns the number of tracked peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Remove drops id from the registry.
func (r *Registry) Remove(id radio.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[id]; !ok {
		return fmt.Errorf("peer %s: %w", id, ErrNotFound)
	}
	delete(r.peers, id)
	return nil
}

// Prune removes peers not seen within maxAge and returns how many it removed.
// The last matched peer is kept.
func (r *Registry) Prune(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, p := range r.peers {
		if id == r.lastMatch {
			continue
		}
		if p.LastSeen.Before(cutoff) {
			delete(r.peers, id)
			removed++
		}
	}
	return removed
}
