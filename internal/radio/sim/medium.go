// Package sim provides an in-memory radio medium shared by simulated devices.
//
// Devices bound to the same Medium hear each other's advertisements, which
// makes multi-device discovery testable inside one process. Fault injection
// mirrors the failure modes of a real radio stack.
package sim

import (
	"context"
	"sync"
)

type observation struct {
	name string
	rssi int
}

// Medium is the shared ether. The zero value is not usable; call NewMedium.
type Medium struct {
	mu       sync.Mutex
	adverts  map[*Transport]advert
	scanners map[*Transport]chan observation
	changed  chan struct{}
}

type advert struct {
	name string
	rssi int
}

// NewMedium creates an empty medium.
func NewMedium() *Medium {
	return &Medium{
		adverts:  make(map[*Transport]advert),
		scanners: make(map[*Transport]chan observation),
		changed:  make(chan struct{}),
	}
}

// Emit delivers a raw advertisement to every active scanner. Scanners that
// are not keeping up drop it.
func (m *Medium) Emit(name string, rssi int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcastLocked(observation{name: name, rssi: rssi})
}

// Scanners returns the number of devices currently scanning.
func (m *Medium) Scanners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scanners)
}

// Advertisers returns the names currently being advertised.
func (m *Medium) Advertisers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.adverts))
	for _, a := range m.adverts {
		names = append(names, a.name)
	}
	return names
}

// AwaitScanners blocks until at least n devices are scanning.
func (m *Medium) AwaitScanners(ctx context.Context, n int) error {
	for {
		m.mu.Lock()
		count := len(m.scanners)
		changed := m.changed
		m.mu.Unlock()

		if count >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// EmitWhenScanning waits for a scanner and then emits name.
func (m *Medium) EmitWhenScanning(ctx context.Context, name string, rssi int) error {
	if err := m.AwaitScanners(ctx, 1); err != nil {
		return err
	}
	m.Emit(name, rssi)
	return nil
}

// subscribe registers t as a scanner and replays current advertisers to it.
func (m *Medium) subscribe(t *Transport) <-chan observation {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan observation, 32)
	for _, a := range m.adverts {
		select {
		case ch <- observation{name: a.name, rssi: a.rssi}:
		default:
		}
	}
	m.scanners[t] = ch
	m.notifyLocked()
	return ch
}

func (m *Medium) unsubscribe(t *Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scanners[t]; ok {
		delete(m.scanners, t)
		m.notifyLocked()
	}
}

func (m *Medium) startAdvert(t *Transport, name string, rssi int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adverts[t] = advert{name: name, rssi: rssi}
	m.broadcastLocked(observation{name: name, rssi: rssi})
}

func (m *Medium) stopAdvert(t *Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.adverts, t)
}

func (m *Medium) broadcastLocked(obs observation) {
	for _, ch := range m.scanners {
		select {
		case ch <- obs:
		default:
		}
	}
}

func (m *Medium) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
