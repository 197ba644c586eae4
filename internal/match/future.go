package match

import (
	"context"
	"sync"

	"github.com/mosaic-app/mosaic/internal/radio"
)

// Future is the handle callers wait on for the next match.
// It is resolved at most once and never rejected: a stopped coordinator
// simply leaves it pending.
type Future struct {
	once sync.Once
	done chan struct{}
	peer radio.Peer
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(p radio.Peer) bool {
	resolved := false
	f.once.Do(func() {
		f.peer = p
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future holds a peer.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the match is available or ctx ends.
func (f *Future) Wait(ctx context.Context) (radio.Peer, error) {
	select {
	case <-f.done:
		return f.peer, nil
	case <-ctx.Done():
		return radio.Peer{}, ctx.Err()
	}
}

// Peer returns the matched peer without blocking.
func (f *Future) Peer() (radio.Peer, bool) {
	select {
	case <-f.done:
		return f.peer, true
	default:
		return radio.Peer{}, false
	}
}
