package radio

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the live, cancellable state of one scan.
type Session struct {
	ID        string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	once   sync.Once
}

// Context is cancelled when the session is superseded, stopped or its
// parent context ends.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Err returns the reason the session ended as a TransportError.
func (s *Session) Err() error {
	return Wrap("scan", context.Cause(s.ctx))
}

// SessionSlot holds at most one active Session.
//
// Begin supersedes the current session and waits for its owner to call End
// before installing the new one, so two sessions never overlap.
type SessionSlot struct {
	beginMu sync.Mutex
	mu      sync.Mutex
	cur     *Session
}

// Begin cancels any active session with ErrScanSuperseded and starts a new
// one derived from parent. The caller must End the returned session.
func (s *SessionSlot) Begin(parent context.Context) *Session {
	s.beginMu.Lock()
	defer s.beginMu.Unlock()

	s.cancelActive(ErrScanSuperseded)

	ctx, cancel := context.WithCancelCause(parent)
	sess := &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.cur = sess
	s.mu.Unlock()

	return sess
}

// End releases sess. Calling it more than once is harmless.
func (s *SessionSlot) End(sess *Session) {
	if sess == nil {
		return
	}
	s.mu.Lock()
	if s.cur == sess {
		s.cur = nil
	}
	s.mu.Unlock()

	sess.once.Do(func() {
		sess.cancel(ErrScanStopped)
		close(sess.done)
	})
}

// Stop cancels the active session, if any, and waits for it to end.
func (s *SessionSlot) Stop() {
	s.cancelActive(ErrScanStopped)
}

// Active reports whether a session is in progress.
func (s *SessionSlot) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// Current returns the active session or nil.
func (s *SessionSlot) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *SessionSlot) cancelActive(cause error) {
	s.mu.Lock()
	prev := s.cur
	s.mu.Unlock()

	if prev == nil {
		return
	}
	prev.cancel(cause)
	<-prev.done
}
