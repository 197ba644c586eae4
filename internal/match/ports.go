package match

import (
	"context"
	"errors"
	"time"

	"github.com/mosaic-app/mosaic/internal/audit"
	"github.com/mosaic-app/mosaic/internal/backend"
	"github.com/mosaic-app/mosaic/internal/peers"
	"github.com/mosaic-app/mosaic/internal/radio"
	"github.com/mosaic-app/mosaic/internal/telemetry"
)

// Validator submits a discovered peer for a verdict.
type Validator interface {
	CheckMatch(ctx context.Context, finder, found string, rssi int) (backend.Verdict, error)
}

// Publisher receives coordinator events.
type Publisher interface {
	Publish(event telemetry.Event) error
}

// PeerRecorder tracks observed peers and their verdicts.
type PeerRecorder interface {
	Observe(p radio.Peer)
	RecordVerdict(id radio.Identity, verdict string)
}

// AuditLogger writes one record per validation round.
type AuditLogger interface {
	LogRound(ctx context.Context, finder, found string, rssi int, result string, latency time.Duration)
}

// Compile-time assertions for the production collaborators.
var (
	_ Validator    = (*backend.Client)(nil)
	_ Publisher    = (*telemetry.Hub)(nil)
	_ PeerRecorder = (*peers.Registry)(nil)
	_ AuditLogger  = (*audit.Logger)(nil)
)

var (
	// ErrAlreadyRunning is returned by Start while a loop is in progress.
	ErrAlreadyRunning = errors.New("ALREADY_RUNNING")

	// ErrClosed is returned by control calls after Close.
	ErrClosed = errors.New("CLOSED")
)
