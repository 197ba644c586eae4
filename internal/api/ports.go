package api

import (
	"context"
	"net/http"
	"time"

	"github.com/mosaic-app/mosaic/internal/audit"
	"github.com/mosaic-app/mosaic/internal/backend"
	"github.com/mosaic-app/mosaic/internal/match"
	"github.com/mosaic-app/mosaic/internal/peers"
	"github.com/mosaic-app/mosaic/internal/radio"
	"github.com/mosaic-app/mosaic/internal/telemetry"
)

// CoordinatorPort is the part of the match coordinator the API drives.
type CoordinatorPort interface {
	Start(ctx context.Context) (*match.Future, error)
	Resume(ctx context.Context) (*match.Future, error)
	Stop(ctx context.Context) error
	State() match.State
	IsActive() bool
	LastMatch() (radio.Peer, bool)
	Self() radio.Identity
}

// TelemetryPort streams coordinator events to an SSE client.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

// PeerPort reads and prunes the peer registry.
type PeerPort interface {
	List() *peers.PeerList
	Get(id radio.Identity) (*peers.Peer, error)
	Remove(id radio.Identity) error
}

// UploadPort forwards SVG fragments to the backend.
type UploadPort interface {
	UploadSVG(ctx context.Context, mosaicID backend.MosaicID, svg string) (*backend.UploadResult, error)
}

// AuditPort records control actions.
type AuditPort interface {
	LogAction(ctx context.Context, action, outcome string, err error, latency time.Duration)
}

var (
	_ CoordinatorPort = (*match.Coordinator)(nil)
	_ TelemetryPort   = (*telemetry.Hub)(nil)
	_ PeerPort        = (*peers.Registry)(nil)
	_ UploadPort      = (*backend.Client)(nil)
	_ AuditPort       = (*audit.Logger)(nil)
)
