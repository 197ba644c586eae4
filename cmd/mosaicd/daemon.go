package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/mosaic-app/mosaic/internal/api"
	"github.com/mosaic-app/mosaic/internal/audit"
	"github.com/mosaic-app/mosaic/internal/auth"
	"github.com/mosaic-app/mosaic/internal/backend"
	"github.com/mosaic-app/mosaic/internal/config"
	"github.com/mosaic-app/mosaic/internal/match"
	"github.com/mosaic-app/mosaic/internal/peers"
	"github.com/mosaic-app/mosaic/internal/radio"
	"github.com/mosaic-app/mosaic/internal/radio/sim"
	"github.com/mosaic-app/mosaic/internal/radio/udpbeacon"
	"github.com/mosaic-app/mosaic/internal/telemetry"
)

// maxPruneInterval bounds how often stale peers are swept.
const maxPruneInterval = time.Minute

// daemon owns every long-lived component of a mosaicd process.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	self        radio.Identity
	transport   radio.Transport
	neighbours  []*sim.Transport
	backend     *backend.Client
	peers       *peers.Registry
	hub         *telemetry.Hub
	audit       *audit.Logger
	coordinator *match.Coordinator
	server      *api.Server
}

// newDaemon builds the component graph from cfg. Nothing runs until run.
func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}

	d.self = radio.Identity(cfg.Identity.ID)
	if d.self == "" {
		d.self = radio.NewIdentity(cfg.Radio.PeerPrefix)
	}
	logger.Info("local identity", "id", d.self)

	if err := d.buildTransport(ctx); err != nil {
		return nil, err
	}

	httpCfg := backend.DefaultHTTPConfig()
	httpCfg.Timeout = cfg.Backend.Timeout
	client, err := backend.New(cfg.Backend.URL,
		backend.WithHTTPClient(backend.NewHTTPClient(httpCfg)),
		backend.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}
	d.backend = client

	d.peers = peers.NewRegistry()
	d.hub = telemetry.NewHub(&cfg.Timing, logger)

	if cfg.Audit.Dir != "" {
		d.audit, err = audit.NewLogger(audit.Options{
			Dir:        cfg.Audit.Dir,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
		}
	}

	opts := []match.Option{
		match.WithLogger(logger),
		match.WithPublisher(d.hub),
		match.WithPeerRecorder(d.peers),
		match.WithBackOff(backOffFactory(cfg.Timing)),
	}
	if d.audit != nil {
		opts = append(opts, match.WithAuditLogger(d.audit))
	}
	d.coordinator = match.New(d.transport, d.backend, d.self, opts...)
	d.hub.SetSnapshot(d.snapshot)

	authMW, err := newAuthMiddleware(ctx, cfg.API.Auth, logger)
	if err != nil {
		return nil, err
	}

	deps := api.Deps{
		Coordinator: d.coordinator,
		Telemetry:   d.hub,
		Peers:       d.peers,
		Uploader:    d.backend,
		Auth:        authMW,
		Logger:      logger,
	}
	if d.audit != nil {
		deps.Audit = d.audit
	}
	d.server = api.NewServer(deps, cfg.API.ReadHeaderTimeout, cfg.API.IdleTimeout)
	d.server.SetVersion(version)

	return d, nil
}

func (d *daemon) buildTransport(ctx context.Context) error {
	rc := d.cfg.Radio
	switch rc.Transport {
	case config.TransportUDP:
		t, err := udpbeacon.New(udpbeacon.Config{
			Group:          rc.Group,
			Interface:      rc.Interface,
			ServiceUUID:    rc.ServiceUUID,
			PeerPrefix:     rc.PeerPrefix,
			BeaconInterval: rc.BeaconInterval,
		}, d.self, d.logger)
		if err != nil {
			return fmt.Errorf("failed to create udp transport: %w", err)
		}
		d.transport = t
	case config.TransportSim:
		medium := sim.NewMedium()
		d.transport = sim.NewTransport(medium, d.self, sim.WithPeerPrefix(rc.PeerPrefix))
		for _, name := range rc.SimPeers {
			id := radio.Identity(name)
			n := sim.NewTransport(medium, id, sim.WithPeerPrefix(rc.PeerPrefix))
			if err := n.Advertise(ctx, id); err != nil {
				return fmt.Errorf("failed to advertise simulated peer %s: %w", name, err)
			}
			d.neighbours = append(d.neighbours, n)
		}
		d.logger.Info("simulated radio", "neighbours", len(d.neighbours))
	default:
		return fmt.Errorf("unknown radio transport %q", rc.Transport)
	}
	return nil
}

func newAuthMiddleware(ctx context.Context, cfg config.AuthConfig, logger *slog.Logger) (*auth.Middleware, error) {
	if !cfg.Enabled {
		logger.Warn("control API authentication disabled")
		return auth.NewMiddleware(nil, logger), nil
	}

	vc := auth.VerifierConfig{
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
	}
	if cfg.JWKSURL != "" {
		vc.Algorithm = auth.AlgRS256
		vc.JWKSURL = cfg.JWKSURL
	} else {
		vc.Algorithm = auth.AlgHS256
		vc.SecretKey = []byte(cfg.HMACSecret)
	}
	v, err := auth.NewVerifier(ctx, vc)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}
	return auth.NewMiddleware(v, logger), nil
}

// backOffFactory maps the configured retry policy onto the coordinator's
// back-off.
func backOffFactory(t config.TimingConfig) func() backoff.BackOff {
	if t.RetryPolicy == config.RetryExponential {
		return match.ExponentialBackOff(t.RetryInterval, t.RetryMaxInterval, t.RetryMultiplier, t.RetryJitter)
	}
	return match.ConstantBackOff(t.RetryInterval)
}

func (d *daemon) snapshot() map[string]any {
	snap := map[string]any{
		"state":   d.coordinator.State(),
		"localId": d.self,
		"peers":   d.peers.Len(),
	}
	if p, ok := d.coordinator.LastMatch(); ok {
		snap["lastMatch"] = p
	}
	return snap
}

// run serves the control API on ln and drives the background tasks until ctx
// is cancelled or a task fails, then shuts every component down.
func (d *daemon) run(ctx context.Context, ln net.Listener, autostart bool) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.server.Serve(ln)
	})

	if autostart {
		if _, err := d.coordinator.Start(gctx); err != nil {
			d.logger.Error("autostart failed", "err", err)
		} else {
			d.logger.Info("match loop started")
		}
	}

	if retention := d.cfg.Timing.PeerRetention; retention > 0 {
		g.Go(func() error {
			d.pruneLoop(gctx, retention)
			return nil
		})
	}

	if d.audit != nil {
		g.Go(func() error {
			d.rotateOnHangup(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return d.shutdown()
	})

	return g.Wait()
}

// rotateOnHangup rotates the audit trail on SIGHUP.
func (d *daemon) rotateOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := d.audit.Rotate(); err != nil {
				d.logger.Warn("audit rotation failed", "err", err)
			} else {
				d.logger.Info("audit trail rotated", "path", d.audit.GetFilePath())
			}
		}
	}
}

func (d *daemon) pruneLoop(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(min(retention, maxPruneInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.peers.Prune(retention); n > 0 {
				d.logger.Debug("pruned stale peers", "count", n)
			}
		}
	}
}

// shutdown stops the coordinator first so the last state events reach the
// telemetry stream.
func (d *daemon) shutdown() error {
	d.logger.Info("shutting down")
	var errs []error

	stopCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Timing.StopTimeout)
	if err := d.coordinator.Close(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("close coordinator: %w", err))
	}
	cancel()

	// Telemetry streams never finish on their own; end them before the
	// server waits for open connections.
	d.hub.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Timing.ShutdownTimeout)
	defer cancel()
	if err := d.server.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	for _, n := range d.neighbours {
		_ = n.StopAll()
	}

	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit logger: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	d.logger.Info("shutdown complete")
	return nil
}
