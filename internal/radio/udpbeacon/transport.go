// Package udpbeacon implements the radio transport over LAN multicast beacons.
//
// Each advertising device periodically sends a small JSON beacon carrying
// the service identifier and its identity to a multicast group. Scanners
// join the group and report the first qualifying sender. It stands in for a
// short-range radio on hosts without one.
package udpbeacon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mosaic-app/mosaic/internal/radio"
)

// Config holds the multicast group and beacon cadence.
type Config struct {
	Group          string        // host:port of the multicast group
	Interface      string        // optional interface name; empty selects the system default
	ServiceUUID    string        // beacons with another service are ignored
	PeerPrefix     string        // peer naming convention
	BeaconInterval time.Duration // advertise cadence
}

// DefaultConfig returns the standard group and a 1s beacon cadence.
func DefaultConfig() Config {
	return Config{
		Group:          "239.255.77.77:47999",
		ServiceUUID:    radio.DefaultServiceUUID,
		PeerPrefix:     radio.DefaultPeerPrefix,
		BeaconInterval: time.Second,
	}
}

type beacon struct {
	Service string `json:"svc"`
	Name    string `json:"name"`
}

// Transport advertises and scans over UDP multicast.
type Transport struct {
	cfg    Config
	self   radio.Identity
	logger *slog.Logger

	slot radio.SessionSlot

	mu         sync.Mutex
	advertised radio.Identity
	stopAdvert context.CancelFunc
	advertDone chan struct{}
}

var _ radio.Transport = (*Transport)(nil)

// New creates a transport for the device named self.
func New(cfg Config, self radio.Identity, logger *slog.Logger) (*Transport, error) {
	if cfg.Group == "" {
		return nil, fmt.Errorf("multicast group is required")
	}
	if _, err := net.ResolveUDPAddr("udp4", cfg.Group); err != nil {
		return nil, fmt.Errorf("invalid multicast group %q: %w", cfg.Group, err)
	}
	if cfg.ServiceUUID == "" {
		cfg.ServiceUUID = radio.DefaultServiceUUID
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transport{
		cfg:    cfg,
		self:   self,
		logger: logger.With("component", "udpbeacon"),
	}, nil
}

// Advertise starts the beacon loop for id.
func (t *Transport) Advertise(ctx context.Context, id radio.Identity) error {
	select {
	case <-ctx.Done():
		return radio.Wrap("advertise", ctx.Err())
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopAdvert != nil && t.advertised == id {
		return nil
	}
	t.stopAdvertLocked()

	conn, err := t.dial()
	if err != nil {
		return radio.Wrap("advertise", err)
	}
	payload, err := json.Marshal(beacon{Service: t.cfg.ServiceUUID, Name: id.String()})
	if err != nil {
		_ = conn.Close()
		return radio.Wrap("advertise", err)
	}
	// Fail fast when the group is unreachable.
	if _, err := conn.Write(payload); err != nil {
		_ = conn.Close()
		return radio.Wrap("advertise", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.advertised = id
	t.stopAdvert = cancel
	t.advertDone = done

	go t.beaconLoop(loopCtx, conn, payload, done)

	t.logger.Info("advertising started", "identity", id, "group", t.cfg.Group)
	return nil
}

func (t *Transport) beaconLoop(ctx context.Context, conn *net.UDPConn, payload []byte, done chan struct{}) {
	defer close(done)
	defer func() { _ = conn.Close() }()

	ticker := time.NewTicker(t.cfg.BeaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := conn.Write(payload); err != nil {
				t.logger.Warn("beacon send failed", "err", err)
			}
		}
	}
}

// ScanOnce joins the group and returns the first qualifying beacon sender.
func (t *Transport) ScanOnce(ctx context.Context) (radio.Peer, error) {
	select {
	case <-ctx.Done():
		return radio.Peer{}, radio.Wrap("scan", ctx.Err())
	default:
	}

	sess := t.slot.Begin(ctx)
	defer t.slot.End(sess)

	conn, err := t.listen()
	if err != nil {
		return radio.Peer{}, radio.Wrap("scan", err)
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(sess.Context(), func() { _ = conn.Close() })
	defer stop()

	filter := radio.NewPeerFilter(t.identity(), t.cfg.PeerPrefix)
	buf := make([]byte, 1024)

	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if sess.Context().Err() != nil {
				return radio.Peer{}, sess.Err()
			}
			return radio.Peer{}, radio.Wrap("scan", err)
		}

		id, ok := parseBeacon(buf[:n], t.cfg.ServiceUUID, filter)
		if !ok {
			continue
		}
		t.logger.Debug("peer beacon received", "peer", id)
		return radio.Peer{ID: id, SeenAt: time.Now()}, nil
	}
}

// StopScan cancels the active scan and waits for its socket to close.
func (t *Transport) StopScan() {
	t.slot.Stop()
}

// StopAll stops scanning and the beacon loop.
func (t *Transport) StopAll() error {
	t.StopScan()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopAdvertLocked()
	return nil
}

// Scanning reports whether a scan session is open.
func (t *Transport) Scanning() bool {
	return t.slot.Active()
}

func (t *Transport) stopAdvertLocked() {
	if t.stopAdvert == nil {
		return
	}
	t.stopAdvert()
	<-t.advertDone
	t.stopAdvert = nil
	t.advertDone = nil
	t.advertised = ""
}

func (t *Transport) identity() radio.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.advertised != "" {
		return t.advertised
	}
	return t.self
}

func (t *Transport) dial() (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", t.cfg.Group)
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp4", nil, addr)
}

func (t *Transport) listen() (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", t.cfg.Group)
	if err != nil {
		return nil, err
	}
	var ifi *net.Interface
	if t.cfg.Interface != "" {
		ifi, err = net.InterfaceByName(t.cfg.Interface)
		if err != nil {
			return nil, err
		}
	}
	return net.ListenMulticastUDP("udp4", ifi, addr)
}

// parseBeacon decodes data and applies the service and peer filters.
func parseBeacon(data []byte, service string, filter radio.PeerFilter) (radio.Identity, bool) {
	var b beacon
	if err := json.Unmarshal(data, &b); err != nil {
		return "", false
	}
	if b.Service != service {
		return "", false
	}
	if !filter.Accept(b.Name) {
		return "", false
	}
	return radio.Identity(b.Name), true
}
