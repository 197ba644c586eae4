package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mosaic-app/mosaic/internal/radio"
)

// Transport is a simulated device radio bound to a Medium.
type Transport struct {
	medium *Medium
	self   radio.Identity
	prefix string
	rssi   int

	slot radio.SessionSlot

	mu          sync.Mutex
	advertising bool
	advertised  radio.Identity

	// Fault injection
	scanFaults     []error
	advertiseFault error

	scans     atomic.Int64
	active    atomic.Int32
	peak      atomic.Int32
	stopCalls atomic.Int64
}

// Option configures a Transport.
type Option func(*Transport)

// WithPeerPrefix overrides the peer naming prefix.
func WithPeerPrefix(prefix string) Option {
	return func(t *Transport) { t.prefix = prefix }
}

// WithRSSI sets the signal strength at which this device's advertisement is heard.
func WithRSSI(rssi int) Option {
	return func(t *Transport) { t.rssi = rssi }
}

var _ radio.Transport = (*Transport)(nil)

// NewTransport binds a device named self to medium.
func NewTransport(medium *Medium, self radio.Identity, opts ...Option) *Transport {
	t := &Transport{
		medium: medium,
		self:   self,
		prefix: radio.DefaultPeerPrefix,
		rssi:   -60,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Advertise starts broadcasting id on the medium.
func (t *Transport) Advertise(ctx context.Context, id radio.Identity) error {
	select {
	case <-ctx.Done():
		return radio.Wrap("advertise", ctx.Err())
	default:
	}

	t.mu.Lock()
	if t.advertiseFault != nil {
		err := t.advertiseFault
		t.mu.Unlock()
		return radio.Wrap("advertise", err)
	}
	if t.advertising && t.advertised == id {
		t.mu.Unlock()
		return nil
	}
	t.advertising = true
	t.advertised = id
	t.mu.Unlock()

	t.medium.startAdvert(t, id.String(), t.rssi)
	return nil
}

// ScanOnce waits for the first qualifying advertisement on the medium.
func (t *Transport) ScanOnce(ctx context.Context) (radio.Peer, error) {
	select {
	case <-ctx.Done():
		return radio.Peer{}, radio.Wrap("scan", ctx.Err())
	default:
	}

	sess := t.slot.Begin(ctx)
	defer t.slot.End(sess)

	t.scans.Add(1)
	n := t.active.Add(1)
	defer t.active.Add(-1)
	for {
		p := t.peak.Load()
		if n <= p || t.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if err := t.takeScanFault(); err != nil {
		return radio.Peer{}, radio.Wrap("scan", err)
	}

	filter := radio.NewPeerFilter(t.identity(), t.prefix)
	ch := t.medium.subscribe(t)
	defer t.medium.unsubscribe(t)

	for {
		select {
		case <-sess.Context().Done():
			return radio.Peer{}, sess.Err()
		case obs := <-ch:
			if !filter.Accept(obs.name) {
				continue
			}
			return radio.Peer{
				ID:     radio.Identity(obs.name),
				RSSI:   obs.rssi,
				SeenAt: time.Now(),
			}, nil
		}
	}
}

// StopScan cancels the active scan, if any.
func (t *Transport) StopScan() {
	t.stopCalls.Add(1)
	t.slot.Stop()
}

// StopAll stops scanning and advertising.
func (t *Transport) StopAll() error {
	t.StopScan()

	t.mu.Lock()
	wasAdvertising := t.advertising
	t.advertising = false
	t.advertised = ""
	t.mu.Unlock()

	if wasAdvertising {
		t.medium.stopAdvert(t)
	}
	return nil
}

// FailNextScan makes the next ScanOnce fail with err. Calls queue up.
func (t *Transport) FailNextScan(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanFaults = append(t.scanFaults, err)
}

// FailAdvertise makes every Advertise fail with err until called with nil.
func (t *Transport) FailAdvertise(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advertiseFault = err
}

// Advertising reports whether the device is broadcasting.
func (t *Transport) Advertising() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advertising
}

// Scanning reports whether a scan session is active.
func (t *Transport) Scanning() bool {
	return t.slot.Active()
}

// ScanCount returns the number of ScanOnce calls that opened a session.
func (t *Transport) ScanCount() int64 {
	return t.scans.Load()
}

// PeakSessions returns the highest number of simultaneously open scan sessions.
func (t *Transport) PeakSessions() int32 {
	return t.peak.Load()
}

// StopScanCount returns the number of StopScan calls.
func (t *Transport) StopScanCount() int64 {
	return t.stopCalls.Load()
}

func (t *Transport) identity() radio.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.advertised != "" {
		return t.advertised
	}
	return t.self
}

func (t *Transport) takeScanFault() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.scanFaults) == 0 {
		return nil
	}
	err := t.scanFaults[0]
	t.scanFaults = t.scanFaults[1:]
	return err
}
