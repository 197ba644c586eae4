// Package radiotest provides transport-agnostic conformance testing for radio transports.
//
// Each transport package runs RunConformance from its own tests so every
// implementation honours the same scan, supersede and stop semantics.
package radiotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mosaic-app/mosaic/internal/radio"
)

// ScanObserver is implemented by transports that expose whether a scan
// session is open. The suite needs it to sequence supersede checks.
type ScanObserver interface {
	Scanning() bool
}

// Harness adapts a concrete transport to the suite.
type Harness struct {
	// New returns a fresh transport whose local identity is self.
	New func(t *testing.T, self radio.Identity) radio.Transport

	// Inject makes name observable to an active or imminent scan of the
	// transport most recently returned by New.
	Inject func(t *testing.T, ctx context.Context, name string) error

	// Timeout bounds every individual check.
	Timeout time.Duration
}

// RunConformance runs the complete suite against h.
func RunConformance(t *testing.T, h Harness) {
	if h.Timeout == 0 {
		h.Timeout = 5 * time.Second
	}

	t.Run("AdvertiseIsIdempotent", func(t *testing.T) { testAdvertiseIdempotent(t, h) })
	t.Run("ScanFindsPeer", func(t *testing.T) { testScanFindsPeer(t, h) })
	t.Run("SelfNeverReported", func(t *testing.T) { testSelfNeverReported(t, h) })
	t.Run("ForeignTrafficIgnored", func(t *testing.T) { testForeignTrafficIgnored(t, h) })
	t.Run("ContextCancelEndsScan", func(t *testing.T) { testContextCancel(t, h) })
	t.Run("StopScanInterrupts", func(t *testing.T) { testStopScanInterrupts(t, h) })
	t.Run("SecondScanSupersedesFirst", func(t *testing.T) { testSupersede(t, h) })
	t.Run("StopIsSafeWhenIdle", func(t *testing.T) { testStopIdle(t, h) })
	t.Run("RepeatedCyclesReleaseSessions", func(t *testing.T) { testRepeatedCycles(t, h) })
}

func testAdvertiseIdempotent(t *testing.T, h Harness) {
	tr := h.New(t, "User-1")
	defer func() { _ = tr.StopAll() }()
	ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()

	if err := tr.Advertise(ctx, "User-1"); err != nil {
		t.Fatalf("first Advertise failed: %v", err)
	}
	if err := tr.Advertise(ctx, "User-1"); err != nil {
		t.Fatalf("second Advertise should be a no-op success, got %v", err)
	}
}

func testScanFindsPeer(t *testing.T, h Harness) {
	tr := h.New(t, "User-1")
	defer func() { _ = tr.StopAll() }()
	ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()

	go func() { _ = h.Inject(t, ctx, "User-42") }()

	peer, err := tr.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce failed: %v", err)
	}
	if peer.ID != "User-42" {
		t.Fatalf("expected User-42, got %q", peer.ID)
	}
	if scanning(tr) {
		t.Error("scan session still open after discovery")
	}
}

func testSelfNeverReported(t *testing.T, h Harness) {
	tr := h.New(t, "User-1")
	defer func() { _ = tr.StopAll() }()
	ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()

	if err := tr.Advertise(ctx, "User-1"); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}

	go func() {
		_ = h.Inject(t, ctx, "User-1")
		time.Sleep(50 * time.Millisecond)
		_ = h.Inject(t, ctx, "User-99")
	}()

	peer, err := tr.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce failed: %v", err)
	}
	if peer.ID == "User-1" {
		t.Fatal("transport reported its own identity")
	}
	if peer.ID != "User-99" {
		t.Fatalf("expected User-99, got %q", peer.ID)
	}
}

func testForeignTrafficIgnored(t *testing.T, h Harness) {
	tr := h.New(t, "User-1")
	defer func() { _ = tr.StopAll() }()
	ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()

	go func() {
		_ = h.Inject(t, ctx, "Printer-7")
		time.Sleep(50 * time.Millisecond)
		_ = h.Inject(t, ctx, "User-7")
	}()

	peer, err := tr.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce failed: %v", err)
	}
	if peer.ID != "User-7" {
		t.Fatalf("expected User-7, got %q", peer.ID)
	}
}

func testContextCancel(t *testing.T, h Harness) {
	tr := h.New(t, "User-1")
	defer func() { _ = tr.StopAll() }()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.ScanOnce(ctx)
	if err == nil {
		t.Fatal("expected error from cancelled scan")
	}
	if !errors.Is(err, radio.ErrTransport) {
		t.Errorf("expected TransportError, got %T: %v", err, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline cause, got %v", err)
	}
	if scanning(tr) {
		t.Error("scan session still open after cancel")
	}
}

func testStopScanInterrupts(t *testing.T, h Harness) {
	tr := h.New(t, "User-1")
	defer func() { _ = tr.StopAll() }()
	ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		_, err := tr.ScanOnce(ctx)
		errs <- err
	}()

	awaitScanning(t, ctx, tr)
	tr.StopScan()

	select {
	case err := <-errs:
		if !errors.Is(err, radio.ErrScanStopped) {
			t.Fatalf("expected ErrScanStopped, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("StopScan did not interrupt the scan")
	}
}

func testSupersede(t *testing.T, h Harness) {
	tr := h.New(t, "User-1")
	defer func() { _ = tr.StopAll() }()
	ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()

	first := make(chan error, 1)
	go func() {
		_, err := tr.ScanOnce(ctx)
		first <- err
	}()
	awaitScanning(t, ctx, tr)

	second := make(chan error, 1)
	go func() {
		_, err := tr.ScanOnce(ctx)
		second <- err
	}()

	select {
	case err := <-first:
		if !errors.Is(err, radio.ErrScanSuperseded) {
			t.Fatalf("expected first scan superseded, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("first scan was not superseded")
	}

	awaitScanning(t, ctx, tr)
	tr.StopScan()
	if err := <-second; !errors.Is(err, radio.ErrScanStopped) {
		t.Fatalf("expected second scan stopped, got %v", err)
	}
}

func testStopIdle(t *testing.T, h Harness) {
	tr := h.New(t, "User-1")

	tr.StopScan()
	tr.StopScan()
	if err := tr.StopAll(); err != nil {
		t.Fatalf("StopAll on idle transport failed: %v", err)
	}
	if err := tr.StopAll(); err != nil {
		t.Fatalf("second StopAll failed: %v", err)
	}
}

func testRepeatedCycles(t *testing.T, h Harness) {
	tr := h.New(t, "User-1")
	defer func() { _ = tr.StopAll() }()

	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
		errs := make(chan error, 1)
		go func() {
			_, err := tr.ScanOnce(ctx)
			errs <- err
		}()
		awaitScanning(t, ctx, tr)
		tr.StopScan()
		<-errs
		cancel()

		if scanning(tr) {
			t.Fatalf("cycle %d: session leaked", i)
		}
	}
}

func scanning(tr radio.Transport) bool {
	obs, ok := tr.(ScanObserver)
	return ok && obs.Scanning()
}

func awaitScanning(t *testing.T, ctx context.Context, tr radio.Transport) {
	t.Helper()
	obs, ok := tr.(ScanObserver)
	if !ok {
		t.Fatalf("transport %T does not implement ScanObserver", tr)
	}
	for !obs.Scanning() {
		select {
		case <-ctx.Done():
			t.Fatal("scan never started")
		case <-time.After(time.Millisecond):
		}
	}
}
