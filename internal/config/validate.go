package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks every section of cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateRadio(&cfg.Radio); err != nil {
		return fmt.Errorf("radio validation failed: %w", err)
	}
	if err := validateBackend(&cfg.Backend); err != nil {
		return fmt.Errorf("backend validation failed: %w", err)
	}
	if err := ValidateTiming(&cfg.Timing); err != nil {
		return err
	}
	if err := validateAPI(&cfg.API); err != nil {
		return fmt.Errorf("api validation failed: %w", err)
	}
	if err := validateAudit(&cfg.Audit); err != nil {
		return fmt.Errorf("audit validation failed: %w", err)
	}
	if err := validateLog(&cfg.Log); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}
	if err := validateTracing(&cfg.Tracing); err != nil {
		return fmt.Errorf("tracing validation failed: %w", err)
	}
	return nil
}

// ValidateTiming checks retry, heartbeat and buffer settings.
func ValidateTiming(t *TimingConfig) error {
	if t == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := validateRetry(t); err != nil {
		return fmt.Errorf("retry validation failed: %w", err)
	}
	if err := validateHeartbeat(t); err != nil {
		return fmt.Errorf("heartbeat validation failed: %w", err)
	}
	if t.EventBufferSize <= 0 {
		return fmt.Errorf("event buffer validation failed: size must be positive, got %d", t.EventBufferSize)
	}
	if t.PeerRetention < 0 {
		return fmt.Errorf("peer retention must be non-negative, got %v", t.PeerRetention)
	}
	if t.StopTimeout <= 0 || t.ShutdownTimeout <= 0 {
		return fmt.Errorf("stop and shutdown timeouts must be positive")
	}
	return nil
}

func validateRetry(t *TimingConfig) error {
	if t.RetryInterval < 0 {
		return fmt.Errorf("retry interval must be non-negative, got %v", t.RetryInterval)
	}
	switch t.RetryPolicy {
	case RetryConstant:
		return nil
	case RetryExponential:
		if t.RetryInterval == 0 {
			return fmt.Errorf("exponential retry needs a positive initial interval")
		}
		if t.RetryMultiplier < 1 {
			return fmt.Errorf("retry multiplier must be >= 1, got %v", t.RetryMultiplier)
		}
		if t.RetryMaxInterval < t.RetryInterval {
			return fmt.Errorf("retry max interval %v must be >= interval %v", t.RetryMaxInterval, t.RetryInterval)
		}
		if t.RetryJitter < 0 || t.RetryJitter >= 1 {
			return fmt.Errorf("retry jitter must be in [0,1), got %v", t.RetryJitter)
		}
		return nil
	default:
		return fmt.Errorf("unknown retry policy %q", t.RetryPolicy)
	}
}

func validateHeartbeat(t *TimingConfig) error {
	if t.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", t.HeartbeatInterval)
	}
	if t.HeartbeatJitter < 0 {
		return fmt.Errorf("heartbeat jitter must be non-negative, got %v", t.HeartbeatJitter)
	}
	if t.HeartbeatJitter > t.HeartbeatInterval/2 {
		return fmt.Errorf("heartbeat jitter %v exceeds 50%% of interval %v", t.HeartbeatJitter, t.HeartbeatInterval)
	}
	return nil
}

func validateRadio(r *RadioConfig) error {
	switch r.Transport {
	case TransportSim:
	case TransportUDP:
		if _, err := net.ResolveUDPAddr("udp4", r.Group); err != nil {
			return fmt.Errorf("invalid multicast group %q: %w", r.Group, err)
		}
		if r.BeaconInterval <= 0 {
			return fmt.Errorf("beacon interval must be positive, got %v", r.BeaconInterval)
		}
	default:
		return fmt.Errorf("unknown transport %q", r.Transport)
	}
	if r.ServiceUUID == "" {
		return fmt.Errorf("service uuid is required")
	}
	if r.PeerPrefix == "" {
		return fmt.Errorf("peer prefix is required")
	}
	return nil
}

func validateBackend(b *BackendConfig) error {
	u, err := url.Parse(b.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", b.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", b.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", b.URL)
	}
	if b.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", b.Timeout)
	}
	return nil
}

func validateAPI(a *APIConfig) error {
	if _, _, err := net.SplitHostPort(a.Addr); err != nil {
		return fmt.Errorf("invalid addr %q: %w", a.Addr, err)
	}
	if a.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("read header timeout must be positive")
	}
	if a.Auth.Enabled && a.Auth.HMACSecret == "" && a.Auth.JWKSURL == "" {
		return fmt.Errorf("auth enabled without hmacSecret or jwksURL")
	}
	return nil
}

func validateAudit(a *AuditConfig) error {
	if a.Dir == "" {
		return nil
	}
	if a.MaxSizeMB <= 0 {
		return fmt.Errorf("max size must be positive, got %d", a.MaxSizeMB)
	}
	if a.MaxBackups < 0 || a.MaxAgeDays < 0 {
		return fmt.Errorf("max backups and max age must be non-negative")
	}
	return nil
}

func validateLog(l *LogConfig) error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown level %q", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown format %q", l.Format)
	}
	return nil
}

func validateTracing(t *TracingConfig) error {
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("sample ratio must be in [0,1], got %v", t.SampleRatio)
	}
	return nil
}
