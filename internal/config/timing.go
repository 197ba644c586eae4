package config

import (
	"time"
)

// Retry policies.
const (
	RetryConstant    = "constant"
	RetryExponential = "exponential"
)

// TimingConfig holds loop cadence, telemetry and shutdown timing.
type TimingConfig struct {
	// Retry between failed scan/validate rounds
	RetryPolicy      string        `yaml:"retryPolicy" env:"MOSAIC_TIMING_RETRY_POLICY"`
	RetryInterval    time.Duration `yaml:"retryInterval" env:"MOSAIC_TIMING_RETRY_INTERVAL"`
	RetryMaxInterval time.Duration `yaml:"retryMaxInterval" env:"MOSAIC_TIMING_RETRY_MAX_INTERVAL"`
	RetryMultiplier  float64       `yaml:"retryMultiplier" env:"MOSAIC_TIMING_RETRY_MULTIPLIER"`
	RetryJitter      float64       `yaml:"retryJitter" env:"MOSAIC_TIMING_RETRY_JITTER"`

	// Telemetry stream
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" env:"MOSAIC_TIMING_HEARTBEAT_INTERVAL"`
	HeartbeatJitter   time.Duration `yaml:"heartbeatJitter" env:"MOSAIC_TIMING_HEARTBEAT_JITTER"`
	EventBufferSize   int           `yaml:"eventBufferSize" env:"MOSAIC_TIMING_EVENT_BUFFER_SIZE"`

	// Peer registry retention; zero keeps peers forever
	PeerRetention time.Duration `yaml:"peerRetention" env:"MOSAIC_TIMING_PEER_RETENTION"`

	// Control call timeouts
	StopTimeout     time.Duration `yaml:"stopTimeout" env:"MOSAIC_TIMING_STOP_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"MOSAIC_TIMING_SHUTDOWN_TIMEOUT"`
}

// LoadTimingBaseline returns the baseline timing values.
func LoadTimingBaseline() *TimingConfig {
	return &TimingConfig{
		RetryPolicy:      RetryConstant,
		RetryInterval:    1 * time.Second,
		RetryMaxInterval: 30 * time.Second,
		RetryMultiplier:  2.0,
		RetryJitter:      0.2,

		HeartbeatInterval: 15 * time.Second,
		HeartbeatJitter:   2 * time.Second,
		EventBufferSize:   50,

		PeerRetention: 1 * time.Hour,

		StopTimeout:     5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}
