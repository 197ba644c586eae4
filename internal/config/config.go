package config

import (
	"time"
)

// Radio transports.
const (
	TransportSim = "sim"
	TransportUDP = "udp"
)

// Config is the complete daemon configuration.
type Config struct {
	Identity IdentityConfig `yaml:"identity"`
	Radio    RadioConfig    `yaml:"radio"`
	Backend  BackendConfig  `yaml:"backend"`
	Timing   TimingConfig   `yaml:"timing"`
	API      APIConfig      `yaml:"api"`
	Audit    AuditConfig    `yaml:"audit"`
	Log      LogConfig      `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// IdentityConfig sets the local identity. Empty generates User-<n>.
type IdentityConfig struct {
	ID string `yaml:"id" env:"MOSAIC_ID"`
}

// RadioConfig selects and tunes the radio transport.
type RadioConfig struct {
	Transport   string `yaml:"transport" env:"MOSAIC_RADIO_TRANSPORT"`
	ServiceUUID string `yaml:"serviceUUID" env:"MOSAIC_RADIO_SERVICE_UUID"`
	PeerPrefix  string `yaml:"peerPrefix" env:"MOSAIC_RADIO_PEER_PREFIX"`

	// udp transport
	Group          string        `yaml:"group" env:"MOSAIC_RADIO_GROUP"`
	Interface      string        `yaml:"interface" env:"MOSAIC_RADIO_INTERFACE"`
	BeaconInterval time.Duration `yaml:"beaconInterval" env:"MOSAIC_RADIO_BEACON_INTERVAL"`

	// sim transport: identities advertised by simulated neighbours
	SimPeers []string `yaml:"simPeers" env:"MOSAIC_RADIO_SIM_PEERS" envSeparator:","`
}

// BackendConfig points at the validation service.
type BackendConfig struct {
	URL     string        `yaml:"url" env:"MOSAIC_BACKEND_URL"`
	Timeout time.Duration `yaml:"timeout" env:"MOSAIC_BACKEND_TIMEOUT"`
}

// APIConfig configures the control API listener.
type APIConfig struct {
	Addr              string        `yaml:"addr" env:"MOSAIC_API_ADDR"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout" env:"MOSAIC_API_READ_HEADER_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idleTimeout" env:"MOSAIC_API_IDLE_TIMEOUT"`
	Autostart         bool          `yaml:"autostart" env:"MOSAIC_API_AUTOSTART"`
	Auth              AuthConfig    `yaml:"auth"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Enabled    bool   `yaml:"enabled" env:"MOSAIC_AUTH_ENABLED"`
	HMACSecret string `yaml:"hmacSecret" env:"MOSAIC_AUTH_HMAC_SECRET"`
	JWKSURL    string `yaml:"jwksURL" env:"MOSAIC_AUTH_JWKS_URL"`
	Issuer     string `yaml:"issuer" env:"MOSAIC_AUTH_ISSUER"`
	Audience   string `yaml:"audience" env:"MOSAIC_AUTH_AUDIENCE"`
}

// AuditConfig configures the rotating audit trail. Empty Dir disables it.
type AuditConfig struct {
	Dir        string `yaml:"dir" env:"MOSAIC_AUDIT_DIR"`
	MaxSizeMB  int    `yaml:"maxSizeMB" env:"MOSAIC_AUDIT_MAX_SIZE_MB"`
	MaxBackups int    `yaml:"maxBackups" env:"MOSAIC_AUDIT_MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"maxAgeDays" env:"MOSAIC_AUDIT_MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" env:"MOSAIC_AUDIT_COMPRESS"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"MOSAIC_LOG_LEVEL"`
	Format string `yaml:"format" env:"MOSAIC_LOG_FORMAT"`
}

// TracingConfig configures OTLP export. Empty Endpoint disables it.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" env:"MOSAIC_OTEL_ENDPOINT"`
	Insecure    bool    `yaml:"insecure" env:"MOSAIC_OTEL_INSECURE"`
	ServiceName string  `yaml:"serviceName" env:"MOSAIC_OTEL_SERVICE_NAME"`
	SampleRatio float64 `yaml:"sampleRatio" env:"MOSAIC_OTEL_SAMPLE_RATIO"`
}

// Defaults returns the baseline configuration.
func Defaults() *Config {
	return &Config{
		Radio: RadioConfig{
			Transport:      TransportSim,
			ServiceUUID:    "12345678-1234-5678-1234-56789abc0001",
			PeerPrefix:     "User-",
			Group:          "239.255.77.77:47999",
			BeaconInterval: time.Second,
		},
		Backend: BackendConfig{
			URL:     "http://localhost:8000",
			Timeout: 10 * time.Second,
		},
		Timing: *LoadTimingBaseline(),
		API: APIConfig{
			Addr:              "127.0.0.1:8080",
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
			Autostart:         true,
		},
		Audit: AuditConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "mosaicd",
			SampleRatio: 1.0,
		},
	}
}
