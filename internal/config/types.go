package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Interface InterfaceConfig `json:"interface"`
	Control   ControlConfig   `json:"control"`
	Delivery  DeliveryConfig  `json:"delivery"`

	Storage       *StorageConfig      `json:"storage,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile is a size-rotated log file. Zero values use lumberjack's
// defaults (100 MB, keep everything, no compression).
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// InterfaceConfig selects the radio.
//
// Driver values:
//   - "nl80211": the named wireless interface (linux, needs CAP_NET_ADMIN)
//   - "sim": an in-memory radio for development; BSSID names its address
//
// Changing this section takes effect on restart.
type InterfaceConfig struct {
	Name      string `json:"name"`
	Driver    string `json:"driver"`
	Frequency int    `json:"frequency,omitempty"` // MHz; 0 reads it from the interface
	BSSID     string `json:"bssid,omitempty"`     // sim only
}

// ControlConfig configures the control socket <dir>/notification.
//
// Changing this section takes effect on restart.
type ControlConfig struct {
	Dir string `json:"dir"`
	// ErrorThreshold is how many consecutive failed telemetry sends detach
	// the monitor. Default 10.
	ErrorThreshold int    `json:"error_threshold,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"` // Go duration; default 100ms
	MaxCommandSize int    `json:"max_command_size,omitempty"`
}

// DeliveryConfig holds the startup delivery settings. The control commands
// SETTIME, SETNODETIME and CHECK_FAST change them at runtime; a reload of
// this section overrides whatever they set.
//
// FastDelivery is a pointer so an omitted key keeps the default (on).
type DeliveryConfig struct {
	FastDelivery     *bool  `json:"fast_delivery,omitempty"`
	IndicatorTimeout string `json:"indicator_timeout,omitempty"` // default 1000ms
	NodeTimeout      string `json:"node_timeout,omitempty"`      // default 500s
	MaxPayload       int    `json:"max_payload,omitempty"`       // default and ceiling 2047
}

// StorageConfig enables the activity journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "/var/lib/wipush/journal.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ObservabilityConfig controls the debug HTTP server: /metrics, /healthz and
// optionally pprof under /debug/pprof/.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9477").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9477"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}
