package app

import (
	"fmt"
	"strings"
	"time"

	"wipush/internal/config"
	"wipush/internal/ctrl"
	"wipush/internal/observability"
	"wipush/internal/relay"
	"wipush/internal/storage"
	logx "wipush/pkg/logx"
)

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := config.ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	f := cfg.Logging.File
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    f.Enabled,
			Path:       f.Path,
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAgeDays,
			Compress:   f.Compress,
		},
	}
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	rc := relay.DefaultConfig()
	d := cfg.Delivery
	rc.FastDelivery = d.Fast()

	var err error
	if rc.IndicatorTimeout, err = parseDurationOrDefault("delivery.indicator_timeout", d.IndicatorTimeout, rc.IndicatorTimeout); err != nil {
		return relay.Config{}, err
	}
	if rc.NodeTimeout, err = parseDurationOrDefault("delivery.node_timeout", d.NodeTimeout, rc.NodeTimeout); err != nil {
		return relay.Config{}, err
	}
	if d.MaxPayload > 0 {
		rc.MaxPayload = d.MaxPayload
	}
	return rc, nil
}

func mapControlConfig(cfg *config.Config) (ctrl.Config, error) {
	cc := ctrl.DefaultConfig()
	c := cfg.Control
	if dir := strings.TrimSpace(c.Dir); dir != "" {
		cc.Dir = dir
	}
	if c.ErrorThreshold > 0 {
		cc.ErrorThreshold = c.ErrorThreshold
	}
	if c.MaxCommandSize > 0 {
		cc.MaxCommandSize = c.MaxCommandSize
	}
	var err error
	if cc.SendTimeout, err = parseDurationOrDefault("control.send_timeout", c.SendTimeout, cc.SendTimeout); err != nil {
		return ctrl.Config{}, err
	}
	return cc, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	o := cfg.Observability
	read, err := parseDurationOrDefault("observability.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	idle, err := parseDurationOrDefault("observability.idle_timeout", o.IdleTimeout, time.Minute)
	if err != nil {
		return observability.Config{}, err
	}
	return observability.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}

// validateMapped rejects configs that validate field by field but cannot be
// turned into component settings.
func validateMapped(cfg *config.Config) error {
	if _, err := mapRelayConfig(cfg); err != nil {
		return err
	}
	if _, err := mapControlConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err := mapObservabilityConfig(cfg)
	return err
}

// CheckConfig loads and validates the file at path without starting
// anything.
func CheckConfig(path string) error {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return err
	}
	return validateMapped(cfg)
}
