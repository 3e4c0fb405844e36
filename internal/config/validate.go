package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// MaxPayload is the largest message the frame format can carry.
const MaxPayload = 2047

// Validate checks everything that can be checked without touching the
// system. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Interface.Driver)); d {
	case "nl80211":
		if strings.TrimSpace(c.Interface.Name) == "" {
			add(errors.New("interface.name is required for the nl80211 driver"))
		}
	case "sim":
		if c.Interface.BSSID != "" {
			if _, err := net.ParseMAC(c.Interface.BSSID); err != nil {
				add(fmt.Errorf("interface.bssid: %w", err))
			}
		}
	default:
		add(fmt.Errorf("interface.driver: unknown driver %q (want nl80211 or sim)", c.Interface.Driver))
	}
	if c.Interface.Frequency < 0 {
		add(errors.New("interface.frequency must be >= 0"))
	}

	if strings.TrimSpace(c.Control.Dir) == "" {
		add(errors.New("control.dir is required"))
	}
	if c.Control.ErrorThreshold < 0 {
		add(errors.New("control.error_threshold must be >= 0"))
	}
	_, err := ParseDurationField("control.send_timeout", c.Control.SendTimeout)
	add(err)

	_, err = ParseDurationField("delivery.indicator_timeout", c.Delivery.IndicatorTimeout)
	add(err)
	if d, err := ParseDurationField("delivery.node_timeout", c.Delivery.NodeTimeout); err != nil {
		add(err)
	} else if c.Delivery.NodeTimeout != "" && d == 0 {
		add(errors.New("delivery.node_timeout must be > 0"))
	}
	if c.Delivery.MaxPayload < 0 || c.Delivery.MaxPayload > MaxPayload {
		add(fmt.Errorf("delivery.max_payload must be within 0..%d", MaxPayload))
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path is required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	if o := c.Observability; o.Enabled {
		_, err = ParseDurationField("observability.read_timeout", o.ReadTimeout)
		add(err)
		_, err = ParseDurationField("observability.idle_timeout", o.IdleTimeout)
		add(err)
	}

	return errors.Join(errs...)
}
