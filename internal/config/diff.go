package config

import (
	"reflect"
	"strings"

	logx "wipush/pkg/logx"
)

// Change lists which sections differ between two configs.
type Change struct {
	Logging       bool
	Delivery      bool
	Observability bool
	// Restart names sections whose changes only apply after a restart.
	Restart []string
}

func (c Change) Any() bool {
	return c.Logging || c.Delivery || c.Observability || len(c.Restart) > 0
}

// Sections returns the changed section names in a stable order.
func (c Change) Sections() []string {
	var out []string
	if c.Logging {
		out = append(out, "logging")
	}
	if c.Delivery {
		out = append(out, "delivery")
	}
	if c.Observability {
		out = append(out, "observability")
	}
	return append(out, c.Restart...)
}

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	ch.Logging = !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging)
	ch.Delivery = !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery)
	ch.Observability = !reflect.DeepEqual(oldCfg.Observability, newCfg.Observability)
	if !reflect.DeepEqual(oldCfg.Interface, newCfg.Interface) {
		ch.Restart = append(ch.Restart, "interface")
	}
	if !reflect.DeepEqual(oldCfg.Control, newCfg.Control) {
		ch.Restart = append(ch.Restart, "control")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		ch.Restart = append(ch.Restart, "storage")
	}
	return ch
}

// SummaryFields returns safe structured attrs describing the new values of
// the changed sections. Tokens are never included.
func SummaryFields(ch Change, cfg *Config) []logx.Field {
	if cfg == nil {
		return nil
	}
	fields := []logx.Field{logx.String("sections", strings.Join(ch.Sections(), ","))}
	if ch.Logging {
		fields = append(fields,
			logx.String("logging.level", cfg.Logging.Level),
			logx.Bool("logging.console", cfg.Logging.Console),
			logx.Bool("logging.file_enabled", cfg.Logging.File.Enabled),
		)
	}
	if ch.Delivery {
		fast := cfg.Delivery.FastDelivery == nil || *cfg.Delivery.FastDelivery
		fields = append(fields,
			logx.Bool("delivery.fast_delivery", fast),
			logx.String("delivery.indicator_timeout", cfg.Delivery.IndicatorTimeout),
			logx.String("delivery.node_timeout", cfg.Delivery.NodeTimeout),
			logx.Int("delivery.max_payload", cfg.Delivery.MaxPayload),
		)
	}
	if ch.Observability {
		fields = append(fields,
			logx.Bool("observability.enabled", cfg.Observability.Enabled),
			logx.String("observability.addr", strings.TrimSpace(cfg.Observability.Addr)),
			logx.Bool("observability.token_set", strings.TrimSpace(cfg.Observability.Token) != ""),
			logx.Bool("observability.pprof", cfg.Observability.Pprof),
		)
	}
	if len(ch.Restart) > 0 {
		fields = append(fields, logx.String("restart_required", strings.Join(ch.Restart, ",")))
	}
	return fields
}
