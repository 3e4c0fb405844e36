package app

import (
	"fmt"
	"strings"

	"wipush/internal/config"
	"wipush/internal/driver"
	"wipush/internal/driver/nl80211"
	"wipush/internal/driver/sim"
	"wipush/internal/wlan"
	logx "wipush/pkg/logx"
)

const (
	defaultSimBSSID     = "02:00:00:00:00:01"
	defaultSimFrequency = 2412
)

// openRadio opens the driver named by the interface section.
func openRadio(ic config.InterfaceConfig, log logx.Logger) (driver.Radio, error) {
	switch strings.ToLower(strings.TrimSpace(ic.Driver)) {
	case "sim":
		raw := ic.BSSID
		if raw == "" {
			raw = defaultSimBSSID
		}
		bssid, err := wlan.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("interface.bssid: %w", err)
		}
		freq := ic.Frequency
		if freq == 0 {
			freq = defaultSimFrequency
		}
		log.Warn("using simulated radio; no frames reach the air", logx.Stringer("bssid", bssid), logx.Int("freq", freq))
		return sim.New(bssid, freq, log), nil
	case "nl80211":
		r, err := nl80211.Open(nl80211.Config{Interface: ic.Name, Frequency: ic.Frequency}, log)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", ic.Name, err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown interface.driver: %s", ic.Driver)
	}
}
