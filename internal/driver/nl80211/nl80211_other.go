//go:build !linux

package nl80211

import (
	"errors"

	"wipush/internal/driver"
	logx "wipush/pkg/logx"
)

var ErrUnsupported = errors.New("nl80211: only available on linux")

type Config struct {
	Interface string
	Frequency int
}

// Open always fails off linux.
func Open(Config, logx.Logger) (driver.Radio, error) {
	return nil, ErrUnsupported
}
