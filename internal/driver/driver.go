// Package driver defines the radio boundary of the relay.
//
// A Radio transmits action frames for the engine and captures frames from
// stations. Captured frames are handed to a Receiver through a Poster so the
// engine only ever sees them on its own goroutine.
package driver

import (
	"context"
	"errors"

	"wipush/internal/relay"
)

var ErrClosed = errors.New("driver: closed")

// Receiver consumes captured management frames.
type Receiver interface {
	// HandleFrame takes a raw action frame captured on freq.
	HandleFrame(raw []byte, freq int)
	// HandleProbe takes a raw probe request.
	HandleProbe(raw []byte)
}

type Poster interface {
	Post(ctx context.Context, fn func()) error
}

type Radio interface {
	relay.Driver
	// Run captures frames and posts them to rx until ctx ends or the radio
	// fails.
	Run(ctx context.Context, rx Receiver, post Poster) error
	Close() error
}

// Deliver posts one captured frame to rx. Probe requests go to HandleProbe,
// everything else to HandleFrame.
func Deliver(ctx context.Context, post Poster, rx Receiver, raw []byte, freq int) error {
	if len(raw) > 0 && raw[0] == FrameControlProbeRequest {
		return post.Post(ctx, func() { rx.HandleProbe(raw) })
	}
	return post.Post(ctx, func() { rx.HandleFrame(raw, freq) })
}

// First frame-control byte of the management subtypes the relay captures.
const (
	FrameControlProbeRequest byte = 0x40
	FrameControlAction       byte = 0xd0
)
