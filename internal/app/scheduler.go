package app

import (
	"time"

	"wipush/internal/relay"
	"wipush/internal/runtime/eloop"
)

// loopScheduler arms relay timers on the event loop so their callbacks run
// on the engine's goroutine.
type loopScheduler struct{ loop *eloop.Loop }

func (s loopScheduler) AfterFunc(d time.Duration, fn func()) relay.Timer {
	return s.loop.AfterFunc(d, fn)
}

var _ relay.Scheduler = loopScheduler{}
