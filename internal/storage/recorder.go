package storage

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"wipush/internal/ctrl"
	"wipush/internal/eventbus"
	"wipush/internal/relay"
	logx "wipush/pkg/logx"
)

// Recorder copies relay and control bus events into a Store.
type Recorder struct {
	st   Store
	bus  eventbus.Bus
	log  logx.Logger
	warn rate.Sometimes

	appendTimeout time.Duration
}

func NewRecorder(st Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		st:            st,
		bus:           bus,
		log:           log,
		warn:          rate.Sometimes{First: 1, Interval: time.Minute},
		appendTimeout: time.Second,
	}
}

// Run records events until ctx ends. Events the bus drops while the store is
// slow are lost.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsubscribe := r.bus.Subscribe(512, "relay.", "ctrl.")
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			rec, ok := RecordOf(ev)
			if !ok {
				continue
			}
			actx, cancel := context.WithTimeout(ctx, r.appendTimeout)
			err := r.st.Append(actx, rec)
			cancel()
			if err != nil && ctx.Err() == nil {
				r.warn.Do(func() { r.log.Warn("journal append failed", logx.Err(err)) })
			}
		}
	}
}

// RecordOf maps a bus event to a journal record.
func RecordOf(ev eventbus.Event) (Record, bool) {
	rec := Record{At: ev.Time, Topic: ev.Type}
	switch d := ev.Data.(type) {
	case relay.Event:
		rec.Addr = d.Addr.String()
		rec.MID = d.MID
		rec.Type = uint8(d.Type)
		rec.Size = len(d.Payload)
		if ev.Type == relay.TopicQueued || ev.Type == relay.TopicResponse {
			rec.Payload = string(d.Payload)
		}
	case ctrl.PeerEvent:
		rec.Addr = d.Addr
		rec.Note = d.Reason
	default:
		return rec, false
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	return rec, true
}
