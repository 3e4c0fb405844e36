// Package sim is an in-memory radio. It records every transmitted frame and
// lets tests (or the sim driver in a dev setup) play the station side.
package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"wipush/internal/driver"
	"wipush/internal/wlan"
	logx "wipush/pkg/logx"
)

// Frame is one transmitted action frame.
type Frame struct {
	Freq int
	Dst  wlan.Addr
	Raw  []byte
	At   time.Time
}

// Body returns the action body after the 802.11 header.
func (f Frame) Body() []byte {
	_, body, err := wlan.ParseAction(f.Raw)
	if err != nil {
		return nil
	}
	return body
}

type captured struct {
	raw  []byte
	freq int
}

type Radio struct {
	bssid wlan.Addr
	freq  int
	log   logx.Logger

	mu      sync.Mutex
	assoc   map[wlan.Addr]bool
	failing map[wlan.Addr]error
	sent    []Frame
	notify  chan struct{}

	air       chan captured
	done      chan struct{}
	closeOnce sync.Once
}

func New(bssid wlan.Addr, freq int, log logx.Logger) *Radio {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Radio{
		bssid:   bssid,
		freq:    freq,
		log:     log,
		assoc:   map[wlan.Addr]bool{},
		failing: map[wlan.Addr]error{},
		notify:  make(chan struct{}, 1),
		air:     make(chan captured, 64),
		done:    make(chan struct{}),
	}
}

func (r *Radio) Frequency() int { return r.freq }

func (r *Radio) BSSID() wlan.Addr { return r.bssid }

func (r *Radio) SendAction(freq int, dst wlan.Addr, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failing[dst]; err != nil {
		return err
	}
	raw, err := wlan.BuildAction(dst, r.bssid, body)
	if err != nil {
		return err
	}
	r.sent = append(r.sent, Frame{Freq: freq, Dst: dst, Raw: raw, At: time.Now()})
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *Radio) IsAssociated(addr wlan.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assoc[addr]
}

func (r *Radio) Associate(addr wlan.Addr) {
	r.mu.Lock()
	r.assoc[addr] = true
	r.mu.Unlock()
}

func (r *Radio) Disassociate(addr wlan.Addr) {
	r.mu.Lock()
	delete(r.assoc, addr)
	r.mu.Unlock()
}

// Fail makes transmissions to addr return err. A nil err clears it.
func (r *Radio) Fail(addr wlan.Addr, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failing, addr)
		return
	}
	r.failing[addr] = err
}

// Sent returns a copy of everything transmitted so far.
func (r *Radio) Sent() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.sent...)
}

// Take returns and forgets everything transmitted so far.
func (r *Radio) Take() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

// WaitSent blocks until at least n frames have been transmitted since the
// last Take.
func (r *Radio) WaitSent(ctx context.Context, n int) ([]Frame, error) {
	for {
		if got := r.Sent(); len(got) >= n {
			return got, nil
		}
		select {
		case <-r.notify:
		case <-ctx.Done():
			return r.Sent(), ctx.Err()
		}
	}
}

// StationAction puts an action frame from sa on the air.
func (r *Radio) StationAction(sa wlan.Addr, body []byte) error {
	raw, err := wlan.BuildStationAction(sa, r.bssid, body)
	if err != nil {
		return err
	}
	return r.capture(raw)
}

// Probe puts a probe request from sa on the air, carrying the indicator
// element when withCheck is set.
func (r *Radio) Probe(sa wlan.Addr, check uint16, withCheck bool) error {
	var ies []byte
	if withCheck {
		ies = wlan.AppendIndicatorElement(nil, check)
	}
	raw, err := wlan.BuildProbeRequest(sa, ies)
	if err != nil {
		return err
	}
	return r.capture(raw)
}

func (r *Radio) capture(raw []byte) error {
	select {
	case <-r.done:
		return driver.ErrClosed
	default:
	}
	select {
	case <-r.done:
		return driver.ErrClosed
	case r.air <- captured{raw: raw, freq: r.freq}:
		return nil
	}
}

func (r *Radio) Run(ctx context.Context, rx driver.Receiver, post driver.Poster) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		case c := <-r.air:
			if err := driver.Deliver(ctx, post, rx, c.raw, c.freq); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (r *Radio) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

// ErrInjected is a convenience error for Fail.
var ErrInjected = errors.New("sim: injected transmit failure")

var _ driver.Radio = (*Radio)(nil)
