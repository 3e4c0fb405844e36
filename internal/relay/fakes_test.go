package relay

import (
	"time"

	"wipush/internal/wlan"
)

type sentFrame struct {
	Dst   wlan.Addr
	Freq  int
	Frame wlan.Frame
}

type fakeDriver struct {
	assoc map[wlan.Addr]bool
	fail  map[wlan.Addr]error
	sent  []sentFrame
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{assoc: map[wlan.Addr]bool{}, fail: map[wlan.Addr]error{}}
}

func (d *fakeDriver) Frequency() int { return 2412 }

func (d *fakeDriver) SendAction(freq int, dst wlan.Addr, body []byte) error {
	f, err := wlan.Decode(append([]byte(nil), body...))
	if err != nil {
		panic("engine produced undecodable frame: " + err.Error())
	}
	d.sent = append(d.sent, sentFrame{Dst: dst, Freq: freq, Frame: f})
	return d.fail[dst]
}

func (d *fakeDriver) IsAssociated(a wlan.Addr) bool { return d.assoc[a] }

func (d *fakeDriver) frames(dst wlan.Addr, kind wlan.Kind) []wlan.Frame {
	var out []wlan.Frame
	for _, s := range d.sent {
		if s.Dst == dst && s.Frame.Kind == kind {
			out = append(out, s.Frame)
		}
	}
	return out
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// manualScheduler fires timers only when the test says so.
type manualScheduler struct {
	timers []*fakeTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	t := &fakeTimer{d: d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) armed() []*fakeTimer {
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (s *manualScheduler) fireAll() {
	for _, t := range s.armed() {
		t.fired = true
		t.fn()
	}
}

type recorder struct {
	events []Event
}

func (r *recorder) Emit(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) kinds() []EventKind {
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

var (
	staA = wlan.Addr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	staB = wlan.Addr{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}
)

type harness struct {
	eng   *Engine
	drv   *fakeDriver
	sched *manualScheduler
	tel   *recorder
}

func newHarness(cfg Config) *harness {
	h := &harness{drv: newFakeDriver(), sched: &manualScheduler{}, tel: &recorder{}}
	h.eng = New(cfg, h.drv, h.sched, WithTelemetry(h.tel))
	return h
}
