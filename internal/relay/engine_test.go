package relay

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wipush/internal/eventbus"
	"wipush/internal/wlan"
)

func TestUnicastWaitsForActivity(t *testing.T) {
	t.Parallel()
	h := newHarness(DefaultConfig())

	mid, err := h.eng.Push(PushRequest{Addr: staA, Type: wlan.NoResponse, Payload: []byte("hello")})
	require.NoError(t, err)
	assert.EqualValues(t, 1, mid)
	assert.Empty(t, h.drv.sent, "station is not associated yet")

	info, ok := h.eng.Node(staA)
	require.True(t, ok)
	assert.Equal(t, []uint32{1}, info.Pending)

	h.eng.Activity(staA, 0)

	got := h.drv.frames(staA, wlan.KindNotification)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", string(got[0].Payload))
	assert.Equal(t, wlan.NoResponse, got[0].Type)
	assert.False(t, got[0].HasCheck)

	ind := h.drv.frames(staA, wlan.KindIndicator)
	require.Len(t, ind, 1)
	assert.EqualValues(t, 1000, ind[0].Timeout)

	info, _ = h.eng.Node(staA)
	assert.Empty(t, info.Pending)
	assert.True(t, info.Computed)
	assert.Equal(t, []EventKind{EventNewNode, EventSent}, h.tel.kinds())
	assert.EqualValues(t, 1, h.tel.events[1].MID)
	assert.Equal(t, 2412, h.drv.sent[0].Freq)
}

func TestUnicastToAssociatedStationGoesOutAtOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(DefaultConfig())
	h.drv.assoc[staA] = true

	_, err := h.eng.Push(PushRequest{Addr: staA, Type: wlan.WaitResponse, Payload: []byte("now")})
	require.NoError(t, err)

	got := h.drv.frames(staA, wlan.KindNotification)
	require.Len(t, got, 1)
	assert.Equal(t, wlan.WaitResponse, got[0].Type)
	assert.Zero(t, h.eng.Stats().Queued)
}

func TestUnicastConsumedEvenWhenDriverFails(t *testing.T) {
	t.Parallel()
	h := newHarness(DefaultConfig())
	h.drv.fail[staA] = errors.New("tx refused")

	_, err := h.eng.Push(PushRequest{Addr: staA, Payload: []byte("lost")})
	require.NoError(t, err)
	h.eng.Activity(staA, 0)

	info, _ := h.eng.Node(staA)
	assert.Empty(t, info.Pending)
	assert.Len(t, h.drv.frames(staA, wlan.KindNotification), 1)

	h.eng.Activity(staA, 0)
	assert.Len(t, h.drv.frames(staA, wlan.KindNotification), 1)
}

func TestBroadcastWatermark(t *testing.T) {
	t.Parallel()
	h := newHarness(DefaultConfig())

	_, err := h.eng.Push(PushRequest{Addr: staB, Payload: []byte("hello")})
	require.NoError(t, err)
	mid, err := h.eng.Push(PushRequest{Addr: wlan.Broadcast, Payload: []byte("all")})
	require.NoError(t, err)
	assert.EqualValues(t, 2, mid)

	h.eng.Activity(staA, 0)
	info, _ := h.eng.Node(staA)
	assert.EqualValues(t, 2, info.LastBroadcastMID)
	got := h.drv.frames(staA, wlan.KindNotification)
	require.Len(t, got, 1)
	assert.Equal(t, "all", string(got[0].Payload))
	assert.True(t, got[0].HasCheck)

	h.eng.Activity(staA, 0)
	assert.Len(t, h.drv.frames(staA, wlan.KindNotification), 1, "second activity delivers nothing new")
	assert.Equal(t, 1, h.eng.Stats().Broadcast, "broadcast stays retained")
}

func TestBroadcastCarriesProbeCheck(t *testing.T) {
	t.Parallel()
	h := newHarness(DefaultConfig())

	_, err := h.eng.Push(PushRequest{Addr: wlan.Broadcast, Payload: []byte("all")})
	require.NoError(t, err)

	ies := wlan.AppendIndicatorElement([]byte{0, 0}, 0x0102)
	raw, err := wlan.BuildProbeRequest(staA, ies)
	require.NoError(t, err)
	h.eng.HandleProbe(raw)

	got := h.drv.frames(staA, wlan.KindNotification)
	require.Len(t, got, 1)
	assert.EqualValues(t, 0x0102, got[0].Check)
}

func TestBroadcastFanOut(t *testing.T) {
	t.Parallel()
	h := newHarness(DefaultConfig())
	h.drv.assoc[staA] = true
	h.drv.assoc[staB] = true
	h.eng.Activity(staA, 0)
	h.eng.Activity(staB, 0)
	h.drv.fail[staB] = errors.New("busy")

	mid, err := h.eng.Push(PushRequest{Addr: wlan.Broadcast, Payload: []byte("all")})
	require.NoError(t, err)

	a, _ := h.eng.Node(staA)
	b, _ := h.eng.Node(staB)
	assert.Equal(t, mid, a.LastBroadcastMID)
	assert.Zero(t, b.LastBroadcastMID, "failed send leaves the watermark alone")

	delete(h.drv.fail, staB)
	h.eng.Activity(staB, 0)
	b, _ = h.eng.Node(staB)
	assert.Equal(t, mid, b.LastBroadcastMID)
	assert.Len(t, h.drv.frames(staB, wlan.KindNotification), 2)

	h.eng.Activity(staA, 0)
	assert.Len(t, h.drv.frames(staA, wlan.KindNotification), 1)
}

func TestMIDsStrictlyIncrease(t *testing.T) {
	t.Parallel()
	h := newHarness(DefaultConfig())

	var last uint32
	for i := 0; i < 20; i++ {
		addr := staA
		if i%3 == 0 {
			addr = wlan.Broadcast
		}
		mid, err := h.eng.Push(PushRequest{Addr: addr, Payload: []byte{'x'}})
		require.NoError(t, err)
		require.Greater(t, mid, last)
		last = mid
		if i == 10 {
			h.eng.FlushAll(false)
		}
	}
}

func TestBroadcastAcrossMIDWrap(t *testing.T) {
	t.Parallel()
	h := newHarness(DefaultConfig())
	h.eng.nextMID = 0xffffffff

	last, err := h.eng.Push(PushRequest{Addr: wlan.Broadcast, Payload: []byte("last")})
	require.NoError(t, err)
	assert.EqualValues(t, 0xffffffff, last)
	h.eng.Activity(staA, 0)
	require.Len(t, h.drv.frames(staA, wlan.KindNotification), 1)

	first, err := h.eng.Push(PushRequest{Addr: wlan.Broadcast, Payload: []byte("wrapped")})
	require.NoError(t, err)
	assert.EqualValues(t, 1, first)

	h.eng.Activity(staA, 0)
	got := h.drv.frames(staA, wlan.KindNotification)
	require.Len(t, got, 2)
	assert.Equal(t, "wrapped", string(got[1].Payload))
	info, _ := h.eng.Node(staA)
	assert.EqualValues(t, 1, info.LastBroadcastMID)

	h.eng.Activity(staA, 0)
	assert.Len(t, h.drv.frames(staA, wlan.KindNotification), 2)
}

func TestDeleteBroadcast(t *testing.T) {
	t.Parallel()
	h := newHarness(DefaultConfig())

	mid, err := h.eng.Push(PushRequest{Addr: wlan.Broadcast, Payload: []byte("all"), Expiry: time.Minute})
	require.NoError(t, err)
	require.Len(t, h.sched.armed(), 1)

	err = h.eng.DeleteBroadcast(mid + 100)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, h.eng.Stats().Broadcast)

	require.NoError(t, h.eng.DeleteBroadcast(mid))
	assert.Zero(t, h.eng.Stats().Broadcast)
	assert.Empty(t, h.sched.armed(), "expiry timer is cancelled")
	assert.ErrorIs(t, h.eng.DeleteBroadcast(mid), ErrNotFound)
}

func TestBroadcastExpiry(t *testing.T) {
	t.Parallel()
	h := newHarness(DefaultConfig())

	_, err := h.eng.Push(PushRequest{Addr: wlan.Broadcast, Payload: []byte("soon gone"), Expiry: 30 * time.Second})
	require.NoError(t, err)
	armed := h.sched.armed()
	require.Len(t, armed, 1)
	assert.Equal(t, 30*time.Second, armed[0].d)

	h.sched.fireAll()
	assert.Zero(t, h.eng.Stats().Broadcast)

	h.eng.Activity(staA, 0)
	assert.Empty(t, h.drv.frames(staA, wlan.KindNotification))
}

func TestFlushAllKeepsNodes(t *testing.T) {
	t.Parallel()
	h := newHarness(DefaultConfig())

	_, _ = h.eng.Push(PushRequest{Addr: wlan.Broadcast, Payload: []byte("b1"), Expiry: time.Hour})
	h.eng.Activity(staA, 0)
	_, _ = h.eng.Push(PushRequest{Addr: staA, Payload: []byte("u")})
	_, _ = h.eng.Push(PushRequest{Addr: staB, Payload: []byte("u")})

	h.eng.FlushAll(false)

	st := h.eng.Stats()
	assert.Zero(t, st.Queued)
	assert.Zero(t, st.Broadcast)
	assert.Equal(t, 2, st.Stations)

	a, ok := h.eng.Node(staA)
	require.True(t, ok)
	assert.EqualValues(t, 1, a.LastBroadcastMID)
	assert.True(t, a.Computed)

	h.eng.FlushAll(true)
	assert.Zero(t, h.eng.Stats().Stations)
	_, ok = h.eng.Node(staA)
	assert.False(t, ok)
	assert.Empty(t, h.sched.armed())
}

func TestEviction(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.NodeTimeout = 10 * time.Second
	h := newHarness(cfg)

	_, _ = h.eng.Push(PushRequest{Addr: wlan.Broadcast, Payload: []byte("b")})
	h.eng.Activity(staA, 0)
	info, _ := h.eng.Node(staA)
	assert.True(t, info.EvictionArmed)

	// Re-activity replaces the timer rather than stacking another.
	h.eng.Activity(staA, 0)
	armed := h.sched.armed()
	require.Len(t, armed, 1)
	assert.Equal(t, 10*time.Second, armed[0].d)

	h.sched.fireAll()
	_, ok := h.eng.Node(staA)
	assert.False(t, ok)
	assert.Equal(t, EventOldNode, h.tel.events[len(h.tel.events)-1].Kind)

	// A fresh node forgets the watermark, so the broadcast goes out again.
	h.eng.Activity(staA, 0)
	assert.Len(t, h.drv.frames(staA, wlan.KindNotification), 2)
}

func TestEvictionSparesAssociatedStation(t *testing.T) {
	t.Parallel()
	h := newHarness(DefaultConfig())

	h.eng.Activity(staA, 0)
	h.drv.assoc[staA] = true
	h.sched.fireAll()

	_, ok := h.eng.Node(staA)
	assert.True(t, ok)
	assert.False(t, h.eng.DeleteNode(staA))

	h.eng.Activity(staA, 0)
	assert.Empty(t, h.sched.armed(), "associated stations have no eviction timer")

	h.drv.assoc[staA] = false
	assert.True(t, h.eng.DeleteNode(staA))
	assert.False(t, h.eng.DeleteNode(wlan.Broadcast))
}

func TestPushValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(DefaultConfig())

	_, err := h.eng.Push(PushRequest{Addr: staA})
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = h.eng.Push(PushRequest{Addr: staA, Payload: []byte(strings.Repeat("x", wlan.MaxPayload+1))})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = h.eng.Push(PushRequest{Addr: staA, Type: 2, Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrBadMessageType)

	mid, err := h.eng.Push(PushRequest{Addr: staA, Payload: []byte(strings.Repeat("x", wlan.MaxPayload))})
	require.NoError(t, err)
	assert.EqualValues(t, 1, mid, "rejected pushes do not consume ids")
}

func TestFastDeliveryOff(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.FastDelivery = false
	h := newHarness(cfg)

	h.eng.Activity(staA, 0)
	assert.Empty(t, h.drv.frames(staA, wlan.KindIndicator))

	h.eng.SetFastDelivery(true)
	h.eng.SetIndicatorTimeout(250 * time.Millisecond)
	h.eng.Activity(staB, 0)
	ind := h.drv.frames(staB, wlan.KindIndicator)
	require.Len(t, ind, 1)
	assert.EqualValues(t, 250, ind[0].Timeout)
}

func TestHandleFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(DefaultConfig())
	bssid := wlan.Addr{0x02, 0, 0, 0, 0, 1}

	_, _ = h.eng.Push(PushRequest{Addr: staA, Type: wlan.WaitResponse, Payload: []byte("ping?")})

	req, err := wlan.BuildStationAction(staA, bssid, wlan.AppendRequest(nil, true))
	require.NoError(t, err)
	h.eng.HandleFrame(req, 2412)
	require.Len(t, h.drv.frames(staA, wlan.KindNotification), 1)

	resp, err := wlan.BuildStationAction(staA, bssid, wlan.AppendResponse(nil, 1, []byte("pong"), false))
	require.NoError(t, err)
	h.eng.HandleFrame(resp, 2412)

	last := h.tel.events[len(h.tel.events)-1]
	assert.Equal(t, EventResponse, last.Kind)
	assert.Equal(t, staA, last.Addr)
	assert.EqualValues(t, 1, last.MID)
	assert.Equal(t, "pong", string(last.Payload))

	n := len(h.tel.events)
	h.eng.HandleFrame(resp[:len(resp)-1], 2412)
	h.eng.HandleAction(staA, []byte{7, 1, 2}, 2412)
	assert.Len(t, h.tel.events, n, "malformed frames are dropped")
}

func TestBusAndMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	h := &harness{drv: newFakeDriver(), sched: &manualScheduler{}, tel: &recorder{}}
	h.eng = New(DefaultConfig(), h.drv, h.sched, WithTelemetry(h.tel), WithBus(bus), WithMetrics(m))

	_, _ = h.eng.Push(PushRequest{Addr: staA, Payload: []byte("x")})
	_, _ = h.eng.Push(PushRequest{Addr: staA})
	h.eng.Activity(staA, 0)

	assert.InDelta(t, 1, testutil.ToFloat64(m.pushes.WithLabelValues("unicast")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.rejected.WithLabelValues("empty")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.framesSent.WithLabelValues("indicator")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.stations), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.queued), 0)

	var topics []string
	for len(ch) > 0 {
		ev := <-ch
		topics = append(topics, ev.Type)
		_, ok := ev.Data.(Event)
		assert.True(t, ok)
	}
	assert.Equal(t, []string{TopicQueued, TopicNodeNew, TopicSent}, topics)
}
