package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wipush/internal/config"
	"wipush/internal/ctrl"
	"wipush/internal/ctrlclient"
	"wipush/internal/driver/sim"
	"wipush/internal/relay"
	"wipush/internal/storage"
	"wipush/internal/wlan"
	logx "wipush/pkg/logx"
)

var (
	testBSSID   = wlan.Addr{0x02, 0, 0, 0, 0, 0x01}
	testStation = wlan.Addr{0x02, 0, 0, 0, 0, 0x10}
)

// shortDir keeps socket paths under the sun_path limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "wpapp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	body := fmt.Sprintf(`
logging:
  level: error
interface:
  driver: sim
  bssid: "02:00:00:00:00:01"
  frequency: 2412
control:
  dir: %q
delivery:
  node_timeout: 1m
storage:
  driver: file
  path: %q
observability:
  enabled: true
  addr: "127.0.0.1:0"
`, dir, filepath.Join(dir, "wipush"))
	path := filepath.Join(dir, "wipush.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func startApp(t *testing.T) (*App, *sim.Radio, string) {
	t.Helper()
	dir := shortDir(t)
	radio := sim.New(testBSSID, 2412, logx.Nop())
	a, err := New(writeConfig(t, dir), WithRadio(radio))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		cancel()
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		assert.NoError(t, a.Stop(stopCtx, StopSignal))
	})
	return a, radio, dir
}

func nextEvent(t *testing.T, ch <-chan relay.Event) relay.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no telemetry event")
		return relay.Event{}
	}
}

func TestRelayEndToEnd(t *testing.T) {
	a, radio, dir := startApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cl, err := ctrlclient.Dial(dir, ctrlclient.Options{LocalDir: dir})
	require.NoError(t, err)
	defer func() { _ = cl.Close() }()
	require.NoError(t, cl.Ping(ctx))
	require.NoError(t, cl.Attach(ctx))

	radio.Associate(testStation)
	require.NoError(t, radio.StationAction(testStation, wlan.AppendRequest(nil, false)))
	ev := nextEvent(t, cl.Events())
	assert.Equal(t, relay.EventNewNode, ev.Kind)
	assert.Equal(t, testStation, ev.Addr)

	mid, err := cl.Push(ctx, testStation, wlan.NoResponse, "hello", 0)
	require.NoError(t, err)
	ev = nextEvent(t, cl.Events())
	assert.Equal(t, relay.EventSent, ev.Kind)
	assert.Equal(t, mid, ev.MID)

	// indicator, then the notification
	frames, err := radio.WaitSent(ctx, 2)
	require.NoError(t, err)
	last := frames[len(frames)-1]
	assert.Equal(t, testStation, last.Dst)
	f, err := wlan.Decode(last.Body())
	require.NoError(t, err)
	assert.Equal(t, wlan.KindNotification, f.Kind)
	assert.Equal(t, mid, f.MID)
	assert.Equal(t, "hello", string(f.Payload))

	require.NoError(t, radio.StationAction(testStation, wlan.AppendResponse(nil, mid, []byte("read"), false)))
	ev = nextEvent(t, cl.Events())
	assert.Equal(t, relay.EventResponse, ev.Kind)
	assert.Equal(t, "read", string(ev.Payload))

	require.Eventually(t, func() bool {
		recs, err := a.store.Recent(ctx, 100)
		if err != nil {
			return false
		}
		for _, r := range recs {
			if r.Topic == relay.TopicResponse && r.MID == mid {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	body := getHealth(t, a)
	assert.Contains(t, body, `"stations":1`)
	assert.Contains(t, body, `"status":"ok"`)
}

func getHealth(t *testing.T, a *App) string {
	t.Helper()
	var addr string
	require.Eventually(t, func() bool {
		addr = a.obs.Addr()
		return addr != ""
	}, 5*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(b))
	return string(b)
}

func TestSecondInstanceRefused(t *testing.T) {
	_, _, dir := startApp(t)

	b, err := New(filepath.Join(dir, "wipush.yaml"), WithRadio(sim.New(testBSSID, 2412, logx.Nop())))
	require.NoError(t, err)
	err = b.Start(context.Background())
	assert.ErrorIs(t, err, ctrl.ErrInUse)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, b.Stop(stopCtx, StopFatalError))
}

func TestStopFreesNodes(t *testing.T) {
	dir := shortDir(t)
	radio := sim.New(testBSSID, 2412, logx.Nop())
	a, err := New(writeConfig(t, dir), WithRadio(radio))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	radio.Associate(testStation)
	require.NoError(t, radio.StationAction(testStation, wlan.AppendRequest(nil, false)))
	require.Eventually(t, func() bool {
		var st relay.Stats
		if err := a.loop.Call(ctx, func() { st = a.engine.Stats() }); err != nil {
			return false
		}
		return st.Stations == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, a.loop.Call(ctx, func() {
		_, err = a.engine.Push(relay.PushRequest{Addr: wlan.Broadcast, Type: wlan.NoResponse, Payload: []byte("bye")})
	}))
	require.NoError(t, err)

	require.NoError(t, a.Stop(ctx, StopSignal))
	// The loop has exited, so the engine can be read directly.
	assert.Equal(t, relay.Stats{NextMID: 2}, a.engine.Stats())
}

func TestApplyConfigDelivery(t *testing.T) {
	a, _, _ := startApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prev := a.cfgm.Get()
	next := *prev
	off := false
	next.Delivery = config.DeliveryConfig{FastDelivery: &off, IndicatorTimeout: "250ms", NodeTimeout: "2m", MaxPayload: 100}
	a.applyConfig(ctx, prev, &next)

	var got relay.Config
	require.NoError(t, a.loop.Call(ctx, func() { got = a.engine.Config() }))
	assert.Equal(t, relay.Config{FastDelivery: false, IndicatorTimeout: 250 * time.Millisecond, NodeTimeout: 2 * time.Minute, MaxPayload: 100}, got)

	// An unrelated change leaves runtime delivery settings alone.
	require.NoError(t, a.loop.Call(ctx, func() { a.engine.SetNodeTimeout(time.Hour) }))
	third := next
	third.Logging.Level = "warn"
	a.applyConfig(ctx, &next, &third)
	require.NoError(t, a.loop.Call(ctx, func() { got = a.engine.Config() }))
	assert.Equal(t, time.Hour, got.NodeTimeout)
}

func TestMapConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Interface: config.InterfaceConfig{Driver: "sim"}}
	rc, err := mapRelayConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, relay.DefaultConfig(), rc)

	cc, err := mapControlConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, ctrl.DefaultConfig(), cc)

	_, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.False(t, enabled)

	cfg.Storage = &config.StorageConfig{Driver: "SQLite", Path: "/tmp/j.db"}
	sc, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, storage.Config{Driver: "sqlite", Path: "/tmp/j.db", BusyTimeout: time.Second}, sc)

	cfg.Storage = &config.StorageConfig{Driver: "sqlite"}
	assert.Error(t, validateMapped(cfg))
}
