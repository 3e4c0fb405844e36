package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wipush/internal/ctrl"
	"wipush/internal/eventbus"
	"wipush/internal/relay"
	"wipush/internal/wlan"
	logx "wipush/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func testStore(t *testing.T, cfg Config) {
	t.Helper()
	ctx := context.Background()
	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		require.NoError(t, st.Append(ctx, Record{
			At: at.Add(time.Duration(i) * time.Second), Topic: relay.TopicSent,
			Addr: "aa:bb:cc:dd:ee:ff", MID: uint32(i), Type: 1,
		}))
	}
	got, err := st.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.EqualValues(t, 3, got[0].MID)
	assert.EqualValues(t, 5, got[2].MID)
	assert.True(t, got[2].At.Equal(at.Add(5*time.Second)))
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", got[0].Addr)

	all, err := st.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	require.NoError(t, st.Close())

	// Records survive a reopen.
	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	all, err = st.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	testStore(t, Config{Driver: "file", Path: filepath.Join(t.TempDir(), "wipush.db")})
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	testStore(t, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "wipush.db"), BusyTimeout: time.Second})
}

func TestRecordOf(t *testing.T) {
	t.Parallel()
	sta := wlan.Addr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

	rec, ok := RecordOf(eventbus.Event{Type: relay.TopicQueued, Data: relay.Event{
		Addr: sta, MID: 4, Type: wlan.WaitResponse, Payload: []byte("hi"),
	}})
	require.True(t, ok)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", rec.Addr)
	assert.EqualValues(t, 4, rec.MID)
	assert.EqualValues(t, 1, rec.Type)
	assert.Equal(t, 2, rec.Size)
	assert.Equal(t, "hi", rec.Payload)
	assert.False(t, rec.At.IsZero())

	rec, ok = RecordOf(eventbus.Event{Type: relay.TopicSent, Data: relay.Event{Addr: sta, MID: 4}})
	require.True(t, ok)
	assert.Empty(t, rec.Payload)

	rec, ok = RecordOf(eventbus.Event{Type: ctrl.TopicPeerDetached, Data: ctrl.PeerEvent{Addr: "/tmp/mon", Reason: "peer gone"}})
	require.True(t, ok)
	assert.Equal(t, "peer gone", rec.Note)

	_, ok = RecordOf(eventbus.Event{Type: "other", Data: 42})
	assert.False(t, ok)
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "j")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: relay.TopicNodeNew, Data: relay.Event{Kind: relay.EventNewNode}})
		got, _ := st.Recent(context.Background(), 0)
		return len(got) > 0
	}, 2*time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.Event{Type: "unrelated.topic", Data: relay.Event{}})
	cancel()
	require.NoError(t, <-done)

	got, err := st.Recent(context.Background(), 0)
	require.NoError(t, err)
	for _, r := range got {
		assert.Equal(t, relay.TopicNodeNew, r.Topic)
	}
}
