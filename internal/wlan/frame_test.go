package wlan

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddr(t *testing.T) {
	t.Parallel()

	want := Addr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	for _, in := range []string{"aa:bb:cc:dd:ee:ff", "AA-BB-CC-DD-EE-FF", "aabbccddeeff", " aa:bb:cc:dd:ee:ff\n"} {
		got, err := ParseAddr(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", want.String())
	assert.Equal(t, 0xff, want.Hash())

	for _, bad := range []string{"", "aa:bb:cc", "zz:bb:cc:dd:ee:ff", "00:00:5e:00:53:01:02:03"} {
		_, err := ParseAddr(bad)
		assert.Error(t, err, bad)
	}

	b, err := ParseAddr("ff:ff:ff:ff:ff:ff")
	require.NoError(t, err)
	assert.True(t, b.IsBroadcast())
}

func TestNotificationLayout(t *testing.T) {
	t.Parallel()

	got := AppendNotification(nil, Notification{Type: WaitResponse, MID: 0x01020304, Payload: []byte("hi")})
	want := []byte{
		CategoryPublic, actionGASInitialResp, vendorEscape, ActionNotification,
		1,
		0x04, 0x03, 0x02, 0x01,
		2, 0,
		'h', 'i',
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unicast body mismatch (-want +got):\n%s", diff)
	}

	got = AppendNotification(nil, Notification{MID: 2, Payload: []byte("all"), Broadcast: true, Check: 0x0102})
	assert.Equal(t, []byte{0x02, 0x01}, got[len(got)-2:])
	assert.Len(t, got, 4+1+4+2+3+2)
}

func TestDecodeNotificationRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Notification{
		{Type: NoResponse, MID: 1, Payload: []byte("hello")},
		{Type: WaitResponse, MID: 99, Payload: []byte("x"), Broadcast: true, Check: 7},
	}
	for _, n := range cases {
		f, err := Decode(AppendNotification(nil, n))
		require.NoError(t, err)
		assert.Equal(t, KindNotification, f.Kind)
		assert.True(t, f.Escaped)
		assert.Equal(t, n.Type, f.Type)
		assert.Equal(t, n.MID, f.MID)
		assert.Equal(t, n.Payload, f.Payload)
		assert.Equal(t, n.Broadcast, f.HasCheck)
		assert.Equal(t, n.Check, f.Check)
	}
}

func TestDecodeIndicator(t *testing.T) {
	t.Parallel()

	body := AppendIndicator(nil, 1000)
	assert.Equal(t, []byte{4, 11, 255, ActionNotificationInd, 0xe8, 0x03}, body)

	f, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, KindIndicator, f.Kind)
	assert.EqualValues(t, 1000, f.Timeout)
}

func TestDecodeStationFrames(t *testing.T) {
	t.Parallel()

	for _, escaped := range []bool{false, true} {
		f, err := Decode(AppendRequest(nil, escaped))
		require.NoError(t, err)
		assert.Equal(t, KindRequest, f.Kind)
		assert.Equal(t, escaped, f.Escaped)

		f, err = Decode(AppendResponse(nil, 5, []byte("ack"), escaped))
		require.NoError(t, err)
		assert.Equal(t, KindResponse, f.Kind)
		assert.EqualValues(t, 5, f.MID)
		assert.Equal(t, "ack", string(f.Payload))
	}

	// protected dual of public action
	f, err := Decode([]byte{CategoryProtectedDual, ActionNotificationReq})
	require.NoError(t, err)
	assert.Equal(t, KindRequest, f.Kind)
	assert.EqualValues(t, CategoryProtectedDual, f.Category)
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	resp := AppendResponse(nil, 5, []byte("ack"), false)

	cases := []struct {
		name string
		body []byte
		want error
	}{
		{"empty", nil, ErrShortFrame},
		{"wrong category", []byte{3, ActionNotificationReq}, ErrNotNotification},
		{"unknown subtype", []byte{CategoryPublic, 12}, ErrNotNotification},
		{"escape only", []byte{CategoryPublic, actionGASInitialReq, vendorEscape}, ErrShortFrame},
		{"response under six bytes", []byte{CategoryPublic, ActionNotificationResp, 1, 0, 0, 0, 0}, ErrShortFrame},
		{"response truncated", resp[:len(resp)-1], ErrLengthMismatch},
		{"response trailing", append(append([]byte(nil), resp...), 'z'), ErrLengthMismatch},
		{"indicator short", []byte{CategoryPublic, ActionNotificationInd, 1}, ErrShortFrame},
	}
	for _, tc := range cases {
		_, err := Decode(tc.body)
		assert.ErrorIs(t, err, tc.want, tc.name)
	}
}
