package wlan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testBSSID = Addr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	testSTA   = Addr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
)

func TestActionFrameRoundTrip(t *testing.T) {
	t.Parallel()

	body := AppendResponse(nil, 42, []byte("seen"), true)
	raw, err := BuildStationAction(testSTA, testBSSID, body)
	require.NoError(t, err)
	require.Len(t, raw, mgmtHeaderLen+len(body))
	assert.EqualValues(t, 0xd0, raw[0], "frame control: management/action")

	sa, got, err := ParseAction(raw)
	require.NoError(t, err)
	assert.Equal(t, testSTA, sa)
	assert.Equal(t, body, got)
}

func TestBuildActionAddresses(t *testing.T) {
	t.Parallel()

	raw, err := BuildAction(testSTA, testBSSID, AppendIndicator(nil, 500))
	require.NoError(t, err)
	assert.Equal(t, testSTA[:], raw[4:10])
	assert.Equal(t, testBSSID[:], raw[10:16])
	assert.Equal(t, testBSSID[:], raw[16:22])
}

func TestParseActionRejectsOtherSubtypes(t *testing.T) {
	t.Parallel()

	raw, err := BuildProbeRequest(testSTA, nil)
	require.NoError(t, err)
	_, _, err = ParseAction(raw)
	assert.ErrorIs(t, err, ErrNotAction)

	_, _, err = ParseAction(raw[:10])
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestProbeIndicator(t *testing.T) {
	t.Parallel()

	ies := []byte{0, 4, 't', 'e', 's', 't'} // SSID
	ies = append(ies, 1, 1, 0x82)            // supported rates
	ies = AppendIndicatorElement(ies, 0x0203)
	raw, err := BuildProbeRequest(testSTA, ies)
	require.NoError(t, err)

	sa, check, ok, err := ProbeIndicator(raw)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, testSTA, sa)
	assert.EqualValues(t, 0x0203, check)

	raw, err = BuildProbeRequest(testSTA, []byte{0, 0})
	require.NoError(t, err)
	_, _, ok, err = ProbeIndicator(raw)
	require.NoError(t, err)
	assert.False(t, ok)

	raw, err = BuildStationAction(testSTA, testBSSID, AppendRequest(nil, false))
	require.NoError(t, err)
	_, _, _, err = ProbeIndicator(raw)
	assert.ErrorIs(t, err, ErrNotProbe)
}

func TestIndicatorElementWalk(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		ies   []byte
		check uint16
		ok    bool
	}{
		{name: "empty"},
		{name: "first", ies: AppendIndicatorElement(nil, 7), check: 7, ok: true},
		{name: "after vendor", ies: AppendIndicatorElement([]byte{221, 5, 0x00, 0x50, 0xf2, 0x04, 0x10}, 9), check: 9, ok: true},
		{name: "after empty extension", ies: AppendIndicatorElement([]byte{255, 0}, 11), check: 11, ok: true},
		{name: "short element", ies: []byte{IndicatorElementID, 1, 0x01}},
		{name: "truncated", ies: []byte{0, 4, 't', 'e', IndicatorElementID, 2, 1, 0}},
		{name: "dangling byte", ies: append(AppendIndicatorElement(nil, 3), 0), check: 3, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check, ok := indicatorElement(tt.ies)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.check, check)
		})
	}
}
