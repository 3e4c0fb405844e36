package wlan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

const mgmtHeaderLen = 24

var ErrNotAction = errors.New("wlan: not an action frame")
var ErrNotProbe = errors.New("wlan: not a probe request")

// Drivers hand over management frames without the trailing FCS while the
// dot11 decoder expects one.
func withFCS(raw []byte) []byte {
	b := make([]byte, len(raw)+4)
	copy(b, raw)
	binary.LittleEndian.PutUint32(b[len(raw):], crc32.ChecksumIEEE(raw))
	return b
}

func decodeDot11(raw []byte) (*layers.Dot11, error) {
	if len(raw) < mgmtHeaderLen {
		return nil, ErrShortFrame
	}
	d := &layers.Dot11{}
	if err := d.DecodeFromBytes(withFCS(raw), gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("wlan: decode 802.11 header: %w", err)
	}
	return d, nil
}

// ParseAction splits a received action frame into transmitter address and
// action body.
func ParseAction(raw []byte) (Addr, []byte, error) {
	d, err := decodeDot11(raw)
	if err != nil {
		return Addr{}, nil, err
	}
	if d.Type != layers.Dot11TypeMgmtAction {
		return Addr{}, nil, fmt.Errorf("%w: %v", ErrNotAction, d.Type)
	}
	sa, ok := AddrFrom(d.Address2)
	if !ok {
		return Addr{}, nil, ErrShortFrame
	}
	return sa, d.Payload, nil
}

// ProbeIndicator looks for the notification indicator element in a probe
// request. ok is false when the station did not include one.
func ProbeIndicator(raw []byte) (sa Addr, check uint16, ok bool, err error) {
	d, err := decodeDot11(raw)
	if err != nil {
		return sa, 0, false, err
	}
	if d.Type != layers.Dot11TypeMgmtProbeReq {
		return sa, 0, false, fmt.Errorf("%w: %v", ErrNotProbe, d.Type)
	}
	if sa, ok = AddrFrom(d.Address2); !ok {
		return sa, 0, false, ErrShortFrame
	}
	check, ok = indicatorElement(d.Payload)
	return sa, check, ok, nil
}

// indicatorElement walks the information elements of a probe request body.
// The dot11 decoder stops at the probe layer, so elements are decoded one by
// one here. A truncated trailing element ends the walk.
func indicatorElement(ies []byte) (uint16, bool) {
	var ie layers.Dot11InformationElement
	for len(ies) >= 2 {
		n := 2 + int(ies[1])
		if len(ies) < n {
			return 0, false
		}
		// Extension elements need at least one byte of extension id.
		if ies[0] == 255 && ies[1] == 0 {
			ies = ies[n:]
			continue
		}
		if err := ie.DecodeFromBytes(ies[:n], gopacket.NilDecodeFeedback); err != nil {
			return 0, false
		}
		if ie.ID == layers.Dot11InformationElementID(IndicatorElementID) && len(ie.Info) >= 2 {
			return binary.LittleEndian.Uint16(ie.Info), true
		}
		ies = ies[n:]
	}
	return 0, false
}

func buildMgmt(t layers.Dot11Type, da, sa, bssid Addr, body []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	hdr := &layers.Dot11{
		Type:     t,
		Address1: da.HardwareAddr(),
		Address2: sa.HardwareAddr(),
		Address3: bssid.HardwareAddr(),
	}
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, hdr, gopacket.Payload(body)); err != nil {
		return nil, fmt.Errorf("wlan: serialize %v: %w", t, err)
	}
	out := buf.Bytes()
	// The kernel adds the FCS itself.
	if n := mgmtHeaderLen + len(body); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// BuildAction wraps an action body into a management frame sent by the AP.
func BuildAction(da, bssid Addr, body []byte) ([]byte, error) {
	return buildMgmt(layers.Dot11TypeMgmtAction, da, bssid, bssid, body)
}

// BuildStationAction builds an action frame as a station would transmit it.
func BuildStationAction(sa, bssid Addr, body []byte) ([]byte, error) {
	return buildMgmt(layers.Dot11TypeMgmtAction, bssid, sa, bssid, body)
}

// BuildProbeRequest builds a broadcast probe request carrying ies.
func BuildProbeRequest(sa Addr, ies []byte) ([]byte, error) {
	return buildMgmt(layers.Dot11TypeMgmtProbeReq, Broadcast, sa, Broadcast, ies)
}
