package wlan

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// Addr is a 48-bit IEEE 802 MAC address.
type Addr [6]byte

// Broadcast is ff:ff:ff:ff:ff:ff. Messages addressed to it fan out to every
// known station.
var Broadcast = Addr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseAddr accepts "aa:bb:cc:dd:ee:ff", "aa-bb-cc-dd-ee-ff" and
// "aabbccddeeff". Anything that does not decode to exactly six bytes is an
// error.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	s = strings.TrimSpace(s)
	if len(s) == 12 {
		b, err := hex.DecodeString(s)
		if err != nil {
			return a, fmt.Errorf("wlan: invalid address %q: %w", s, err)
		}
		copy(a[:], b)
		return a, nil
	}
	hw, err := net.ParseMAC(s)
	if err != nil {
		return a, fmt.Errorf("wlan: invalid address %q: %w", s, err)
	}
	if len(hw) != len(a) {
		return a, fmt.Errorf("wlan: invalid address %q: not a 48-bit MAC", s)
	}
	copy(a[:], hw)
	return a, nil
}

// AddrFrom copies a 6-byte hardware address. Shorter input yields the zero
// address and false.
func AddrFrom(hw []byte) (Addr, bool) {
	var a Addr
	if len(hw) != len(a) {
		return a, false
	}
	copy(a[:], hw)
	return a, true
}

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

func (a Addr) IsBroadcast() bool { return a == Broadcast }

// HardwareAddr returns a copy usable with the net and gopacket APIs.
func (a Addr) HardwareAddr() net.HardwareAddr {
	hw := make(net.HardwareAddr, len(a))
	copy(hw, a[:])
	return hw
}

// Hash picks the registry bucket of a station. It mirrors the AP's station
// table hash: the least significant address byte.
func (a Addr) Hash() int { return int(a[5]) }

func (a Addr) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Addr) UnmarshalText(b []byte) error {
	v, err := ParseAddr(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
