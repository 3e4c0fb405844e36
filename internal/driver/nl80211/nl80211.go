//go:build linux

// Package nl80211 drives a mac80211 access-point interface over generic
// netlink: it transmits action frames with NL80211_CMD_FRAME, subscribes to
// action frames and probe requests with NL80211_CMD_REGISTER_FRAME and asks
// the kernel whether a station is associated.
package nl80211

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"wipush/internal/driver"
	"wipush/internal/wlan"
	logx "wipush/pkg/logx"
)

// Frame types as nl80211 encodes them: the first frame-control byte.
const (
	frameTypeAction = 0x00d0
	frameTypeProbe  = 0x0040
)

// actionMatches are the category prefixes the relay wants to see.
var actionMatches = [][]byte{{wlan.CategoryPublic}, {wlan.CategoryProtectedDual}}

type Config struct {
	Interface string
	// Frequency overrides the channel read from the interface, in MHz.
	Frequency int
}

type Radio struct {
	cfg     Config
	log     logx.Logger
	ifindex uint32
	bssid   wlan.Addr
	freq    int

	conn    *genetlink.Conn // requests from the loop goroutine
	rx      *genetlink.Conn // frame subscriptions
	family  genetlink.Family
	lookups rate.Sometimes
}

// Open binds to the named interface and registers for the frames the relay
// handles.
func Open(cfg Config, log logx.Logger) (*Radio, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	ifi, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("nl80211: interface %q: %w", cfg.Interface, err)
	}
	bssid, ok := wlan.AddrFrom(ifi.HardwareAddr)
	if !ok {
		return nil, fmt.Errorf("nl80211: interface %q has no 48-bit hardware address", cfg.Interface)
	}

	conn, err := dial()
	if err != nil {
		return nil, err
	}
	family, err := conn.GetFamily(unix.NL80211_GENL_NAME)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("nl80211: family: %w", err)
	}
	rx, err := dial()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	r := &Radio{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "nl80211"), logx.String("iface", cfg.Interface)),
		ifindex: uint32(ifi.Index),
		bssid:   bssid,
		conn:    conn,
		rx:      rx,
		family:  family,
		lookups: rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
	if err := r.init(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func dial() (*genetlink.Conn, error) {
	c, err := genetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("nl80211: dial: %w", err)
	}
	for _, o := range []netlink.ConnOption{netlink.ExtendedAcknowledge, netlink.GetStrictCheck} {
		_ = c.SetOption(o, true)
	}
	return c, nil
}

func (r *Radio) init() error {
	r.freq = r.cfg.Frequency
	if r.freq == 0 {
		f, err := r.interfaceFrequency()
		if err != nil {
			return err
		}
		r.freq = f
	}
	for _, m := range actionMatches {
		if err := r.register(frameTypeAction, m); err != nil {
			return fmt.Errorf("nl80211: register action frames: %w", err)
		}
	}
	// hostapd may already own probe requests on this interface.
	if err := r.register(frameTypeProbe, nil); err != nil {
		r.log.Warn("probe requests unavailable, indicator checks disabled", logx.Err(err))
	}
	r.log.Info("radio ready", logx.Stringer("bssid", r.bssid), logx.Int("freq", r.freq))
	return nil
}

func (r *Radio) interfaceFrequency() (int, error) {
	msgs, err := r.execute(r.conn, unix.NL80211_CMD_GET_INTERFACE, 0, nil)
	if err != nil {
		return 0, fmt.Errorf("nl80211: get interface: %w", err)
	}
	for _, m := range msgs {
		ad, err := netlink.NewAttributeDecoder(m.Data)
		if err != nil {
			return 0, err
		}
		for ad.Next() {
			if ad.Type() == unix.NL80211_ATTR_WIPHY_FREQ {
				return int(ad.Uint32()), nil
			}
		}
		if err := ad.Err(); err != nil {
			return 0, err
		}
	}
	return 0, errors.New("nl80211: interface reports no frequency, set interface.frequency")
}

func (r *Radio) register(frameType uint16, match []byte) error {
	_, err := r.execute(r.rx, unix.NL80211_CMD_REGISTER_FRAME, netlink.Acknowledge, func(ae *netlink.AttributeEncoder) {
		ae.Uint16(unix.NL80211_ATTR_FRAME_TYPE, frameType)
		ae.Bytes(unix.NL80211_ATTR_FRAME_MATCH, match)
	})
	return err
}

// execute runs one nl80211 request against the radio's interface.
func (r *Radio) execute(c *genetlink.Conn, cmd uint8, flags netlink.HeaderFlags, params func(*netlink.AttributeEncoder)) ([]genetlink.Message, error) {
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(unix.NL80211_ATTR_IFINDEX, r.ifindex)
	if params != nil {
		params(ae)
	}
	b, err := ae.Encode()
	if err != nil {
		return nil, err
	}
	return c.Execute(genetlink.Message{
		Header: genetlink.Header{Command: cmd, Version: r.family.Version},
		Data:   b,
	}, r.family.ID, netlink.Request|flags)
}

func (r *Radio) Frequency() int { return r.freq }

func (r *Radio) SendAction(freq int, dst wlan.Addr, body []byte) error {
	raw, err := wlan.BuildAction(dst, r.bssid, body)
	if err != nil {
		return err
	}
	_, err = r.execute(r.conn, unix.NL80211_CMD_FRAME, netlink.Acknowledge, func(ae *netlink.AttributeEncoder) {
		ae.Uint32(unix.NL80211_ATTR_WIPHY_FREQ, uint32(freq))
		ae.Bytes(unix.NL80211_ATTR_FRAME, raw)
		ae.Flag(unix.NL80211_ATTR_DONT_WAIT_FOR_ACK, true)
	})
	if err != nil {
		return fmt.Errorf("nl80211: frame to %s: %w", dst, err)
	}
	return nil
}

func (r *Radio) IsAssociated(addr wlan.Addr) bool {
	msgs, err := r.execute(r.conn, unix.NL80211_CMD_GET_STATION, 0, func(ae *netlink.AttributeEncoder) {
		ae.Bytes(unix.NL80211_ATTR_MAC, addr[:])
	})
	if err != nil {
		if !errors.Is(err, unix.ENOENT) {
			r.lookups.Do(func() {
				r.log.Warn("station lookup failed", logx.Stringer("addr", addr), logx.Err(err))
			})
		}
		return false
	}
	for _, m := range msgs {
		ok, err := stationAssociated(m.Data)
		if err != nil {
			r.log.Debug("station info undecodable", logx.Stringer("addr", addr), logx.Err(err))
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// stationAssociated reads the ASSOCIATED bit from a GET_STATION reply. A
// reply without station flags counts as associated since mac80211 only
// lists stations it knows.
func stationAssociated(b []byte) (bool, error) {
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return false, err
	}
	assoc := true
	for ad.Next() {
		if ad.Type() != unix.NL80211_ATTR_STA_INFO {
			continue
		}
		ad.Nested(func(nad *netlink.AttributeDecoder) error {
			for nad.Next() {
				if nad.Type() != unix.NL80211_STA_INFO_STA_FLAGS {
					continue
				}
				v := nad.Bytes()
				if len(v) < 8 {
					return fmt.Errorf("nl80211: short sta flags (%d bytes)", len(v))
				}
				mask := binary.NativeEndian.Uint32(v[0:4])
				set := binary.NativeEndian.Uint32(v[4:8])
				bit := uint32(1) << unix.NL80211_STA_FLAG_ASSOCIATED
				if mask&bit != 0 {
					assoc = set&bit != 0
				}
			}
			return nil
		})
	}
	return assoc, ad.Err()
}

// frameEvent extracts the captured frame and its frequency from an
// NL80211_CMD_FRAME notification.
func frameEvent(b []byte) (raw []byte, freq int, err error) {
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return nil, 0, err
	}
	for ad.Next() {
		switch ad.Type() {
		case unix.NL80211_ATTR_FRAME:
			raw = ad.Bytes()
		case unix.NL80211_ATTR_WIPHY_FREQ:
			freq = int(ad.Uint32())
		}
	}
	if err := ad.Err(); err != nil {
		return nil, 0, err
	}
	if raw == nil {
		return nil, 0, errors.New("nl80211: frame event without frame")
	}
	return raw, freq, nil
}

func (r *Radio) Run(ctx context.Context, rx driver.Receiver, post driver.Poster) error {
	stop := context.AfterFunc(ctx, func() { _ = r.rx.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		msgs, _, err := r.rx.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("nl80211: receive: %w", err)
		}
		for _, m := range msgs {
			if m.Header.Command != unix.NL80211_CMD_FRAME {
				continue
			}
			raw, freq, err := frameEvent(m.Data)
			if err != nil {
				r.log.Debug("bad frame event", logx.Err(err))
				continue
			}
			if freq == 0 {
				freq = r.freq
			}
			if err := driver.Deliver(ctx, post, rx, raw, freq); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (r *Radio) Close() error {
	return errors.Join(r.rx.Close(), r.conn.Close())
}

var _ driver.Radio = (*Radio)(nil)
