package wlan

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Public Action categories accepted on receive.
const (
	CategoryPublic        = 4
	CategoryProtectedDual = 9
)

// GAS action codes double as an escape prefix for stations whose supplicant
// only forwards GAS frames. The escape is always followed by vendorEscape.
const (
	actionGASInitialReq  = 10
	actionGASInitialResp = 11
	vendorEscape         = 255
)

// Notification subtypes, allocated from the reserved Public Action range.
const (
	ActionNotification     = 128
	ActionNotificationInd  = 129
	ActionNotificationReq  = 130
	ActionNotificationResp = 131
)

// IndicatorElementID is the information element a station carries in probe
// requests to announce pending-notification support.
const IndicatorElementID = 200

// MaxPayload is the largest payload a notification frame carries.
const MaxPayload = 2047

var (
	ErrShortFrame      = errors.New("wlan: frame too short")
	ErrLengthMismatch  = errors.New("wlan: declared length does not match frame")
	ErrNotNotification = errors.New("wlan: not a notification frame")
)

// MessageType tells a station whether the AP expects a response.
type MessageType uint8

const (
	NoResponse   MessageType = 0
	WaitResponse MessageType = 1
)

func (t MessageType) Valid() bool { return t == NoResponse || t == WaitResponse }

// Kind identifies a decoded notification frame.
type Kind uint8

const (
	KindNotification Kind = iota + 1
	KindIndicator
	KindRequest
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindNotification:
		return "notification"
	case KindIndicator:
		return "indicator"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is the decoded body of a notification action frame. Which fields are
// meaningful depends on Kind.
type Frame struct {
	Kind     Kind
	Category uint8
	Escaped  bool

	Type    MessageType
	MID     uint32
	Payload []byte

	// Check is the trailing counter of broadcast notifications.
	Check    uint16
	HasCheck bool

	// Timeout is the indicator's wake window in milliseconds.
	Timeout uint16
}

// Notification is an AP-to-station message.
type Notification struct {
	Type    MessageType
	MID     uint32
	Payload []byte

	Broadcast bool
	Check     uint16
}

func appendHeader(dst []byte, subtype byte) []byte {
	return append(dst, CategoryPublic, actionGASInitialResp, vendorEscape, subtype)
}

// AppendNotification appends the action body carrying n. Broadcast
// notifications end with the little-endian check counter.
func AppendNotification(dst []byte, n Notification) []byte {
	dst = appendHeader(dst, ActionNotification)
	dst = append(dst, byte(n.Type))
	dst = binary.LittleEndian.AppendUint32(dst, n.MID)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(n.Payload)))
	dst = append(dst, n.Payload...)
	if n.Broadcast {
		dst = binary.LittleEndian.AppendUint16(dst, n.Check)
	}
	return dst
}

// AppendIndicator appends the body telling a station to stay awake for
// timeoutMS milliseconds.
func AppendIndicator(dst []byte, timeoutMS uint16) []byte {
	dst = appendHeader(dst, ActionNotificationInd)
	return binary.LittleEndian.AppendUint16(dst, timeoutMS)
}

// AppendRequest appends a station's "anything for me?" body.
func AppendRequest(dst []byte, escaped bool) []byte {
	dst = append(dst, CategoryPublic)
	if escaped {
		dst = append(dst, actionGASInitialReq, vendorEscape)
	}
	return append(dst, ActionNotificationReq)
}

// AppendResponse appends a station's answer to message mid.
func AppendResponse(dst []byte, mid uint32, payload []byte, escaped bool) []byte {
	dst = append(dst, CategoryPublic)
	if escaped {
		dst = append(dst, actionGASInitialReq, vendorEscape)
	}
	dst = append(dst, ActionNotificationResp)
	dst = binary.LittleEndian.AppendUint32(dst, mid)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...)
}

// Decode parses a Public Action body. Payload aliases body.
func Decode(body []byte) (Frame, error) {
	var f Frame
	if len(body) < 2 {
		return f, ErrShortFrame
	}
	f.Category = body[0]
	if f.Category != CategoryPublic && f.Category != CategoryProtectedDual {
		return f, fmt.Errorf("%w: category %d", ErrNotNotification, f.Category)
	}
	p := body[1:]
	if len(p) >= 2 && (p[0] == actionGASInitialReq || p[0] == actionGASInitialResp) && p[1] == vendorEscape {
		f.Escaped = true
		p = p[2:]
	}
	if len(p) == 0 {
		return f, ErrShortFrame
	}
	subtype := p[0]
	p = p[1:]

	switch subtype {
	case ActionNotificationReq:
		f.Kind = KindRequest
		return f, nil

	case ActionNotificationInd:
		f.Kind = KindIndicator
		if len(p) < 2 {
			return f, ErrShortFrame
		}
		f.Timeout = binary.LittleEndian.Uint16(p)
		return f, nil

	case ActionNotificationResp:
		f.Kind = KindResponse
		if len(p) < 6 {
			return f, ErrShortFrame
		}
		f.MID = binary.LittleEndian.Uint32(p)
		n := int(binary.LittleEndian.Uint16(p[4:]))
		p = p[6:]
		if n != len(p) {
			return f, fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, n, len(p))
		}
		f.Payload = p
		return f, nil

	case ActionNotification:
		f.Kind = KindNotification
		if len(p) < 7 {
			return f, ErrShortFrame
		}
		f.Type = MessageType(p[0])
		f.MID = binary.LittleEndian.Uint32(p[1:])
		n := int(binary.LittleEndian.Uint16(p[5:]))
		p = p[7:]
		switch len(p) - n {
		case 0:
		case 2:
			f.HasCheck = true
			f.Check = binary.LittleEndian.Uint16(p[n:])
		default:
			return f, fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, n, len(p))
		}
		f.Payload = p[:n]
		return f, nil

	default:
		return f, fmt.Errorf("%w: subtype %d", ErrNotNotification, subtype)
	}
}

// AppendIndicatorElement appends the probe-request element announcing
// notification support with the station's check counter.
func AppendIndicatorElement(dst []byte, check uint16) []byte {
	dst = append(dst, IndicatorElementID, 2)
	return binary.LittleEndian.AppendUint16(dst, check)
}
