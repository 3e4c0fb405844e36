package ctrl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wipush/internal/relay"
	"wipush/internal/wlan"
)

var (
	ErrUnknownCommand = errors.New("ctrl: unknown command")
	ErrMalformed      = errors.New("ctrl: malformed command")
)

// Replies.
var (
	ReplyOK   = []byte("OK\n")
	ReplyFail = []byte("FAIL\n")
	ReplyPong = []byte("PONG\n")
)

// expiryMarker separates a PUSH message from its lifetime in seconds.
const expiryMarker = " :ENDNOT:"

type Kind uint8

const (
	KindAttach Kind = iota + 1
	KindDetach
	KindPush
	KindDelete
	KindDeleteAll
	KindSetTime
	KindSetNodeTime
	KindCheckFast
	KindPing
)

var kindNames = map[Kind]string{
	KindAttach:      "ATTACH",
	KindDetach:      "DETACH",
	KindPush:        "PUSH",
	KindDelete:      "DELETE",
	KindDeleteAll:   "DELETEALL",
	KindSetTime:     "SETTIME",
	KindSetNodeTime: "SETNODETIME",
	KindCheckFast:   "CHECK_FAST",
	KindPing:        "PING",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "UNKNOWN"
}

// Command is a parsed control request. Only the fields of its Kind are set.
type Command struct {
	Kind Kind

	Push relay.PushRequest // PUSH
	MID  uint32            // DELETE
	// Timeout is the indicator window (SETTIME) or the node timeout
	// (SETNODETIME).
	Timeout time.Duration
	Fast    bool // CHECK_FAST
}

// Parse decodes one control datagram. A single trailing newline is
// ignored; the PUSH message is taken verbatim otherwise.
func Parse(raw []byte) (Command, error) {
	s := string(raw)
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")

	verb, rest, hasArgs := strings.Cut(s, " ")
	kind, ok := kindsByName[verb]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, truncate(verb, 32))
	}
	cmd := Command{Kind: kind}

	switch kind {
	case KindAttach, KindDetach, KindDeleteAll, KindPing:
		if hasArgs {
			return cmd, fmt.Errorf("%w: %s takes no arguments", ErrMalformed, kind)
		}
		return cmd, nil

	case KindPush:
		req, err := parsePush(rest)
		if err != nil {
			return cmd, err
		}
		cmd.Push = req
		return cmd, nil

	case KindDelete:
		v, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return cmd, fmt.Errorf("%w: DELETE id %q", ErrMalformed, rest)
		}
		cmd.MID = uint32(v)
		return cmd, nil

	case KindSetTime:
		v, err := strconv.ParseUint(rest, 10, 16)
		if err != nil {
			return cmd, fmt.Errorf("%w: SETTIME milliseconds %q", ErrMalformed, rest)
		}
		cmd.Timeout = time.Duration(v) * time.Millisecond
		return cmd, nil

	case KindSetNodeTime:
		v, err := strconv.ParseUint(rest, 10, 32)
		if err != nil || v == 0 {
			return cmd, fmt.Errorf("%w: SETNODETIME seconds %q", ErrMalformed, rest)
		}
		cmd.Timeout = time.Duration(v) * time.Second
		return cmd, nil

	case KindCheckFast:
		switch rest {
		case "0":
		case "1":
			cmd.Fast = true
		default:
			return cmd, fmt.Errorf("%w: CHECK_FAST expects 0 or 1", ErrMalformed)
		}
		return cmd, nil
	}
	return cmd, ErrUnknownCommand
}

// parsePush reads "<addr> <0|1> <message>[ :ENDNOT:<seconds>]".
func parsePush(args string) (relay.PushRequest, error) {
	var req relay.PushRequest

	addr, rest, ok := strings.Cut(args, " ")
	if !ok {
		return req, fmt.Errorf("%w: PUSH needs address, type and message", ErrMalformed)
	}
	a, err := wlan.ParseAddr(addr)
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	req.Addr = a

	typ, msg, ok := strings.Cut(rest, " ")
	if !ok {
		return req, fmt.Errorf("%w: PUSH needs a message", ErrMalformed)
	}
	switch typ {
	case "0":
		req.Type = wlan.NoResponse
	case "1":
		req.Type = wlan.WaitResponse
	default:
		return req, fmt.Errorf("%w: PUSH type must be 0 or 1", ErrMalformed)
	}

	// Search with the separating space restored so a message made of the
	// marker alone is recognised.
	if idx := strings.Index(" "+msg, expiryMarker); idx >= 0 {
		secs := msg[idx-1+len(expiryMarker):]
		if idx == 0 {
			msg = ""
		} else {
			msg = msg[:idx-1]
		}
		if secs != "" {
			v, err := strconv.ParseUint(secs, 10, 32)
			if err != nil {
				return req, fmt.Errorf("%w: expiry %q", ErrMalformed, secs)
			}
			req.Expiry = time.Duration(v) * time.Second
		}
	}
	if msg == "" {
		return req, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	req.Payload = []byte(msg)
	return req, nil
}

// FormatEvent renders a telemetry datagram.
func FormatEvent(ev relay.Event) []byte {
	switch ev.Kind {
	case relay.EventNewNode, relay.EventOldNode:
		return []byte(fmt.Sprintf("%s Addr:%s", ev.Kind, ev.Addr))
	case relay.EventSent:
		return []byte(fmt.Sprintf("SENDMSG Addr:%s MID:%d Type:%d", ev.Addr, ev.MID, ev.Type))
	case relay.EventResponse:
		b := []byte(fmt.Sprintf("NOT_RESP Addr:%sMID:%d-", ev.Addr, ev.MID))
		return append(b, ev.Payload...)
	default:
		return nil
	}
}

// IsEvent reports whether a datagram received from the relay is telemetry
// rather than a command reply.
func IsEvent(b []byte) bool {
	verb, _, _ := strings.Cut(string(b[:min(len(b), 16)]), " ")
	switch verb {
	case "NEWNODE", "OLDNODE", "SENDMSG", "NOT_RESP":
		return true
	}
	return false
}

// ParseEvent is the inverse of FormatEvent.
func ParseEvent(b []byte) (relay.Event, error) {
	var ev relay.Event
	verb, rest, ok := strings.Cut(string(b), " ")
	if !ok || !strings.HasPrefix(rest, "Addr:") || len(rest) < len("Addr:")+17 {
		return ev, fmt.Errorf("%w: telemetry %q", ErrMalformed, truncate(string(b), 48))
	}
	a, err := wlan.ParseAddr(rest[5:22])
	if err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ev.Addr = a
	rest = rest[22:]

	switch verb {
	case "NEWNODE", "OLDNODE":
		ev.Kind = relay.EventNewNode
		if verb == "OLDNODE" {
			ev.Kind = relay.EventOldNode
		}
		if rest != "" {
			return ev, fmt.Errorf("%w: trailing data after %s", ErrMalformed, verb)
		}
		return ev, nil

	case "SENDMSG":
		ev.Kind = relay.EventSent
		var mid uint32
		var typ uint8
		if _, err := fmt.Sscanf(rest, " MID:%d Type:%d", &mid, &typ); err != nil {
			return ev, fmt.Errorf("%w: SENDMSG %q", ErrMalformed, rest)
		}
		ev.MID, ev.Type = mid, wlan.MessageType(typ)
		return ev, nil

	case "NOT_RESP":
		ev.Kind = relay.EventResponse
		head, payload, ok := strings.Cut(rest, "-")
		if !ok || !strings.HasPrefix(head, "MID:") {
			return ev, fmt.Errorf("%w: NOT_RESP %q", ErrMalformed, truncate(rest, 32))
		}
		mid, err := strconv.ParseUint(head[4:], 10, 32)
		if err != nil {
			return ev, fmt.Errorf("%w: NOT_RESP id %q", ErrMalformed, head[4:])
		}
		ev.MID = uint32(mid)
		ev.Payload = []byte(payload)
		return ev, nil
	}
	return ev, fmt.Errorf("%w: telemetry verb %q", ErrUnknownCommand, verb)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
