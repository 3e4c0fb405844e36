package relay

import (
	"errors"
	"time"

	"wipush/internal/wlan"
)

var (
	ErrEmptyPayload    = errors.New("relay: empty payload")
	ErrPayloadTooLarge = errors.New("relay: payload too large")
	ErrBadMessageType  = errors.New("relay: message type must be 0 or 1")
	ErrNotFound        = errors.New("relay: message not found")
)

// Driver is the slice of the wireless driver the engine needs.
type Driver interface {
	// Frequency is the operating channel frequency in MHz.
	Frequency() int
	SendAction(freq int, dst wlan.Addr, body []byte) error
	IsAssociated(addr wlan.Addr) bool
}

// Timer is a cancellable one-shot timer handle.
type Timer interface {
	Stop() bool
}

// Scheduler arms timers whose callbacks run on the engine's goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Telemetry receives the events reported to the notification unit.
type Telemetry interface {
	Emit(ev Event)
}

type EventKind uint8

const (
	EventNewNode EventKind = iota + 1
	EventOldNode
	EventSent
	EventResponse
)

func (k EventKind) String() string {
	switch k {
	case EventNewNode:
		return "NEWNODE"
	case EventOldNode:
		return "OLDNODE"
	case EventSent:
		return "SENDMSG"
	case EventResponse:
		return "NOT_RESP"
	default:
		return "UNKNOWN"
	}
}

// Event is one telemetry record. MID, Type and Payload are set depending on
// Kind.
type Event struct {
	Kind    EventKind
	Addr    wlan.Addr
	MID     uint32
	Type    wlan.MessageType
	Payload []byte
}

// Config holds the runtime-tunable delivery settings.
type Config struct {
	// FastDelivery sends a newly seen station an indicator frame asking it to
	// stay awake for IndicatorTimeout.
	FastDelivery     bool
	IndicatorTimeout time.Duration
	// NodeTimeout is how long an unassociated station is remembered after
	// its last activity.
	NodeTimeout time.Duration
	MaxPayload  int
}

func DefaultConfig() Config {
	return Config{
		FastDelivery:     true,
		IndicatorTimeout: 1000 * time.Millisecond,
		NodeTimeout:      500 * time.Second,
		MaxPayload:       wlan.MaxPayload,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.IndicatorTimeout < 0 {
		c.IndicatorTimeout = 0
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = def.NodeTimeout
	}
	if c.MaxPayload <= 0 || c.MaxPayload > wlan.MaxPayload {
		c.MaxPayload = def.MaxPayload
	}
	return c
}

// PushRequest is a message handed over by the notification unit.
type PushRequest struct {
	Addr    wlan.Addr
	Type    wlan.MessageType
	Payload []byte
	// Expiry deletes a broadcast message after the given time. Zero keeps
	// it until deleted.
	Expiry time.Duration
}

// NodeInfo is a read-only view of a station node.
type NodeInfo struct {
	Addr             wlan.Addr
	LastBroadcastMID uint32
	Computed         bool
	Pending          []uint32
	EvictionArmed    bool
}

type Stats struct {
	Stations  int
	Queued    int
	Broadcast int
	NextMID   uint32
}
