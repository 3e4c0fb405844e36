package relay

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"wipush/internal/eventbus"
	"wipush/internal/wlan"
	logx "wipush/pkg/logx"
)

// Bus topics published by the engine. Event.Data is always an Event.
const (
	TopicNodeNew    = "relay.node.new"
	TopicNodeGone   = "relay.node.gone"
	TopicQueued     = "relay.msg.queued"
	TopicSent       = "relay.msg.sent"
	TopicDeleted    = "relay.msg.deleted"
	TopicResponse   = "relay.msg.response"
	TopicSendFailed = "relay.frame.failed"
)

type Engine struct {
	cfg   Config
	drv   Driver
	sched Scheduler
	tel   Telemetry
	bus   eventbus.Bus
	log   logx.Logger
	m     *Metrics
	now   func() time.Time

	reg     *Registry
	nextMID uint32
	// seq orders messages across MID wraparound.
	seq    uint64
	queued int

	sendWarn rate.Sometimes
}

type Option func(*Engine)

func WithTelemetry(t Telemetry) Option { return func(e *Engine) { e.tel = t } }
func WithBus(b eventbus.Bus) Option    { return func(e *Engine) { e.bus = b } }
func WithLogger(l logx.Logger) Option  { return func(e *Engine) { e.log = l } }
func WithMetrics(m *Metrics) Option    { return func(e *Engine) { e.m = m } }

func New(cfg Config, drv Driver, sched Scheduler, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg.normalized(),
		drv:      drv,
		sched:    sched,
		now:      time.Now,
		reg:      NewRegistry(),
		nextMID:  1,
		sendWarn: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	return e
}

// SetTelemetry replaces the telemetry sink.
func (e *Engine) SetTelemetry(t Telemetry) { e.tel = t }

func (e *Engine) Config() Config { return e.cfg }

// Apply replaces every delivery setting. Armed eviction timers keep their
// original deadline.
func (e *Engine) Apply(cfg Config) {
	e.cfg = cfg.normalized()
	e.log.Info("delivery settings applied",
		logx.Bool("fast_delivery", e.cfg.FastDelivery),
		logx.Duration("indicator_timeout", e.cfg.IndicatorTimeout),
		logx.Duration("node_timeout", e.cfg.NodeTimeout),
		logx.Int("max_payload", e.cfg.MaxPayload),
	)
}

func (e *Engine) SetFastDelivery(on bool) { e.cfg.FastDelivery = on }

func (e *Engine) SetIndicatorTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.cfg.IndicatorTimeout = d
}

func (e *Engine) SetNodeTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.cfg.NodeTimeout = d
}

// Push queues a message and returns its id. Broadcasts go out at once to
// every associated station; a unicast message goes out at once when its
// station is associated and otherwise waits for the station's next activity.
func (e *Engine) Push(req PushRequest) (uint32, error) {
	switch {
	case len(req.Payload) == 0:
		e.m.reject("empty")
		return 0, ErrEmptyPayload
	case len(req.Payload) > e.cfg.MaxPayload:
		e.m.reject("too_large")
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(req.Payload), e.cfg.MaxPayload)
	case !req.Type.Valid():
		e.m.reject("bad_type")
		return 0, ErrBadMessageType
	}

	// The wire id is 32 bits and skips 0 when it wraps; watermarks compare
	// seq, which does not wrap.
	mid := e.nextMID
	e.nextMID++
	if e.nextMID == 0 {
		e.nextMID = 1
	}
	e.seq++

	msg := &Message{
		MID:     mid,
		Type:    req.Type,
		Payload: append([]byte(nil), req.Payload...),
		Queued:  e.now(),
		seq:     e.seq,
	}
	node, created := e.reg.GetOrCreate(req.Addr)
	if created {
		e.m.nodeCreated()
	}
	node.queue.Push(msg)
	e.publish(TopicQueued, Event{Addr: req.Addr, MID: mid, Type: req.Type, Payload: msg.Payload})

	if req.Addr.IsBroadcast() {
		e.m.push("broadcast")
		e.log.Debug("broadcast queued", logx.Uint32("mid", mid), logx.Int("len", len(msg.Payload)), logx.Duration("expiry", req.Expiry))
		e.fanOut(msg)
		if req.Expiry > 0 {
			msg.expiry = e.sched.AfterFunc(req.Expiry, func() { e.expire(mid) })
		}
	} else {
		e.m.push("unicast")
		e.queued++
		e.log.Debug("message queued", logx.Stringer("addr", req.Addr), logx.Uint32("mid", mid), logx.Int("len", len(msg.Payload)))
		if e.drv.IsAssociated(req.Addr) {
			e.drain(node)
		}
	}
	e.refreshGauges()
	return mid, nil
}

func (e *Engine) expire(mid uint32) {
	if err := e.DeleteBroadcast(mid); err == nil {
		e.log.Debug("broadcast expired", logx.Uint32("mid", mid))
	}
}

// Activity records that a station is reachable and delivers what it has not
// received yet. check is echoed in broadcast frames.
func (e *Engine) Activity(addr wlan.Addr, check uint16) {
	if addr.IsBroadcast() {
		return
	}
	node, created := e.reg.GetOrCreate(addr)
	if created {
		e.m.nodeCreated()
	}
	if !node.Computed {
		if e.cfg.FastDelivery {
			e.sendIndicator(addr)
		}
		e.log.Info("new station", logx.Stringer("addr", addr))
		e.emit(Event{Kind: EventNewNode, Addr: addr})
		node.Computed = true
	}

	e.armEviction(node)
	e.deliverBroadcasts(node, check)
	e.drain(node)
	e.refreshGauges()
}

func (e *Engine) armEviction(n *Node) {
	if n.evict != nil {
		n.evict.Stop()
		n.evict = nil
	}
	if e.drv.IsAssociated(n.Addr) {
		return
	}
	n.evict = e.sched.AfterFunc(e.cfg.NodeTimeout, func() { e.evictionDue(n) })
}

func (e *Engine) evictionDue(n *Node) {
	if cur, ok := e.reg.Lookup(n.Addr); !ok || cur != n {
		return
	}
	n.evict = nil
	if e.drv.IsAssociated(n.Addr) {
		e.log.Debug("inactive station still associated", logx.Stringer("addr", n.Addr))
		return
	}
	e.log.Info("evicting inactive station", logx.Stringer("addr", n.Addr), logx.Uint32("last_bcast", n.LastBroadcastMID))
	e.deleteNode(n)
	e.m.nodeEvicted()
	e.refreshGauges()
}

// DeleteNode forgets a station and drops its pending messages. Associated
// stations are never deleted.
func (e *Engine) DeleteNode(addr wlan.Addr) bool {
	n, ok := e.reg.Lookup(addr)
	if !ok || addr.IsBroadcast() || e.drv.IsAssociated(addr) {
		return false
	}
	e.deleteNode(n)
	e.refreshGauges()
	return true
}

func (e *Engine) deleteNode(n *Node) {
	if n.evict != nil {
		n.evict.Stop()
		n.evict = nil
	}
	for _, m := range n.queue.Clear() {
		stopExpiry(m)
		e.queued--
	}
	e.reg.Remove(n.Addr)
	e.emit(Event{Kind: EventOldNode, Addr: n.Addr})
}

// Response forwards a station's answer upstream.
func (e *Engine) Response(sa wlan.Addr, mid uint32, payload []byte) {
	e.m.response()
	e.log.Debug("response received", logx.Stringer("addr", sa), logx.Uint32("mid", mid), logx.Int("len", len(payload)))
	e.emit(Event{Kind: EventResponse, Addr: sa, MID: mid, Payload: append([]byte(nil), payload...)})
}

// DeleteBroadcast withdraws a retained broadcast message.
func (e *Engine) DeleteBroadcast(mid uint32) error {
	m, ok := e.reg.Broadcast().queue.Remove(mid)
	if !ok {
		return fmt.Errorf("%w: mid %d", ErrNotFound, mid)
	}
	stopExpiry(m)
	e.publish(TopicDeleted, Event{Addr: wlan.Broadcast, MID: mid, Type: m.Type})
	e.refreshGauges()
	return nil
}

// FlushAll drops every pending message. Station nodes keep their
// watermarks unless freeNodes is set, in which case they are forgotten
// without telemetry.
func (e *Engine) FlushAll(freeNodes bool) {
	for _, m := range e.reg.Broadcast().queue.Clear() {
		stopExpiry(m)
	}
	var stations []*Node
	e.reg.Stations(func(n *Node) {
		for _, m := range n.queue.Clear() {
			stopExpiry(m)
		}
		stations = append(stations, n)
	})
	e.queued = 0

	if freeNodes {
		for _, n := range stations {
			if n.evict != nil {
				n.evict.Stop()
				n.evict = nil
			}
			e.reg.Remove(n.Addr)
		}
	}
	e.log.Info("queues flushed", logx.Bool("free_nodes", freeNodes), logx.Int("stations", len(stations)))
	e.refreshGauges()
}

func stopExpiry(m *Message) {
	if m.expiry != nil {
		m.expiry.Stop()
		m.expiry = nil
	}
}

// Node returns a snapshot of the station's record.
func (e *Engine) Node(addr wlan.Addr) (NodeInfo, bool) {
	n, ok := e.reg.Lookup(addr)
	if !ok {
		return NodeInfo{}, false
	}
	return NodeInfo{
		Addr:             n.Addr,
		LastBroadcastMID: n.LastBroadcastMID,
		Computed:         n.Computed,
		Pending:          n.queue.MIDs(),
		EvictionArmed:    n.evict != nil,
	}, true
}

func (e *Engine) Stats() Stats {
	return Stats{
		Stations:  e.reg.Len() - 1,
		Queued:    e.queued,
		Broadcast: e.reg.Broadcast().Pending(),
		NextMID:   e.nextMID,
	}
}

func (e *Engine) refreshGauges() { e.m.gauges(e.Stats()) }

func (e *Engine) emit(ev Event) {
	if e.tel != nil {
		e.tel.Emit(ev)
	}
	var topic string
	switch ev.Kind {
	case EventNewNode:
		topic = TopicNodeNew
	case EventOldNode:
		topic = TopicNodeGone
	case EventSent:
		topic = TopicSent
	case EventResponse:
		topic = TopicResponse
	}
	e.publish(topic, ev)
}

func (e *Engine) publish(topic string, ev Event) {
	if e.bus == nil || topic == "" {
		return
	}
	e.bus.Publish(eventbus.Event{Type: topic, Time: e.now(), Data: ev})
}
