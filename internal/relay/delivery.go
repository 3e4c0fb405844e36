package relay

import (
	"errors"
	"math"

	"wipush/internal/wlan"
	logx "wipush/pkg/logx"
)

// fanOut sends a fresh broadcast to the associated stations. A station only
// has its watermark advanced when the driver took the frame; the others
// catch up on their next activity.
func (e *Engine) fanOut(m *Message) {
	body := wlan.AppendNotification(nil, wlan.Notification{
		Type:      m.Type,
		MID:       m.MID,
		Payload:   m.Payload,
		Broadcast: true,
	})
	e.reg.Stations(func(n *Node) {
		if !e.drv.IsAssociated(n.Addr) {
			return
		}
		if err := e.send(n.Addr, body, "notification"); err != nil {
			return
		}
		n.LastBroadcastMID, n.lastSeq = m.MID, m.seq
		e.emit(Event{Kind: EventSent, Addr: n.Addr, MID: m.MID, Type: m.Type})
	})
}

// deliverBroadcasts sends every retained broadcast newer than the station's
// watermark.
func (e *Engine) deliverBroadcasts(n *Node, check uint16) {
	e.reg.Broadcast().queue.Each(func(m *Message) {
		if m.seq <= n.lastSeq {
			return
		}
		body := wlan.AppendNotification(nil, wlan.Notification{
			Type:      m.Type,
			MID:       m.MID,
			Payload:   m.Payload,
			Broadcast: true,
			Check:     check,
		})
		_ = e.send(n.Addr, body, "notification")
		n.LastBroadcastMID, n.lastSeq = m.MID, m.seq
		e.emit(Event{Kind: EventSent, Addr: n.Addr, MID: m.MID, Type: m.Type})
	})
}

// drain transmits the station's unicast queue. Messages are consumed even if
// the driver fails.
func (e *Engine) drain(n *Node) {
	for {
		m, ok := n.queue.Pop()
		if !ok {
			return
		}
		e.queued--
		stopExpiry(m)
		body := wlan.AppendNotification(nil, wlan.Notification{Type: m.Type, MID: m.MID, Payload: m.Payload})
		_ = e.send(n.Addr, body, "notification")
		e.emit(Event{Kind: EventSent, Addr: n.Addr, MID: m.MID, Type: m.Type})
	}
}

func (e *Engine) sendIndicator(addr wlan.Addr) {
	ms := e.cfg.IndicatorTimeout.Milliseconds()
	if ms > math.MaxUint16 {
		ms = math.MaxUint16
	}
	_ = e.send(addr, wlan.AppendIndicator(nil, uint16(ms)), "indicator")
}

func (e *Engine) send(dst wlan.Addr, body []byte, kind string) error {
	err := e.drv.SendAction(e.drv.Frequency(), dst, body)
	e.m.frame(kind, err)
	if err != nil {
		e.sendWarn.Do(func() {
			e.log.Warn("action frame not sent", logx.Stringer("addr", dst), logx.String("kind", kind), logx.Err(err))
		})
		e.publish(TopicSendFailed, Event{Addr: dst})
	}
	return err
}

// HandleAction processes the body of a Public Action frame from sa.
func (e *Engine) HandleAction(sa wlan.Addr, body []byte, freq int) {
	f, err := wlan.Decode(body)
	if err != nil {
		result := "malformed"
		if errors.Is(err, wlan.ErrNotNotification) {
			result = "foreign"
		}
		e.m.inboundFrame(result)
		e.log.Debug("action frame dropped", logx.Stringer("addr", sa), logx.Int("freq", freq), logx.Err(err))
		return
	}
	switch f.Kind {
	case wlan.KindRequest:
		e.m.inboundFrame("request")
		e.Activity(sa, 0)
	case wlan.KindResponse:
		e.m.inboundFrame("response")
		e.Response(sa, f.MID, f.Payload)
	default:
		e.m.inboundFrame("ignored")
		e.log.Debug("unexpected frame from station", logx.Stringer("addr", sa), logx.Stringer("kind", f.Kind))
	}
}

// HandleFrame processes a full management frame as delivered by a driver.
func (e *Engine) HandleFrame(raw []byte, freq int) {
	sa, body, err := wlan.ParseAction(raw)
	if err != nil {
		e.m.inboundFrame("malformed")
		e.log.Debug("management frame dropped", logx.Int("len", len(raw)), logx.Err(err))
		return
	}
	e.HandleAction(sa, body, freq)
}

// HandleProbe treats a probe request carrying the notification indicator
// element as station activity.
func (e *Engine) HandleProbe(raw []byte) {
	sa, check, ok, err := wlan.ProbeIndicator(raw)
	if err != nil {
		e.m.inboundFrame("malformed")
		e.log.Debug("probe request dropped", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	e.m.inboundFrame("probe")
	e.Activity(sa, check)
}
