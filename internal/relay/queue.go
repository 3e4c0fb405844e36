package relay

import (
	"time"

	"wipush/internal/wlan"
)

// Message is one queued notification.
type Message struct {
	MID     uint32
	Type    wlan.MessageType
	Payload []byte
	Queued  time.Time

	seq    uint64
	expiry Timer
}

// Queue is a FIFO of messages in push order.
type Queue struct {
	items []*Message
}

func (q *Queue) Len() int { return len(q.items) }

func (q *Queue) Push(m *Message) { q.items = append(q.items, m) }

// Pop removes the head message.
func (q *Queue) Pop() (*Message, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return m, true
}

// Remove deletes the message with the given id.
func (q *Queue) Remove(mid uint32) (*Message, bool) {
	for i, m := range q.items {
		if m.MID == mid {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return m, true
		}
	}
	return nil, false
}

// Clear empties the queue and returns what it held.
func (q *Queue) Clear() []*Message {
	out := q.items
	q.items = nil
	return out
}

// Each visits messages head to tail.
func (q *Queue) Each(fn func(m *Message)) {
	for _, m := range q.items {
		fn(m)
	}
}

func (q *Queue) MIDs() []uint32 {
	if len(q.items) == 0 {
		return nil
	}
	out := make([]uint32, len(q.items))
	for i, m := range q.items {
		out[i] = m.MID
	}
	return out
}
