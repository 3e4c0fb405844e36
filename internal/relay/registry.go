package relay

import "wipush/internal/wlan"

// StationHashSize is the number of station buckets. Bucket 0 is reserved for
// the broadcast node.
const StationHashSize = 256

// Node is the relay's record of one station, or of the broadcast address.
type Node struct {
	Addr wlan.Addr
	// LastBroadcastMID is the newest broadcast already sent to the station.
	LastBroadcastMID uint32
	lastSeq          uint64
	// Computed is set once the station has been announced upstream.
	Computed bool

	queue Queue
	evict Timer
}

func (n *Node) Pending() int { return n.queue.Len() }

// Registry maps addresses to nodes. The broadcast node always exists.
type Registry struct {
	buckets [StationHashSize + 1][]*Node
	n       int
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.buckets[0] = []*Node{{Addr: wlan.Broadcast}}
	r.n = 1
	return r
}

func bucketOf(a wlan.Addr) int {
	if a.IsBroadcast() {
		return 0
	}
	return a.Hash() + 1
}

// Broadcast returns the node holding broadcast messages.
func (r *Registry) Broadcast() *Node { return r.buckets[0][0] }

func (r *Registry) Lookup(a wlan.Addr) (*Node, bool) {
	for _, n := range r.buckets[bucketOf(a)] {
		if n.Addr == a {
			return n, true
		}
	}
	return nil, false
}

// GetOrCreate returns the node for a, inserting a fresh one at the head of
// its bucket when the station is new.
func (r *Registry) GetOrCreate(a wlan.Addr) (n *Node, created bool) {
	if n, ok := r.Lookup(a); ok {
		return n, false
	}
	b := bucketOf(a)
	n = &Node{Addr: a}
	r.buckets[b] = append([]*Node{n}, r.buckets[b]...)
	r.n++
	return n, true
}

// Remove unlinks the station node for a. The broadcast node cannot be
// removed.
func (r *Registry) Remove(a wlan.Addr) (*Node, bool) {
	if a.IsBroadcast() {
		return nil, false
	}
	b := bucketOf(a)
	for i, n := range r.buckets[b] {
		if n.Addr == a {
			r.buckets[b] = append(r.buckets[b][:i], r.buckets[b][i+1:]...)
			if len(r.buckets[b]) == 0 {
				r.buckets[b] = nil
			}
			r.n--
			return n, true
		}
	}
	return nil, false
}

// Stations calls fn for every station node, skipping the broadcast node.
// fn must not add or remove nodes.
func (r *Registry) Stations(fn func(n *Node)) {
	for b := 1; b < len(r.buckets); b++ {
		for _, n := range r.buckets[b] {
			fn(n)
		}
	}
}

// Len counts nodes including the broadcast node.
func (r *Registry) Len() int { return r.n }
