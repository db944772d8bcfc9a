package proxy

import (
	"sync/atomic"

	"github.com/emirpasic/gods/maps/linkedhashmap"
)

// messageRegistry owns the live ActiveMessages of one connection in arrival
// order. Messages are keyed by a handle that is never reused, so a message
// removed during a callback can't be confused with a newer one.
type messageRegistry struct {
	nextHandle uint64
	entries    *linkedhashmap.Map
	// live mirrors entries.Size() for readers outside the dispatcher.
	live atomic.Int64
}

func newMessageRegistry() *messageRegistry {
	return &messageRegistry{entries: linkedhashmap.New()}
}

// insert links m at the tail. A message already linked is left alone.
func (r *messageRegistry) insert(m *ActiveMessage) {
	if m.inserted {
		return
	}
	r.nextHandle++
	m.handle = r.nextHandle
	m.inserted = true
	r.entries.Put(m.handle, m)
	r.live.Add(1)
}

// remove unlinks m and reports whether it was linked.
func (r *messageRegistry) remove(m *ActiveMessage) bool {
	if !m.inserted {
		return false
	}
	r.entries.Remove(m.handle)
	m.inserted = false
	r.live.Add(-1)
	return true
}

// front returns the oldest live message, or nil.
func (r *messageRegistry) front() *ActiveMessage {
	it := r.entries.Iterator()
	if !it.First() {
		return nil
	}
	return it.Value().(*ActiveMessage)
}

func (r *messageRegistry) empty() bool { return r.entries.Empty() }

func (r *messageRegistry) size() int { return r.entries.Size() }

// snapshot copies the live messages in arrival order.
func (r *messageRegistry) snapshot() []*ActiveMessage {
	values := r.entries.Values()
	out := make([]*ActiveMessage, 0, len(values))
	for _, v := range values {
		out = append(out, v.(*ActiveMessage))
	}
	return out
}
