// Package transport implements the wire transport and endpoint
// demultiplexer carrying peek/pop/commit traffic between TLog servers and
// their peers.
package transport

import "sync"

// TokenStreamFlag marks a Token as a stream endpoint (long-lived, receives
// many messages) rather than a one-shot reply endpoint.
const TokenStreamFlag uint64 = 1 << 63

// Token identifies a receive endpoint. The low word's bottom 32 bits index
// a slot in an EndpointMap; the high word carries only TokenStreamFlag. No
// priority or task class is encoded in either word.
type Token struct {
	Low  uint64
	High uint64
}

// slotIndex extracts the EndpointMap slot this token addresses.
func (t Token) slotIndex() uint32 { return uint32(t.Low) }

// IsStream reports whether this token addresses a stream endpoint.
func (t Token) IsStream() bool { return t.High&TokenStreamFlag != 0 }

// Well-known tokens, fixed across every TLog process.
var (
	EndpointNotFound = Token{Low: 0, High: 0}
	PingToken        = Token{Low: 1, High: 0}
	IgnorePacket     = Token{Low: 2, High: 0}
)

// Handler processes one delivered payload for an endpoint. from is the
// Peer the packet arrived on (the loopback Peer itself on the loopback
// fast path; nil for locally-originated dispatch), so a request/reply
// handler can send its
// answer back down the same connection without a separate address lookup.
type Handler func(from *Peer, payload []byte)

// EndpointMap is the slab-backed receiver table: registering an endpoint
// allocates a slot and returns the Token addressing it.
type EndpointMap struct {
	mu    sync.RWMutex
	slots []Handler
	free  []uint32
}

// NewEndpointMap creates an EndpointMap pre-registered with the
// well-known endpoints at their fixed slots.
func NewEndpointMap() *EndpointMap {
	m := &EndpointMap{slots: make([]Handler, 3)}
	m.slots[0] = func(*Peer, []byte) {}
	m.slots[1] = func(*Peer, []byte) {}
	m.slots[2] = func(*Peer, []byte) {}
	return m
}

// Register allocates a slot for h and returns a reply-class Token
// addressing it.
func (m *EndpointMap) Register(h Handler) Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	var idx uint32
	if n := len(m.free); n > 0 {
		idx = m.free[n-1]
		m.free = m.free[:n-1]
		m.slots[idx] = h
	} else {
		idx = uint32(len(m.slots))
		m.slots = append(m.slots, h)
	}
	return Token{Low: uint64(idx)}
}

// RegisterStream is Register but marks the token as a stream endpoint.
func (m *EndpointMap) RegisterStream(h Handler) Token {
	t := m.Register(h)
	t.High |= TokenStreamFlag
	return t
}

// Unregister frees a slot, making it reusable by a future Register call.
func (m *EndpointMap) Unregister(t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := t.slotIndex()
	if int(idx) >= len(m.slots) {
		return
	}
	m.slots[idx] = nil
	m.free = append(m.free, idx)
}

// Dispatch delivers payload to the handler addressed by t, passing along
// the Peer the packet arrived on. It reports whether a handler was found;
// the caller replies endpoint_not_found otherwise.
func (m *EndpointMap) Dispatch(t Token, from *Peer, payload []byte) bool {
	m.mu.RLock()
	idx := t.slotIndex()
	var h Handler
	if int(idx) < len(m.slots) {
		h = m.slots[idx]
	}
	m.mu.RUnlock()
	if h == nil {
		return false
	}
	h(from, payload)
	return true
}
