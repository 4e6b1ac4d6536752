package transport

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport is the top-level wiring for one TLog process: the endpoint
// demultiplexer shared by every local handler, and the table of peers
// keyed by remote address.
type Transport struct {
	Endpoints *EndpointMap
	Local     ConnectPacket
	UseTLS    bool
	Logger    *log.Logger

	mu           sync.Mutex
	peers        map[string]*Peer
	loopbackAddr string
	incompatible map[uint64]incompatiblePeer
}

// incompatiblePeer records the first sighting of a peer whose protocol
// version this process cannot speak, keyed by connection id so a
// multi-version client that later identifies itself can be cleared.
type incompatiblePeer struct {
	Address      string
	FirstSeen    time.Time
	MultiVersion bool
}

// New creates a Transport. listenPort is advertised in the ConnectPacket
// so a peer that dials us back uses our canonical address.
func New(listenPort uint16, useTLS bool) *Transport {
	id := uuid.New()
	return &Transport{
		Endpoints: NewEndpointMap(),
		Local: ConnectPacket{
			ProtocolVersion:     HandshakeProtocolVersion,
			CanonicalRemotePort: listenPort,
			ConnectionID:        binary.LittleEndian.Uint64(id[:8]),
		},
		UseTLS: useTLS,
		peers:  make(map[string]*Peer),
	}
}

// PeerFor returns the Peer for address, creating and starting its
// connection keeper on first use. A destination equal to this process's
// own listen address gets the loopback fast path instead of a socket.
func (t *Transport) PeerFor(address string) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[address]; ok {
		return p
	}
	p := NewPeer(t.Endpoints, address, t.Local)
	p.UseTLS = t.UseTLS
	p.Logger = t.Logger
	t.peers[address] = p
	if address == t.loopbackAddr && address != "" {
		p.Loopback = true
		return p
	}
	go p.Run(func(addr string) (net.Conn, error) {
		return net.Dial("tcp", addr)
	})
	return p
}

// Serve accepts inbound connections on ln, handing each to a Peer keyed by
// its remote address (creating one if this is the first connection from
// that address), so a destination that dials us still gets replies routed
// back through the same peer bookkeeping as an outbound connection.
func (t *Transport) Serve(ln net.Listener) error {
	t.mu.Lock()
	t.loopbackAddr = ln.Addr().String()
	t.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go t.acceptOne(conn)
	}
}

func (t *Transport) acceptOne(conn net.Conn) {
	peerPkt, err := readConnectPacket(conn)
	if err != nil {
		conn.Close()
		return
	}
	if _, err := conn.Write(EncodeConnectPacket(t.Local)); err != nil {
		conn.Close()
		return
	}
	keepAlive, compatErr := CheckCompatible(t.Local, peerPkt)
	if compatErr != nil {
		t.recordIncompatible(peerPkt, conn.RemoteAddr().String())
		if !keepAlive {
			conn.Close()
			return
		}
	}
	degraded := compatErr != nil

	// Key the peer by its canonical address (its advertised listen port on
	// the address it dialed from), so an inbound connection and our own
	// outbound dial to the same process share one Peer.
	addr := canonicalPeerAddress(conn.RemoteAddr(), peerPkt.CanonicalRemotePort)
	p := t.peerForInbound(addr)

	p.mu.Lock()
	if p.conn != nil {
		// Simultaneous open: both processes dialed each other. The peer
		// with the lexicographically larger canonical address keeps its
		// outgoing connection; here ours is the existing p.conn.
		ours := canonicalPeerAddress(conn.LocalAddr(), t.Local.CanonicalRemotePort)
		if ours > addr {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.conn.Close()
		p.conn = nil
	}
	p.mu.Unlock()
	p.serve(conn, degraded)
}

// peerForInbound returns (creating if needed) the Peer for a canonical
// address without starting the dialing keeper: an inbound-only peer is
// served for as long as its own connection lasts.
func (t *Transport) peerForInbound(address string) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[address]; ok {
		return p
	}
	p := NewPeer(t.Endpoints, address, t.Local)
	p.UseTLS = t.UseTLS
	p.Logger = t.Logger
	t.peers[address] = p
	return p
}

// canonicalPeerAddress substitutes a peer's advertised listen port into
// the host its connection actually came from; port 0 (a client that
// doesn't listen) leaves the observed address as-is.
func canonicalPeerAddress(addr net.Addr, port uint16) string {
	if port == 0 {
		return addr.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}

func (t *Transport) recordIncompatible(pkt ConnectPacket, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.incompatible == nil {
		t.incompatible = make(map[uint64]incompatiblePeer)
	}
	if _, ok := t.incompatible[pkt.ConnectionID]; !ok {
		t.incompatible[pkt.ConnectionID] = incompatiblePeer{
			Address:      addr,
			FirstSeen:    time.Now(),
			MultiVersion: pkt.Flags&ConnectFlagMultiVersionClient != 0,
		}
	}
}

// ClearKnownMultiVersionPeers drops incompatible-peer records whose
// connection ids identified themselves as multi-version clients; callers
// run it periodically so the table tracks only peers that genuinely
// cannot talk to us.
func (t *Transport) ClearKnownMultiVersionPeers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.incompatible {
		if p.MultiVersion {
			delete(t.incompatible, id)
		}
	}
}

// IncompatiblePeerCount reports how many incompatible peers are on record.
func (t *Transport) IncompatiblePeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.incompatible)
}

// Stop closes every peer's connection keeper.
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		p.Close()
	}
}
