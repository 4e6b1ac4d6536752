package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTransportDeliversPacketEndToEnd(t *testing.T) {
	serverT := New(0, false)
	clientT := New(0, false)

	received := make(chan []byte, 1)
	tok := serverT.Endpoints.Register(func(_ *Peer, payload []byte) { received <- payload })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go serverT.Serve(ln)

	peer := clientT.PeerFor(ln.Addr().String())
	peer.Send(tok, []byte("payload"), true)

	select {
	case got := <-received:
		require.Equal(t, []byte("payload"), got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	serverT.Stop()
	clientT.Stop()
}

func TestTransportLoopbackFastPath(t *testing.T) {
	tr := New(0, false)
	defer tr.Stop()

	received := make(chan []byte, 1)
	tok := tr.Endpoints.Register(func(_ *Peer, payload []byte) { received <- payload })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go tr.Serve(ln)
	time.Sleep(20 * time.Millisecond)

	p := tr.PeerFor(ln.Addr().String())
	require.True(t, p.Loopback)
	p.Send(tok, []byte("local"), true)

	select {
	case got := <-received:
		require.Equal(t, []byte("local"), got)
	case <-time.After(time.Second):
		t.Fatal("loopback send never dispatched")
	}
}

func TestTransportUnknownEndpointDoesNotBreakConnection(t *testing.T) {
	serverT := New(0, false)
	clientT := New(0, false)

	received := make(chan []byte, 1)
	tok := serverT.Endpoints.Register(func(_ *Peer, payload []byte) { received <- payload })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go serverT.Serve(ln)

	peer := clientT.PeerFor(ln.Addr().String())
	peer.Send(Token{Low: 99999}, []byte("nope"), true)
	peer.Send(tok, []byte("payload"), true)

	select {
	case got := <-received:
		require.Equal(t, []byte("payload"), got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery after unknown-endpoint send")
	}

	serverT.Stop()
	clientT.Stop()
}
