package tlogsvc

import (
	"context"

	"github.com/chn0318/tlogd/commit"
	"github.com/chn0318/tlogd/generation"
	"github.com/chn0318/tlogd/peek"
	"github.com/chn0318/tlogd/transport"
)

// Client issues TLog interface calls against a remote Server's Interface,
// registering a one-shot reply endpoint per call on its own transport so
// the answer can be routed back without a separate RPC framework.
type Client struct {
	T *transport.Transport
}

// NewClient wraps t for making calls; t must also be used to Serve
// inbound connections if the caller wants to receive replies from a peer
// that only dials out (otherwise PeerFor dials the target directly).
func NewClient(t *transport.Transport) *Client {
	return &Client{T: t}
}

// do registers a one-shot reply handler, sends encode's output addressed
// to tok at addr, and blocks for the matching reply or ctx's deadline.
func (c *Client) do(ctx context.Context, addr string, tok transport.Token, encode func(replyTo) []byte) ([]byte, error) {
	replyCh := make(chan []byte, 1)
	replyTok := c.T.Endpoints.Register(func(_ *transport.Peer, payload []byte) {
		select {
		case replyCh <- payload:
		default:
		}
	})
	defer c.T.Endpoints.Unregister(replyTok)

	peer := c.T.PeerFor(addr)
	peer.Send(tok, encode(replyTo{Token: replyTok}), true)

	select {
	case payload := <-replyCh:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek issues peek_messages.
func (c *Client) Peek(ctx context.Context, addr string, iface Interface, req peek.Request) (peek.Reply, error) {
	payload, err := c.do(ctx, addr, iface.Peek, func(r replyTo) []byte { return encodePeekRequest(r, req) })
	if err != nil {
		return peek.Reply{}, err
	}
	return decodePeekReply(payload)
}

// Pop issues pop_messages.
func (c *Client) Pop(ctx context.Context, addr string, iface Interface, req peek.PopRequest) error {
	payload, err := c.do(ctx, addr, iface.Pop, func(r replyTo) []byte { return encodePopRequest(r, req) })
	if err != nil {
		return err
	}
	return decodePopReply(payload)
}

// Commit issues commit and returns the durable_known_committed_version
// reported back by the generation's commit path.
func (c *Client) Commit(ctx context.Context, addr string, iface Interface, req commit.Request) (int64, error) {
	payload, err := c.do(ctx, addr, iface.Commit, func(r replyTo) []byte { return encodeCommitRequest(r, req) })
	if err != nil {
		return 0, err
	}
	return decodeCommitReply(payload)
}

// Lock issues the recovery lock call.
func (c *Client) Lock(ctx context.Context, addr string, iface Interface) (generation.LockResult, error) {
	payload, err := c.do(ctx, addr, iface.Lock, func(r replyTo) []byte { return encodeLockRequest(r) })
	if err != nil {
		return generation.LockResult{}, err
	}
	return decodeLockReply(payload)
}

// QueuingMetrics issues get_queuing_metrics.
func (c *Client) QueuingMetrics(ctx context.Context, addr string, iface Interface) (QueuingMetrics, error) {
	payload, err := c.do(ctx, addr, iface.QueuingMetrics, func(r replyTo) []byte { return encodeMetricsRequest(r) })
	if err != nil {
		return QueuingMetrics{}, err
	}
	return decodeMetricsReply(payload)
}

// ConfirmRunning issues confirm_running.
func (c *Client) ConfirmRunning(ctx context.Context, addr string, iface Interface, debugID string) error {
	payload, err := c.do(ctx, addr, iface.ConfirmRunning, func(r replyTo) []byte {
		return encodeConfirmRunningRequest(r, debugID)
	})
	if err != nil {
		return err
	}
	return decodeVoidReply(payload)
}

// RecoveryFinished blocks until the generation signals recovery complete.
// Callers should pass a ctx with no deadline, or one long enough to cover
// an entire recovery.
func (c *Client) RecoveryFinished(ctx context.Context, addr string, iface Interface) error {
	payload, err := c.do(ctx, addr, iface.RecoveryFinished, func(r replyTo) []byte { return encodeReplyOnlyRequest(r) })
	if err != nil {
		return err
	}
	return decodeVoidReply(payload)
}

// WaitFailure blocks until the generation is stopped by a newer
// coordinator locking it.
func (c *Client) WaitFailure(ctx context.Context, addr string, iface Interface) error {
	payload, err := c.do(ctx, addr, iface.WaitFailure, func(r replyTo) []byte { return encodeReplyOnlyRequest(r) })
	if err != nil {
		return err
	}
	return decodeVoidReply(payload)
}
