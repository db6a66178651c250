// Package secureclient implements the secure client: dial, TLS mutual
// authentication with thumbprint pinning, and pool interaction around one
// MEP burst.
//
// A per-key pool checkout happens before the call and a guaranteed return
// happens afterward. There is no discovery step here — the destination
// already names its expected identity directly via its pinned thumbprint
// — so connecting is just dial, then extract the peer's leaf certificate
// off the resulting TLS connection state and compare it.
package secureclient

import (
	"context"
	"crypto/tls"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mxtransport/message"
	"mxtransport/pool"
	"mxtransport/protocol"
)

// Dialer opens a raw TLS connection to a ServiceEndpoint's base URI. The
// TLS stack itself — certificate loading, cipher configuration — is an
// external collaborator; secureclient only verifies the resulting peer
// thumbprint and drives the MEP handshake on top.
type Dialer func(ctx context.Context, baseURI string) (*tls.Conn, error)

// Client is the secure client.
type Client struct {
	dial     Dialer
	sessions *pool.Pool[message.ServiceEndpoint, *protocol.MEP]
	log      *zap.SugaredLogger
	dials    int64 // count of cold dials, for pool-warmth tests
}

// Config controls pool sizing; zero values take pool's defaults.
type Config struct {
	MaxPerKey int
	IdleTTL   time.Duration
}

func New(dial Dialer, cfg Config, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Client{dial: dial, log: log}
	c.sessions = pool.New[message.ServiceEndpoint, *protocol.MEP](c.connect, cfg.MaxPerKey, cfg.IdleTTL)
	return c
}

// DialCount reports how many cold dials this client has performed,
// exposed for pool-warmth end-to-end tests.
func (c *Client) DialCount() int64 { return atomic.LoadInt64(&c.dials) }

// connect is the pool factory: dial, verify the pinned thumbprint, and run
// identity exchange as Client, leaving a fresh MEP ready for one burst.
func (c *Client) connect(key message.ServiceEndpoint) (*protocol.MEP, error) {
	atomic.AddInt64(&c.dials, 1)

	conn, err := c.dial(context.Background(), key.BaseURI)
	if err != nil {
		return nil, message.WrapError(message.KindTransportTimeout, "dialing "+key.BaseURI, err)
	}

	if err := verifyThumbprint(conn, key.PinnedThumbprint); err != nil {
		conn.Close()
		return nil, err
	}

	stream := protocol.NewStream(conn)
	if err := stream.WriteClientIdentity(); err != nil {
		conn.Close()
		return nil, message.WrapError(message.KindTransportTimeout, "sending client identity", err)
	}
	ack, err := stream.ReadRemoteIdentity()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if ack.Role != message.RoleServer {
		conn.Close()
		return nil, message.NewError(message.KindProtocolViolation, "expected server identity acknowledgment")
	}

	return protocol.NewMEP(stream, conn, c.log), nil
}

// verifyThumbprint computes the SHA-1 of the peer leaf certificate and
// compares it, constant-time, against pinned. No CA trust is consulted;
// the pin is the entire identity.
func verifyThumbprint(conn *tls.Conn, pinned string) error {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return message.NewError(message.KindUnknownServerThumbprint, "peer presented no certificate")
	}
	got := protocol.Thumbprint(state.PeerCertificates[0])
	if !protocol.SameThumbprint(got, pinned) {
		return message.NewError(message.KindUnknownServerThumbprint, "server thumbprint "+got+" does not match pinned "+pinned)
	}
	return nil
}

// ExecuteTransaction runs fn against a pooled or freshly dialled MEP bound
// to key:
//
//  1. take an idle entry, or dial one;
//  2. invoke fn(mep) exactly once;
//  3. on clean return, push the entry back to the pool; on any failure,
//     destroy the entry (never recycle a stream fn may have left dirty).
//
// A pooled entry can be one whose peer already closed it while idle — the
// pool hands it out with no health check. If fn fails against one with a
// transport error, that failure alone doesn't distinguish "the request was
// bad" from "the connection was already dead", so it's retried exactly
// once against a freshly dialled MEP before the error is surfaced. A
// freshly dialled entry that fails isn't retried again.
func (c *Client) ExecuteTransaction(key message.ServiceEndpoint, fn func(*protocol.MEP) (*message.Response, error)) (*message.Response, error) {
	mep, fresh, err := c.sessions.TakeChecked(key)
	if err != nil {
		return nil, err
	}
	pooled := !fresh

	resp, err := fn(mep)
	if err == nil && !mep.Dead() {
		c.sessions.Return(key, mep, true)
		return resp, nil
	}
	c.sessions.Discard(key, mep)

	if err == nil || !pooled {
		return resp, err
	}
	if kind, ok := message.KindOf(err); !ok || kind != message.KindTransportTimeout {
		return resp, err
	}

	retryMEP, dialErr := c.connect(key)
	if dialErr != nil {
		return nil, err
	}

	resp, err = fn(retryMEP)
	if err != nil || retryMEP.Dead() {
		c.sessions.Discard(key, retryMEP)
		return resp, err
	}
	c.sessions.Return(key, retryMEP, true)
	return resp, nil
}

// Call is the common case of ExecuteTransaction: send one request and
// return its response.
func (c *Client) Call(req *message.Request) (*message.Response, error) {
	return c.ExecuteTransaction(req.Destination, func(mep *protocol.MEP) (*message.Response, error) {
		return mep.ExchangeAsClient(req)
	})
}

// Close terminates every pooled session and stops background eviction.
func (c *Client) Close() {
	c.sessions.Close()
}
