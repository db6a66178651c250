// Package polling implements the polling client: a long-lived outbound
// connection that presents itself as a subscriber to a listener, then
// serves whatever requests arrive over that connection against the local
// service implementation — the caller-facing roles are inverted, but the
// wire loop it runs is exactly the one MEP already runs for an ordinary
// inbound client (protocol.MEP.ExchangeAsServer with RoleClient), so this
// package only owns dialing, identity, and redial policy.
//
// Redials back off exponentially, capped, and never give up: a
// subscription with several willing listeners spreads its redials across
// them via loadbalance instead of hammering one.
package polling

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mxtransport/loadbalance"
	"mxtransport/message"
	"mxtransport/protocol"
)

// Dialer opens a raw TLS connection to a listener's base URI.
type Dialer func(ctx context.Context, baseURI string) (*tls.Conn, error)

// Config controls one Task's redial policy.
type Config struct {
	// SubscriptionURL is sent in the subscriber identity preamble; it is
	// the same string other callers use as ServiceEndpoint.BaseURI when
	// they enqueue a request for this subscription.
	SubscriptionURL string
	Candidates      func() []loadbalance.Candidate
	Balancer        loadbalance.Balancer
	Dial            Dialer
	Handle          protocol.HandleRequestFunc
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
}

const (
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
)

// Task keeps exactly one subscription's connection alive against
// whichever candidate listener its balancer currently favors.
type Task struct {
	cfg Config
	log *zap.SugaredLogger
}

func New(cfg Config, log *zap.SugaredLogger) *Task {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Balancer == nil {
		cfg.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	return &Task{cfg: cfg, log: log}
}

// Run dials, serves, and redials until ctx is cancelled. A clean end to a
// serving session (the listener's queue ran dry and sent END, or the
// listener closed on shutdown) resets the backoff; a failed dial or a
// protocol error grows it, capped at cfg.MaxBackoff.
func (t *Task) Run(ctx context.Context) {
	backoff := t.cfg.BaseBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		cand, err := t.pickCandidate()
		if err != nil {
			t.log.Warnw("polling: no candidate endpoint available", "subscription", t.cfg.SubscriptionURL, "error", err)
			if !t.sleep(ctx, backoff) {
				return
			}
			backoff = growBackoff(backoff, t.cfg.MaxBackoff)
			continue
		}

		err = t.serveOnce(ctx, cand)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.log.Infow("polling: session ended", "subscription", t.cfg.SubscriptionURL, "endpoint", cand.Endpoint.BaseURI, "error", err)
			if !t.sleep(ctx, backoff) {
				return
			}
			backoff = growBackoff(backoff, t.cfg.MaxBackoff)
			continue
		}

		backoff = t.cfg.BaseBackoff
	}
}

func growBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func (t *Task) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Task) pickCandidate() (loadbalance.Candidate, error) {
	candidates := t.cfg.Candidates()
	if len(candidates) == 0 {
		return loadbalance.Candidate{}, fmt.Errorf("polling: no candidate endpoints configured")
	}
	if kb, ok := t.cfg.Balancer.(loadbalance.KeyedBalancer); ok {
		return kb.PickKeyed(t.cfg.SubscriptionURL, candidates)
	}
	return t.cfg.Balancer.Pick(candidates)
}

// serveOnce dials cand, presents this subscription's identity, and runs
// the server-origin loop against the local handler until the connection
// ends.
func (t *Task) serveOnce(ctx context.Context, cand loadbalance.Candidate) error {
	conn, err := t.cfg.Dial(ctx, cand.Endpoint.BaseURI)
	if err != nil {
		return message.WrapError(message.KindTransportTimeout, "dialing "+cand.Endpoint.BaseURI, err)
	}
	defer conn.Close()

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return message.NewError(message.KindUnknownServerThumbprint, "listener presented no certificate")
	}
	got := protocol.Thumbprint(state.PeerCertificates[0])
	if !protocol.SameThumbprint(got, cand.Endpoint.PinnedThumbprint) {
		return message.NewError(message.KindUnknownServerThumbprint, "listener thumbprint "+got+" does not match pinned "+cand.Endpoint.PinnedThumbprint)
	}

	stream := protocol.NewStream(conn)
	if err := stream.WriteSubscriberIdentity(t.cfg.SubscriptionURL); err != nil {
		return message.WrapError(message.KindTransportTimeout, "sending subscriber identity", err)
	}
	ack, err := stream.ReadRemoteIdentity()
	if err != nil {
		return err
	}
	if ack.Role != message.RoleServer {
		return message.NewError(message.KindProtocolViolation, "expected server identity acknowledgment")
	}

	mep := protocol.NewMEP(stream, conn, t.log)
	defer mep.Terminate()

	return mep.ExchangeAsServer(ctx, message.RemoteIdentity{Role: message.RoleClient}, t.cfg.Handle, nil)
}
