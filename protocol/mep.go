package protocol

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"mxtransport/message"
)

// Turn-taking control tokens. PROCEED is server-only: neither
// ExchangeAsClient nor the subscriber loop ever send it, they only
// receive it.
const (
	tokenNext    = "NEXT"
	tokenEnd     = "END"
	tokenProceed = "PROCEED"
)

// State names the position of an MEP instance in one of its three
// explicit state machines. Naming these, rather than leaving them
// implicit in control flow, makes the exchange protocol reviewable.
type State int

const (
	StateIdle State = iota
	StateAwaitResponse
	StateDecide
	StateAwaitProceed
	StateWaitRequest
	StateHandle
	StateExpectTurn
	StatePollQueue
	StateSendRequest
	StateTerminal
)

// PendingEntry is the minimal shape MEP needs from a pending-request
// queue entry to run the subscriber-inverted loop: the request to send,
// and a way to resolve it once the response (or a transport failure)
// arrives. The queue package's entry type implements this.
type PendingEntry interface {
	Request() *message.Request
	Complete(resp *message.Response)
	Abandon(err error)
}

// PendingSource is dequeue: block up to maxWait for an entry, or report
// none found.
type PendingSource interface {
	Dequeue(ctx context.Context, maxWait time.Duration) (PendingEntry, bool)
}

// HandleRequestFunc dispatches one inbound request to the local service
// implementation (runtime.HandleIncoming), used by ExchangeAsServer when
// the peer identified itself as a Client.
type HandleRequestFunc func(ctx context.Context, req *message.Request) *message.Response

// MEP runs the message-exchange protocol on top of an already-identified
// Stream. It is strictly single-threaded per connection: the state
// machine assumes exclusive access to its stream for the lifetime of a
// burst.
type MEP struct {
	stream *Stream
	closer io.Closer
	log    *zap.SugaredLogger

	// PollMaxWait bounds how long serveSubscriber blocks on a single
	// Dequeue before deciding the queue is empty and sending END. Tests
	// shrink this; production leaves the default.
	PollMaxWait time.Duration

	state State
	dead  bool
}

// DefaultPollMaxWait is the bounded dequeue wait used when a caller
// doesn't override MEP.PollMaxWait.
const DefaultPollMaxWait = 30 * time.Second

// NewMEP binds a fresh MEP instance to stream. closer, if non-nil, is
// closed by Terminate.
func NewMEP(stream *Stream, closer io.Closer, log *zap.SugaredLogger) *MEP {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &MEP{stream: stream, closer: closer, log: log, state: StateIdle, PollMaxWait: DefaultPollMaxWait}
}

// Dead reports whether this MEP instance suffered a failure that leaves
// the underlying stream unrecyclable — the connection pool must destroy
// it rather than return it.
func (m *MEP) Dead() bool {
	return m.dead
}

func (m *MEP) fail(kind message.Kind, format string, args ...any) error {
	m.dead = true
	m.state = StateTerminal
	return message.NewError(kind, fmt.Sprintf(format, args...))
}

// Terminate best-effort tells the peer this is the last turn, then closes
// the underlying connection. Called by the pool on eviction and by the
// runtime on shutdown — never as part of a successful exchange.
//
// A raw END is only safe to write while the peer is blocked on ReadLine
// waiting to learn whether another request is coming (StateDecide, the
// client-side EXPECT_TURN point). In every other state the peer is either
// mid-frame (ReceiveTyped, expecting a length-prefixed blob, not a line)
// or hasn't sent anything to decide a turn on yet, so Terminate closes the
// connection without writing a token it can't be read as intended.
func (m *MEP) Terminate() {
	if !m.dead && m.state == StateDecide {
		_ = m.stream.WriteLine(tokenEnd)
	}
	m.state = StateTerminal
	if m.closer != nil {
		_ = m.closer.Close()
	}
}

// ExchangeAsClient runs one request/response exchange as the client-origin
// state machine:
//
//	IDLE -> send request -> AWAIT_RESPONSE -> recv response -> DECIDE
//
// It returns with the MEP left in DECIDE rather than eagerly resolving the
// turn: the peer has already sent its response and is blocked on ReadLine
// waiting to hear whether another request is coming. That decision is
// made lazily, by whichever happens next — another ExchangeAsClient call
// resolves it with NEXT and waits for PROCEED before sending its request,
// while Terminate resolves it with END. Deferring the decision this way
// keeps a pooled, idle MEP's peer sitting on a line read it can actually
// satisfy, instead of a framed read that Terminate's END would corrupt.
func (m *MEP) ExchangeAsClient(req *message.Request) (*message.Response, error) {
	if m.dead {
		return nil, message.NewError(message.KindProtocolViolation, "mep: reused after failure")
	}

	if m.state == StateDecide {
		if err := m.takeAnotherTurn(); err != nil {
			return nil, err
		}
	}

	m.state = StateAwaitResponse
	if err := m.stream.SendTyped(req); err != nil {
		return nil, m.fail(message.KindTransportTimeout, "sending request: %v", err)
	}

	var resp message.Response
	if err := m.stream.ReceiveTyped(&resp); err != nil {
		return nil, m.fail(message.KindTransportTimeout, "receiving response: %v", err)
	}

	m.state = StateDecide
	return &resp, nil
}

// takeAnotherTurn resolves a pending DECIDE left by a previous
// ExchangeAsClient call: signal NEXT and wait for PROCEED before this
// call is allowed to send its own request.
func (m *MEP) takeAnotherTurn() error {
	if err := m.stream.WriteLine(tokenNext); err != nil {
		return m.fail(message.KindTransportTimeout, "sending NEXT: %v", err)
	}

	m.state = StateAwaitProceed
	token, err := m.stream.ReadLine()
	if err != nil {
		return m.fail(message.KindTransportTimeout, "awaiting PROCEED: %v", err)
	}
	if token != tokenProceed {
		return m.fail(message.KindProtocolViolation, "expected PROCEED, got %q", token)
	}

	m.state = StateIdle
	return nil
}

// ExchangeAsServer runs the server-origin state machine once identity is
// known. When identity.Role is RoleClient it drains requests the peer
// sends until END; when RoleSubscriber it inverts and drains the named
// subscription's pending-request queue instead.
func (m *MEP) ExchangeAsServer(ctx context.Context, identity message.RemoteIdentity, handle HandleRequestFunc, queueFor func(subscriptionID string) PendingSource) error {
	switch identity.Role {
	case message.RoleClient:
		return m.serveClient(ctx, handle)
	case message.RoleSubscriber:
		return m.serveSubscriber(ctx, queueFor(identity.SubscriptionID))
	default:
		return m.fail(message.KindProtocolViolation, "ExchangeAsServer: unexpected role %v", identity.Role)
	}
}

// serveClient implements:
//
//	WAIT_REQUEST -> recv request -> HANDLE -> send response -> EXPECT_TURN
//	EXPECT_TURN -> recv NEXT -> send PROCEED -> WAIT_REQUEST
//	EXPECT_TURN -> recv END -> TERMINAL
//
// A session may also open with END in place of the first request: a
// listener serving a subscriber sends END right away when its first
// dequeue finds nothing.
func (m *MEP) serveClient(ctx context.Context, handle HandleRequestFunc) error {
	first := true
	for {
		m.state = StateWaitRequest
		if first {
			first = false
			if b, err := m.stream.r.Peek(len(tokenEnd) + 2); err == nil && string(b) == tokenEnd+"\r\n" {
				_, _ = m.stream.ReadLine()
				m.state = StateTerminal
				return nil
			}
		}
		var req message.Request
		if err := m.stream.ReceiveTyped(&req); err != nil {
			return m.fail(message.KindProtocolViolation, "receiving request: %v", err)
		}

		m.state = StateHandle
		resp := handle(ctx, &req)

		if err := m.stream.SendTyped(resp); err != nil {
			return m.fail(message.KindTransportTimeout, "sending response: %v", err)
		}

		m.state = StateExpectTurn
		token, err := m.stream.ReadLine()
		if err != nil {
			return m.fail(message.KindTransportTimeout, "expecting turn token: %v", err)
		}

		switch token {
		case tokenNext:
			if err := m.stream.WriteLine(tokenProceed); err != nil {
				return m.fail(message.KindTransportTimeout, "sending PROCEED: %v", err)
			}
			// back to WAIT_REQUEST
		case tokenEnd:
			m.state = StateTerminal
			return nil
		default:
			return m.fail(message.KindProtocolViolation, "expected NEXT or END, got %q", token)
		}
	}
}

// serveSubscriber implements the inverted loop where the listener becomes
// the requester, draining a pending-request queue on the peer's behalf:
//
//	POLL_QUEUE -> dequeue -> SEND_REQUEST -> AWAIT_RESPONSE -> complete -> POLL_QUEUE
//	POLL_QUEUE -> empty after wait -> send END -> TERMINAL
//	POLL_QUEUE -> has more -> send NEXT -> recv PROCEED -> SEND_REQUEST
//
// The first dequeue of a session needs no NEXT/PROCEED handshake — there
// is no prior burst to decide "more" from — every subsequent dequeue does.
func (m *MEP) serveSubscriber(ctx context.Context, source PendingSource) error {
	first := true
	for {
		m.state = StatePollQueue
		entry, ok := source.Dequeue(ctx, m.PollMaxWait)
		if !ok {
			if err := m.stream.WriteLine(tokenEnd); err != nil {
				return m.fail(message.KindTransportTimeout, "sending END: %v", err)
			}
			m.state = StateTerminal
			return nil
		}

		if !first {
			if err := m.stream.WriteLine(tokenNext); err != nil {
				entry.Abandon(err)
				return m.fail(message.KindTransportTimeout, "sending NEXT: %v", err)
			}
			token, err := m.stream.ReadLine()
			if err != nil {
				entry.Abandon(err)
				return m.fail(message.KindTransportTimeout, "awaiting PROCEED: %v", err)
			}
			if token != tokenProceed {
				entry.Abandon(message.NewError(message.KindProtocolViolation, "expected PROCEED"))
				return m.fail(message.KindProtocolViolation, "expected PROCEED, got %q", token)
			}
		}
		first = false

		m.state = StateSendRequest
		if err := m.stream.SendTyped(entry.Request()); err != nil {
			entry.Abandon(err)
			return m.fail(message.KindTransportTimeout, "sending queued request: %v", err)
		}

		m.state = StateAwaitResponse
		var resp message.Response
		if err := m.stream.ReceiveTyped(&resp); err != nil {
			entry.Abandon(err)
			return m.fail(message.KindTransportTimeout, "receiving queued response: %v", err)
		}

		entry.Complete(&resp)
	}
}
