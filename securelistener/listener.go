// Package securelistener implements the secure listener: accept, mutual
// TLS, thumbprint trust check, and hand-off to MEP — either serving a
// client directly or draining a subscriber's queue.
//
// One goroutine per accepted connection runs the whole exchange, not just
// one frame at a time: MEP is strictly single-threaded per connection, so
// splitting "read a frame" from "dispatch it" across goroutines would
// only add synchronization with nothing to gain from it.
package securelistener

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"mxtransport/protocol"
)

// TrustChecker reports whether a peer thumbprint is currently trusted.
// runtime.TrustSet implements this.
type TrustChecker interface {
	Contains(thumbprint string) bool
}

// FriendlyPage is served verbatim to any trusted peer whose first bytes
// look like an HTTP request preamble; the trust check runs first.
type FriendlyPage struct {
	Body    []byte
	Headers map[string]string
}

// DefaultFriendlyPage is served when a Listener is not configured with one.
var DefaultFriendlyPage = FriendlyPage{
	Body: []byte("<html><body><h1>mxtransport endpoint</h1><p>This port speaks a private, certificate-pinned RPC protocol, not HTTP.</p></body></html>"),
	Headers: map[string]string{
		"Content-Type": "text/html; charset=utf-8",
	},
}

// Config configures a Listener.
type Config struct {
	Address      string
	TLSConfig    *tls.Config // must require and verify a client certificate at the TLS layer's discretion; thumbprint trust is checked here regardless of TLSConfig.ClientAuth
	Trust        TrustChecker
	FriendlyPage FriendlyPage
	// AcceptLimiter, if set, bounds accepted connections per second before
	// the (expensive) TLS handshake runs; *rate.Limiter satisfies this.
	AcceptLimiter interface{ Allow() bool }
}

// Listener is the secure listener.
type Listener struct {
	cfg      Config
	listener net.Listener
	log      *zap.SugaredLogger

	wg       sync.WaitGroup
	mu       sync.Mutex
	closing  bool
}

func New(cfg Config, log *zap.SugaredLogger) *Listener {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.FriendlyPage.Body == nil {
		cfg.FriendlyPage = DefaultFriendlyPage
	}
	return &Listener{cfg: cfg, log: log}
}

// Serve listens on cfg.Address and accepts connections until Close is
// called, dispatching each to its own goroutine so accepts run
// concurrently and one slow connection never blocks another.
func (l *Listener) Serve(ctx context.Context, handle protocol.HandleRequestFunc, queueFor func(subscriptionID string) protocol.PendingSource) error {
	ln, err := tls.Listen("tcp", l.cfg.Address, l.cfg.TLSConfig)
	if err != nil {
		return err
	}
	l.listener = ln

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closing := l.closing
			l.mu.Unlock()
			if closing {
				l.wg.Wait()
				return nil
			}
			return err
		}

		if l.cfg.AcceptLimiter != nil && !l.cfg.AcceptLimiter.Allow() {
			conn.Close()
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(ctx, conn, handle, queueFor)
		}()
	}
}

// Close stops accepting new connections. In-flight connections finish on
// their own.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn, handle protocol.HandleRequestFunc, queueFor func(subscriptionID string) protocol.PendingSource) {
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		l.log.Debugw("tls handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	thumbprint, ok := peerThumbprint(tlsConn)
	if !ok || !l.trusted(thumbprint) {
		l.log.Infow("rejecting untrusted peer", "remote", conn.RemoteAddr(), "thumbprint", thumbprint)
		return
	}

	// Peek without consuming: an HTTP GET preamble is ASCII and starts
	// with a method verb, never with our identity preamble's "MX-".
	br := bufio.NewReader(tlsConn)
	peeked, err := br.Peek(3)
	if err == nil && looksLikeHTTP(peeked) {
		l.serveFriendlyPage(tlsConn)
		return
	}

	stream := protocol.NewStreamFromReader(br, tlsConn)
	identity, err := stream.ReadRemoteIdentity()
	if err != nil {
		l.log.Debugw("identity exchange failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	if err := stream.WriteServerIdentity(); err != nil {
		return
	}

	mep := protocol.NewMEP(stream, tlsConn, l.log)
	if err := mep.ExchangeAsServer(ctx, identity, handle, queueFor); err != nil {
		l.log.Debugw("mep exchange ended", "remote", conn.RemoteAddr(), "role", identity.Role, "error", err)
	}
}

func (l *Listener) trusted(thumbprint string) bool {
	if l.cfg.Trust == nil {
		return false
	}
	return l.cfg.Trust.Contains(thumbprint)
}

func peerThumbprint(conn *tls.Conn) (string, bool) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", false
	}
	return protocol.Thumbprint(state.PeerCertificates[0]), true
}

func looksLikeHTTP(prefix []byte) bool {
	s := string(prefix)
	for _, verb := range []string{"GET", "HEA", "POS", "PUT", "OPT"} {
		if strings.HasPrefix(s, verb[:len(prefix)]) {
			return true
		}
	}
	return false
}

func (l *Listener) serveFriendlyPage(w io.Writer) {
	page := l.cfg.FriendlyPage
	resp := "HTTP/1.1 200 OK\r\n"
	for k, v := range page.Headers {
		resp += k + ": " + v + "\r\n"
	}
	resp += "Content-Length: " + strconv.Itoa(len(page.Body)) + "\r\n\r\n"
	io.WriteString(w, resp)
	w.Write(page.Body)
}

