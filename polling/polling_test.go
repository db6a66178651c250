package polling_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mxtransport/loadbalance"
	"mxtransport/message"
	"mxtransport/polling"
	"mxtransport/protocol"
	"mxtransport/queue"
)

func generateCert(t *testing.T) (tls.Certificate, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mxtransport-polling-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, protocol.Thumbprint(mustParse(t, der))
}

func mustParse(t *testing.T, der []byte) *x509.Certificate {
	t.Helper()
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func pipePair(t *testing.T, serverCert tls.Certificate) (client, server *tls.Conn) {
	t.Helper()
	c, s := net.Pipe()
	server = tls.Server(s, &tls.Config{Certificates: []tls.Certificate{serverCert}})
	client = tls.Client(c, &tls.Config{InsecureSkipVerify: true})
	return client, server
}

func TestServeSubscriberDrainsRemoteQueue(t *testing.T) {
	serverCert, serverThumb := generateCert(t)
	clientConn, serverConn := pipePair(t, serverCert)

	const subURL = "poll://sub-a/"
	mgr := queue.NewManager()
	q := mgr.For(subURL)

	req := message.NewRequest(message.ServiceEndpoint{BaseURI: subURL}, "Arith", "Echo", 7)
	respCh := make(chan *message.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := q.EnqueueAndWait(context.Background(), req, 2*time.Second)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)

	serverDone := make(chan error, 1)
	go func() {
		defer serverConn.Close()
		if err := serverConn.Handshake(); err != nil {
			serverDone <- err
			return
		}
		stream := protocol.NewStream(serverConn)
		identity, err := stream.ReadRemoteIdentity()
		if err != nil {
			serverDone <- err
			return
		}
		if err := stream.WriteServerIdentity(); err != nil {
			serverDone <- err
			return
		}
		mep := protocol.NewMEP(stream, serverConn, nil)
		mep.PollMaxWait = 50 * time.Millisecond
		serverDone <- mep.ExchangeAsServer(context.Background(), identity, nil, mgr.Source)
	}()

	var dialCount int32
	task := polling.New(polling.Config{
		SubscriptionURL: subURL,
		Candidates: func() []loadbalance.Candidate {
			return []loadbalance.Candidate{{Endpoint: message.ServiceEndpoint{BaseURI: "poll://listener/", PinnedThumbprint: serverThumb}}}
		},
		Dial: func(ctx context.Context, baseURI string) (*tls.Conn, error) {
			if atomic.AddInt32(&dialCount, 1) > 1 {
				return nil, fmt.Errorf("no more connections in this test")
			}
			if err := clientConn.Handshake(); err != nil {
				return nil, err
			}
			return clientConn, nil
		},
		Handle: func(ctx context.Context, req *message.Request) *message.Response {
			return &message.Response{RequestID: req.ID, Result: req.Args[0]}
		},
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
	}, nil)

	taskCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go task.Run(taskCtx)

	select {
	case resp := <-respCh:
		require.Equal(t, 7, resp.Result)
	case err := <-errCh:
		t.Fatalf("queued request was abandoned: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for polled response")
	}

	select {
	case err := <-serverDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server side to end cleanly")
	}
	cancel()
}

func TestServeOnceRejectsThumbprintMismatch(t *testing.T) {
	serverCert, _ := generateCert(t)
	clientConn, serverConn := pipePair(t, serverCert)
	defer serverConn.Close()

	go func() {
		// Enough of a handshake to let the client's dial-side thumbprint
		// check run and fail; nothing further is expected on this side.
		_ = serverConn.Handshake()
	}()

	task := polling.New(polling.Config{
		SubscriptionURL: "poll://sub-b/",
		Candidates: func() []loadbalance.Candidate {
			return []loadbalance.Candidate{{Endpoint: message.ServiceEndpoint{BaseURI: "poll://listener/", PinnedThumbprint: "0000000000000000000000000000000000AAAA"}}}
		},
		Dial: func(ctx context.Context, baseURI string) (*tls.Conn, error) {
			if err := clientConn.Handshake(); err != nil {
				return nil, err
			}
			return clientConn, nil
		},
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	task.Run(ctx) // returns once ctx expires; a panic or hang here is the failure mode under test
}
