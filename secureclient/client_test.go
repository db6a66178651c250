package secureclient_test

import (
	"context"
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"

	"mxtransport/message"
	"mxtransport/protocol"
	"mxtransport/secureclient"
)

func serveEcho(t *testing.T, server *tls.Conn) {
	t.Helper()
	go func() {
		if err := server.Handshake(); err != nil {
			return
		}
		stream := protocol.NewStream(server)
		identity, err := stream.ReadRemoteIdentity()
		if err != nil {
			return
		}
		if err := stream.WriteServerIdentity(); err != nil {
			return
		}
		mep := protocol.NewMEP(stream, server, nil)
		echo := func(ctx context.Context, req *message.Request) *message.Response {
			return &message.Response{RequestID: req.ID, Result: req.Args[0]}
		}
		_ = mep.ExchangeAsServer(context.Background(), identity, echo, nil)
	}()
}

func TestCallDialsAndReusesFromPool(t *testing.T) {
	serverCert, serverThumb := generateCert(t)
	clientCert, _ := generateCert(t)

	endpoint := message.ServiceEndpoint{BaseURI: "https://svc-a/", PinnedThumbprint: serverThumb}

	dialer := func(ctx context.Context, baseURI string) (*tls.Conn, error) {
		clientConn, serverConn := pipePair(t, serverCert, clientCert)
		serveEcho(t, serverConn)
		if err := clientConn.Handshake(); err != nil {
			return nil, err
		}
		return clientConn, nil
	}

	c := secureclient.New(dialer, secureclient.Config{}, nil)
	defer c.Close()

	req := message.NewRequest(endpoint, "Arith", "Echo", 42)
	resp, err := c.Call(req)
	require.NoError(t, err)
	require.False(t, resp.IsError())
	require.Equal(t, 42, resp.Result)
	require.Equal(t, int64(1), c.DialCount())

	req2 := message.NewRequest(endpoint, "Arith", "Echo", 7)
	resp2, err := c.Call(req2)
	require.NoError(t, err)
	require.Equal(t, 7, resp2.Result)
	require.Equal(t, int64(1), c.DialCount(), "second call should reuse the pooled session, not redial")
}

func TestCallRejectsThumbprintMismatch(t *testing.T) {
	serverCert, _ := generateCert(t)
	clientCert, _ := generateCert(t)

	endpoint := message.ServiceEndpoint{BaseURI: "https://svc-b/", PinnedThumbprint: "0000000000000000000000000000000000000000"}

	dialer := func(ctx context.Context, baseURI string) (*tls.Conn, error) {
		clientConn, serverConn := pipePair(t, serverCert, clientCert)
		serveEcho(t, serverConn)
		if err := clientConn.Handshake(); err != nil {
			return nil, err
		}
		return clientConn, nil
	}

	c := secureclient.New(dialer, secureclient.Config{}, nil)
	defer c.Close()

	req := message.NewRequest(endpoint, "Arith", "Echo", 1)
	_, err := c.Call(req)
	require.Error(t, err)

	kind, ok := message.KindOf(err)
	require.True(t, ok)
	require.Equal(t, message.KindUnknownServerThumbprint, kind)
}
