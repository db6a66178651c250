package protocol_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mxtransport/codec"
	"mxtransport/message"
	"mxtransport/protocol"
)

func init() {
	codec.Register(int(0))
}

func TestExchangeAsClientAndServeClientRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientMEP := protocol.NewMEP(protocol.NewStream(clientConn), clientConn, nil)
	serverMEP := protocol.NewMEP(protocol.NewStream(serverConn), serverConn, nil)

	echo := func(ctx context.Context, req *message.Request) *message.Response {
		return &message.Response{RequestID: req.ID, Result: req.Args[0]}
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- serverMEP.ExchangeAsServer(context.Background(), message.RemoteIdentity{Role: message.RoleClient}, echo, nil)
	}()

	req := message.NewRequest(message.ServiceEndpoint{BaseURI: "https://x/"}, "Arith", "Echo", 42)
	resp, err := clientMEP.ExchangeAsClient(req)
	require.NoError(t, err)
	require.False(t, resp.IsError())
	require.Equal(t, 42, resp.Result)

	clientMEP.Terminate()
	require.NoError(t, <-serverDone)
}

// fakeEntry is a minimal protocol.PendingEntry test double, standing in
// for a real queue.entry without pulling in the queue package.
type fakeEntry struct {
	req    *message.Request
	respCh chan *message.Response
	errCh  chan error
}

func newFakeEntry(req *message.Request) *fakeEntry {
	return &fakeEntry{req: req, respCh: make(chan *message.Response, 1), errCh: make(chan error, 1)}
}

func (f *fakeEntry) Request() *message.Request      { return f.req }
func (f *fakeEntry) Complete(resp *message.Response) { f.respCh <- resp }
func (f *fakeEntry) Abandon(err error)               { f.errCh <- err }

type fakeSource struct {
	entries chan *fakeEntry
}

func (s *fakeSource) Dequeue(ctx context.Context, maxWait time.Duration) (protocol.PendingEntry, bool) {
	select {
	case e := <-s.entries:
		return e, true
	case <-time.After(maxWait):
		return nil, false
	}
}

func TestExchangeAsServerSubscriberDrainsQueue(t *testing.T) {
	listenerConn, pollerConn := net.Pipe()
	defer listenerConn.Close()
	defer pollerConn.Close()

	listenerMEP := protocol.NewMEP(protocol.NewStream(listenerConn), listenerConn, nil)
	listenerMEP.PollMaxWait = 50 * time.Millisecond

	src := &fakeSource{entries: make(chan *fakeEntry, 2)}
	req1 := message.NewRequest(message.ServiceEndpoint{BaseURI: "poll://sub/"}, "Arith", "Add", 1)
	e1 := newFakeEntry(req1)
	src.entries <- e1

	listenerDone := make(chan error, 1)
	go func() {
		listenerDone <- listenerMEP.ExchangeAsServer(context.Background(), message.RemoteIdentity{Role: message.RoleSubscriber, SubscriptionID: "sub"}, nil, func(string) protocol.PendingSource { return src })
	}()

	// The poller side is driven directly against the raw stream, playing
	// the role of the subscriber that receives requests and answers them.
	pollerStream := protocol.NewStream(pollerConn)

	var got message.Request
	require.NoError(t, pollerStream.ReceiveTyped(&got))
	require.Equal(t, req1.ID, got.ID)

	require.NoError(t, pollerStream.SendTyped(&message.Response{RequestID: got.ID, Result: 2}))

	select {
	case resp := <-e1.respCh:
		require.Equal(t, 2, resp.Result)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}

	// queue is now empty; listener should send END and return.
	line, err := pollerStream.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "END", line)

	require.NoError(t, <-listenerDone)
}
