package protocol_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"mxtransport/message"
	"mxtransport/protocol"
)

func TestIdentityPreambleRoundTrips(t *testing.T) {
	cases := []struct {
		name  string
		write func(*protocol.Stream) error
		want  message.RemoteIdentity
	}{
		{
			name:  "client",
			write: func(s *protocol.Stream) error { return s.WriteClientIdentity() },
			want:  message.RemoteIdentity{Role: message.RoleClient},
		},
		{
			name:  "server",
			write: func(s *protocol.Stream) error { return s.WriteServerIdentity() },
			want:  message.RemoteIdentity{Role: message.RoleServer},
		},
		{
			name:  "subscriber",
			write: func(s *protocol.Stream) error { return s.WriteSubscriberIdentity("poll://sub-a/") },
			want:  message.RemoteIdentity{Role: message.RoleSubscriber, SubscriptionID: "poll://sub-a/"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			s := protocol.NewStream(&buf)
			require.NoError(t, tc.write(s))

			got, err := s.ReadRemoteIdentity()
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestReadRemoteIdentityRejectsGarbage(t *testing.T) {
	var buf bytes.Buffer
	s := protocol.NewStream(&buf)
	require.NoError(t, s.WriteLine("GET / HTTP/1.1"))

	_, err := s.ReadRemoteIdentity()
	require.Error(t, err)

	kind, ok := message.KindOf(err)
	require.True(t, ok)
	require.Equal(t, message.KindProtocolViolation, kind)
}
