package protocol

import (
	"fmt"
	"strings"

	"mxtransport/message"
)

// Identity preamble line prefixes. Each line is ASCII, CRLF terminated,
// and is the first traffic on every accepted connection.
const (
	preambleClient     = "MX-CLIENT 1.0"
	preambleServer     = "MX-SERVER 1.0"
	preambleSubscriber = "MX-SUBSCRIBER 1.0"
)

// WriteClientIdentity sends the client-origin preamble.
func (s *Stream) WriteClientIdentity() error {
	return s.WriteLine(preambleClient)
}

// WriteServerIdentity sends the listener's acknowledgment preamble.
func (s *Stream) WriteServerIdentity() error {
	return s.WriteLine(preambleServer)
}

// WriteSubscriberIdentity sends a poller's subscription-registration
// preamble, naming the subscription's logical inbox URL.
func (s *Stream) WriteSubscriberIdentity(subscriptionURL string) error {
	return s.WriteLine(fmt.Sprintf("%s %s", preambleSubscriber, subscriptionURL))
}

// ReadRemoteIdentity consumes exactly one preamble line and classifies it.
// Any line that doesn't match one of the three known preambles is a fatal
// protocol error.
func (s *Stream) ReadRemoteIdentity() (message.RemoteIdentity, error) {
	line, err := s.ReadLine()
	if err != nil {
		return message.RemoteIdentity{}, message.WrapError(message.KindProtocolViolation, "reading identity preamble", err)
	}

	switch {
	case line == preambleClient:
		return message.RemoteIdentity{Role: message.RoleClient}, nil
	case line == preambleServer:
		return message.RemoteIdentity{Role: message.RoleServer}, nil
	case strings.HasPrefix(line, preambleSubscriber+" "):
		url := strings.TrimSpace(strings.TrimPrefix(line, preambleSubscriber+" "))
		if url == "" {
			return message.RemoteIdentity{}, message.NewError(message.KindProtocolViolation, "subscriber preamble missing subscription url")
		}
		return message.RemoteIdentity{Role: message.RoleSubscriber, SubscriptionID: url}, nil
	default:
		return message.RemoteIdentity{}, message.NewError(message.KindProtocolViolation, fmt.Sprintf("unrecognized identity preamble: %q", line))
	}
}
