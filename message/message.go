// Package message defines the envelope types exchanged across an MEP
// stream: requests, responses, endpoints and the caller's remote identity.
//
// Every value here is opaque to the transport itself — it is serialized
// by the codec package and framed by the protocol package, but nothing
// in this package knows how bytes reach the wire.
package message

import (
	"strings"

	"github.com/google/uuid"
)

// Role identifies which side of the identity preamble a peer presented.
type Role int

const (
	RoleClient Role = iota
	RoleServer
	RoleSubscriber
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	case RoleSubscriber:
		return "subscriber"
	default:
		return "unknown"
	}
}

// RemoteIdentity is what ReadRemoteIdentity produces after consuming one
// identity preamble off the wire.
type RemoteIdentity struct {
	Role           Role
	SubscriptionID string // only set when Role == RoleSubscriber
}

// ServiceEndpoint names a destination: a base URI plus the thumbprint the
// caller pins for it. Two endpoints are equal iff both fields match;
// ServiceEndpoint is used as the pool key and the route table key.
type ServiceEndpoint struct {
	BaseURI          string
	PinnedThumbprint string // uppercase hex SHA-1, no separators
}

// Scheme returns the lower-cased scheme portion of BaseURI ("https" or
// "poll"), so callers can compare it case-insensitively.
func (e ServiceEndpoint) Scheme() string {
	idx := strings.Index(e.BaseURI, "://")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(e.BaseURI[:idx])
}

// Request is one logical RPC call.
type Request struct {
	ID          string
	Destination ServiceEndpoint
	ServiceType string
	Method      string
	Args        []any
	Metadata    map[string]string
}

// NewRequest builds a Request with a fresh, opaque, unique id.
func NewRequest(dest ServiceEndpoint, serviceType, method string, args ...any) *Request {
	return &Request{
		ID:          uuid.NewString(),
		Destination: dest,
		ServiceType: serviceType,
		Method:      method,
		Args:        args,
	}
}

// Response answers exactly one Request, identified by RequestID.
type Response struct {
	RequestID string
	Result    any
	Err       *Error
}

// IsError reports whether the response carries a structured failure
// rather than a result.
func (r *Response) IsError() bool {
	return r != nil && r.Err != nil
}
