// Package middleware wraps runtime.HandleIncoming with cross-cutting
// concerns — logging, rate limiting, timeouts, retries — composed around
// the *message.Request/*message.Response pair this transport carries.
package middleware

import (
	"context"

	"mxtransport/message"
)

// HandlerFunc dispatches one inbound request to a response. Matches
// protocol.HandleRequestFunc so a built chain can be passed straight into
// MEP.ExchangeAsServer.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

// Middleware wraps a HandlerFunc with additional behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares in call order: Chain(A, B, C)(handler) runs
// A's before-logic, then B's, then C's, then handler, then C's, B's, A's
// after-logic (an onion model).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
