package middleware

import (
	"context"
	"time"

	"mxtransport/message"
)

// TimeOutMiddleware bounds how long the wrapped handler may run before the
// caller observes a TransportTimeout response.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Response{
					RequestID: req.ID,
					Err:       message.NewError(message.KindTransportTimeout, "request timed out"),
				}
			}
		}
	}
}
