package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mxtransport/message"
)

// RateLimitMiddleware bounds inbound dispatch to r requests/second with
// the given burst, via a token-bucket limiter.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return &message.Response{
					RequestID: req.ID,
					Err:       message.NewError(message.KindServiceError, "rate limit exceeded"),
				}
			}
			return next(ctx, req)
		}
	}
}
