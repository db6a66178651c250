package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mxtransport/message"
)

// RetryMiddleware retries a handler on retryable failures
// (TransportTimeout) with exponential backoff. It retries one inbound
// dispatch; polling.Task's redial loop applies the same backoff shape to
// an entire dial-and-serve attempt.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log *zap.SugaredLogger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !resp.IsError() {
					return resp
				}
				if resp.Err.Kind != message.KindTransportTimeout {
					return resp
				}
				log.Infow("retrying request", "serviceType", req.ServiceType, "method", req.Method, "attempt", i+1, "kind", resp.Err.Kind)
				time.Sleep(baseDelay * time.Duration(1<<i))
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
