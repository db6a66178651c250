package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mxtransport/message"
)

// LoggingMiddleware logs each request's service/method, duration, and
// outcome via the ambient zap logger.
func LoggingMiddleware(log *zap.SugaredLogger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			fields := []any{
				"serviceType", req.ServiceType,
				"method", req.Method,
				"duration", duration,
			}
			if resp.IsError() {
				log.Errorw("request failed", append(fields, "kind", resp.Err.Kind, "error", resp.Err.Message)...)
			} else {
				log.Debugw("request handled", fields...)
			}
			return resp
		}
	}
}
