// Package middleware provides HTTP middleware for caller identity and request logging.
package middleware

import (
	"context"
	"strings"

	"ChainScope/internal/model"
	pkglog "ChainScope/pkg/log"

	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
)

// Identity headers set by the upstream auth layer.
const (
	HeaderUserID        = "X-User-ID"
	HeaderUserTier      = "X-User-Tier"
	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

// Identity reads the caller identity and tracing ids from the request headers
// and stores them as the request context. Missing request ids are generated;
// the correlation id defaults to the request id. Unknown tiers become free.
//
// The request id is echoed back in the X-Request-ID reply header.
func Identity() middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			var requestID, correlationID, userID, tier string

			if tr, ok := transport.FromServerContext(ctx); ok {
				h := tr.RequestHeader()
				requestID = strings.TrimSpace(h.Get(HeaderRequestID))
				correlationID = strings.TrimSpace(h.Get(HeaderCorrelationID))
				userID = strings.TrimSpace(h.Get(HeaderUserID))
				tier = strings.ToLower(strings.TrimSpace(h.Get(HeaderUserTier)))

				if requestID == "" {
					requestID = pkglog.GenerateRequestID()
				}
				tr.ReplyHeader().Set(HeaderRequestID, requestID)
			}

			if requestID == "" {
				requestID = pkglog.GenerateRequestID()
			}
			if correlationID == "" {
				correlationID = requestID
			}
			if userID == "" {
				userID = "anonymous"
			}

			ctx = pkglog.WithRequestContext(ctx, requestID, correlationID, userID, string(model.ParseTier(tier)))
			return handler(ctx, req)
		}
	}
}
