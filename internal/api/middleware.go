package api

import (
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vnmchuo/agent-ledger/internal/auth"
	"github.com/vnmchuo/agent-ledger/pkg/ratelimit"
)

// RateLimit limits authenticated requests per API key. It must run after the
// auth middleware. A limiter failure denies the request.
func RateLimit(limiter *ratelimit.Limiter, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	retryAfter := strconv.Itoa(int(ratelimit.Window.Seconds()))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			keyID := auth.GetAPIKeyID(ctx)
			if keyID == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			allowed, err := limiter.Allow(ctx, keyID)
			if err != nil {
				logger.Warn("rate limiter unavailable", zap.String("api_key_id", keyID), zap.Error(err))
			}
			if err != nil || !allowed {
				w.Header().Set("Retry-After", retryAfter)
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"error":       "rate limit exceeded",
					"retry_after": retryAfter,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per request with zap.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}
