/*
Logic: HTTP middleware chain for the ingest tool server (§4: "the low-latency
RPC surface"). Adapted from the donor gateway's router.NewRouter ordered
chain (router/router.go: CORS → security headers → request ID → recoverer
→ request logger → body size limit) and middleware.TimeoutMiddleware
(middleware/timeout.go), narrowed from per-provider proxy timeouts to the
per-operation latency budgets §6 declares (PERF_LOG_EVENT_MS,
PERF_GET_CONTEXT_P95_MS, PERF_SUBMIT_QUERY_MS).
*/
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/actcore/internal/apierr"
)

// corsMiddleware mirrors the donor's CORSMiddleware: permissive, since the
// ingest server is called only by the co-located desktop assistant process.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware mirrors the donor's SecurityHeadersMiddleware.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// requestLogger mirrors the donor's mwRequestLogger.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", middleware.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}

// maxBodySize caps request bodies at maxBytes (§6's body-size guard).
func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeErr(w, apierr.New(apierr.InvalidArgument, "request body too large"))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// opDeadline wraps the request context with the per-operation latency
// budget, the way the donor's TimeoutMiddleware wraps per-provider timeouts
// (middleware/timeout.go), simplified since the ingest server has no
// streaming responses to protect mid-flight.
func opDeadline(budget time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), budget)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeErr renders err as the §7 {error_kind, message} envelope.
func writeErr(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apierr.InvalidArgument:
		status = http.StatusBadRequest
	case apierr.Overloaded:
		status = http.StatusTooManyRequests
	case apierr.Timeout:
		status = http.StatusGatewayTimeout
	case apierr.Unavailable:
		status = http.StatusServiceUnavailable
	case apierr.NotFound:
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error_kind": string(kind),
		"message":    err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
