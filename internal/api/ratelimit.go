package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/FirmaChain/firma-sign-sub001/internal/presence"
)

// apiRateLimit and apiRateWindow implement spec.md §6's "100 requests per 15
// min per client on /api/*" rule. Whether this should key on the
// authenticated peer rather than the IP is spec.md §9 Open Question 3
// ("Rate-limit counters are global per IP in the source"); this
// implementation keeps that resolution, keyed on IP regardless of auth
// state.
const (
	apiRateLimit  = 100
	apiRateWindow = 15 * time.Minute
)

// rateLimitMiddleware enforces the global per-IP limit on every /api/*
// request using the presence cache's fixed-window counter. It is a no-op
// when no cache is configured.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Cache == nil || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		key := "global:" + clientIP(r)
		result, err := s.Cache.CheckRateLimitInfo(r.Context(), key, apiRateLimit, apiRateWindow)
		if err != nil {
			s.Logger.Debug("rate limit check failed", slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}
		setRateLimitHeaders(w, result, apiRateWindow)
		if !result.Allowed {
			writeRateLimitResponse(w, apiRateWindow)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// setRateLimitHeaders sets X-RateLimit-* headers on every response so clients
// can track their remaining quota proactively.
func setRateLimitHeaders(w http.ResponseWriter, result presence.RateLimitResult, window time.Duration) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(window).Unix()))
}

// writeRateLimitResponse sends a 429 Too Many Requests response matching the
// API error envelope.
func writeRateLimitResponse(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"error": map[string]string{
			"code":    "RATE_LIMITED",
			"message": "too many requests, please try again later",
		},
	})
}

// clientIP extracts the client IP from the request. Chi's RealIP middleware
// already sets r.RemoteAddr from trusted proxy headers, so this just strips
// the port from RemoteAddr rather than re-parsing X-Forwarded-For itself.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
