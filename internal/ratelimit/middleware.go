package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// ProfileFunc picks the profile for a request.
type ProfileFunc func(r *http.Request) Profile

// IdentifierFunc picks the identity a request is counted against.
type IdentifierFunc func(r *http.Request) string

// ClientIP returns the first X-Forwarded-For hop or the remote host.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware enforces the limiter in front of next. A nil identifierFn
// counts requests per client IP.
func (l *Limiter) Middleware(profileFn ProfileFunc, identifierFn IdentifierFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			profile := ProfileDefault
			if profileFn != nil {
				profile = profileFn(r)
			}
			id := ip
			if identifierFn != nil {
				if v := identifierFn(r); v != "" {
					id = v
				}
			}

			res, err := l.Check(r.Context(), profile, id, ip)
			if err != nil {
				l.logger.Error().Err(err).Str("identifier", id).Msg("Rate limit check rejected request shape.")
				http.Error(w, "Bad request", http.StatusBadRequest)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.Itoa(res.ResetTime))
			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Retry-After", strconv.Itoa(res.ResetTime))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":      "rate limit exceeded",
				"retryAfter": res.ResetTime,
				"limit":      res.Limit,
				"remaining":  0,
			})
		})
	}
}
