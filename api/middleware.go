package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey int

const clientIPKey contextKey = iota

// RemoteIP resolves the client address once per request and stores it on
// the context for the blacklist, throttle and handlers.
func (a *API) RemoteIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey, a.extractClientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP returns the address resolved by RemoteIP, falling back to the
// socket peer when the middleware did not run.
func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey).(string); ok {
		return ip
	}
	return extractClientIP(r)
}

// extractClientIP trusts no proxy headers.
func extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, nil)
}

// BlacklistMiddleware rejects every request from a blacklisted IP with the
// same 403, whichever login path it targets.
func (a *API) BlacklistMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if a.blacklist.IsBlacklisted(ip) {
			a.audit.logFailure(AuditBlacklisted, r, "blacklisted", slog.String("client_ip", ip))
			writeError(w, http.StatusForbidden, "This IP address is blacklisted.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminMiddleware asks the identity provider whether the caller's session
// belongs to an administrator by forwarding the Cookie header to the check
// URL. The gateway never inspects the cookie itself. With no check URL the
// admin surface is open; configuration refuses that in production.
func (a *API) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminCheckURL == "" {
			next.ServeHTTP(w, r)
			return
		}
		status, err := a.upstream.Check(r.Context(), a.adminCheckURL, r.Header.Get("Cookie"))
		if err != nil {
			a.audit.logFailure(AuditAdminDenied, r, "admin check unavailable", slog.String("error", err.Error()))
			writeError(w, http.StatusBadGateway, "The authentication server could not be reached.")
			return
		}
		if status != http.StatusOK {
			a.audit.logFailure(AuditAdminDenied, r, "not an administrator", slog.Int("upstream_status", status))
			writeError(w, http.StatusForbidden, "Administrator privileges are required.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
