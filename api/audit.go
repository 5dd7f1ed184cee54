package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess           AuditEvent = "login_success"
	AuditLoginFailure           AuditEvent = "login_failure"
	AuditChallengeIssued        AuditEvent = "challenge_issued"
	AuditLogout                 AuditEvent = "logout"
	AuditBlacklisted            AuditEvent = "blacklisted"
	AuditBlacklistRemoved       AuditEvent = "blacklist_removed"
	AuditRateLimited            AuditEvent = "rate_limited"
	AuditAdminDenied            AuditEvent = "admin_denied"
	AuditAuthorizationRequested AuditEvent = "authorization_requested"
	AuditAuthorizationGranted   AuditEvent = "authorization_granted"
	AuditAuthorizationRejected  AuditEvent = "authorization_rejected"
	AuditAuthorizationConsumed  AuditEvent = "authorization_consumed"
	AuditFingerprintAdded       AuditEvent = "fingerprint_added"
	AuditFingerprintRevoked     AuditEvent = "fingerprint_revoked"
	AuditSecurityKeyRegistered  AuditEvent = "securitykey_registered"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. A nil receiver discards it so
// handlers can be exercised on a bare API value.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	if al == nil {
		return
	}
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("client_ip", clientIP(r)),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logEvent is a convenience for events attributed to a user.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, username string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("username", username),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a refused request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
