package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/authgate/authorize"
)

// RequestAuthorization handles POST /login/authorize/request. It opens a
// request that an administrator on another device can approve.
func (a *API) RequestAuthorization(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[AuthorizeRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	id, err := a.broker.Create(r.Context(), req.Fingerprint, clientIP(r), r.UserAgent(), req.Scope)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditAuthorizationRequested, r,
		slog.String("authorization_id", id), slog.String("scope", req.Scope))
	writeSuccess(w, AuthorizeResponse{AuthorizationID: id})
}

// CheckAuthorization handles POST /login/authorize/check. The browser that
// opened the request polls here. Until approval it gets 202 and a pending
// flag; once approved it receives the scoped session cookie exactly once.
func (a *API) CheckAuthorization(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[AuthorizeCheckRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	cookie, err := a.broker.CheckAndConsume(r.Context(), req.AuthorizationID, req.Fingerprint)
	if err != nil {
		switch {
		case errors.Is(err, authorize.ErrPending):
			writeJSON(w, http.StatusAccepted, envelope(true, AuthorizePending{Pending: true}))
			return
		case errors.Is(err, authorize.ErrNotFound):
			writeError(w, http.StatusNotFound, "No authorization exists with this ID.")
			return
		}
		mapError(w, err)
		return
	}
	a.audit.log(AuditAuthorizationConsumed, r, slog.String("authorization_id", req.AuthorizationID))
	w.Header().Add("Set-Cookie", cookie)
	writeSuccess(w, nil)
}

// AuthorizationDetails handles POST /admin/authorize/details.
func (a *API) AuthorizationDetails(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[AuthorizationIDRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if req.AuthorizationID == "" {
		writeError(w, http.StatusBadRequest, "Must supply authorization ID.")
		return
	}
	details, err := a.broker.Details(r.Context(), req.AuthorizationID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeSuccess(w, AuthorizationDetails{Details: details})
}

// GrantAuthorization handles POST /admin/authorize/grant.
func (a *API) GrantAuthorization(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[GrantRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if req.Duration < 0 {
		writeError(w, http.StatusBadRequest, "Authorization duration must be positive.")
		return
	}
	duration := time.Duration(req.Duration) * time.Minute
	if err := a.broker.Grant(r.Context(), req.AuthorizationID, req.Username, duration); err != nil {
		a.audit.logFailure(AuditAuthorizationGranted, r, err.Error(),
			slog.String("authorization_id", req.AuthorizationID))
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditAuthorizationGranted, r, req.Username,
		slog.String("authorization_id", req.AuthorizationID), slog.Int("duration_minutes", req.Duration))
	writeSuccess(w, nil)
}

// RejectAuthorization handles POST /admin/authorize/reject. The requester's
// IP is blacklisted.
func (a *API) RejectAuthorization(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[AuthorizationIDRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if err := a.broker.Reject(r.Context(), req.AuthorizationID); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditAuthorizationRejected, r, slog.String("authorization_id", req.AuthorizationID))
	writeSuccess(w, nil)
}
