package api

import (
	"log/slog"
	"net/http"

	"github.com/jmcleod/authgate/secondfactor"
	"github.com/jmcleod/authgate/secondfactor/yubikey"
	"github.com/jmcleod/authgate/upstream"
)

func (a *API) subject(r *http.Request, username, password, fingerprint string) secondfactor.Subject {
	return secondfactor.Subject{
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
		Fingerprint: fingerprint,
		Username:    username,
		Password:    password,
	}
}

// LoginDuo handles POST /login/duo. It checks the primary credentials with
// the identity provider and answers with a signed Duo request.
func (a *API) LoginDuo(w http.ResponseWriter, r *http.Request) {
	if a.duo == nil {
		writeError(w, http.StatusNotFound, "Duo logins are not configured on this server.")
		return
	}
	req, ok := decodeJSON[LoginRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	ch, err := a.verifier.Challenge(r.Context(), a.duo, a.subject(r, req.Username, req.Password, ""))
	if err != nil {
		a.audit.logFailure(AuditLoginFailure, r, err.Error(),
			slog.String("strategy", a.duo.Name()), slog.String("username", req.Username))
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditChallengeIssued, r, req.Username, slog.String("strategy", a.duo.Name()))
	writeSuccess(w, ch)
}

// LoginApache handles POST /login/apache: the Duo answer together with the
// primary credentials it was issued for.
func (a *API) LoginApache(w http.ResponseWriter, r *http.Request) {
	if a.duo == nil {
		writeError(w, http.StatusNotFound, "Duo logins are not configured on this server.")
		return
	}
	req, ok := decodeJSON[LoginRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	a.complete(w, r, a.duo, a.subject(r, req.Username, req.Password, ""),
		secondfactor.Assertion{SigResponse: req.SigResponse})
}

// SecurityKeyChallenge handles POST /login/u2f/challenge.
func (a *API) SecurityKeyChallenge(w http.ResponseWriter, r *http.Request) {
	if a.securityKey == nil {
		writeError(w, http.StatusNotFound, "Security key logins are not configured on this server.")
		return
	}
	req, ok := decodeJSON[FingerprintRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	ch, err := a.verifier.Challenge(r.Context(), a.securityKey, a.subject(r, "", "", req.Fingerprint))
	if err != nil {
		a.audit.logFailure(AuditLoginFailure, r, err.Error(), slog.String("strategy", a.securityKey.Name()))
		mapError(w, err)
		return
	}
	a.audit.log(AuditChallengeIssued, r, slog.String("strategy", a.securityKey.Name()))
	writeSuccess(w, ch)
}

// SecurityKeyVerify handles POST /login/u2f/verify.
func (a *API) SecurityKeyVerify(w http.ResponseWriter, r *http.Request) {
	if a.securityKey == nil {
		writeError(w, http.StatusNotFound, "Security key logins are not configured on this server.")
		return
	}
	req, ok := decodeJSON[SecurityKeyLoginRequest](w, r, maxCeremonyBodySize)
	if !ok {
		return
	}
	a.complete(w, r, a.securityKey, a.subject(r, "", "", req.Fingerprint),
		secondfactor.Assertion{Response: rawBody(req.AuthResponse)})
}

// LoginOTP handles POST /login/otp.
func (a *API) LoginOTP(w http.ResponseWriter, r *http.Request) {
	if a.yubikey == nil || !a.yubikey.Enabled() {
		mapError(w, yubikey.ErrDisabled)
		return
	}
	req, ok := decodeJSON[OTPLoginRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	a.complete(w, r, a.yubikey, a.subject(r, "", "", req.Fingerprint),
		secondfactor.Assertion{OTP: req.OTP})
}

// complete verifies an assertion and relays the identity provider's answer.
func (a *API) complete(w http.ResponseWriter, r *http.Request, st secondfactor.Strategy, s secondfactor.Subject, as secondfactor.Assertion) {
	resp, err := a.verifier.Complete(r.Context(), st, s, as)
	if err != nil {
		a.audit.logFailure(AuditLoginFailure, r, err.Error(),
			slog.String("strategy", st.Name()), slog.String("username", s.Username))
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditLoginSuccess, r, s.Username,
		slog.String("strategy", st.Name()), slog.Int("upstream_status", resp.StatusCode))
	relayLogin(w, resp)
}

// relayLogin passes the provider's status and cookies through. Only a
// successful login gets the success envelope; anything else has an empty
// body so the provider's verdict is the only signal.
func relayLogin(w http.ResponseWriter, resp *upstream.Response) {
	if resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		upstream.Relay(w, resp, map[string]bool{"success": true})
		return
	}
	upstream.Relay(w, resp, nil)
}

// IsFingerprintValid handles POST /login/fingerprint.
func (a *API) IsFingerprintValid(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[FingerprintRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	trusted := false
	if req.Fingerprint != "" {
		var err error
		trusted, err = a.store.IsFingerprintTrusted(r.Context(), req.Fingerprint)
		if err != nil {
			mapError(w, err)
			return
		}
	}
	if !trusted {
		writeError(w, http.StatusNotFound, "This browser fingerprint is not trusted.")
		return
	}
	writeSuccess(w, nil)
}

// Logout handles POST /logout by forwarding the caller's cookies to the
// identity provider and relaying its answer.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	resp, err := a.upstream.Logout(r.Context(), r.Header.Get("Cookie"))
	if err != nil {
		a.audit.logFailure(AuditLogout, r, err.Error())
	} else {
		a.audit.log(AuditLogout, r, slog.Int("upstream_status", resp.StatusCode))
	}
	upstream.Relay(w, resp, nil)
}
