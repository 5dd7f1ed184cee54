// Package secondfactor runs the gateway's second-factor logins. Each
// Strategy turns a client assertion into the upstream login it unlocks; the
// Verifier wraps every strategy in the same sequence: blacklist check,
// verification, upstream login, relay.
package secondfactor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/authgate/alert"
	"github.com/jmcleod/authgate/blacklist"
	"github.com/jmcleod/authgate/credentials"
	"github.com/jmcleod/authgate/upstream"
)

// Subject describes the client attempting a login.
type Subject struct {
	IP          string
	UserAgent   string
	Fingerprint string
	Username    string
	Password    string
}

// Assertion is the client's answer to a challenge. Each strategy reads the
// fields it understands.
type Assertion struct {
	// SigResponse is the signed Duo response.
	SigResponse string
	// Response is the raw security key assertion JSON.
	Response []byte
	// OTP is a Yubikey one-time password.
	OTP string
}

// Strategy is one second-factor mechanism.
type Strategy interface {
	Name() string
	// IssueChallenge returns a JSON-encodable challenge for the client.
	IssueChallenge(ctx context.Context, s Subject) (any, error)
	// Verify checks the assertion and returns the upstream login it unlocks.
	// A challenge is consumed by Verify whether or not it succeeds.
	Verify(ctx context.Context, s Subject, a Assertion) (credentials.Login, error)
}

// Authenticator is the upstream login call.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*upstream.Response, error)
}

// Error is a client-visible failure with the HTTP status it maps to.
type Error struct {
	Status  int
	Message string
	// Detail is optional structured diagnostic data for the response body.
	Detail any
	// Failure marks errors that count against the client IP.
	Failure bool
}

func (e *Error) Error() string { return e.Message }

// Is matches errors with the same status and message so sentinel values
// survive WithDetail copies.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Status == e.Status && t.Message == e.Message
}

// WithDetail returns a copy of e carrying detail.
func (e *Error) WithDetail(detail any) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

func newError(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

func newFailure(status int, message string) *Error {
	return &Error{Status: status, Message: message, Failure: true}
}

var (
	ErrBlacklisted = newError(http.StatusForbidden, "This IP address is blacklisted.")
	// ErrNoChallenge is returned by strategies that need no challenge step.
	ErrNoChallenge = newError(http.StatusBadRequest, "This login method does not issue challenges.")
)

// Verifier runs strategies against shared gateway state.
type Verifier struct {
	blacklist *blacklist.Cache
	upstream  Authenticator
	notifier  alert.Notifier
	spikes    *alert.SpikeDetector
	logger    *slog.Logger
}

// NewVerifier returns a Verifier. spikes may be nil.
func NewVerifier(bl *blacklist.Cache, up Authenticator, notifier alert.Notifier, spikes *alert.SpikeDetector, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = alert.Nop{}
	}
	return &Verifier{
		blacklist: bl,
		upstream:  up,
		notifier:  notifier,
		spikes:    spikes,
		logger:    logger.With("component", "secondfactor"),
	}
}

// Challenge issues st's challenge for s after the blacklist check.
func (v *Verifier) Challenge(ctx context.Context, st Strategy, s Subject) (any, error) {
	if v.blacklist.IsBlacklisted(s.IP) {
		return nil, ErrBlacklisted
	}
	ch, err := st.IssueChallenge(ctx, s)
	if err != nil {
		v.noteFailure(ctx, st, s, err)
		return nil, err
	}
	return ch, nil
}

// Complete verifies a and, on success, performs the upstream login with the
// credentials it unlocks. The returned response is what the client must
// see; an unreachable upstream yields a 502 response and a nil error.
func (v *Verifier) Complete(ctx context.Context, st Strategy, s Subject, a Assertion) (*upstream.Response, error) {
	if v.blacklist.IsBlacklisted(s.IP) {
		return nil, ErrBlacklisted
	}
	login, err := st.Verify(ctx, s, a)
	if err != nil {
		v.noteFailure(ctx, st, s, err)
		return nil, err
	}

	resp, err := v.upstream.Authenticate(ctx, login.Username, login.Password)
	if err != nil {
		v.logger.Warn("upstream login failed", "strategy", st.Name(), "username", login.Username, "error", err)
	}
	if resp == nil {
		resp = &upstream.Response{StatusCode: http.StatusBadGateway}
	}
	v.logger.Info("second factor accepted",
		"strategy", st.Name(),
		"username", login.Username,
		"client_ip", s.IP,
		"upstream_status", resp.StatusCode)
	return resp, nil
}

// RecordFailure counts a failed login from ip and raises the failed-login
// alert. Strategies that check primary credentials call it directly.
func (v *Verifier) RecordFailure(ctx context.Context, s Subject, reason string) {
	v.blacklist.RecordFailure(s.IP)
	v.spikes.RecordFailure(ctx)
	alert.Send(ctx, v.notifier, v.logger, FailedLoginAlert(s, reason))
}

func (v *Verifier) noteFailure(ctx context.Context, st Strategy, s Subject, err error) {
	var sfErr *Error
	if errors.As(err, &sfErr) && sfErr.Failure {
		v.logger.Warn("second factor rejected", "strategy", st.Name(), "client_ip", s.IP, "reason", sfErr.Message)
		v.RecordFailure(ctx, s, sfErr.Message)
	}
}
