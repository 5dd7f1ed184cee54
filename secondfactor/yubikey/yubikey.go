// Package yubikey is the Yubikey OTP strategy. A trusted browser submits a
// one-time password; the key's public identity selects the user.
package yubikey

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/authgate/credentials"
	"github.com/jmcleod/authgate/internal/yubico"
	"github.com/jmcleod/authgate/secondfactor"
)

var (
	ErrDisabled     = &secondfactor.Error{Status: http.StatusForbidden, Message: "OTP logins are disabled on this server."}
	ErrMissingInput = &secondfactor.Error{Status: http.StatusBadRequest, Message: "Both fingerprint and OTP must be supplied."}
	ErrUntrusted    = &secondfactor.Error{Status: http.StatusUnauthorized, Message: "This browser is not authorized for OTP logins.", Failure: true}
	ErrInvalidOTP   = &secondfactor.Error{Status: http.StatusUnauthorized, Message: "The provided Yubikey OTP is invalid.", Failure: true}
	ErrUnknownKey   = &secondfactor.Error{Status: http.StatusUnauthorized, Message: "The provided Yubikey OTP UID has no associated user credentials.", Failure: true}
)

// Validator checks a Yubikey OTP. *yubico.Validator satisfies it.
type Validator interface {
	Validate(ctx context.Context, otp string) (*yubico.Result, error)
}

// Strategy implements secondfactor.Strategy.
type Strategy struct {
	validator Validator
	store     *credentials.Store
	logger    *slog.Logger
}

// New returns a Strategy. A nil validator leaves OTP logins disabled.
func New(validator Validator, store *credentials.Store, logger *slog.Logger) *Strategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Strategy{validator: validator, store: store, logger: logger}
}

func (s *Strategy) Name() string { return "yubikey" }

// Enabled reports whether a validator is configured.
func (s *Strategy) Enabled() bool {
	return s.validator != nil
}

// IssueChallenge always fails; the OTP is its own challenge.
func (s *Strategy) IssueChallenge(context.Context, secondfactor.Subject) (any, error) {
	return nil, secondfactor.ErrNoChallenge
}

// Verify checks that the browser is trusted, validates the OTP and returns
// the login of the user owning the key.
func (s *Strategy) Verify(ctx context.Context, sub secondfactor.Subject, a secondfactor.Assertion) (credentials.Login, error) {
	if !s.Enabled() {
		return credentials.Login{}, ErrDisabled
	}
	if sub.Fingerprint == "" || a.OTP == "" {
		return credentials.Login{}, ErrMissingInput
	}

	trusted, err := s.store.IsFingerprintTrusted(ctx, sub.Fingerprint)
	if err != nil {
		return credentials.Login{}, err
	}
	if !trusted {
		return credentials.Login{}, ErrUntrusted
	}

	res, err := s.validator.Validate(ctx, a.OTP)
	if err != nil {
		s.logger.Info("yubikey otp rejected", "client_ip", sub.IP, "error", err)
		return credentials.Login{}, ErrInvalidOTP
	}

	user, err := s.store.UserByYubikeyUID(ctx, res.PublicID)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return credentials.Login{}, ErrUnknownKey
		}
		return credentials.Login{}, err
	}
	return user.Login(), nil
}
