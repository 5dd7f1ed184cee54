// Package securitykey is the challenge-response strategy for hardware
// security keys. Logins start from a trusted browser fingerprint bound to a
// user with at least one registered key.
package securitykey

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/jmcleod/authgate/credentials"
	"github.com/jmcleod/authgate/secondfactor"
)

var (
	ErrMissingFingerprint = &secondfactor.Error{Status: http.StatusBadRequest, Message: "Browser fingerprint must be supplied."}
	ErrUnknownFingerprint = &secondfactor.Error{Status: http.StatusNotFound, Message: "The requested fingerprint has no associated username."}
	ErrFingerprintNoUser  = &secondfactor.Error{Status: http.StatusNotFound, Message: "The fingerprint's associated username does not exist."}
	ErrNoSecurityKey      = &secondfactor.Error{Status: http.StatusNotFound, Message: "The associated user has no security key registered."}

	ErrMissingResponse = &secondfactor.Error{Status: http.StatusBadRequest, Message: "Auth response must be supplied."}
	ErrNoPendingLogin  = &secondfactor.Error{Status: http.StatusNotFound, Message: "No authentication request with the specified fingerprint is in progress."}
	ErrUserGone        = &secondfactor.Error{Status: http.StatusNotFound, Message: "The associated username does not exist."}
	ErrNoPublicKey     = &secondfactor.Error{Status: http.StatusNotFound, Message: "The associated user has no associated public key."}
	ErrValidation      = &secondfactor.Error{Status: http.StatusInternalServerError, Message: "There was an error validating the authentication token.", Failure: true}

	ErrMissingUsername         = &secondfactor.Error{Status: http.StatusBadRequest, Message: "A username must be associated with this U2F registration request."}
	ErrUnknownUser             = &secondfactor.Error{Status: http.StatusNotFound, Message: "Specified username does not exist in the users database."}
	ErrMissingRegisterResponse = &secondfactor.Error{Status: http.StatusBadRequest, Message: "Registration response must be supplied."}
	ErrRegistration            = &secondfactor.Error{Status: http.StatusUnauthorized, Message: "There was an unknown error."}
)

// Config is the relying party definition.
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

// Strategy implements secondfactor.Strategy and the registration ceremony.
type Strategy struct {
	webauthn *webauthn.WebAuthn
	store    *credentials.Store
	logger   *slog.Logger
}

// New returns a Strategy backed by store.
func New(cfg Config, store *credentials.Store, logger *slog.Logger) (*Strategy, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring security keys: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Strategy{webauthn: wa, store: store, logger: logger}, nil
}

// keyUser adapts a credentials.User to the webauthn.User interface.
type keyUser struct {
	user *credentials.User
}

func (u keyUser) WebAuthnID() []byte                         { return []byte(u.user.Username) }
func (u keyUser) WebAuthnName() string                       { return u.user.Username }
func (u keyUser) WebAuthnDisplayName() string                { return u.user.Username }
func (u keyUser) WebAuthnCredentials() []webauthn.Credential { return u.user.Credentials }

func (s *Strategy) Name() string { return "securitykey" }

// IssueChallenge starts a login for the user bound to the subject's
// fingerprint. The challenge is stored on the fingerprint record, replacing
// any unconsumed one.
func (s *Strategy) IssueChallenge(ctx context.Context, sub secondfactor.Subject) (any, error) {
	if sub.Fingerprint == "" {
		return nil, ErrMissingFingerprint
	}
	fp, err := s.store.GetFingerprint(ctx, sub.Fingerprint)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return nil, ErrUnknownFingerprint
		}
		return nil, err
	}
	if fp.Username == "" {
		return nil, ErrUnknownFingerprint
	}
	user, err := s.store.GetUser(ctx, fp.Username)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return nil, ErrFingerprintNoUser
		}
		return nil, err
	}
	if !user.HasSecurityKey() {
		return nil, ErrNoSecurityKey
	}

	options, session, err := s.webauthn.BeginLogin(keyUser{user})
	if err != nil {
		return nil, fmt.Errorf("beginning security key login: %w", err)
	}
	if err := s.store.SetAuthSession(ctx, sub.Fingerprint, session); err != nil {
		return nil, fmt.Errorf("storing security key challenge: %w", err)
	}
	return options, nil
}

// Verify consumes the fingerprint's pending challenge and checks the signed
// assertion against it. The challenge is gone even when validation fails.
func (s *Strategy) Verify(ctx context.Context, sub secondfactor.Subject, a secondfactor.Assertion) (credentials.Login, error) {
	if sub.Fingerprint == "" {
		return credentials.Login{}, ErrMissingFingerprint
	}
	if len(a.Response) == 0 {
		return credentials.Login{}, ErrMissingResponse
	}

	fp, session, err := s.store.TakeAuthSession(ctx, sub.Fingerprint)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return credentials.Login{}, ErrNoPendingLogin
		}
		return credentials.Login{}, err
	}
	if session == nil {
		return credentials.Login{}, ErrNoPendingLogin
	}
	user, err := s.store.GetUser(ctx, fp.Username)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return credentials.Login{}, ErrUserGone
		}
		return credentials.Login{}, err
	}
	if !user.HasSecurityKey() {
		return credentials.Login{}, ErrNoPublicKey
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(a.Response))
	if err != nil {
		return credentials.Login{}, ErrValidation.WithDetail(validationDetail(err))
	}
	cred, err := s.webauthn.ValidateLogin(keyUser{user}, *session, parsed)
	if err != nil {
		return credentials.Login{}, ErrValidation.WithDetail(validationDetail(err))
	}
	if cred.Authenticator.CloneWarning {
		s.logger.Warn("security key sign counter went backwards", "username", user.Username)
	}
	if err := s.store.UpdateSecurityKey(ctx, user.Username, *cred); err != nil {
		s.logger.Warn("failed to store security key counter", "username", user.Username, "error", err)
	}
	return user.Login(), nil
}

// BeginRegistration issues a registration challenge for username and stores
// it on the user record.
func (s *Strategy) BeginRegistration(ctx context.Context, username string) (*protocol.CredentialCreation, error) {
	if username == "" {
		return nil, ErrMissingUsername
	}
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, err
	}

	exclude := make([]protocol.CredentialDescriptor, 0, len(user.Credentials))
	for _, c := range user.Credentials {
		exclude = append(exclude, c.Descriptor())
	}
	options, session, err := s.webauthn.BeginRegistration(keyUser{user}, webauthn.WithExclusions(exclude))
	if err != nil {
		return nil, fmt.Errorf("beginning security key registration: %w", err)
	}
	if err := s.store.SetRegisterSession(ctx, user.Username, session); err != nil {
		return nil, fmt.Errorf("storing registration challenge: %w", err)
	}
	return options, nil
}

// FinishRegistration checks response against the pending registration
// challenge and adds the new key to the user.
func (s *Strategy) FinishRegistration(ctx context.Context, username string, response []byte) error {
	if username == "" {
		return ErrMissingUsername
	}
	if len(response) == 0 {
		return ErrMissingRegisterResponse
	}
	user, session, err := s.store.TakeRegisterSession(ctx, username)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return ErrUnknownUser
		}
		return err
	}
	if session == nil {
		return ErrRegistration
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return registrationError(err)
	}
	cred, err := s.webauthn.CreateCredential(keyUser{user}, *session, parsed)
	if err != nil {
		return registrationError(err)
	}
	if err := s.store.AddSecurityKey(ctx, user.Username, *cred); err != nil {
		return fmt.Errorf("storing security key: %w", err)
	}
	s.logger.Info("security key registered", "username", user.Username)
	return nil
}

func validationDetail(err error) map[string]string {
	detail := map[string]string{"error": err.Error()}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		detail["type"] = perr.Type
		if perr.DevInfo != "" {
			detail["info"] = perr.DevInfo
		}
	}
	return detail
}

func registrationError(err error) error {
	msg := err.Error()
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.Details != "" {
		msg = perr.Details
	}
	if msg == "" {
		return ErrRegistration
	}
	return &secondfactor.Error{Status: http.StatusUnauthorized, Message: msg}
}
