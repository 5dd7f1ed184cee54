// Package duo is the Duo Web push strategy. The primary password is checked
// against the upstream provider before a Duo transaction starts, and again
// after Duo vouches for the user, which is the login the client receives.
package duo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jmcleod/authgate/credentials"
	"github.com/jmcleod/authgate/internal/duoweb"
	"github.com/jmcleod/authgate/internal/secret"
	"github.com/jmcleod/authgate/internal/util"
	"github.com/jmcleod/authgate/secondfactor"
)

var (
	ErrMissingCredentials = &secondfactor.Error{Status: http.StatusBadRequest, Message: "Both username and password must be supplied."}
	ErrBadCredentials     = &secondfactor.Error{Status: http.StatusUnauthorized, Message: "The username/password combination is incorrect.", Failure: true}
	ErrMissingResponse    = &secondfactor.Error{Status: http.StatusBadRequest, Message: "The 2FA validation from Duo was not supplied. Please try the login again."}
	ErrMissingLogin       = &secondfactor.Error{Status: http.StatusBadRequest, Message: "The username and password was not supplied. Please try the login again."}
	ErrInvalidResponse    = &secondfactor.Error{Status: http.StatusUnauthorized, Message: "The Duo 2FA response could not be validated."}
)

// Config holds the Duo integration.
type Config struct {
	IKey string
	SKey *secret.Secret
	AKey *secret.Secret
	// Host is the Duo API hostname handed to the client iframe.
	Host string
}

// Challenge is returned to the client to start the Duo iframe.
type Challenge struct {
	SigRequest string `json:"sigRequest"`
	DuoHost    string `json:"duoHost"`
}

// Strategy implements secondfactor.Strategy.
type Strategy struct {
	cfg      Config
	upstream secondfactor.Authenticator
	clock    clockwork.Clock
	logger   *slog.Logger

	// used holds digests of accepted AUTH cookies until they expire. Duo
	// signatures are stateless, so this is what makes an answer single-use.
	mu   sync.Mutex
	used map[string]time.Time
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithClock sets the clock used for signature expiry.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Strategy) {
		s.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Strategy) {
		s.logger = logger
	}
}

// New returns a Duo strategy. The keys are checked immediately so a bad
// integration fails at startup.
func New(cfg Config, up secondfactor.Authenticator, opts ...Option) (*Strategy, error) {
	s := &Strategy{
		cfg:      cfg,
		upstream: up,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		used:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	err := s.withKeys(func(keys duoweb.Keys) error {
		_, err := duoweb.SignRequest(keys, "probe", s.clock.Now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("duo integration: %w", err)
	}
	return s, nil
}

func (s *Strategy) Name() string { return "duo" }

// IssueChallenge checks the primary credentials upstream and signs a Duo
// request for the user.
func (s *Strategy) IssueChallenge(ctx context.Context, sub secondfactor.Subject) (any, error) {
	if sub.Username == "" || sub.Password == "" {
		return nil, ErrMissingCredentials
	}

	resp, err := s.upstream.Authenticate(ctx, sub.Username, sub.Password)
	if err != nil || resp == nil || resp.StatusCode != http.StatusOK {
		if err != nil {
			s.logger.Warn("duo primary check failed", "username", sub.Username, "error", err)
		}
		return nil, ErrBadCredentials
	}

	var sigRequest string
	err = s.withKeys(func(keys duoweb.Keys) error {
		var signErr error
		sigRequest, signErr = duoweb.SignRequest(keys, sub.Username, s.clock.Now())
		return signErr
	})
	if err != nil {
		return nil, fmt.Errorf("signing duo request: %w", err)
	}
	return Challenge{SigRequest: sigRequest, DuoHost: s.cfg.Host}, nil
}

// Verify checks the Duo signed response. The login returned carries the
// credentials resubmitted by the client; the signed user must match them.
// A response is accepted once.
func (s *Strategy) Verify(_ context.Context, sub secondfactor.Subject, a secondfactor.Assertion) (credentials.Login, error) {
	if a.SigResponse == "" {
		return credentials.Login{}, ErrMissingResponse
	}
	if sub.Username == "" || sub.Password == "" {
		return credentials.Login{}, ErrMissingLogin
	}

	now := s.clock.Now()
	var resp duoweb.Response
	err := s.withKeys(func(keys duoweb.Keys) error {
		var verifyErr error
		resp, verifyErr = duoweb.VerifyResponse(keys, a.SigResponse, now)
		return verifyErr
	})
	if err != nil {
		if errors.Is(err, duoweb.ErrInvalidSig) || errors.Is(err, duoweb.ErrExpired) {
			return credentials.Login{}, ErrInvalidResponse
		}
		return credentials.Login{}, fmt.Errorf("verifying duo response: %w", err)
	}
	if resp.Username != sub.Username {
		return credentials.Login{}, ErrInvalidResponse
	}
	if !s.consume(resp, now) {
		s.logger.Warn("duo response replayed", "username", sub.Username)
		return credentials.Login{}, ErrInvalidResponse
	}
	return credentials.Login{Username: sub.Username, Password: sub.Password}, nil
}

// consume marks resp as used. It reports false if resp was already used.
// Expired entries are dropped on the way, since an expired cookie no longer
// verifies and cannot be replayed.
func (s *Strategy) consume(resp duoweb.Response, now time.Time) bool {
	key := util.Digest(resp.Auth)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, exp := range s.used {
		if !exp.After(now) {
			delete(s.used, k)
		}
	}
	if _, ok := s.used[key]; ok {
		return false
	}
	s.used[key] = resp.Expire
	return true
}

func (s *Strategy) withKeys(fn func(duoweb.Keys) error) error {
	return s.cfg.SKey.Use(func(skey []byte) error {
		return s.cfg.AKey.Use(func(akey []byte) error {
			return fn(duoweb.Keys{IKey: s.cfg.IKey, SKey: skey, AKey: akey})
		})
	})
}
