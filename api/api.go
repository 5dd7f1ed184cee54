package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/jonboulle/clockwork"

	"github.com/jmcleod/authgate/authorize"
	"github.com/jmcleod/authgate/blacklist"
	"github.com/jmcleod/authgate/credentials"
	"github.com/jmcleod/authgate/secondfactor"
	"github.com/jmcleod/authgate/secondfactor/duo"
	"github.com/jmcleod/authgate/secondfactor/securitykey"
	"github.com/jmcleod/authgate/secondfactor/yubikey"
	"github.com/jmcleod/authgate/upstream"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	store     *credentials.Store
	blacklist *blacklist.Cache
	broker    *authorize.Broker
	verifier  *secondfactor.Verifier
	upstream  *upstream.Client

	// Strategies are optional; a nil strategy disables its routes.
	duo         *duo.Strategy
	securityKey *securitykey.Strategy
	yubikey     *yubikey.Strategy

	trustedProxies []netip.Prefix
	adminCheckURL  string
	clock          clockwork.Clock

	authorizeInterval time.Duration
	authorizeBurst    int
	throttle          *requestThrottle

	audit *auditLogger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithDuo enables the Duo login routes.
func WithDuo(s *duo.Strategy) Option {
	return func(a *API) {
		a.duo = s
	}
}

// WithSecurityKey enables security key login and registration.
func WithSecurityKey(s *securitykey.Strategy) Option {
	return func(a *API) {
		a.securityKey = s
	}
}

// WithYubikey enables Yubikey OTP login.
func WithYubikey(s *yubikey.Strategy) Option {
	return func(a *API) {
		a.yubikey = s
	}
}

// WithTrustedProxies configures which peers may supply the client address
// in forwarding headers. Values are CIDR ranges or bare addresses.
func WithTrustedProxies(values []string) (Option, error) {
	prefixes, err := ParseTrustedProxies(values)
	if err != nil {
		return nil, err
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// WithAdminCheckURL sets the identity provider URL that decides whether a
// session belongs to an administrator.
func WithAdminCheckURL(u string) Option {
	return func(a *API) {
		a.adminCheckURL = u
	}
}

// WithAuthorizeRate limits authorization requests per client IP to one per
// interval with the given burst.
func WithAuthorizeRate(interval time.Duration, burst int) Option {
	return func(a *API) {
		a.authorizeInterval = interval
		a.authorizeBurst = burst
	}
}

// WithClock replaces the clock used by the request throttle.
func WithClock(clock clockwork.Clock) Option {
	return func(a *API) {
		a.clock = clock
	}
}

// New creates a new API instance.
func New(store *credentials.Store, bl *blacklist.Cache, broker *authorize.Broker, verifier *secondfactor.Verifier, up *upstream.Client, opts ...Option) *API {
	a := &API{
		store:     store,
		blacklist: bl,
		broker:    broker,
		verifier:  verifier,
		upstream:  up,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	a.throttle = newRequestThrottle(a.authorizeInterval, a.authorizeBurst, a.clock)
	return a
}

// Router returns a chi.Router with all API routes mounted. It is meant to
// be mounted at /api.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.RemoteIP)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/redoc",
	}, nil))

	r.Route("/login", func(r chi.Router) {
		r.Use(a.BlacklistMiddleware)
		r.Post("/duo", a.LoginDuo)
		r.Post("/apache", a.LoginApache)
		r.Post("/u2f/challenge", a.SecurityKeyChallenge)
		r.Post("/u2f/verify", a.SecurityKeyVerify)
		r.Post("/otp", a.LoginOTP)
		r.Post("/fingerprint", a.IsFingerprintValid)
		r.With(a.Throttle).Post("/authorize/request", a.RequestAuthorization)
		r.Post("/authorize/check", a.CheckAuthorization)
	})
	r.Post("/logout", a.Logout)
	r.Get("/blacklist", a.BlacklistEntries)

	r.Route("/admin", func(r chi.Router) {
		r.Use(a.AdminMiddleware)
		r.Post("/authorize/details", a.AuthorizationDetails)
		r.Post("/authorize/grant", a.GrantAuthorization)
		r.Post("/authorize/reject", a.RejectAuthorization)
		r.Post("/fingerprint/add", a.AddFingerprint)
		r.Post("/fingerprint/list", a.ListFingerprints)
		r.Post("/fingerprint/revoke", a.RevokeFingerprint)
		r.Post("/u2f/register-challenge", a.SecurityKeyRegisterChallenge)
		r.Post("/u2f/register-verify", a.SecurityKeyRegisterVerify)
		r.Post("/u2f/list", a.ListSecurityKeyUsers)
		r.Get("/blacklist/list", a.AdminBlacklist)
		r.Post("/blacklist/remove", a.RemoveBlacklistEntry)
	})

	return r
}
