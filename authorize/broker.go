// Package authorize brokers cross-device logins. A browser with no second
// factor at hand asks for authorization; an administrator approves the
// request from another device, and the waiting browser collects a session
// cookie scoped to the domain it asked for.
package authorize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/idna"

	"github.com/jmcleod/authgate/alert"
	"github.com/jmcleod/authgate/blacklist"
	"github.com/jmcleod/authgate/credentials"
	"github.com/jmcleod/authgate/internal/uuid"
)

const (
	// DefaultWindow is how long a request waits for approval.
	DefaultWindow = 5 * time.Minute
	// DefaultGrantDuration is the session lifetime granted when the approver
	// does not choose one.
	DefaultGrantDuration = 30 * time.Minute
)

var (
	ErrMissingFingerprint  = errors.New("fingerprint is required")
	ErrInvalidScope        = errors.New("invalid domain scope")
	ErrMissingID           = errors.New("authorization id is required")
	ErrMissingUsername     = errors.New("username is required")
	ErrNotFound            = errors.New("authorization request not found")
	ErrUnknownUser         = errors.New("user not found")
	ErrExpired             = errors.New("authorization request expired")
	ErrFingerprintMismatch = errors.New("authorization fingerprint mismatch")
	ErrPending             = errors.New("authorization request not approved")
	ErrUpstream            = errors.New("upstream authentication failed")
)

// Request is a pending or approved authorization request.
type Request struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	IP          string    `json:"ip"`
	UserAgent   string    `json:"userAgent"`
	Scope       string    `json:"scope"`
	CreatedAt   time.Time `json:"timestamp"`
	Expiry      time.Time `json:"expiry"`
	Approved    bool      `json:"approved"`
	ApprovedBy  string    `json:"approvedBy,omitempty"`
}

// record is one request plus the state needed to serialize access to it.
// gone is set once the record has left the table; a holder of a stale
// pointer must treat it as not found.
type record struct {
	mu      sync.Mutex
	req     Request
	cookie  string
	timer   clockwork.Timer
	rearmed bool
	gone    bool
}

// Users resolves the account whose credentials back an approval.
type Users interface {
	GetUser(ctx context.Context, username string) (*credentials.User, error)
}

// Authenticator obtains a scoped session cookie from the upstream provider.
type Authenticator interface {
	AuthenticateScoped(ctx context.Context, username, password, scope string, duration time.Duration) (string, error)
}

// Broker holds the live authorization requests in memory.
type Broker struct {
	users     Users
	upstream  Authenticator
	blacklist *blacklist.Cache
	notifier  alert.Notifier
	publicURL string
	window    time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger

	mu      sync.RWMutex
	records map[string]*record
}

// Option configures a Broker.
type Option func(*Broker)

// WithWindow sets how long requests wait for approval.
func WithWindow(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.window = d
		}
	}
}

// WithClock sets the clock driving expiry.
func WithClock(clock clockwork.Clock) Option {
	return func(b *Broker) {
		b.clock = clock
	}
}

// WithNotifier sets where new-request alerts go.
func WithNotifier(n alert.Notifier) Option {
	return func(b *Broker) {
		b.notifier = n
	}
}

// WithPublicURL sets the base URL used for review links in alerts.
func WithPublicURL(u string) Option {
	return func(b *Broker) {
		b.publicURL = strings.TrimRight(u, "/")
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker returns an empty Broker.
func NewBroker(users Users, up Authenticator, bl *blacklist.Cache, opts ...Option) *Broker {
	b := &Broker{
		users:     users,
		upstream:  up,
		blacklist: bl,
		notifier:  alert.Nop{},
		window:    DefaultWindow,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		records:   make(map[string]*record),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "authorize")
	return b
}

// Create registers a pending request and alerts approvers. The request is
// deleted when the window elapses unless it has been approved.
func (b *Broker) Create(ctx context.Context, fingerprint, ip, userAgent, scope string) (string, error) {
	if fingerprint == "" {
		return "", ErrMissingFingerprint
	}
	if err := ValidateScope(scope); err != nil {
		return "", err
	}

	now := b.clock.Now()
	rec := &record{req: Request{
		ID:          uuid.New(),
		Fingerprint: fingerprint,
		IP:          ip,
		UserAgent:   userAgent,
		Scope:       scope,
		CreatedAt:   now,
		Expiry:      now.Add(b.window),
	}}
	id := rec.req.ID

	rec.mu.Lock()
	b.mu.Lock()
	b.records[id] = rec
	b.mu.Unlock()
	rec.timer = b.clock.AfterFunc(b.window, func() { b.expire(rec) })
	req := rec.req
	rec.mu.Unlock()

	b.logger.Info("authorization requested", "id", id, "client_ip", ip, "scope", scope)
	alert.Send(ctx, b.notifier, b.logger, b.requestAlert(req))
	return id, nil
}

// Grant approves a request on behalf of username. The upstream login runs
// outside the record lock; the cookie is attached only if the request is
// still live when it returns.
func (b *Broker) Grant(ctx context.Context, id, username string, duration time.Duration) error {
	if username == "" {
		return ErrMissingUsername
	}
	if id == "" {
		return ErrMissingID
	}
	if duration <= 0 {
		duration = DefaultGrantDuration
	}

	user, err := b.users.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return ErrUnknownUser
		}
		return err
	}

	rec, ok := b.lookup(id)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	req, gone := rec.req, rec.gone
	rec.mu.Unlock()
	if gone {
		return ErrNotFound
	}
	if !req.Expiry.After(b.clock.Now()) {
		return ErrExpired
	}

	cookie, err := b.upstream.AuthenticateScoped(ctx, user.Username, user.Password, req.Scope, duration)
	if err != nil {
		b.logger.Warn("authorization upstream login failed", "id", id, "username", user.Username, "error", err)
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	rec.mu.Lock()
	if rec.gone {
		rec.mu.Unlock()
		return ErrNotFound
	}
	rec.cookie = cookie
	rec.req.Approved = true
	rec.req.ApprovedBy = user.Username
	rec.mu.Unlock()

	// An approved request vouches for the client; forgive its failures.
	b.blacklist.Remove(req.IP)
	b.logger.Info("authorization granted", "id", id, "username", user.Username, "duration", duration)
	return nil
}

// Reject deletes a request and blacklists the IP that made it.
func (b *Broker) Reject(_ context.Context, id string) error {
	if id == "" {
		return ErrMissingID
	}
	rec, ok := b.lookup(id)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	if rec.gone {
		rec.mu.Unlock()
		return ErrNotFound
	}
	ip := rec.req.IP
	b.removeLocked(rec)
	rec.mu.Unlock()

	b.blacklist.Add(ip)
	b.logger.Info("authorization rejected", "id", id, "client_ip", ip)
	return nil
}

// CheckAndConsume reports the state of a request to the browser that made
// it. An approved request is deleted and its cookie returned; a pending one
// yields ErrPending and is left untouched.
func (b *Broker) CheckAndConsume(_ context.Context, id, fingerprint string) (string, error) {
	if fingerprint == "" {
		return "", ErrMissingFingerprint
	}
	if id == "" {
		return "", ErrMissingID
	}
	rec, ok := b.lookup(id)
	if !ok {
		return "", ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.gone {
		return "", ErrNotFound
	}
	if rec.req.Fingerprint != fingerprint {
		return "", ErrFingerprintMismatch
	}
	if rec.cookie == "" {
		return "", ErrPending
	}
	cookie := rec.cookie
	b.removeLocked(rec)
	b.logger.Info("authorization consumed", "id", id)
	return cookie, nil
}

// Details returns a copy of the request for the approver.
func (b *Broker) Details(_ context.Context, id string) (Request, error) {
	if id == "" {
		return Request{}, ErrMissingID
	}
	rec, ok := b.lookup(id)
	if !ok {
		return Request{}, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.gone {
		return Request{}, ErrNotFound
	}
	return rec.req, nil
}

// Len returns the number of live requests.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// Close cancels every expiry timer and drops all requests.
func (b *Broker) Close() {
	b.mu.Lock()
	recs := make([]*record, 0, len(b.records))
	for _, rec := range b.records {
		recs = append(recs, rec)
	}
	b.mu.Unlock()
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.gone {
			b.removeLocked(rec)
		}
		rec.mu.Unlock()
	}
}

// expire runs when a request's window elapses. Pending requests are
// deleted. An approved but uncollected request gets one more window for the
// browser to poll before it is deleted too.
func (b *Broker) expire(rec *record) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.gone {
		return
	}
	if rec.cookie != "" && !rec.rearmed {
		rec.rearmed = true
		rec.timer = b.clock.AfterFunc(b.window, func() { b.expire(rec) })
		return
	}
	b.removeLocked(rec)
	b.logger.Info("authorization expired", "id", rec.req.ID, "approved", rec.req.Approved)
}

func (b *Broker) lookup(id string) (*record, bool) {
	if !uuid.Valid(id) {
		return nil, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[id]
	return rec, ok
}

// removeLocked deletes rec from the table. rec.mu must be held.
func (b *Broker) removeLocked(rec *record) {
	rec.gone = true
	if rec.timer != nil {
		rec.timer.Stop()
	}
	b.mu.Lock()
	if b.records[rec.req.ID] == rec {
		delete(b.records, rec.req.ID)
	}
	b.mu.Unlock()
}

func (b *Broker) requestAlert(req Request) alert.Alert {
	msg := strings.Join([]string{
		"New temporary authorization request.\n",
		"IP: " + req.IP,
		"User agent: " + req.UserAgent,
		"Scope: " + req.Scope,
		"Expires: " + req.Expiry.Format("3:04:05 PM"),
	}, "\n")
	a := alert.Alert{
		Tag:     alert.TagAuthorize,
		Title:   "Authorization request",
		Message: msg,
		Fields: map[string]string{
			"id":         req.ID,
			"ip":         req.IP,
			"user_agent": req.UserAgent,
			"scope":      req.Scope,
			"expires":    req.Expiry.UTC().Format(time.RFC3339),
		},
	}
	if b.publicURL != "" {
		a.Links = []alert.Link{{Title: "View details", URL: b.publicURL + "/admin/authorize/" + req.ID}}
	}
	return a
}

// ValidateScope checks that scope is a cookie domain: a hostname, optionally
// with a leading dot.
func ValidateScope(scope string) error {
	host := strings.TrimPrefix(scope, ".")
	if host == "" || strings.ContainsAny(host, " ;,/:") {
		return ErrInvalidScope
	}
	if _, err := idna.Lookup.ToASCII(host); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}
	return nil
}
