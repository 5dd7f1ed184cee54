// Package upstream talks to the legacy form-login identity provider. It
// submits credentials, relays the provider's status and Set-Cookie headers
// verbatim, and can rescope the provider's session cookie to a narrower
// domain for remote approvals.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultSessionCookie = "kiwi-session"

	loginPath  = "/auth-login"
	logoutPath = "/auth-logout"
)

var (
	// ErrUnavailable is returned when the provider could not be reached.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrRejected is returned by AuthenticateScoped when the provider did
	// not answer 200.
	ErrRejected = errors.New("upstream rejected credentials")
	// ErrNoSession is returned when a successful login carried no session cookie.
	ErrNoSession = errors.New("upstream returned no session cookie")
)

// Response is what the gateway relays back to the client.
type Response struct {
	StatusCode int
	SetCookie  []string
}

// Client is the identity provider client.
type Client struct {
	baseURL       string
	sessionCookie string
	http          *http.Client
	clock         clockwork.Clock
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every provider call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client. Redirects are never followed
// regardless of the client's own policy.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		cp := *hc
		c.http = &cp
	}
}

// WithSessionCookie sets the name of the provider's session cookie.
func WithSessionCookie(name string) Option {
	return func(c *Client) {
		c.sessionCookie = name
	}
}

// WithClock replaces the clock used for scoped cookie expiry.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// New returns a client for the provider at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		sessionCookie: DefaultSessionCookie,
		http:          &http.Client{Timeout: DefaultTimeout},
		clock:         clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return c
}

// Authenticate submits username and password to the provider. On transport
// failure it returns a 502 Response with no cookies together with an error
// wrapping ErrUnavailable, so callers can relay the response either way.
func (c *Client) Authenticate(ctx context.Context, username, password string) (*Response, error) {
	form := url.Values{
		"httpd_username": {username},
		"httpd_password": {password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return unavailable(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

// AuthenticateScoped authenticates and returns the provider's session cookie
// rewritten as Domain=scope; Path=/; Expires=now+duration; HttpOnly; Secure.
func (c *Client) AuthenticateScoped(ctx context.Context, username, password, scope string, duration time.Duration) (string, error) {
	resp, err := c.Authenticate(ctx, username, password)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	session := c.findSession(resp.SetCookie)
	if session == nil {
		return "", ErrNoSession
	}
	scoped := &http.Cookie{
		Name:     session.Name,
		Value:    session.Value,
		Domain:   scope,
		Path:     "/",
		Expires:  c.clock.Now().Add(duration),
		HttpOnly: true,
		Secure:   true,
	}
	return scoped.String(), nil
}

// Logout forwards the client's Cookie header to the provider's logout
// endpoint.
func (c *Client) Logout(ctx context.Context, cookieHeader string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+logoutPath, nil)
	if err != nil {
		return unavailable(err)
	}
	if cookieHeader != "" {
		req.Header.Set("Cookie", cookieHeader)
	}
	return c.do(req)
}

// Check forwards cookieHeader to an arbitrary provider URL and reports the
// status. Used to ask the provider whether a session belongs to an admin.
func (c *Client) Check(ctx context.Context, checkURL, cookieHeader string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if cookieHeader != "" {
		req.Header.Set("Cookie", cookieHeader)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return unavailable(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck

	return &Response{
		StatusCode: resp.StatusCode,
		SetCookie:  resp.Header.Values("Set-Cookie"),
	}, nil
}

func (c *Client) findSession(setCookies []string) *http.Cookie {
	for _, line := range setCookies {
		ck, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		if ck.Name == c.sessionCookie {
			return ck
		}
	}
	return nil
}

func unavailable(err error) (*Response, error) {
	return &Response{StatusCode: http.StatusBadGateway}, fmt.Errorf("%w: %v", ErrUnavailable, err)
}
