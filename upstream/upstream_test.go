package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider accepts alice/hunter2 and mimics the provider's cookies.
func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth-login", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("httpd_username") != "alice" || r.PostForm.Get("httpd_password") != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Add("Set-Cookie", "tracking=1; Path=/")
		w.Header().Add("Set-Cookie", "kiwi-session=s=x; Path=/; Domain=auth.example.com")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /auth-logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "kiwi-session=abc" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Add("Set-Cookie", "kiwi-session=; Max-Age=0")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /admin-check", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") == "kiwi-session=admin" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthenticate_RelaysStatusAndCookies(t *testing.T) {
	srv := fakeProvider(t)
	c := New(srv.URL)

	resp, err := c.Authenticate(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"tracking=1; Path=/", "kiwi-session=s=x; Path=/; Domain=auth.example.com"}, resp.SetCookie)

	resp, err = c.Authenticate(context.Background(), "alice", "wrong")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, resp.SetCookie)
}

func TestAuthenticate_TransportFailureIs502(t *testing.T) {
	srv := fakeProvider(t)
	url := srv.URL
	srv.Close()

	resp, err := New(url).Authenticate(context.Background(), "alice", "hunter2")
	require.ErrorIs(t, err, ErrUnavailable)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Empty(t, resp.SetCookie)
}

func TestAuthenticate_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	resp, err := New(srv.URL, WithTimeout(50*time.Millisecond)).Authenticate(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestAuthenticate_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/elsewhere")
		w.Header().Add("Set-Cookie", "kiwi-session=s=y")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	resp, err := New(srv.URL).Authenticate(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, []string{"kiwi-session=s=y"}, resp.SetCookie)
}

func TestAuthenticateScoped_RewritesSessionCookie(t *testing.T) {
	srv := fakeProvider(t)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC))
	c := New(srv.URL, WithClock(clock))

	cookie, err := c.AuthenticateScoped(context.Background(), "alice", "hunter2", "app.example.com", 30*time.Minute)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(cookie, "kiwi-session="), cookie)
	assert.Contains(t, cookie, "s=x")
	assert.Contains(t, cookie, "Domain=app.example.com")
	assert.Contains(t, cookie, "Path=/")
	assert.Contains(t, cookie, "Expires=Thu, 02 Jan 2025 15:34:05 GMT")
	assert.Contains(t, cookie, "HttpOnly")
	assert.Contains(t, cookie, "Secure")
	assert.NotContains(t, cookie, "auth.example.com")
}

func TestAuthenticateScoped_Errors(t *testing.T) {
	srv := fakeProvider(t)
	c := New(srv.URL)

	_, err := c.AuthenticateScoped(context.Background(), "alice", "wrong", "app.example.com", time.Minute)
	assert.ErrorIs(t, err, ErrRejected)

	noCookie := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer noCookie.Close()
	_, err = New(noCookie.URL).AuthenticateScoped(context.Background(), "a", "b", "app.example.com", time.Minute)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLogout_ForwardsCookieHeader(t *testing.T) {
	srv := fakeProvider(t)
	resp, err := New(srv.URL).Logout(context.Background(), "kiwi-session=abc")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"kiwi-session=; Max-Age=0"}, resp.SetCookie)
}

func TestCheck(t *testing.T) {
	srv := fakeProvider(t)
	c := New(srv.URL)

	status, err := c.Check(context.Background(), srv.URL+"/admin-check", "kiwi-session=admin")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	status, err = c.Check(context.Background(), srv.URL+"/admin-check", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, status)

	_, err = c.Check(context.Background(), "http://127.0.0.1:0/nope", "")
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestRelay(t *testing.T) {
	t.Run("relays status and cookies", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Relay(rec, &Response{StatusCode: http.StatusOK, SetCookie: []string{"a=1", "b=2"}}, map[string]bool{"success": true})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"a=1", "b=2"}, rec.Header().Values("Set-Cookie"))
		assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	})

	t.Run("nil response is 502 without cookies", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Relay(rec, nil, nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Empty(t, rec.Header().Values("Set-Cookie"))
		assert.JSONEq(t, `{}`, rec.Body.String())
	})
}
