package credentials

import (
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// User is a gateway account. Password is the upstream identity provider
// password, replayed on the user's behalf once a second factor succeeds.
type User struct {
	Username string `json:"username"`
	Password string `json:"password"`

	// Credentials are the user's registered security keys.
	Credentials []webauthn.Credential `json:"credentials,omitempty"`
	// RegisterSession is the pending security key registration challenge.
	RegisterSession *webauthn.SessionData `json:"register_session,omitempty"`

	// YubikeyUID is the public identity of the user's Yubikey.
	YubikeyUID string `json:"yubikey_uid,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasSecurityKey reports whether at least one security key is registered.
func (u *User) HasSecurityKey() bool {
	return len(u.Credentials) > 0
}

// Login is the username and password pair presented to the upstream
// identity provider.
type Login struct {
	Username string
	Password string
}

// Login returns the upstream login for u.
func (u *User) Login() Login {
	return Login{Username: u.Username, Password: u.Password}
}

// Fingerprint is a trusted browser.
type Fingerprint struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	Username    string `json:"username,omitempty"`

	// AuthSession is the outstanding security key login challenge issued to
	// this browser. It is cleared when consumed.
	AuthSession *webauthn.SessionData `json:"auth_session,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
