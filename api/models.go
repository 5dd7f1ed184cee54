package api

import (
	"encoding/json"
	"time"

	"github.com/jmcleod/authgate/authorize"
	"github.com/jmcleod/authgate/credentials"
)

// LoginRequest is the JSON body for POST /login/duo and POST /login/apache.
type LoginRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	SigResponse string `json:"sigResponse,omitempty"`
}

// FingerprintRequest carries only a browser fingerprint.
type FingerprintRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// SecurityKeyLoginRequest is the JSON body for POST /login/u2f/verify.
type SecurityKeyLoginRequest struct {
	Fingerprint  string          `json:"fingerprint"`
	AuthResponse json.RawMessage `json:"authResponse"`
}

// OTPLoginRequest is the JSON body for POST /login/otp.
type OTPLoginRequest struct {
	Fingerprint string `json:"fingerprint"`
	OTP         string `json:"otp"`
}

// AuthorizeRequest is the JSON body for POST /login/authorize/request.
type AuthorizeRequest struct {
	Fingerprint string `json:"fingerprint"`
	Scope       string `json:"scope"`
}

// AuthorizeResponse is returned from POST /login/authorize/request.
type AuthorizeResponse struct {
	AuthorizationID string `json:"authorizationID"`
}

// AuthorizeCheckRequest is the JSON body for POST /login/authorize/check.
type AuthorizeCheckRequest struct {
	Fingerprint     string `json:"fingerprint"`
	AuthorizationID string `json:"authorizationID"`
}

// AuthorizePending is returned from POST /login/authorize/check, with 202,
// while the request waits for approval.
type AuthorizePending struct {
	Pending bool `json:"pending"`
}

// AuthorizationIDRequest is the JSON body for the admin details and reject
// endpoints.
type AuthorizationIDRequest struct {
	AuthorizationID string `json:"authorizationID"`
}

// GrantRequest is the JSON body for POST /admin/authorize/grant. Duration is
// in minutes; zero means the default.
type GrantRequest struct {
	AuthorizationID string `json:"authorizationID"`
	Username        string `json:"username"`
	Duration        int    `json:"duration,omitempty"`
}

// AuthorizationDetails is returned from POST /admin/authorize/details.
type AuthorizationDetails struct {
	Details authorize.Request `json:"details"`
}

// AddFingerprintRequest is the JSON body for POST /admin/fingerprint/add.
type AddFingerprintRequest struct {
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	Username    string `json:"username,omitempty"`
}

// IDRequest carries a record ID.
type IDRequest struct {
	ID string `json:"id"`
}

// FingerprintSummary describes a trusted browser without its pending
// challenge state.
type FingerprintSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	Username    string    `json:"username,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func summarizeFingerprint(f credentials.Fingerprint) FingerprintSummary {
	return FingerprintSummary{
		ID:          f.ID,
		Name:        f.Name,
		Fingerprint: f.Fingerprint,
		Username:    f.Username,
		CreatedAt:   f.CreatedAt,
	}
}

// ListFingerprintsResponse is returned from POST /admin/fingerprint/list.
type ListFingerprintsResponse struct {
	Fingerprints []FingerprintSummary `json:"fingerprints"`
}

// UsernameRequest carries a username.
type UsernameRequest struct {
	Username string `json:"username"`
}

// RegisterVerifyRequest is the JSON body for POST /admin/u2f/register-verify.
type RegisterVerifyRequest struct {
	Username         string          `json:"username"`
	RegisterResponse json.RawMessage `json:"registerResponse"`
}

// ListSecurityKeyUsersResponse is returned from POST /admin/u2f/list.
type ListSecurityKeyUsersResponse struct {
	Users []string `json:"users"`
}

// BlacklistEntry is one row of the admin blacklist view.
type BlacklistEntry struct {
	IP            string    `json:"ip"`
	Count         uint      `json:"count"`
	Timestamp     time.Time `json:"timestamp"`
	Expiry        time.Time `json:"expiry,omitzero"`
	IsBlacklisted bool      `json:"isBlacklisted"`
}

// RemoveBlacklistRequest is the JSON body for POST /admin/blacklist/remove.
type RemoveBlacklistRequest struct {
	IP string `json:"ip"`
}

// rawBody returns nil for an absent or null JSON value.
func rawBody(m json.RawMessage) []byte {
	if len(m) == 0 || string(m) == "null" {
		return nil
	}
	return m
}
