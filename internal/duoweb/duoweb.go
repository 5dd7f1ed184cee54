// Package duoweb signs and verifies Duo Web (v2) iframe requests.
//
// A signed request is two HMAC-SHA1 signed cookies joined by ':': a TX cookie
// signed with the integration secret key and an APP cookie signed with the
// application key. Duo answers with an AUTH cookie, which is checked together
// with the APP cookie that was issued.
package duoweb

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	IKeyLen = 20
	SKeyLen = 40
	AKeyLen = 40

	DuoExpire = 300 * time.Second
	AppExpire = 3600 * time.Second

	duoPrefix  = "TX"
	appPrefix  = "APP"
	authPrefix = "AUTH"
)

var (
	ErrUser       = errors.New("invalid username")
	ErrIKey       = errors.New("invalid integration key")
	ErrSKey       = errors.New("invalid secret key")
	ErrAKey       = errors.New("invalid application key")
	ErrInvalidSig = errors.New("invalid signed response")
	ErrExpired    = errors.New("signed response expired")
)

// Response is a verified sig_response.
type Response struct {
	Username string
	// Auth is the AUTH cookie Duo signed. It is unique per transaction up
	// to the second, so callers use it to refuse replays.
	Auth string
	// Expire is when the AUTH cookie stops verifying.
	Expire time.Time
}

// Keys are the integration credentials.
type Keys struct {
	IKey string
	SKey []byte
	AKey []byte
}

func (k Keys) validate() error {
	switch {
	case len(k.IKey) != IKeyLen:
		return ErrIKey
	case len(k.SKey) != SKeyLen:
		return ErrSKey
	case len(k.AKey) < AKeyLen:
		return ErrAKey
	}
	return nil
}

// SignRequest returns the sig_request value for username.
func SignRequest(keys Keys, username string, now time.Time) (string, error) {
	if username == "" || strings.Contains(username, "|") {
		return "", ErrUser
	}
	if err := keys.validate(); err != nil {
		return "", err
	}
	duoSig := signVals(keys.SKey, username, keys.IKey, duoPrefix, now.Add(DuoExpire))
	appSig := signVals(keys.AKey, username, keys.IKey, appPrefix, now.Add(AppExpire))
	return duoSig + ":" + appSig, nil
}

// VerifyResponse checks a sig_response. Verification is stateless: the
// same response verifies until its AUTH cookie expires.
func VerifyResponse(keys Keys, sigResponse string, now time.Time) (Response, error) {
	if err := keys.validate(); err != nil {
		return Response{}, err
	}
	authSig, appSig, ok := strings.Cut(sigResponse, ":")
	if !ok || strings.Contains(appSig, ":") {
		return Response{}, ErrInvalidSig
	}
	authUser, authExpire, err := parseVals(keys.SKey, authSig, authPrefix, keys.IKey, now)
	if err != nil {
		return Response{}, err
	}
	appUser, _, err := parseVals(keys.AKey, appSig, appPrefix, keys.IKey, now)
	if err != nil {
		return Response{}, err
	}
	if authUser != appUser {
		return Response{}, ErrInvalidSig
	}
	return Response{Username: authUser, Auth: authSig, Expire: authExpire}, nil
}

// SignAuth produces a Duo AUTH cookie. Duo's servers do this in production;
// it exists so the flow can be exercised without them.
func SignAuth(keys Keys, username string, now time.Time) string {
	return signVals(keys.SKey, username, keys.IKey, authPrefix, now.Add(DuoExpire))
}

// AppPart returns the APP cookie of a signed request.
func AppPart(sigRequest string) string {
	_, app, _ := strings.Cut(sigRequest, ":")
	return app
}

func signVals(key []byte, username, ikey, prefix string, expire time.Time) string {
	val := username + "|" + ikey + "|" + strconv.FormatInt(expire.Unix(), 10)
	cookie := prefix + "|" + base64.StdEncoding.EncodeToString([]byte(val))
	return cookie + "|" + hmacHex(key, cookie)
}

func parseVals(key []byte, signed, prefix, ikey string, now time.Time) (string, time.Time, error) {
	parts := strings.Split(signed, "|")
	if len(parts) != 3 {
		return "", time.Time{}, ErrInvalidSig
	}
	uPrefix, uB64, uSig := parts[0], parts[1], parts[2]

	expected := hmacHex(key, uPrefix+"|"+uB64)
	if !hmac.Equal([]byte(expected), []byte(uSig)) {
		return "", time.Time{}, ErrInvalidSig
	}
	if uPrefix != prefix {
		return "", time.Time{}, ErrInvalidSig
	}

	decoded, err := base64.StdEncoding.DecodeString(uB64)
	if err != nil {
		return "", time.Time{}, ErrInvalidSig
	}
	fields := strings.Split(string(decoded), "|")
	if len(fields) != 3 {
		return "", time.Time{}, ErrInvalidSig
	}
	user, uIKey, uExpire := fields[0], fields[1], fields[2]
	if uIKey != ikey {
		return "", time.Time{}, ErrInvalidSig
	}
	expire, err := strconv.ParseInt(uExpire, 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: bad expiry", ErrInvalidSig)
	}
	if now.Unix() >= expire {
		return "", time.Time{}, ErrExpired
	}
	return user, time.Unix(expire, 0), nil
}

func hmacHex(key []byte, msg string) string {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
