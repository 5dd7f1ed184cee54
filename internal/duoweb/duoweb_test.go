package duoweb

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKeys = Keys{
	IKey: "DIXXXXXXXXXXXXXXXXXX",
	SKey: []byte("deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"),
	AKey: []byte("useacustomerprovidedapplicationsecretkey"),
}

func TestSignRequest_Format(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sig, err := SignRequest(testKeys, "alice", now)
	require.NoError(t, err)

	tx, app, ok := strings.Cut(sig, ":")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(tx, "TX|"))
	assert.True(t, strings.HasPrefix(app, "APP|"))
	assert.Equal(t, app, AppPart(sig))
}

func TestSignRequest_Validation(t *testing.T) {
	now := time.Now()
	_, err := SignRequest(testKeys, "", now)
	assert.ErrorIs(t, err, ErrUser)
	_, err = SignRequest(testKeys, "a|b", now)
	assert.ErrorIs(t, err, ErrUser)

	bad := testKeys
	bad.IKey = "short"
	_, err = SignRequest(bad, "alice", now)
	assert.ErrorIs(t, err, ErrIKey)

	bad = testKeys
	bad.SKey = []byte("short")
	_, err = SignRequest(bad, "alice", now)
	assert.ErrorIs(t, err, ErrSKey)

	bad = testKeys
	bad.AKey = []byte("short")
	_, err = SignRequest(bad, "alice", now)
	assert.ErrorIs(t, err, ErrAKey)
}

func TestVerifyResponse_RoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sig, err := SignRequest(testKeys, "alice", now)
	require.NoError(t, err)

	resp := SignAuth(testKeys, "alice", now) + ":" + AppPart(sig)
	got, err := VerifyResponse(testKeys, resp, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, SignAuth(testKeys, "alice", now), got.Auth)
	assert.True(t, got.Expire.Equal(now.Add(DuoExpire)))
}

func TestVerifyResponse_Rejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sig, _ := SignRequest(testKeys, "alice", now)
	app := AppPart(sig)
	auth := SignAuth(testKeys, "alice", now)

	tests := []struct {
		name string
		resp string
		at   time.Time
		want error
	}{
		{"missing app part", auth, now, ErrInvalidSig},
		{"tampered signature", flipLast(auth) + ":" + app, now, ErrInvalidSig},
		{"tx cookie replayed as auth", strings.Split(sig, ":")[0] + ":" + app, now, ErrInvalidSig},
		{"user mismatch", SignAuth(testKeys, "mallory", now) + ":" + app, now, ErrInvalidSig},
		{"expired auth", auth + ":" + app, now.Add(DuoExpire), ErrExpired},
		{"garbage", "nope", now, ErrInvalidSig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := VerifyResponse(testKeys, tt.resp, tt.at)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifyResponse_WrongIKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sig, _ := SignRequest(testKeys, "alice", now)
	resp := SignAuth(testKeys, "alice", now) + ":" + AppPart(sig)

	other := testKeys
	other.IKey = "DIYYYYYYYYYYYYYYYYYY"
	_, err := VerifyResponse(other, resp, now)
	assert.ErrorIs(t, err, ErrInvalidSig)
}

func flipLast(s string) string {
	last := s[len(s)-1]
	if last == '0' {
		return s[:len(s)-1] + "1"
	}
	return s[:len(s)-1] + "0"
}
