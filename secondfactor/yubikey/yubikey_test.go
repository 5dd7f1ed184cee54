package yubikey

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/authgate/credentials"
	"github.com/jmcleod/authgate/internal/secret"
	"github.com/jmcleod/authgate/internal/yubico"
	"github.com/jmcleod/authgate/secondfactor"
	"github.com/jmcleod/authgate/storage/memory"
)

// fakeValidator accepts each listed OTP once.
type fakeValidator struct {
	valid map[string]string
}

func (f *fakeValidator) Validate(_ context.Context, otp string) (*yubico.Result, error) {
	publicID, ok := f.valid[otp]
	if !ok {
		return nil, yubico.ErrReplay
	}
	delete(f.valid, otp)
	return &yubico.Result{PublicID: publicID}, nil
}

func newTestStore(t *testing.T) *credentials.Store {
	t.Helper()
	store, err := credentials.NewStore(memory.NewRepository(), secret.FromString("test-secret"))
	require.NoError(t, err)
	return store
}

func TestVerify_Disabled(t *testing.T) {
	s := New(nil, newTestStore(t), nil)
	assert.False(t, s.Enabled())
	_, err := s.Verify(context.Background(), secondfactor.Subject{Fingerprint: "fp1"}, secondfactor.Assertion{OTP: "x"})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestIssueChallenge_NotSupported(t *testing.T) {
	s := New(&fakeValidator{}, newTestStore(t), nil)
	_, err := s.IssueChallenge(context.Background(), secondfactor.Subject{})
	assert.ErrorIs(t, err, secondfactor.ErrNoChallenge)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.CreateUser(ctx, "alice", "hunter2", "ccccccbtbhnh")
	require.NoError(t, err)
	_, err = store.AddFingerprint(ctx, "laptop", "fp1", "")
	require.NoError(t, err)

	v := &fakeValidator{valid: map[string]string{
		"otp-alice":   "ccccccbtbhnh",
		"otp-orphan":  "vvvvvvvvvvvv",
		"otp-another": "ccccccbtbhnh",
	}}
	s := New(v, store, nil)

	tests := []struct {
		name    string
		fp, otp string
		wantErr error
	}{
		{"missing otp", "fp1", "", ErrMissingInput},
		{"missing fingerprint", "", "otp-alice", ErrMissingInput},
		{"untrusted browser", "fp-unknown", "otp-another", ErrUntrusted},
		{"bad otp", "fp1", "garbage", ErrInvalidOTP},
		{"orphan key", "fp1", "otp-orphan", ErrUnknownKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Verify(ctx, secondfactor.Subject{Fingerprint: tt.fp}, secondfactor.Assertion{OTP: tt.otp})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	login, err := s.Verify(ctx, secondfactor.Subject{Fingerprint: "fp1"}, secondfactor.Assertion{OTP: "otp-alice"})
	require.NoError(t, err)
	assert.Equal(t, credentials.Login{Username: "alice", Password: "hunter2"}, login)

	_, err = s.Verify(ctx, secondfactor.Subject{Fingerprint: "fp1"}, secondfactor.Assertion{OTP: "otp-alice"})
	assert.ErrorIs(t, err, ErrInvalidOTP, "replayed OTP")
}
