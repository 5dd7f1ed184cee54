package credentials

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/authgate/internal/secret"
	"github.com/jmcleod/authgate/storage/memory"
)

func newTestStore(t *testing.T) (*Store, *memory.Repository, *clockwork.FakeClock) {
	t.Helper()
	repo := memory.NewRepository()
	clock := clockwork.NewFakeClock()
	s, err := NewStore(repo, secret.FromString("test-store-secret"), WithClock(clock))
	require.NoError(t, err)
	return s, repo, clock
}

func TestNewStore_RequiresSecret(t *testing.T) {
	_, err := NewStore(memory.NewRepository(), nil)
	assert.ErrorIs(t, err, secret.ErrEmpty)
}

func TestCreateUser_SealsPassword(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t)

	_, err := s.CreateUser(ctx, "alice", "hunter2", "")
	require.NoError(t, err)

	env, err := repo.Get(ctx, "user", "alice")
	require.NoError(t, err)
	assert.NotContains(t, string(env.Ciphertext), "hunter2")

	u, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, Login{Username: "alice", Password: "hunter2"}, u.Login())
}

func TestCreateUser_Duplicate(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	_, err := s.CreateUser(ctx, "alice", "pw", "")
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, "ａｌｉｃｅ", "pw2", "")
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestCreateUser_Validation(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	_, err := s.CreateUser(ctx, "  ", "pw", "")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = s.CreateUser(ctx, "bob", "", "")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestGetUser_NotFound(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.GetUser(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenWithWrongSecretFails(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	a, err := NewStore(repo, secret.FromString("one"))
	require.NoError(t, err)
	_, err = a.CreateUser(ctx, "alice", "pw", "")
	require.NoError(t, err)

	b, err := NewStore(repo, secret.FromString("two"))
	require.NoError(t, err)
	_, err = b.GetUser(ctx, "alice")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestSecurityKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	_, err := s.CreateUser(ctx, "alice", "pw", "")
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, "bob", "pw", "")
	require.NoError(t, err)

	names, err := s.ListUsersWithKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, s.SetRegisterSession(ctx, "alice", &webauthn.SessionData{Challenge: "c1"}))
	u, _ := s.GetUser(ctx, "alice")
	require.NotNil(t, u.RegisterSession)

	_, taken, err := s.TakeRegisterSession(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, "c1", taken.Challenge)
	_, taken, err = s.TakeRegisterSession(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, taken)

	cred := webauthn.Credential{ID: []byte("cred-1"), PublicKey: []byte("pk")}
	require.NoError(t, s.AddSecurityKey(ctx, "alice", cred))

	u, _ = s.GetUser(ctx, "alice")
	assert.Nil(t, u.RegisterSession)
	require.Len(t, u.Credentials, 1)

	cred.Authenticator.SignCount = 7
	require.NoError(t, s.UpdateSecurityKey(ctx, "alice", cred))
	u, _ = s.GetUser(ctx, "alice")
	require.Len(t, u.Credentials, 1)
	assert.Equal(t, uint32(7), u.Credentials[0].Authenticator.SignCount)

	names, err = s.ListUsersWithKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, names)
}

func TestUserByYubikeyUID(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	_, err := s.CreateUser(ctx, "alice", "pw", "ccccccbtbhnh")
	require.NoError(t, err)

	u, err := s.UserByYubikeyUID(ctx, "ccccccbtbhnh")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	_, err = s.UserByYubikeyUID(ctx, "vvvvvvvvvvvv")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = s.UserByYubikeyUID(ctx, "")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestFingerprintLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t)

	_, err := s.AddFingerprint(ctx, "", "fp1", "")
	assert.ErrorIs(t, err, ErrInvalid)

	first, err := s.AddFingerprint(ctx, "laptop", "fp1", "alice")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = s.AddFingerprint(ctx, "phone", "fp2", "")
	require.NoError(t, err)

	trusted, err := s.IsFingerprintTrusted(ctx, "fp1")
	require.NoError(t, err)
	assert.True(t, trusted)
	trusted, err = s.IsFingerprintTrusted(ctx, "fp-unknown")
	require.NoError(t, err)
	assert.False(t, trusted)

	list, err := s.ListFingerprints(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "laptop", list[0].Name)
	assert.Equal(t, "phone", list[1].Name)

	again, err := s.AddFingerprint(ctx, "work laptop", "fp1", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "work laptop", again.Name)

	require.NoError(t, s.RevokeFingerprint(ctx, first.ID))
	_, err = s.GetFingerprint(ctx, "fp1")
	assert.ErrorIs(t, err, ErrFingerprintNotFound)
	assert.ErrorIs(t, s.RevokeFingerprint(ctx, first.ID), ErrFingerprintNotFound)
	assert.ErrorIs(t, s.RevokeFingerprint(ctx, "fp2"), ErrFingerprintNotFound, "only IDs identify a fingerprint")
}

func TestTakeAuthSession_IsSingleUse(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	_, err := s.AddFingerprint(ctx, "laptop", "fp1", "alice")
	require.NoError(t, err)

	require.NoError(t, s.SetAuthSession(ctx, "fp1", &webauthn.SessionData{Challenge: "first"}))
	require.NoError(t, s.SetAuthSession(ctx, "fp1", &webauthn.SessionData{Challenge: "second"}))

	fp, session, err := s.TakeAuthSession(ctx, "fp1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "second", session.Challenge)
	assert.Equal(t, "alice", fp.Username)

	_, session, err = s.TakeAuthSession(ctx, "fp1")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestTakeAuthSession_ConcurrentOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	_, err := s.AddFingerprint(ctx, "laptop", "fp1", "alice")
	require.NoError(t, err)
	require.NoError(t, s.SetAuthSession(ctx, "fp1", &webauthn.SessionData{Challenge: "c"}))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, session, err := s.TakeAuthSession(ctx, "fp1")
			if err == nil && session != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, wins, 1)
}

func TestUpdateUser_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t)
	_, err := s.CreateUser(ctx, "alice", "pw", "")
	require.NoError(t, err)

	calls := 0
	_, err = s.UpdateUser(ctx, "alice", func(u *User) error {
		calls++
		if calls == 1 {
			// Bump the stored version behind the store's back.
			env, _ := repo.Get(ctx, "user", "alice")
			env.Version++
			require.NoError(t, repo.Put(ctx, "user", "alice", env))
		}
		u.YubikeyUID = "ccccccbtbhnh"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	u, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "ccccccbtbhnh", u.YubikeyUID)
}

func TestListUsers_SkipsNothingOnEmptyRepo(t *testing.T) {
	s, _, _ := newTestStore(t)
	users, err := s.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)
}
