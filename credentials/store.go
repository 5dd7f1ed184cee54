// Package credentials persists gateway users and trusted browser
// fingerprints. Every record is sealed with AES-256-GCM before it reaches the
// storage backend because user records carry the upstream password, which
// must be recoverable and so cannot be hashed.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/jonboulle/clockwork"

	"github.com/jmcleod/authgate/internal/secret"
	"github.com/jmcleod/authgate/internal/util"
	"github.com/jmcleod/authgate/internal/uuid"
	"github.com/jmcleod/authgate/storage"
)

const (
	recordUser        = "user"
	recordFingerprint = "fingerprint"

	recordKeyInfo = "authgate:credentials:record-key:v1"

	// maxCASAttempts bounds optimistic retries of read-modify-write updates.
	maxCASAttempts = 5
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUserNotFound        = fmt.Errorf("user %w", ErrNotFound)
	ErrFingerprintNotFound = fmt.Errorf("fingerprint %w", ErrNotFound)
	ErrUserExists          = errors.New("user already exists")
	ErrInvalid             = errors.New("invalid credentials record")
	ErrConflict            = errors.New("concurrent update conflict")
)

// Store is the credential store.
type Store struct {
	repo      storage.Repository
	recordKey *secret.Secret
	clock     clockwork.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for CreatedAt timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// NewStore returns a Store over repo. The record key is derived from
// storeSecret with HKDF and kept sealed in memory.
func NewStore(repo storage.Repository, storeSecret *secret.Secret, opts ...Option) (*Store, error) {
	var recordKey []byte
	err := storeSecret.Use(func(b []byte) error {
		k, err := util.DeriveKey(b, recordKeyInfo)
		recordKey = k
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("deriving record key: %w", err)
	}
	s := &Store{
		repo:      repo,
		recordKey: secret.New(recordKey),
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// CreateUser stores a new user. The username is NFKC normalised.
func (s *Store) CreateUser(ctx context.Context, username, password, yubikeyUID string) (*User, error) {
	username = util.NormalizeUsername(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalid)
	}
	u := &User{
		Username:   username,
		Password:   password,
		YubikeyUID: yubikeyUID,
		CreatedAt:  s.clock.Now().UTC(),
	}
	env, err := s.seal(recordUser, username, u, 1)
	if err != nil {
		return nil, err
	}
	err = s.repo.PutCAS(ctx, recordUser, username, 0, env)
	if errors.Is(err, storage.ErrCASFailed) {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, fmt.Errorf("storing user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with the given username.
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	username = util.NormalizeUsername(username)
	if username == "" {
		return nil, ErrUserNotFound
	}
	var u User
	if _, err := s.load(ctx, recordUser, username, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUser applies fn to the stored user and writes the result back.
// fn may be called more than once if the record changes concurrently.
func (s *Store) UpdateUser(ctx context.Context, username string, fn func(*User) error) (*User, error) {
	username = util.NormalizeUsername(username)
	var u User
	err := s.update(ctx, recordUser, username, func() any { u = User{}; return &u }, func() error {
		return fn(&u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// DeleteUser removes a user.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	return s.delete(ctx, recordUser, util.NormalizeUsername(username))
}

// ListUsers returns every user, sorted by username.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	ids, err := s.repo.List(ctx, recordUser)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	users := make([]User, 0, len(ids))
	for _, id := range ids {
		var u User
		if _, err := s.load(ctx, recordUser, id, &u); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// ListUsersWithKeys returns the usernames that have a security key registered.
func (s *Store) ListUsersWithKeys(ctx context.Context) ([]string, error) {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, u := range users {
		if u.HasSecurityKey() {
			names = append(names, u.Username)
		}
	}
	return names, nil
}

// UserByYubikeyUID returns the user bound to the Yubikey public identity.
func (s *Store) UserByYubikeyUID(ctx context.Context, uid string) (*User, error) {
	if uid == "" {
		return nil, ErrUserNotFound
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].YubikeyUID == uid {
			return &users[i], nil
		}
	}
	return nil, ErrUserNotFound
}

// SetRegisterSession replaces the user's pending registration challenge.
func (s *Store) SetRegisterSession(ctx context.Context, username string, session *webauthn.SessionData) error {
	_, err := s.UpdateUser(ctx, username, func(u *User) error {
		u.RegisterSession = session
		return nil
	})
	return err
}

// TakeRegisterSession atomically removes and returns the user's pending
// registration challenge.
func (s *Store) TakeRegisterSession(ctx context.Context, username string) (*User, *webauthn.SessionData, error) {
	var taken *webauthn.SessionData
	u, err := s.UpdateUser(ctx, username, func(u *User) error {
		taken = u.RegisterSession
		u.RegisterSession = nil
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return u, taken, nil
}

// AddSecurityKey consumes the pending registration challenge and stores cred.
// A credential with the same ID replaces the existing one.
func (s *Store) AddSecurityKey(ctx context.Context, username string, cred webauthn.Credential) error {
	_, err := s.UpdateUser(ctx, username, func(u *User) error {
		u.RegisterSession = nil
		u.Credentials = upsertCredential(u.Credentials, cred)
		return nil
	})
	return err
}

// UpdateSecurityKey stores the post-login state (sign count, flags) of a
// credential that is already registered.
func (s *Store) UpdateSecurityKey(ctx context.Context, username string, cred webauthn.Credential) error {
	_, err := s.UpdateUser(ctx, username, func(u *User) error {
		u.Credentials = upsertCredential(u.Credentials, cred)
		return nil
	})
	return err
}

func upsertCredential(creds []webauthn.Credential, cred webauthn.Credential) []webauthn.Credential {
	for i := range creds {
		if string(creds[i].ID) == string(cred.ID) {
			creds[i] = cred
			return creds
		}
	}
	return append(creds, cred)
}

// ---------------------------------------------------------------------------
// Fingerprints
// ---------------------------------------------------------------------------

// AddFingerprint trusts a browser fingerprint. Adding a fingerprint that is
// already trusted renames it and rebinds it to username, keeping its ID.
func (s *Store) AddFingerprint(ctx context.Context, name, fingerprint, username string) (*Fingerprint, error) {
	if name == "" || fingerprint == "" {
		return nil, fmt.Errorf("%w: name and fingerprint are required", ErrInvalid)
	}
	username = util.NormalizeUsername(username)
	recordID := util.Digest(fingerprint)

	fp := &Fingerprint{
		ID:          uuid.New(),
		Name:        name,
		Fingerprint: fingerprint,
		Username:    username,
		CreatedAt:   s.clock.Now().UTC(),
	}
	env, err := s.seal(recordFingerprint, recordID, fp, 1)
	if err != nil {
		return nil, err
	}
	err = s.repo.PutCAS(ctx, recordFingerprint, recordID, 0, env)
	if err == nil {
		return fp, nil
	}
	if !errors.Is(err, storage.ErrCASFailed) {
		return nil, fmt.Errorf("storing fingerprint: %w", err)
	}
	return s.UpdateFingerprint(ctx, fingerprint, func(existing *Fingerprint) error {
		existing.Name = name
		existing.Username = username
		return nil
	})
}

// GetFingerprint returns the trusted fingerprint record for fingerprint.
func (s *Store) GetFingerprint(ctx context.Context, fingerprint string) (*Fingerprint, error) {
	if fingerprint == "" {
		return nil, ErrFingerprintNotFound
	}
	var fp Fingerprint
	if _, err := s.load(ctx, recordFingerprint, util.Digest(fingerprint), &fp); err != nil {
		return nil, err
	}
	return &fp, nil
}

// IsFingerprintTrusted reports whether fingerprint has been added.
func (s *Store) IsFingerprintTrusted(ctx context.Context, fingerprint string) (bool, error) {
	_, err := s.GetFingerprint(ctx, fingerprint)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// UpdateFingerprint applies fn to the stored fingerprint record.
func (s *Store) UpdateFingerprint(ctx context.Context, fingerprint string, fn func(*Fingerprint) error) (*Fingerprint, error) {
	if fingerprint == "" {
		return nil, ErrFingerprintNotFound
	}
	var fp Fingerprint
	err := s.update(ctx, recordFingerprint, util.Digest(fingerprint), func() any { fp = Fingerprint{}; return &fp }, func() error {
		return fn(&fp)
	})
	if err != nil {
		return nil, err
	}
	return &fp, nil
}

// SetAuthSession stores a security key login challenge on the fingerprint,
// replacing any earlier one.
func (s *Store) SetAuthSession(ctx context.Context, fingerprint string, session *webauthn.SessionData) error {
	_, err := s.UpdateFingerprint(ctx, fingerprint, func(fp *Fingerprint) error {
		fp.AuthSession = session
		return nil
	})
	return err
}

// TakeAuthSession atomically removes and returns the outstanding login
// challenge for fingerprint. A second call returns a nil session.
func (s *Store) TakeAuthSession(ctx context.Context, fingerprint string) (*Fingerprint, *webauthn.SessionData, error) {
	var taken *webauthn.SessionData
	fp, err := s.UpdateFingerprint(ctx, fingerprint, func(fp *Fingerprint) error {
		taken = fp.AuthSession
		fp.AuthSession = nil
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return fp, taken, nil
}

// ListFingerprints returns every trusted fingerprint, oldest first.
func (s *Store) ListFingerprints(ctx context.Context) ([]Fingerprint, error) {
	ids, err := s.repo.List(ctx, recordFingerprint)
	if err != nil {
		return nil, fmt.Errorf("listing fingerprints: %w", err)
	}
	out := make([]Fingerprint, 0, len(ids))
	for _, id := range ids {
		var fp Fingerprint
		if _, err := s.load(ctx, recordFingerprint, id, &fp); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		fp.AuthSession = nil
		out = append(out, fp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RevokeFingerprint removes the fingerprint with the given ID.
func (s *Store) RevokeFingerprint(ctx context.Context, id string) error {
	if !uuid.Valid(id) {
		return ErrFingerprintNotFound
	}
	ids, err := s.repo.List(ctx, recordFingerprint)
	if err != nil {
		return fmt.Errorf("listing fingerprints: %w", err)
	}
	for _, recordID := range ids {
		var fp Fingerprint
		if _, err := s.load(ctx, recordFingerprint, recordID, &fp); err != nil {
			continue
		}
		if fp.ID == id {
			return s.delete(ctx, recordFingerprint, recordID)
		}
	}
	return ErrFingerprintNotFound
}

// ---------------------------------------------------------------------------
// Sealing
// ---------------------------------------------------------------------------

func notFound(recordType string) error {
	if recordType == recordUser {
		return ErrUserNotFound
	}
	return ErrFingerprintNotFound
}

func (s *Store) seal(recordType, recordID string, v any, version uint64) (*storage.Envelope, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", recordType, err)
	}
	var env *storage.Envelope
	err = s.recordKey.Use(func(key []byte) error {
		env, err = storage.SealRecord(key, recordType, recordID, plain, version)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sealing %s: %w", recordType, err)
	}
	return env, nil
}

// load opens the record into v and returns its stored version.
func (s *Store) load(ctx context.Context, recordType, recordID string, v any) (uint64, error) {
	env, err := s.repo.Get(ctx, recordType, recordID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, notFound(recordType)
	}
	if err != nil {
		return 0, fmt.Errorf("loading %s: %w", recordType, err)
	}
	var plain []byte
	err = s.recordKey.Use(func(key []byte) error {
		plain, err = storage.OpenRecord(key, recordType, recordID, env)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", recordType, err)
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return 0, fmt.Errorf("decoding %s: %w", recordType, err)
	}
	return env.Version, nil
}

// update runs an optimistic read-modify-write. fresh returns a zeroed
// destination for each attempt; mutate edits it in place.
func (s *Store) update(ctx context.Context, recordType, recordID string, fresh func() any, mutate func() error) error {
	if recordID == "" {
		return notFound(recordType)
	}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		v := fresh()
		version, err := s.load(ctx, recordType, recordID, v)
		if err != nil {
			return err
		}
		if err := mutate(); err != nil {
			return err
		}
		env, err := s.seal(recordType, recordID, v, version+1)
		if err != nil {
			return err
		}
		err = s.repo.PutCAS(ctx, recordType, recordID, version, env)
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return fmt.Errorf("storing %s: %w", recordType, err)
		}
		return nil
	}
	return ErrConflict
}

func (s *Store) delete(ctx context.Context, recordType, recordID string) error {
	err := s.repo.Delete(ctx, recordType, recordID)
	if errors.Is(err, storage.ErrNotFound) {
		return notFound(recordType)
	}
	return err
}
