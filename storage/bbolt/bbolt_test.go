package bbolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/authgate/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "authgate-test.db")
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	s := NewRepository(db)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBBoltStorage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	env := &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte("cipher")}

	t.Run("PutGet", func(t *testing.T) {
		if err := s.Put(ctx, "user", "alice", env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get(ctx, "user", "alice")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Ver != env.Ver || string(got.Ciphertext) != "cipher" {
			t.Errorf("unexpected envelope %+v", got)
		}
	})

	t.Run("GetMissingBucket", func(t *testing.T) {
		_, err := s.Get(ctx, "nosuchtype", "x")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		s.Put(ctx, "user", "bob", env)
		s.Put(ctx, "fingerprint", "f1", env)
		ids, err := s.List(ctx, "user")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("expected 2 IDs, got %d", len(ids))
		}
		empty, err := s.List(ctx, "nosuchtype")
		if err != nil || len(empty) != 0 {
			t.Errorf("expected empty list, got %v, %v", empty, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := s.Delete(ctx, "user", "bob"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := s.Delete(ctx, "user", "bob"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PutCAS create-only", func(t *testing.T) {
		if err := s.PutCAS(ctx, "user", "cas1", 0, env); err != nil {
			t.Fatalf("PutCAS (new) failed: %v", err)
		}
		if err := s.PutCAS(ctx, "user", "cas1", 0, env); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed, got %v", err)
		}
	})

	t.Run("PutCAS version match", func(t *testing.T) {
		envV1 := &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte("v1"), Version: 1}
		if err := s.PutCAS(ctx, "user", "cas2", 0, envV1); err != nil {
			t.Fatalf("PutCAS (create) failed: %v", err)
		}
		envV2 := &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte("v2"), Version: 2}
		if err := s.PutCAS(ctx, "user", "cas2", 1, envV2); err != nil {
			t.Fatalf("PutCAS (update) failed: %v", err)
		}
		if err := s.PutCAS(ctx, "user", "cas2", 1, envV2); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed for stale version, got %v", err)
		}
		got, _ := s.Get(ctx, "user", "cas2")
		if string(got.Ciphertext) != "v2" {
			t.Errorf("expected v2, got %s", got.Ciphertext)
		}
	})

	t.Run("PersistsAcrossReopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reopen.db")
		first, err := NewRepositoryFromFile(path, nil)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		first.Put(ctx, "user", "alice", env)
		first.Close()

		second, err := NewRepositoryFromFile(path, nil)
		if err != nil {
			t.Fatalf("reopen failed: %v", err)
		}
		defer second.Close()
		if _, err := second.Get(ctx, "user", "alice"); err != nil {
			t.Errorf("expected record after reopen, got %v", err)
		}
	})
}
