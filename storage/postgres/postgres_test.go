package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/authgate/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("AUTHGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AUTHGATE_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("could not ensure schema: %v", err)
	}

	pool.Exec(ctx, "DELETE FROM credential_records") //nolint:errcheck
	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM credential_records") //nolint:errcheck
		pool.Close()
	})
	return NewRepository(pool)
}

func TestPostgresStorage(t *testing.T) {
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

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := s.Get(ctx, "user", "nobody"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		s.Put(ctx, "user", "bob", env)
		ids, err := s.List(ctx, "user")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 2 || ids[0] != "alice" || ids[1] != "bob" {
			t.Errorf("unexpected ids %v", ids)
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

	t.Run("PutCAS", func(t *testing.T) {
		v1 := env.Clone()
		v1.Version = 1
		if err := s.PutCAS(ctx, "user", "cas", 0, v1); err != nil {
			t.Fatalf("PutCAS (create) failed: %v", err)
		}
		if err := s.PutCAS(ctx, "user", "cas", 0, v1); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed, got %v", err)
		}
		v2 := env.Clone()
		v2.Version = 2
		if err := s.PutCAS(ctx, "user", "cas", 1, v2); err != nil {
			t.Fatalf("PutCAS (update) failed: %v", err)
		}
		if err := s.PutCAS(ctx, "user", "cas", 1, v2); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed for stale version, got %v", err)
		}
	})
}
