package storage

import (
	"bytes"
	"testing"

	"github.com/jmcleod/authgate/internal/util"
)

func TestEnvelope(t *testing.T) {
	key, _ := util.NewAESKey()
	plain := []byte(`{"username":"alice"}`)

	env, err := SealRecord(key, "user", "alice", plain, 3)
	if err != nil {
		t.Fatalf("SealRecord failed: %v", err)
	}
	if env.Ver != 1 {
		t.Errorf("expected version 1, got %d", env.Ver)
	}
	if env.Version != 3 {
		t.Errorf("expected record version 3, got %d", env.Version)
	}

	decrypted, err := OpenRecord(key, "user", "alice", env)
	if err != nil {
		t.Fatalf("OpenRecord failed: %v", err)
	}
	if !bytes.Equal(plain, decrypted) {
		t.Errorf("expected %s, got %s", plain, decrypted)
	}

	t.Run("WrongRecordID", func(t *testing.T) {
		if _, err := OpenRecord(key, "user", "bob", env); err == nil {
			t.Error("expected error when opening under another record, got nil")
		}
	})

	t.Run("WrongRecordType", func(t *testing.T) {
		if _, err := OpenRecord(key, "fingerprint", "alice", env); err == nil {
			t.Error("expected error when opening under another type, got nil")
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		wrongKey, _ := util.NewAESKey()
		if _, err := OpenRecord(wrongKey, "user", "alice", env); err == nil {
			t.Error("expected error with wrong key, got nil")
		}
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		badEnv := *env
		badEnv.Ver = 99
		if _, err := OpenRecord(key, "user", "alice", &badEnv); err == nil {
			t.Error("expected error with unsupported version, got nil")
		}
	})

	t.Run("UnsupportedScheme", func(t *testing.T) {
		badEnv := *env
		badEnv.Scheme = "rot13"
		if _, err := OpenRecord(key, "user", "alice", &badEnv); err == nil {
			t.Error("expected error with unsupported scheme, got nil")
		}
	})

	t.Run("CloneIsDeep", func(t *testing.T) {
		c := env.Clone()
		c.Nonce[0] ^= 0xFF
		if bytes.Equal(c.Nonce, env.Nonce) {
			t.Error("expected clone to own its nonce")
		}
	})
}

func TestAADRecordDistinguishesBoundaries(t *testing.T) {
	if bytes.Equal(AADRecord("ab", "c"), AADRecord("a", "bc")) {
		t.Error("AAD must be length-prefixed")
	}
}
