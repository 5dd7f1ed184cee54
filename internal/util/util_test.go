package util

import (
	"bytes"
	"testing"
)

func TestAES(t *testing.T) {
	key, _ := NewAESKey()
	plainText := []byte("hunter2")
	aad := []byte("user:alice")

	t.Run("SealOpen", func(t *testing.T) {
		sealed, err := SealGCM(plainText, key, aad)
		if err != nil {
			t.Fatalf("SealGCM failed: %v", err)
		}
		opened, err := OpenGCM(sealed, key, aad)
		if err != nil {
			t.Fatalf("OpenGCM failed: %v", err)
		}
		if !bytes.Equal(plainText, opened) {
			t.Errorf("expected %s, got %s", plainText, opened)
		}
	})

	t.Run("FreshNonce", func(t *testing.T) {
		a, _ := SealGCM(plainText, key, aad)
		b, _ := SealGCM(plainText, key, aad)
		if bytes.Equal(a[:GCMNonceSize], b[:GCMNonceSize]) {
			t.Error("expected distinct nonces")
		}
	})

	t.Run("TamperAAD", func(t *testing.T) {
		sealed, _ := SealGCM(plainText, key, aad)
		if _, err := OpenGCM(sealed, key, []byte("user:mallory")); err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("TamperCipherText", func(t *testing.T) {
		sealed, _ := SealGCM(plainText, key, aad)
		sealed[len(sealed)-1] ^= 0xFF
		if _, err := OpenGCM(sealed, key, aad); err == nil {
			t.Error("expected error with tampered ciphertext, got nil")
		}
	})

	t.Run("ShortInput", func(t *testing.T) {
		if _, err := OpenGCM([]byte("short"), key, aad); err != ErrShortCiphertext {
			t.Errorf("expected ErrShortCiphertext, got %v", err)
		}
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		if _, err := SealGCM(plainText, []byte("too short"), aad); err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
	})
}

func TestDeriveKey(t *testing.T) {
	secret := []byte("store-secret")

	a, err := DeriveKey(secret, "credentials")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if len(a) != HKDFKeyLength {
		t.Fatalf("expected %d bytes, got %d", HKDFKeyLength, len(a))
	}
	again, _ := DeriveKey(secret, "credentials")
	if !bytes.Equal(a, again) {
		t.Error("expected deterministic derivation")
	}
	other, _ := DeriveKey(secret, "other")
	if bytes.Equal(a, other) {
		t.Error("expected distinct keys for distinct info")
	}
	if _, err := DeriveKey(nil, "credentials"); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestNormalizeUsername(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice", "alice"},
		{"  alice ", "alice"},
		{"ａｌｉｃｅ", "alice"},
		{"ﬁle", "file"},
	}
	for _, tt := range tests {
		if got := NormalizeUsername(tt.in); got != tt.want {
			t.Errorf("NormalizeUsername(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDigest(t *testing.T) {
	if Digest("fp1") == Digest("fp2") {
		t.Error("expected distinct digests")
	}
	if len(Digest("fp1")) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(Digest("fp1")))
	}
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(16)
	if err != nil {
		t.Fatalf("RandomToken failed: %v", err)
	}
	b, _ := RandomToken(16)
	if a == b {
		t.Error("expected unique tokens")
	}
	if len(a) != 22 {
		t.Errorf("expected 22 chars, got %d", len(a))
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert("auth.example.com", "192.0.2.10")
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}
	if cert.Leaf == nil {
		t.Fatal("expected parsed leaf")
	}
	if err := cert.Leaf.VerifyHostname("auth.example.com"); err != nil {
		t.Errorf("hostname not covered: %v", err)
	}
	if err := cert.Leaf.VerifyHostname("192.0.2.10"); err != nil {
		t.Errorf("ip not covered: %v", err)
	}
	if err := cert.Leaf.VerifyHostname("localhost"); err != nil {
		t.Errorf("localhost not covered: %v", err)
	}
}
