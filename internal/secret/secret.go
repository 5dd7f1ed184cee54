// Package secret keeps configured key material sealed in memguard enclaves
// and exposes it only for the duration of a callback.
package secret

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// ErrEmpty is returned by Use when no secret was configured.
var ErrEmpty = errors.New("secret not configured")

// Secret is an immutable secret value. A nil *Secret is valid and empty.
type Secret struct {
	enclave *memguard.Enclave
}

// New seals b into an enclave. b is wiped.
func New(b []byte) *Secret {
	if len(b) == 0 {
		return nil
	}
	return &Secret{enclave: memguard.NewEnclave(b)}
}

// FromString seals a copy of s.
func FromString(s string) *Secret {
	return New([]byte(s))
}

// Empty reports whether the secret holds no material.
func (s *Secret) Empty() bool {
	return s == nil || s.enclave == nil
}

// Use opens the enclave, passes the plaintext to fn, then destroys the
// plaintext buffer. fn must not retain the slice.
func (s *Secret) Use(fn func([]byte) error) error {
	if s.Empty() {
		return ErrEmpty
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening secret: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// String never reveals the value.
func (s *Secret) String() string {
	if s.Empty() {
		return ""
	}
	return "[redacted]"
}
