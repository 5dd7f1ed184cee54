// Package storage provides the storage abstraction for sealed credential
// records. Backends only ever see envelopes; plaintext never leaves the
// credentials package.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Repository defines the interface for sealed record storage. Records are
// addressed by (recordType, recordID).
type Repository interface {
	Put(ctx context.Context, recordType, recordID string, envelope *Envelope) error
	Get(ctx context.Context, recordType, recordID string) (*Envelope, error)
	Delete(ctx context.Context, recordType, recordID string) error
	List(ctx context.Context, recordType string) ([]string, error)
	// PutCAS writes envelope only if the stored version equals
	// expectedVersion. An expectedVersion of 0 means the record must not
	// exist yet.
	PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
}
