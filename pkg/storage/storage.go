// Package storage defines the persistence contract the credential core
// depends on and ships two reference implementations: an in-memory store
// for tests and a JSON-file-backed store for single-node deployments.
//
// A StorageProvider owns encryption-at-rest. The core hands it plaintext
// secrets wrapped in a secretbuf.SecretBuffer and receives decrypted
// material back; key derivation is entirely the provider's concern.
package storage

import (
	"context"

	"github.com/credkeeper/core/pkg/credential"
)

// Provider is the persistence contract every storage backend must satisfy.
// Implementations that support compare-and-swap should implement CASPut;
// those that don't are fronted by the caller with an advisory per-credential
// lock (see pkg/rotation).
type Provider interface {
	// Put writes record unconditionally, creating or overwriting it.
	Put(ctx context.Context, record credential.Record) error

	// Get retrieves a record by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id credential.ID) (credential.Record, error)

	// Delete removes a record by id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id credential.ID) error

	// List enumerates all known credential ids.
	List(ctx context.Context) ([]credential.ID, error)

	// SupportsCAS reports whether CASPut is backed by a real atomic
	// compare-and-swap, as opposed to best-effort emulation.
	SupportsCAS() bool

	// CASPut writes record only if the currently stored version equals
	// expectedVersion (or the record doesn't exist and expectedVersion==0).
	// Returns ErrCasConflict on a lost race.
	CASPut(ctx context.Context, record credential.Record, expectedVersion credential.Version) error
}

// PartialStateStore is the narrow persistence contract used by the
// interactive credential flow machine to stash opaque, single-use partial
// state blobs keyed by continuation token.
type PartialStateStore interface {
	PutPartialState(ctx context.Context, token string, blob []byte) error
	// TakePartialState retrieves and atomically deletes the blob for token
	// (read-and-delete, enforcing single-use). Returns ErrNotFound if the
	// token is unknown or was already consumed.
	TakePartialState(ctx context.Context, token string) ([]byte, error)
}

// ErrNotFound is returned by Get/TakePartialState when the key is absent.
var ErrNotFound = storageErr("storage: record not found")

// ErrCasConflict is returned by CASPut when expectedVersion does not match
// the currently stored version, including an expectedVersion of 0 against a
// record that already exists.
var ErrCasConflict = storageErr("storage: cas conflict")

type storageErr string

func (e storageErr) Error() string { return string(e) }
