// Package credential defines the identity, record, metadata, and policy
// types shared by the credential manager, rotation engine, and interactive
// flow machine.
package credential

import (
	"github.com/google/uuid"
)

// ID uniquely identifies a credential. It is a value type: compared and
// hashed by value, never by pointer. The zero ID is invalid and Valid()
// reports false for it.
type ID struct {
	value uuid.UUID
}

// NewID generates a fresh random (v4) credential ID.
func NewID() ID {
	return ID{value: uuid.New()}
}

// ParseID parses a credential ID from its canonical string form.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID{value: u}, nil
}

// String returns the canonical textual form of the ID.
func (id ID) String() string { return id.value.String() }

// Valid reports whether id is a non-zero identifier.
func (id ID) Valid() bool { return id.value != uuid.Nil }

// Equal reports whether id and other identify the same credential.
func (id ID) Equal(other ID) bool { return id.value == other.value }
