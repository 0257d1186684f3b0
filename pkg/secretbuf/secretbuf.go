// Package secretbuf provides SecretBuffer, the single type permitted to hold
// plaintext credential material in process memory. It wraps
// github.com/awnumar/memguard so secret bytes are encrypted at rest in
// memory, mlock'd against swap, and zeroed on destruction.
package secretbuf

import (
	"crypto/subtle"
	"sync"

	"github.com/awnumar/memguard"
)

// SecretBuffer holds protected secret bytes behind a memguard enclave. The
// zero value is not usable; construct with New or Duplicate.
//
// Unlike a plain []byte, SecretBuffer cannot be copied by assignment into
// something useful: the enclave field is unexported and a copied struct
// shares the same destroyed flag, so accidental aliasing still respects a
// single Destroy. The only sanctioned way to obtain a second independent
// handle is Duplicate.
type SecretBuffer struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	destroyed bool
}

// New copies data into a protected enclave. The caller retains ownership of
// data and is responsible for zeroing it; New does not mutate the input.
func New(data []byte) *SecretBuffer {
	return &SecretBuffer{enclave: memguard.NewEnclave(data)}
}

// Open decrypts the enclave and invokes fn with the plaintext bytes. The
// slice passed to fn is only valid for the duration of the call: it is
// backed by a locked buffer that is destroyed the moment fn returns,
// implementing the "borrowed slice" rule of the secret buffer contract. fn
// must not retain the slice beyond its own return.
//
// Calling Open on a destroyed or empty buffer invokes fn with a nil slice.
func (s *SecretBuffer) Open(fn func(plaintext []byte)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed || s.enclave == nil {
		fn(nil)
		return nil
	}

	locked, err := s.enclave.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()

	fn(locked.Bytes())
	return nil
}

// Duplicate returns a new SecretBuffer holding an independent copy of the
// same plaintext. It is the only API that produces a second live handle to
// the secret; there is no Clone on the struct itself, by design, so casual
// copies never carry live secret material.
func (s *SecretBuffer) Duplicate() (*SecretBuffer, error) {
	var dup *SecretBuffer
	err := s.Open(func(plaintext []byte) {
		cp := make([]byte, len(plaintext))
		copy(cp, plaintext)
		dup = New(cp)
		memguard.WipeBytes(cp)
	})
	if err != nil {
		return nil, err
	}
	if dup == nil {
		dup = New(nil)
	}
	return dup, nil
}

// Destroy zeroes the protected memory and marks the buffer unusable. Safe to
// call more than once; subsequent calls are no-ops.
func (s *SecretBuffer) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.enclave = nil
	s.destroyed = true
}

// Equal reports whether s and other hold identical plaintext, compared in
// constant time so neither length-driven nor content-driven timing leaks
// through a comparison. A destroyed buffer is equal only to another
// destroyed (or empty) buffer.
func (s *SecretBuffer) Equal(other *SecretBuffer) bool {
	if s == nil || other == nil {
		return s == other
	}

	var a, b []byte
	if err := s.Open(func(p []byte) { a = append([]byte(nil), p...) }); err != nil {
		return false
	}
	defer memguard.WipeBytes(a)
	if err := other.Open(func(p []byte) { b = append([]byte(nil), p...) }); err != nil {
		return false
	}
	defer memguard.WipeBytes(b)

	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// String always returns a fixed redacted token. It never reveals length or
// content, so logging a SecretBuffer by accident (fmt.Sprintf("%v", buf)) is
// safe.
func (s *SecretBuffer) String() string { return "SecretBuffer([REDACTED])" }

// GoString mirrors String for %#v formatting.
func (s *SecretBuffer) GoString() string { return s.String() }
