package errtax_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/credkeeper/core/internal/errtax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsAsDiscrimination(t *testing.T) {
	wrapped := fmt.Errorf("wrap: %w", errtax.NotFoundError{ID: "cred-1"})

	var nf errtax.NotFoundError
	require.True(t, errors.As(wrapped, &nf))
	assert.Equal(t, "cred-1", nf.ID)

	var se errtax.StorageError
	assert.False(t, errors.As(wrapped, &se))
}

func TestStorageErrorUnwrap(t *testing.T) {
	root := errors.New("disk full")
	se := errtax.StorageError{ID: "x", Op: "put", Err: root}
	assert.ErrorIs(t, se, root)
}

func TestRetryable(t *testing.T) {
	assert.True(t, errtax.Retryable(errtax.RotationInProgressError{ID: "a"}))
	assert.True(t, errtax.Retryable(errtax.TimeoutError{Operation: "retrieve", Elapsed: time.Second}))
	assert.True(t, errtax.Retryable(errtax.StorageError{ID: "a", Op: "get", Err: errors.New("x")}))
	assert.False(t, errtax.Retryable(errtax.NotFoundError{ID: "a"}))
	assert.False(t, errtax.Retryable(nil))
}

func TestCacheErrorNeverFatal(t *testing.T) {
	// CacheError exists purely as a diagnostic wrapper; callers are expected
	// to log and continue. This test documents that expectation in code.
	err := errtax.CacheError{Reason: "eviction sweep failed", Err: errors.New("boom")}
	assert.Contains(t, err.Error(), "eviction sweep failed")
	assert.ErrorIs(t, err, err.Err)
}
