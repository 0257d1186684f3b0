package manager_test

import (
	"context"
	"testing"
	"time"

	"github.com/credkeeper/core/internal/errtax"
	"github.com/credkeeper/core/pkg/credential"
	"github.com/credkeeper/core/pkg/manager"
	"github.com/credkeeper/core/pkg/secretbuf"
	"github.com/credkeeper/core/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *manager.Manager {
	t.Helper()
	return manager.NewBuilder().WithStorage(storage.NewMemoryStore()).Build()
}

func newRecord(t *testing.T, scope string, secret string) credential.Record {
	t.Helper()
	return credential.Record{
		ID:      credential.NewID(),
		Scope:   credential.MustScope(scope),
		Version: 1,
		Secret:  secretbuf.New([]byte(secret)),
		Metadata: credential.Metadata{
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
			Kind:      credential.KindAPIKey,
			State:     credential.Active,
		},
	}
}

func TestBuilderPanicsWithoutStorage(t *testing.T) {
	assert.Panics(t, func() { manager.NewBuilder().Build() })
}

// Scenario A-equivalent: store then retrieve returns the same secret; a
// second retrieve is served from cache.
func TestStoreThenRetrieveRoundTrips(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	rec := newRecord(t, "org:acme", "alpha-key")

	require.NoError(t, m.Store(ctx, rec, false))

	got, err := m.Retrieve(ctx, rec.ID)
	require.NoError(t, err)
	var seen string
	require.NoError(t, got.Secret.Open(func(b []byte) { seen = string(b) }))
	assert.Equal(t, "alpha-key", seen)

	stats, ok := m.CacheStats()
	require.True(t, ok)
	assert.EqualValues(t, 1, stats.Misses)

	_, err = m.Retrieve(ctx, rec.ID)
	require.NoError(t, err)
	stats, _ = m.CacheStats()
	assert.EqualValues(t, 1, stats.Hits)
}

func TestStoreRejectsDuplicateWithoutOverwrite(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	rec := newRecord(t, "org:acme", "v1")

	require.NoError(t, m.Store(ctx, rec, false))
	err := m.Store(ctx, rec, false)

	var already errtax.AlreadyExistsError
	assert.ErrorAs(t, err, &already)
}

func TestRetrieveMissingReturnsNotFound(t *testing.T) {
	m := newManager(t)
	_, err := m.Retrieve(context.Background(), credential.NewID())

	var nf errtax.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestDeleteInvalidatesCache(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	rec := newRecord(t, "org:acme", "v1")
	require.NoError(t, m.Store(ctx, rec, false))
	_, err := m.Retrieve(ctx, rec.ID)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, rec.ID))

	_, err = m.Retrieve(ctx, rec.ID)
	var nf errtax.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

// P7 — a repeated delete yields the same outcome as the first, with no
// error amplification.
func TestDeleteIsIdempotent(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	rec := newRecord(t, "org:acme", "v1")
	require.NoError(t, m.Store(ctx, rec, false))

	require.NoError(t, m.Delete(ctx, rec.ID))
	require.NoError(t, m.Delete(ctx, rec.ID))
}

// Scenario E — Scope isolation.
func TestRetrieveScopedEnforcesDescendantRelation(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	rec := newRecord(t, "org:acme/team:eng", "eng-secret")
	require.NoError(t, m.Store(ctx, rec, false))

	_, err := m.RetrieveScoped(ctx, rec.ID, credential.MustScope("org:acme/team:eng"))
	assert.NoError(t, err)

	_, err = m.RetrieveScoped(ctx, rec.ID, credential.MustScope("org:acme/team:sales"))
	var violation errtax.ScopeViolationError
	assert.ErrorAs(t, err, &violation)

	_, err = m.RetrieveScoped(ctx, rec.ID, credential.MustScope("org:acme"))
	assert.NoError(t, err)
}

func TestBatchOperationsPreserveOrderAndIsolateFailures(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	records := []credential.Record{
		newRecord(t, "org:acme", "a"),
		newRecord(t, "org:acme", "b"),
		newRecord(t, "org:acme", "c"),
	}
	results := m.StoreBatch(ctx, records, false)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, records[i].ID, r.Input.ID)
	}

	ids := []credential.ID{records[0].ID, credential.NewID(), records[2].ID}
	retrieved := m.RetrieveBatch(ctx, ids)
	require.Len(t, retrieved, 3)
	assert.NoError(t, retrieved[0].Err)
	assert.Error(t, retrieved[1].Err)
	assert.NoError(t, retrieved[2].Err)
}

func TestBatchCancelledChildrenReportCancelled(t *testing.T) {
	m := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ids := []credential.ID{credential.NewID(), credential.NewID()}
	results := m.RetrieveBatch(ctx, ids)
	require.Len(t, results, 2)
	for _, r := range results {
		var cancelled errtax.CancelledError
		assert.ErrorAs(t, r.Err, &cancelled)
	}
}

func TestValidateReportsExpirationAndEmptiness(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	fresh := newRecord(t, "org:acme", "sk-live-key")
	require.NoError(t, m.Store(ctx, fresh, false))
	results, err := m.Validate(ctx, fresh.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Outcome.Pass, r.Validator)
	}

	expired := newRecord(t, "org:acme", "sk-old-key")
	past := time.Now().Add(-time.Hour)
	expired.Metadata.ExpiresAt = &past
	require.NoError(t, m.Store(ctx, expired, false))
	results, err = m.Validate(ctx, expired.ID)
	require.NoError(t, err)

	var sawExpired bool
	for _, r := range results {
		if r.Validator == "expiration" {
			sawExpired = !r.Outcome.Pass
		}
	}
	assert.True(t, sawExpired, "expired credential must fail the expiration check")
}

func TestClearCacheAndClearCacheFor(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	rec := newRecord(t, "org:acme", "v1")
	require.NoError(t, m.Store(ctx, rec, false))
	_, err := m.Retrieve(ctx, rec.ID)
	require.NoError(t, err)

	m.ClearCacheFor(rec.ID)
	stats, _ := m.CacheStats()
	assert.Equal(t, 0, stats.Size)

	_, err = m.Retrieve(ctx, rec.ID)
	require.NoError(t, err)
	m.ClearCache()
	stats, _ = m.CacheStats()
	assert.Equal(t, 0, stats.Size)
}

func TestCacheStatsDisabled(t *testing.T) {
	m := manager.NewBuilder().WithStorage(storage.NewMemoryStore()).WithoutCache().Build()
	_, ok := m.CacheStats()
	assert.False(t, ok)
}
