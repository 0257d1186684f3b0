package rotation_test

import (
	"context"
	"testing"
	"time"

	"github.com/credkeeper/core/internal/errtax"
	"github.com/credkeeper/core/pkg/credential"
	"github.com/credkeeper/core/pkg/manager"
	"github.com/credkeeper/core/pkg/rotation"
	"github.com/credkeeper/core/pkg/secretbuf"
	"github.com/credkeeper/core/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGraceFixture(t *testing.T, graceDeadline time.Time, lastUsed *time.Time, graceStart time.Time) (*manager.Manager, credential.ID) {
	t.Helper()
	mgr := manager.NewBuilder().WithStorage(storage.NewMemoryStore()).Build()
	id := credential.NewID()
	rec := credential.Record{
		ID:      id,
		Scope:   credential.MustScope("org:acme"),
		Version: 1,
		Secret:  secretbuf.New([]byte("legacy")),
		Metadata: credential.Metadata{
			CreatedAt:      graceStart,
			UpdatedAt:      graceStart,
			Kind:           credential.KindAPIKey,
			State:          credential.GracePeriod,
			GraceStartedAt: &graceStart,
			GraceDeadline:  &graceDeadline,
			LastUsedAt:     lastUsed,
		},
	}
	require.NoError(t, mgr.Store(context.Background(), rec, false))
	return mgr, id
}

func TestReaperLeavesCredentialBeforeDeadline(t *testing.T) {
	now := time.Now()
	mgr, id := newGraceFixture(t, now.Add(time.Hour), nil, now.Add(-time.Hour))

	reaper := rotation.NewReaper(mgr)
	reaper.Now = func() time.Time { return now }
	require.NoError(t, reaper.Sweep(context.Background()))

	got, err := mgr.Retrieve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, credential.GracePeriod, got.Metadata.State)
}

func TestReaperRevokesAfterDeadlineAndSilence(t *testing.T) {
	now := time.Now()
	lastUsed := now.Add(-2 * time.Hour)
	mgr, id := newGraceFixture(t, now.Add(-time.Minute), &lastUsed, now.Add(-8*24*time.Hour))

	reaper := rotation.NewReaper(mgr)
	reaper.Now = func() time.Time { return now }
	reaper.SafeSilence = time.Hour
	require.NoError(t, reaper.Sweep(context.Background()))

	// The audit record survives in storage, but retrieval must now refuse it.
	got, err := mgr.StorageProvider().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, credential.Revoked, got.Metadata.State)

	_, err = mgr.Retrieve(context.Background(), id)
	var nf errtax.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestReaperKeepsAliveWhileRecentlyUsedPastDeadline(t *testing.T) {
	now := time.Now()
	recentUse := now.Add(-time.Minute)
	updatedAt := now.Add(-8 * 24 * time.Hour)
	mgr, id := newGraceFixture(t, now.Add(-time.Minute), &recentUse, updatedAt)

	reaper := rotation.NewReaper(mgr)
	reaper.Now = func() time.Time { return now }
	reaper.SafeSilence = time.Hour
	reaper.MaxGraceMultiple = 2.0
	require.NoError(t, reaper.Sweep(context.Background()))

	got, err := mgr.Retrieve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, credential.GracePeriod, got.Metadata.State)
}

func TestReaperHardCeilingRevokesDespiteContinuedUse(t *testing.T) {
	now := time.Now()
	// deadline was a 7-day window; the credential is now 3x past that
	// window despite a very recent use, so the hard ceiling forces revoke.
	graceStart := now.Add(-21 * 24 * time.Hour)
	deadline := graceStart.Add(7 * 24 * time.Hour)
	recentUse := now.Add(-time.Minute)
	mgr, id := newGraceFixture(t, deadline, &recentUse, graceStart)

	reaper := rotation.NewReaper(mgr)
	reaper.Now = func() time.Time { return now }
	reaper.SafeSilence = time.Hour
	reaper.MaxGraceMultiple = 2.0
	require.NoError(t, reaper.Sweep(context.Background()))

	got, err := mgr.StorageProvider().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, credential.Revoked, got.Metadata.State)
}

// Same ceiling, but with usage flowing through Manager.Retrieve the way a
// live caller would generate it: the usage bump must not move the grace
// anchor, and revocation still lands at MaxGraceMultiple × the window.
func TestReaperHardCeilingWithUsageThroughRetrieve(t *testing.T) {
	now := time.Now()
	graceStart := now.Add(-21 * 24 * time.Hour)
	deadline := graceStart.Add(7 * 24 * time.Hour)
	mgr, id := newGraceFixture(t, deadline, nil, graceStart)

	got, err := mgr.Retrieve(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, credential.GracePeriod, got.Metadata.State)

	stored, err := mgr.StorageProvider().Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored.Metadata.LastUsedAt)
	assert.EqualValues(t, 1, stored.Metadata.UseCountDuringGrace)
	assert.True(t, stored.Metadata.UpdatedAt.Equal(graceStart),
		"usage tracking must not rewrite UpdatedAt")
	require.NotNil(t, stored.Metadata.GraceStartedAt)
	assert.True(t, stored.Metadata.GraceStartedAt.Equal(graceStart),
		"usage tracking must not move the grace anchor")

	reaper := rotation.NewReaper(mgr)
	reaper.Now = func() time.Time { return now }
	reaper.SafeSilence = time.Hour
	reaper.MaxGraceMultiple = 2.0
	require.NoError(t, reaper.Sweep(context.Background()))

	stored, err = mgr.StorageProvider().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, credential.Revoked, stored.Metadata.State)
}
