// Package manager implements the Credential Manager: a cache-fronted facade
// over any conforming storage.Provider, enforcing scope isolation and
// running batched operations with bounded parallelism.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/credkeeper/core/internal/errtax"
	"github.com/credkeeper/core/internal/obs"
	"github.com/credkeeper/core/pkg/cache"
	"github.com/credkeeper/core/pkg/credential"
	"github.com/credkeeper/core/pkg/storage"
	"github.com/credkeeper/core/pkg/validation"
)

// DefaultBatchConcurrency bounds how many items of a batch operation run at
// once.
const DefaultBatchConcurrency = 10

// DefaultStorageTimeout bounds a single storage round-trip.
const DefaultStorageTimeout = 5 * time.Second

// DefaultTotalTimeout bounds an entire manager operation, including cache
// population and validation.
const DefaultTotalTimeout = 30 * time.Second

// Manager is the Credential Manager facade. Construct with Builder, never
// with a struct literal: the builder enforces that a storage.Provider is
// supplied before build() is reachable.
type Manager struct {
	store       storage.Provider
	cache       *cache.Cache
	cacheTTL    time.Duration
	logger      obs.Logger
	metrics     *obs.Metrics
	concurrency int
	storageTO   time.Duration
	totalTO     time.Duration
}

// Store writes a credential. If the id already exists and overwrite is
// false, returns errtax.AlreadyExistsError.
func (m *Manager) Store(ctx context.Context, record credential.Record, overwrite bool) error {
	ctx, cancel := context.WithTimeout(ctx, m.totalTO)
	defer cancel()

	if !overwrite {
		if _, err := m.store.Get(ctx, record.ID); err == nil {
			return errtax.AlreadyExistsError{ID: record.ID.String()}
		} else if err != storage.ErrNotFound {
			return errtax.StorageError{ID: record.ID.String(), Op: "store:precheck", Err: err}
		}
	}

	storeCtx, storeCancel := context.WithTimeout(ctx, m.storageTO)
	defer storeCancel()
	if err := m.store.Put(storeCtx, record); err != nil {
		return errtax.StorageError{ID: record.ID.String(), Op: "store", Err: err}
	}

	if m.cache != nil {
		m.cache.Invalidate(record.ID)
	}
	m.logger.Info("credential stored", obs.Fields{
		"credential_id": record.ID.String(),
		"scope_id":      record.Scope.String(),
		"operation":     "store",
		"outcome":       "success",
	})
	return nil
}

// Retrieve returns the current record for id, populating the cache on miss.
// Returns errtax.NotFoundError if storage has no record for id.
func (m *Manager) Retrieve(ctx context.Context, id credential.ID) (credential.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, m.totalTO)
	defer cancel()

	now := time.Now()
	if m.cache != nil {
		lookupStart := time.Now()
		entry, ok := m.cache.Get(id, now)
		if m.metrics != nil {
			m.metrics.CacheLookup.Observe(time.Since(lookupStart).Seconds())
		}
		if ok {
			if entry.Record.Metadata.State == credential.Revoked {
				m.cache.Invalidate(id)
				return credential.Record{}, errtax.NotFoundError{ID: id.String()}
			}
			m.trackGraceUsage(ctx, entry.Record, now)
			return entry.Record, nil
		}
	}

	storeCtx, storeCancel := context.WithTimeout(ctx, m.storageTO)
	defer storeCancel()
	record, err := m.store.Get(storeCtx, id)
	if err == storage.ErrNotFound {
		return credential.Record{}, errtax.NotFoundError{ID: id.String()}
	}
	if err != nil {
		return credential.Record{}, errtax.StorageError{ID: id.String(), Op: "retrieve", Err: err}
	}

	// Revoked is terminal: the record may survive in storage for audit, but
	// it never satisfies a retrieval again.
	if record.Metadata.State == credential.Revoked {
		return credential.Record{}, errtax.NotFoundError{ID: id.String()}
	}

	if m.cache != nil {
		m.cache.Put(record, record.Version, m.cacheTTL, now)
	}
	m.trackGraceUsage(ctx, record, now)
	return record, nil
}

// trackGraceUsage updates last_used_at and use_count_during_grace for a
// GracePeriod credential, persisting the bump back to storage. Only the
// usage fields change: UpdatedAt is left alone so the reaper's revocation
// ceiling, anchored at grace start, doesn't drift with every retrieve.
// Failures here are logged, not surfaced: usage tracking is best-effort and
// must never turn a successful retrieve into an error.
func (m *Manager) trackGraceUsage(ctx context.Context, record credential.Record, now time.Time) {
	if record.Metadata.State != credential.GracePeriod {
		return
	}
	updated := record
	updated.Metadata = record.Metadata.Clone()
	updated.Metadata.LastUsedAt = &now
	updated.Metadata.UseCountDuringGrace++

	storeCtx, cancel := context.WithTimeout(ctx, m.storageTO)
	defer cancel()
	if err := m.store.Put(storeCtx, updated); err != nil {
		m.logger.Warn("grace usage tracking failed", obs.Fields{
			"credential_id": record.ID.String(),
			"operation":     "track_grace_usage",
			"outcome":       "error",
		})
		return
	}
	if m.cache != nil {
		m.cache.Put(updated, updated.Version, m.cacheTTL, now)
	}
}

// RetrieveScoped retrieves id and additionally enforces that record.Scope
// equals scope or is a descendant of it, returning
// errtax.ScopeViolationError otherwise. The secret is never touched when
// the scope check fails.
func (m *Manager) RetrieveScoped(ctx context.Context, id credential.ID, scope credential.Scope) (credential.Record, error) {
	record, err := m.Retrieve(ctx, id)
	if err != nil {
		return credential.Record{}, err
	}
	if !record.Scope.Equal(scope) && !record.Scope.IsDescendantOf(scope) {
		return credential.Record{}, errtax.ScopeViolationError{
			ID: id.String(), Expected: scope.String(), Actual: record.Scope.String(),
		}
	}
	return record, nil
}

// Delete removes id from storage, then invalidates the cache regardless of
// whether the storage delete succeeded (fail-safe invalidation).
func (m *Manager) Delete(ctx context.Context, id credential.ID) error {
	ctx, cancel := context.WithTimeout(ctx, m.totalTO)
	defer cancel()

	storeCtx, storeCancel := context.WithTimeout(ctx, m.storageTO)
	defer storeCancel()
	err := m.store.Delete(storeCtx, id)

	if m.cache != nil {
		m.cache.Invalidate(id)
	}
	if err != nil {
		return errtax.StorageError{ID: id.String(), Op: "delete", Err: err}
	}
	return nil
}

// List enumerates all known credential ids. Never served from cache.
func (m *Manager) List(ctx context.Context) ([]credential.ID, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storageTO)
	defer cancel()
	ids, err := m.store.List(ctx)
	if err != nil {
		return nil, errtax.StorageError{Op: "list", Err: err}
	}
	return ids, nil
}

// ListScoped returns the ids among List() whose scope is scope or a
// descendant of it.
func (m *Manager) ListScoped(ctx context.Context, scope credential.Scope) ([]credential.ID, error) {
	ids, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []credential.ID
	for _, id := range ids {
		record, err := m.Retrieve(ctx, id)
		if err != nil {
			continue
		}
		if record.Scope.Equal(scope) || record.Scope.IsDescendantOf(scope) {
			out = append(out, id)
		}
	}
	return out, nil
}

// BatchResult pairs an input item with the error (nil on success) its
// single-item operation produced, preserving input order.
type BatchResult[T any] struct {
	Input T
	Err   error
}

// StoreBatch stores each record concurrently, bounded by the manager's
// configured concurrency. A per-item failure does not abort other items;
// items not yet started when ctx is cancelled produce a Cancelled result.
func (m *Manager) StoreBatch(ctx context.Context, records []credential.Record, overwrite bool) []BatchResult[credential.Record] {
	results := make([]BatchResult[credential.Record], len(records))
	runBounded(m.concurrency, len(records), func(i int) {
		if ctx.Err() != nil {
			results[i] = BatchResult[credential.Record]{Input: records[i], Err: errtax.CancelledError{Operation: "store_batch"}}
			return
		}
		err := m.Store(ctx, records[i], overwrite)
		results[i] = BatchResult[credential.Record]{Input: records[i], Err: err}
	})
	return results
}

// RetrieveBatch retrieves each id concurrently, bounded by the manager's
// configured concurrency.
func (m *Manager) RetrieveBatch(ctx context.Context, ids []credential.ID) []BatchResult[credential.Record] {
	results := make([]BatchResult[credential.Record], len(ids))
	runBounded(m.concurrency, len(ids), func(i int) {
		if ctx.Err() != nil {
			results[i] = BatchResult[credential.Record]{Err: errtax.CancelledError{Operation: "retrieve_batch"}}
			return
		}
		record, err := m.Retrieve(ctx, ids[i])
		results[i] = BatchResult[credential.Record]{Input: record, Err: err}
	})
	return results
}

// DeleteBatch deletes each id concurrently, bounded by the manager's
// configured concurrency.
func (m *Manager) DeleteBatch(ctx context.Context, ids []credential.ID) []BatchResult[credential.ID] {
	results := make([]BatchResult[credential.ID], len(ids))
	runBounded(m.concurrency, len(ids), func(i int) {
		if ctx.Err() != nil {
			results[i] = BatchResult[credential.ID]{Input: ids[i], Err: errtax.CancelledError{Operation: "delete_batch"}}
			return
		}
		err := m.Delete(ctx, ids[i])
		results[i] = BatchResult[credential.ID]{Input: ids[i], Err: err}
	})
	return results
}

// Validate checks that the stored credential's secret is non-empty and that
// it has not expired.
// It never contacts a remote endpoint; connectivity-style checks belong to
// the rotation engine's validator set.
func (m *Manager) Validate(ctx context.Context, id credential.ID) ([]validation.Result, error) {
	record, err := m.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	runner := validation.Runner{
		Validators: []validation.Validator{
			validation.NotEmptyValidator{},
			validation.ExpirationValidator{},
		},
		Metrics: m.metrics,
	}
	return runner.RunAll(ctx, record), nil
}

func runBounded(concurrency, n int, fn func(i int)) {
	if concurrency <= 0 {
		concurrency = n
	}
	if concurrency <= 0 {
		return
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

// ClearCache empties the entire cache.
func (m *Manager) ClearCache() {
	if m.cache != nil {
		m.cache.Clear()
	}
}

// ClearCacheFor invalidates a single cache entry.
func (m *Manager) ClearCacheFor(id credential.ID) {
	if m.cache != nil {
		m.cache.Invalidate(id)
	}
}

// CacheStats returns the current cache statistics, or false if caching is
// disabled on this manager.
func (m *Manager) CacheStats() (cache.Stats, bool) {
	if m.cache == nil {
		return cache.Stats{}, false
	}
	return m.cache.Stats(), true
}

// Invalidate force-evicts a single cache entry. Used by pkg/rotation after
// a commit or rollback touches a credential this manager fronts, so a
// cache entry is never served at a version the engine knows to be stale.
func (m *Manager) Invalidate(id credential.ID) {
	if m.cache != nil {
		m.cache.Invalidate(id)
	}
}

// StorageProvider exposes the underlying storage.Provider so the rotation engine can
// perform CAS writes without bypassing the manager's invalidation
// discipline — callers must still call Invalidate after a direct store
// write.
func (m *Manager) StorageProvider() storage.Provider { return m.store }

var errBuilderMissingStorage = fmt.Errorf("manager: StorageProvider must be supplied before build()")
