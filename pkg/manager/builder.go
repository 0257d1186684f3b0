package manager

import (
	"time"

	"github.com/credkeeper/core/internal/obs"
	"github.com/credkeeper/core/pkg/cache"
	"github.com/credkeeper/core/pkg/storage"
)

// Builder constructs a Manager through a staged API. Go has no phantom
// type parameters, so the "Missing → Provided" staging from the design is
// enforced at runtime: Build panics if no storage.Provider was supplied,
// rather than compiling to a type that doesn't expose Build() at all.
//
// Usage:
//
//	mgr := manager.NewBuilder().
//	        WithStorage(myProvider).
//	        WithCacheSize(500).
//	        WithCacheTTL(time.Minute).
//	        Build()
type Builder struct {
	store            storage.Provider
	cacheSize        int
	cacheTTL         time.Duration
	cacheDisabled    bool
	batchConcurrency int
	storageTimeout   time.Duration
	totalTimeout     time.Duration
	logger           obs.Logger
	metrics          *obs.Metrics
}

// NewBuilder returns a Builder in the Missing stage: no storage.Provider
// attached yet.
func NewBuilder() *Builder {
	return &Builder{
		cacheSize:        cache.DefaultMaxEntries,
		cacheTTL:         cache.DefaultTTL,
		batchConcurrency: DefaultBatchConcurrency,
		storageTimeout:   DefaultStorageTimeout,
		totalTimeout:     DefaultTotalTimeout,
		logger:           obs.NopLogger{},
	}
}

// WithStorage attaches the required storage.Provider, advancing the
// builder from Missing to Provided. Required before Build().
func (b *Builder) WithStorage(store storage.Provider) *Builder {
	b.store = store
	return b
}

// WithCacheSize overrides the default cache capacity (DefaultMaxEntries).
func (b *Builder) WithCacheSize(n int) *Builder {
	b.cacheSize = n
	return b
}

// WithCacheTTL overrides the default cache entry TTL (cache.DefaultTTL).
func (b *Builder) WithCacheTTL(ttl time.Duration) *Builder {
	b.cacheTTL = ttl
	return b
}

// WithoutCache disables the caching layer entirely; Retrieve always goes to
// storage and CacheStats reports disabled.
func (b *Builder) WithoutCache() *Builder {
	b.cacheDisabled = true
	return b
}

// WithBatchConcurrency overrides the default batch parallelism limit
// (DefaultBatchConcurrency).
func (b *Builder) WithBatchConcurrency(n int) *Builder {
	b.batchConcurrency = n
	return b
}

// WithStorageTimeout overrides the per-storage-call timeout
// (DefaultStorageTimeout).
func (b *Builder) WithStorageTimeout(d time.Duration) *Builder {
	b.storageTimeout = d
	return b
}

// WithTotalTimeout overrides the whole-operation timeout
// (DefaultTotalTimeout).
func (b *Builder) WithTotalTimeout(d time.Duration) *Builder {
	b.totalTimeout = d
	return b
}

// WithLogger attaches a structured logger. Defaults to obs.NopLogger.
func (b *Builder) WithLogger(logger obs.Logger) *Builder {
	b.logger = logger
	return b
}

// WithMetrics attaches a metrics sink. Defaults to nil (no metrics
// recorded).
func (b *Builder) WithMetrics(metrics *obs.Metrics) *Builder {
	b.metrics = metrics
	return b
}

// Build finalizes the Manager. Panics if WithStorage was never called: that
// is the runtime stand-in for the Missing stage never having advanced to
// Provided.
func (b *Builder) Build() *Manager {
	if b.store == nil {
		panic(errBuilderMissingStorage)
	}

	var c *cache.Cache
	if !b.cacheDisabled {
		built, err := cache.New(b.cacheSize, b.metrics)
		if err != nil {
			panic(err)
		}
		c = built
	}

	logger := b.logger
	if logger == nil {
		logger = obs.NopLogger{}
	}

	return &Manager{
		store:       b.store,
		cache:       c,
		cacheTTL:    b.cacheTTL,
		logger:      logger,
		metrics:     b.metrics,
		concurrency: b.batchConcurrency,
		storageTO:   b.storageTimeout,
		totalTO:     b.totalTimeout,
	}
}
