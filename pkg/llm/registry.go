package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/agentcore/internal/observability"
)

// DefaultModelTTL is how long a resolved spec is served from cache.
const DefaultModelTTL = time.Hour

// Lookup sources reported by Resolve.
const (
	SourceCache   = "cache"
	SourceStore   = "store"
	SourceCatalog = "catalog"
	SourceStale   = "stale"
)

// RegistryConfig configures a ModelRegistry.
type RegistryConfig struct {
	// Store is consulted before Catalog. Optional.
	Store   ConfigStore
	Catalog Catalog
	TTL     time.Duration
	Logger  zerolog.Logger
	Now     func() time.Time
}

type cachedSpec struct {
	spec      ModelSpec
	source    string
	fetchedAt time.Time
}

// ModelRegistry resolves logical model ids to specs. Lookups read through
// the config store, then the catalog, and cache the result for TTL.
type ModelRegistry struct {
	cfg    RegistryConfig
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedSpec
}

// NewModelRegistry creates a registry. A nil catalog means DefaultCatalog.
func NewModelRegistry(cfg RegistryConfig) *ModelRegistry {
	observability.EnsureRegistered()
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultModelTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ModelRegistry{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "model_registry").Logger(),
		cache:  make(map[string]cachedSpec),
	}
}

// Resolve returns the spec for id. Disabled models fail with ErrModelDisabled.
func (r *ModelRegistry) Resolve(ctx context.Context, id string) (ModelSpec, error) {
	spec, source, err := r.lookup(ctx, id)
	if err != nil {
		return ModelSpec{}, err
	}
	observability.RecordModelLookup(source)
	if !spec.Enabled {
		return ModelSpec{}, fmt.Errorf("%w: %s", ErrModelDisabled, id)
	}
	if err := spec.Validate(); err != nil {
		return ModelSpec{}, err
	}
	return spec, nil
}

func (r *ModelRegistry) lookup(ctx context.Context, id string) (ModelSpec, string, error) {
	now := r.cfg.Now()
	r.mu.Lock()
	cached, ok := r.cache[id]
	r.mu.Unlock()
	if ok && now.Sub(cached.fetchedAt) < r.cfg.TTL {
		return cached.spec.clone(), SourceCache, nil
	}

	if r.cfg.Store != nil {
		spec, found, err := r.cfg.Store.Get(ctx, id)
		switch {
		case err != nil && ok:
			r.logger.Warn().Err(err).Str("model", id).Msg("Model config store unavailable, serving stale entry")
			return cached.spec.clone(), SourceStale, nil
		case err != nil:
			r.logger.Warn().Err(err).Str("model", id).Msg("Model config store unavailable, using catalog")
		case found:
			if spec.ID == "" {
				spec.ID = id
			}
			r.put(id, spec, SourceStore, now)
			return spec, SourceStore, nil
		}
	}

	spec, found := r.cfg.Catalog[id]
	if !found {
		return ModelSpec{}, "", fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	spec = spec.clone()
	r.put(id, spec, SourceCatalog, now)
	return spec, SourceCatalog, nil
}

func (r *ModelRegistry) put(id string, spec ModelSpec, source string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[id] = cachedSpec{spec: spec.clone(), source: source, fetchedAt: at}
}

// Invalidate drops the cached entry for id.
func (r *ModelRegistry) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, id)
}

// Refresh drops every cached entry and re-reads the store so the next
// Resolve sees current configuration.
func (r *ModelRegistry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	r.cache = make(map[string]cachedSpec)
	r.mu.Unlock()

	if r.cfg.Store == nil {
		return nil
	}
	specs, err := r.cfg.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("refresh model config: %w", err)
	}
	now := r.cfg.Now()
	for _, spec := range specs {
		r.put(spec.ID, spec, SourceStore, now)
	}
	r.logger.Info().Int("models", len(specs)).Msg("Model registry refreshed")
	return nil
}

// List returns every known model, store entries overriding catalog entries,
// ordered by priority.
func (r *ModelRegistry) List(ctx context.Context) ([]ModelSpec, error) {
	merged := make(map[string]ModelSpec, len(r.cfg.Catalog))
	for id, spec := range r.cfg.Catalog {
		merged[id] = spec.clone()
	}
	if r.cfg.Store != nil {
		specs, err := r.cfg.Store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list model config: %w", err)
		}
		for _, spec := range specs {
			merged[spec.ID] = spec
		}
	}
	out := make([]ModelSpec, 0, len(merged))
	for _, spec := range merged {
		out = append(out, spec)
	}
	sortSpecs(out)
	return out, nil
}
