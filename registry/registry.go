// Package registry serves compiled object definitions from a set of bounded,
// expiring caches. A miss builds the definition exactly once no matter how
// many callers are waiting for it, and any metadata mutation evicts the type
// from every tier before it returns.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/internal/logger"
	"github.com/liamcoop/metaengine/metadata"
)

// Config sizes each tier.
type Config struct {
	Definitions TierConfig `yaml:"definitions" json:"definitions"`
	Fields      TierConfig `yaml:"fields" json:"fields"`
	FieldByName TierConfig `yaml:"fieldByName" json:"fieldByName"`
	Layouts     TierConfig `yaml:"layouts" json:"layouts"`
	Calculated  TierConfig `yaml:"calculated" json:"calculated"`
}

// DefaultConfig keeps up to a thousand types for an hour.
func DefaultConfig() Config {
	def := TierConfig{MaxSize: 1000, TTL: time.Hour}
	return Config{
		Definitions: def,
		Fields:      def,
		FieldByName: TierConfig{MaxSize: 20000, TTL: time.Hour},
		Layouts:     def,
		Calculated:  def,
	}
}

// Observer receives cache and build events, typically for metrics.
type Observer interface {
	ObserveCache(tier, event string)
	SetCacheSize(tier string, size int)
	ObserveBuild(elapsed time.Duration, stats metadata.CompileStats, err error)
}

// generation identifies a cache epoch for one key. A build only lands in the
// cache if no eviction happened while it ran.
type generation struct {
	epoch uint64
	key   uint64
}

// Registry is safe for concurrent use.
type Registry struct {
	builder *metadata.Builder
	store   metadata.Store
	ev      *expression.Evaluator

	definitions *tier[*metadata.CompiledObjectDefinition]
	fields      *tier[[]metadata.CompiledField]
	fieldByName *tier[metadata.CompiledField]
	layouts     *tier[*metadata.LayoutDefinition]
	calculated  *tier[[]metadata.CompiledField]

	group    singleflight.Group
	observer Observer

	genMu sync.Mutex
	epoch uint64
	gens  map[string]uint64
}

// New creates a registry over store. observer may be nil.
func New(store metadata.Store, ev *expression.Evaluator, cfg Config, observer Observer) *Registry {
	return &Registry{
		builder:     metadata.NewBuilder(store, metadata.NewCompiler(ev)),
		store:       store,
		ev:          ev,
		definitions: newTier[*metadata.CompiledObjectDefinition](TierDefinitions, cfg.Definitions, observer),
		fields:      newTier[[]metadata.CompiledField](TierFields, cfg.Fields, observer),
		fieldByName: newTier[metadata.CompiledField](TierFieldByName, cfg.FieldByName, observer),
		layouts:     newTier[*metadata.LayoutDefinition](TierLayouts, cfg.Layouts, observer),
		calculated:  newTier[[]metadata.CompiledField](TierCalculated, cfg.Calculated, observer),
		observer:    observer,
		gens:        make(map[string]uint64),
	}
}

// Evaluator returns the evaluator definitions are compiled with.
func (r *Registry) Evaluator() *expression.Evaluator { return r.ev }

func (r *Registry) generation(k string) generation {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	return generation{epoch: r.epoch, key: r.gens[k]}
}

// addIfCurrent stores a value only if the key has not been evicted since gen
// was taken.
func (r *Registry) addIfCurrent(k string, gen generation, add func()) bool {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	if r.epoch != gen.epoch || r.gens[k] != gen.key {
		return false
	}
	add()
	return true
}

// GetCompiledDefinition returns the compiled definition for key, building it
// on a miss. The boolean is false for unknown or inactive types.
func (r *Registry) GetCompiledDefinition(ctx context.Context, key metadata.TypeKey) (*metadata.CompiledObjectDefinition, bool, error) {
	k := key.String()
	if def, ok := r.definitions.get(k); ok {
		return def, true, nil
	}

	v, err, _ := r.group.Do(k, func() (any, error) {
		gen := r.generation(k)

		start := time.Now()
		def, stats, err := r.builder.Build(context.WithoutCancel(ctx), key)
		if r.observer != nil {
			r.observer.ObserveBuild(time.Since(start), stats, err)
		}
		if err != nil {
			return nil, err
		}

		if !r.addIfCurrent(k, gen, func() { r.definitions.add(k, def) }) {
			logger.Debug("discarding definition built across an eviction", "type", k)
		}
		logger.Debug("compiled definition built",
			"type", k,
			"compiled", stats.Compiled,
			"failed", stats.Failed,
			"duration_ms", time.Since(start).Milliseconds())
		return def, nil
	})
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to build definition for %s: %w", key, err)
	}
	return v.(*metadata.CompiledObjectDefinition), true, nil
}

// derive serves a view of the definition from its own tier.
func derive[V any](ctx context.Context, r *Registry, t *tier[V], key metadata.TypeKey, cacheKey string, view func(*metadata.CompiledObjectDefinition) (V, bool)) (V, bool, error) {
	var zero V
	if v, ok := t.get(cacheKey); ok {
		return v, true, nil
	}

	k := key.String()
	gen := r.generation(k)
	def, ok, err := r.GetCompiledDefinition(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	v, ok := view(def)
	if !ok {
		return zero, false, nil
	}
	r.addIfCurrent(k, gen, func() { t.add(cacheKey, v) })
	return v, true, nil
}

// FieldsForType returns every field of the type in display order.
func (r *Registry) FieldsForType(ctx context.Context, key metadata.TypeKey) ([]metadata.CompiledField, bool, error) {
	return derive(ctx, r, r.fields, key, key.String(), func(d *metadata.CompiledObjectDefinition) ([]metadata.CompiledField, bool) {
		return d.Fields, true
	})
}

// Field returns one field by attribute name.
func (r *Registry) Field(ctx context.Context, key metadata.TypeKey, name string) (metadata.CompiledField, bool, error) {
	return derive(ctx, r, r.fieldByName, key, fieldKey(key, name), func(d *metadata.CompiledObjectDefinition) (metadata.CompiledField, bool) {
		return d.Field(name)
	})
}

// CalculatedFields returns the compiled calculated fields in dependency order.
func (r *Registry) CalculatedFields(ctx context.Context, key metadata.TypeKey) ([]metadata.CompiledField, bool, error) {
	return derive(ctx, r, r.calculated, key, key.String(), func(d *metadata.CompiledObjectDefinition) ([]metadata.CompiledField, bool) {
		return d.CalculatedFields, true
	})
}

// Layout returns the type's layout. The boolean is false when the type has
// none.
func (r *Registry) Layout(ctx context.Context, key metadata.TypeKey) (*metadata.LayoutDefinition, bool, error) {
	return derive(ctx, r, r.layouts, key, key.String(), func(d *metadata.CompiledObjectDefinition) (*metadata.LayoutDefinition, bool) {
		return d.Layout, d.Layout != nil
	})
}

func fieldKey(key metadata.TypeKey, name string) string {
	return key.String() + "#" + name
}

// EvictForType drops the type from every tier. A build in flight for the
// type will not be cached.
func (r *Registry) EvictForType(key metadata.TypeKey) {
	k := key.String()

	r.genMu.Lock()
	r.gens[k]++
	r.definitions.remove(k)
	r.fields.remove(k)
	r.fieldByName.removePrefix(k + "#")
	r.layouts.remove(k)
	r.calculated.remove(k)
	r.group.Forget(k)
	r.genMu.Unlock()

	logger.Debug("evicted type from registry", "type", k)
}

// RefreshForType evicts and rebuilds one type.
func (r *Registry) RefreshForType(ctx context.Context, key metadata.TypeKey) (*metadata.CompiledObjectDefinition, bool, error) {
	r.EvictForType(key)
	return r.GetCompiledDefinition(ctx, key)
}

// RefreshReport summarizes a prewarm or full refresh.
type RefreshReport struct {
	Built  int      `json:"built"`
	Failed []string `json:"failed,omitempty"`
}

// RefreshAll clears every tier and rebuilds all active types.
func (r *Registry) RefreshAll(ctx context.Context) (RefreshReport, error) {
	r.genMu.Lock()
	r.epoch++
	r.gens = make(map[string]uint64)
	r.definitions.purge()
	r.fields.purge()
	r.fieldByName.purge()
	r.layouts.purge()
	r.calculated.purge()
	r.genMu.Unlock()

	return r.Prewarm(ctx)
}

// Prewarm builds every active type so the first request is served from cache.
func (r *Registry) Prewarm(ctx context.Context) (RefreshReport, error) {
	start := time.Now()
	keys, err := r.store.ListActiveTypes(ctx)
	if err != nil {
		return RefreshReport{}, fmt.Errorf("failed to list active types: %w", err)
	}

	var report RefreshReport
	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, ok, err := r.GetCompiledDefinition(ctx, key); err != nil {
			report.Failed = append(report.Failed, key.String())
			errs = append(errs, err)
		} else if ok {
			report.Built++
		}
	}

	logger.Info("registry prewarmed",
		"types", len(keys),
		"built", report.Built,
		"failed", len(report.Failed),
		"duration_ms", time.Since(start).Milliseconds())
	return report, errors.Join(errs...)
}

// CacheStats returns counters for every tier.
func (r *Registry) CacheStats() map[Tier]Stats {
	return map[Tier]Stats{
		TierDefinitions: r.definitions.stats(),
		TierFields:      r.fields.stats(),
		TierFieldByName: r.fieldByName.stats(),
		TierLayouts:     r.layouts.stats(),
		TierCalculated:  r.calculated.stats(),
	}
}
