package registry

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Tier names a cache level.
type Tier string

const (
	TierDefinitions Tier = "definitions"
	TierFields      Tier = "fields"
	TierFieldByName Tier = "field_by_name"
	TierLayouts     Tier = "layouts"
	TierCalculated  Tier = "calculated"
)

// Tiers lists every tier in a stable order.
var Tiers = []Tier{TierDefinitions, TierFields, TierFieldByName, TierLayouts, TierCalculated}

// TierConfig bounds one tier.
type TierConfig struct {
	MaxSize int           `yaml:"maxSize" json:"maxSize"`
	TTL     time.Duration `yaml:"ttl" json:"ttl"`
}

// Stats is a point-in-time view of one tier.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

// HitRatio returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// tier is a bounded, expiring LRU with its own counters.
type tier[V any] struct {
	name      Tier
	cache     *expirable.LRU[string, V]
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	observer  Observer
}

func newTier[V any](name Tier, cfg TierConfig, observer Observer) *tier[V] {
	t := &tier[V]{name: name, observer: observer}
	t.cache = expirable.NewLRU[string, V](cfg.MaxSize, func(string, V) {
		t.evictions.Add(1)
		if t.observer != nil {
			t.observer.ObserveCache(string(name), "eviction")
		}
	}, cfg.TTL)
	return t
}

func (t *tier[V]) get(key string) (V, bool) {
	v, ok := t.cache.Get(key)
	event := "miss"
	if ok {
		t.hits.Add(1)
		event = "hit"
	} else {
		t.misses.Add(1)
	}
	if t.observer != nil {
		t.observer.ObserveCache(string(t.name), event)
	}
	return v, ok
}

func (t *tier[V]) add(key string, v V) {
	t.cache.Add(key, v)
	t.reportSize()
}

func (t *tier[V]) remove(key string) {
	t.cache.Remove(key)
	t.reportSize()
}

// removePrefix drops every key starting with prefix.
func (t *tier[V]) removePrefix(prefix string) {
	for _, k := range t.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			t.cache.Remove(k)
		}
	}
	t.reportSize()
}

func (t *tier[V]) purge() {
	t.cache.Purge()
	t.reportSize()
}

func (t *tier[V]) stats() Stats {
	return Stats{
		Hits:      t.hits.Load(),
		Misses:    t.misses.Load(),
		Evictions: t.evictions.Load(),
		Size:      t.cache.Len(),
	}
}

func (t *tier[V]) reportSize() {
	if t.observer != nil {
		t.observer.SetCacheSize(string(t.name), t.cache.Len())
	}
}
