// Package tags maintains the bidirectional index between cache slots and the
// tags they carry, and turns tag invalidations into slot refetches.
package tags

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/goliatone/go-query-cache/query"
)

// SlotStore is the part of the cache store the graph drives.
type SlotStore interface {
	MarkStale(key query.Key) (subscribers int, ok bool)
	Refetch(key query.Key) bool
}

// Report describes the effect of one Invalidate call.
type Report struct {
	// Refetched slots had subscribers and were fetched again.
	Refetched []query.Key
	// Staled slots had no subscribers and will refetch on next read.
	Staled []query.Key
}

// Graph indexes slots by tag. Both directions are updated under one lock.
type Graph struct {
	mu    sync.RWMutex
	byKey map[query.Key]map[query.Tag]struct{}
	byTag map[query.Tag]map[query.Key]struct{}

	store  SlotStore
	logger *zap.Logger
}

// Option configures a Graph.
type Option func(*Graph)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Graph) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New creates a graph driving store.
func New(store SlotStore, opts ...Option) *Graph {
	g := &Graph{
		byKey:  make(map[query.Key]map[query.Tag]struct{}),
		byTag:  make(map[query.Tag]map[query.Key]struct{}),
		store:  store,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Attach records the tags of key, replacing any previous set.
func (g *Graph) Attach(key query.Key, tags ...query.Tag) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.detachLocked(key)
	if len(tags) == 0 {
		return
	}

	set := make(map[query.Tag]struct{}, len(tags))
	for _, tag := range tags {
		set[tag] = struct{}{}
		keys, ok := g.byTag[tag]
		if !ok {
			keys = make(map[query.Key]struct{})
			g.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
	g.byKey[key] = set
}

// Add records extra tags of key, keeping the ones it already carries.
func (g *Graph) Add(key query.Key, tags ...query.Tag) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(tags) == 0 {
		return
	}
	set, ok := g.byKey[key]
	if !ok {
		set = make(map[query.Tag]struct{}, len(tags))
		g.byKey[key] = set
	}
	for _, tag := range tags {
		set[tag] = struct{}{}
		keys, ok := g.byTag[tag]
		if !ok {
			keys = make(map[query.Key]struct{})
			g.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
}

// Detach removes every edge of key.
func (g *Graph) Detach(key query.Key) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.detachLocked(key)
}

func (g *Graph) detachLocked(key query.Key) {
	for tag := range g.byKey[key] {
		keys := g.byTag[tag]
		delete(keys, key)
		if len(keys) == 0 {
			delete(g.byTag, tag)
		}
	}
	delete(g.byKey, key)
}

// TagsOf returns the tags of key sorted by their string form.
func (g *Graph) TagsOf(key query.Key) []query.Tag {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]query.Tag, 0, len(g.byKey[key]))
	for tag := range g.byKey[key] {
		out = append(out, tag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// KeysFor returns the sorted keys carrying tag.
func (g *Graph) KeysFor(tag query.Tag) []query.Key {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.byTag[tag])
}

// Invalidate marks every slot carrying any of tags stale and refetches the
// subscribed ones. The tags form one batch: a slot matching several of them
// is processed once.
func (g *Graph) Invalidate(tags ...query.Tag) Report {
	g.mu.RLock()
	matched := make(map[query.Key]struct{})
	for _, tag := range tags {
		for key := range g.byTag[tag] {
			matched[key] = struct{}{}
		}
	}
	g.mu.RUnlock()

	var report Report
	for _, key := range sortedKeys(matched) {
		subscribers, ok := g.store.MarkStale(key)
		if !ok {
			// collected after the edge was read
			g.Detach(key)
			continue
		}
		if subscribers > 0 && g.store.Refetch(key) {
			report.Refetched = append(report.Refetched, key)
			continue
		}
		report.Staled = append(report.Staled, key)
	}

	if len(tags) > 0 {
		g.logger.Debug("tags invalidated",
			zap.Stringers("tags", tags),
			zap.Int("refetched", len(report.Refetched)),
			zap.Int("staled", len(report.Staled)),
		)
	}
	return report
}

func sortedKeys(set map[query.Key]struct{}) []query.Key {
	out := make([]query.Key, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
