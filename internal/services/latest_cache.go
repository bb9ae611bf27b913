package services

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ksys/vtag-engine/internal/db/models"
	"github.com/ksys/vtag-engine/internal/db/repository"
	"github.com/ksys/vtag-engine/internal/metrics"
	"github.com/ksys/vtag-engine/internal/utils"
	"go.uber.org/zap"
)

// LatestMirror receives every new cache snapshot, e.g. for dashboards that
// read the current values out of process
type LatestMirror interface {
	Store(ctx context.Context, entries []models.CalculationResult) error
}

// latestSnapshot is an immutable view; a refresh builds a new one and swaps it
type latestSnapshot map[string]models.CalculationResult

// LatestCache is the read-optimized projection of the newest result per tag.
// Readers load the current snapshot without locking and see either the old
// or the new snapshot, never a mix.
type LatestCache struct {
	results repository.ResultRepository
	mirror  LatestMirror
	metrics *metrics.Collector
	logger  *utils.Logger

	snapshot atomic.Pointer[latestSnapshot]
	// writeMu serializes writers so a merge never overwrites a newer rebuild
	writeMu sync.Mutex
}

// NewLatestCache creates an empty cache. mirror and collector may be nil.
func NewLatestCache(results repository.ResultRepository, mirror LatestMirror, collector *metrics.Collector, logger *utils.Logger) *LatestCache {
	c := &LatestCache{
		results: results,
		mirror:  mirror,
		metrics: collector,
		logger:  logger.Named("latest_cache"),
	}
	empty := latestSnapshot{}
	c.snapshot.Store(&empty)
	return c
}

// Get returns the newest result of tagID
func (c *LatestCache) Get(tagID string) (models.CalculationResult, bool) {
	snap := *c.snapshot.Load()
	r, ok := snap[tagID]
	return r, ok
}

// All returns every entry ordered by tag ID
func (c *LatestCache) All() []models.CalculationResult {
	snap := *c.snapshot.Load()
	out := make([]models.CalculationResult, 0, len(snap))
	for _, r := range snap {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VirtualTagID < out[j].VirtualTagID })
	return out
}

// Len returns the number of cached tags
func (c *LatestCache) Len() int {
	return len(*c.snapshot.Load())
}

// Rebuild replaces the whole cache with the max-time row per tag read from
// history
func (c *LatestCache) Rebuild(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	rows, err := c.results.Latest(ctx)
	if err != nil {
		return err
	}

	next := make(latestSnapshot, len(rows))
	for _, r := range rows {
		next[r.VirtualTagID] = r
	}
	c.swap(ctx, "rebuild", next)
	return nil
}

// Merge folds freshly persisted results into a new snapshot in one swap. A
// result older than the cached row for the same tag is ignored.
func (c *LatestCache) Merge(ctx context.Context, results []models.CalculationResult) {
	if len(results) == 0 {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current := *c.snapshot.Load()
	next := make(latestSnapshot, len(current)+len(results))
	for id, r := range current {
		next[id] = r
	}
	for _, r := range results {
		if old, ok := next[r.VirtualTagID]; ok && old.Time.After(r.Time) {
			continue
		}
		next[r.VirtualTagID] = r
	}
	c.swap(ctx, "merge", next)
}

// Forget drops a tag, used when its definition is deleted
func (c *LatestCache) Forget(tagID string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current := *c.snapshot.Load()
	if _, ok := current[tagID]; !ok {
		return
	}
	next := make(latestSnapshot, len(current))
	for id, r := range current {
		if id != tagID {
			next[id] = r
		}
	}
	c.snapshot.Store(&next)
}

func (c *LatestCache) swap(ctx context.Context, kind string, next latestSnapshot) {
	c.snapshot.Store(&next)

	if c.metrics != nil {
		c.metrics.RecordCacheSwap(kind, len(next))
	}

	if c.mirror == nil {
		return
	}
	if err := c.mirror.Store(ctx, c.All()); err != nil {
		// The mirror is best effort; the in-process snapshot is authoritative
		c.logger.Warn("Failed to mirror latest values", zap.Error(err))
		if c.metrics != nil {
			c.metrics.RecordMirrorFailure()
		}
	}
}
