package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ksys/vtag-engine/internal/calc"
	"github.com/ksys/vtag-engine/internal/db/repository"
)

// EngineSource resolves tag reads for the evaluators. Names that are
// virtual tag IDs read the latest-value cache (or, inside a batch, results
// produced by an earlier dependency level); everything else reads raw sensor
// history.
type EngineSource struct {
	sensors   repository.SensorRepository
	results   repository.ResultRepository
	cache     *LatestCache
	isVirtual func(id string) bool
	now       func() time.Time

	mu      sync.RWMutex
	overlay map[string]overlayValue
}

// overlayValue is a result produced earlier in the running batch
type overlayValue struct {
	at    time.Time
	value *float64
}

// NewEngineSource creates a source. isVirtual reports whether a name is a
// virtual tag ID.
func NewEngineSource(
	sensors repository.SensorRepository,
	results repository.ResultRepository,
	cache *LatestCache,
	isVirtual func(id string) bool,
	now func() time.Time,
) *EngineSource {
	if now == nil {
		now = time.Now
	}
	return &EngineSource{
		sensors:   sensors,
		results:   results,
		cache:     cache,
		isVirtual: isVirtual,
		now:       now,
		overlay:   make(map[string]overlayValue),
	}
}

// Publish makes a result taken at at visible to later reads of this source,
// both as the latest value and as a window sample. A nil value records that
// the tag was evaluated without producing a number.
func (s *EngineSource) Publish(tagID string, at time.Time, value *float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay[tagID] = overlayValue{at: at.UTC(), value: value}
}

// Latest implements calc.ValueSource
func (s *EngineSource) Latest(ctx context.Context, tag string) (float64, bool, error) {
	if s.isVirtual != nil && s.isVirtual(tag) {
		s.mu.RLock()
		o, inBatch := s.overlay[tag]
		s.mu.RUnlock()
		if inBatch {
			if o.value == nil {
				return 0, false, nil
			}
			return *o.value, true, nil
		}

		r, ok := s.cache.Get(tag)
		if !ok || r.Value == nil {
			return 0, false, nil
		}
		return *r.Value, true, nil
	}

	reading, err := s.sensors.Latest(ctx, tag)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest %s: %w", tag, err)
	}
	return reading.Value, true, nil
}

// Window implements calc.ValueSource. Raw tags come from sensor history and
// virtual tags from result history; both halves form one multiset. A virtual
// tag already evaluated in the running batch contributes its new sample in
// place of any stored row at or after that sample's time.
func (s *EngineSource) Window(ctx context.Context, tags []string, window time.Duration) ([]float64, error) {
	since := s.now().Add(-window)

	type freshTag struct {
		tag string
		overlayValue
	}
	var raw, stored []string
	var fresh []freshTag
	s.mu.RLock()
	for _, tag := range tags {
		if s.isVirtual == nil || !s.isVirtual(tag) {
			raw = append(raw, tag)
			continue
		}
		if o, ok := s.overlay[tag]; ok {
			fresh = append(fresh, freshTag{tag: tag, overlayValue: o})
			continue
		}
		stored = append(stored, tag)
	}
	s.mu.RUnlock()

	values, err := s.sensors.Window(ctx, raw, since)
	if err != nil {
		return nil, fmt.Errorf("sensor window: %w", err)
	}
	if len(stored) > 0 {
		derived, err := s.results.Window(ctx, stored, since, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("result window: %w", err)
		}
		values = append(values, derived...)
	}
	for _, o := range fresh {
		derived, err := s.results.Window(ctx, []string{o.tag}, since, o.at)
		if err != nil {
			return nil, fmt.Errorf("result window: %w", err)
		}
		values = append(values, derived...)
		if o.value != nil && o.at.After(since) {
			values = append(values, *o.value)
		}
	}
	return values, nil
}

var _ calc.ValueSource = (*EngineSource)(nil)
