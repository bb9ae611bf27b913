package testutil

import (
	"context"
	"sync"
	"time"
)

// StaticSource is an in-memory value source for evaluator tests. Latest
// values come from Values; Window returns every sample of the requested tags
// from Samples regardless of the window length.
type StaticSource struct {
	mu      sync.Mutex
	Values  map[string]float64
	Samples map[string][]float64
	Err     error

	windows []time.Duration
}

// NewStaticSource creates a source seeded with latest values.
func NewStaticSource(values map[string]float64) *StaticSource {
	if values == nil {
		values = make(map[string]float64)
	}
	return &StaticSource{Values: values, Samples: make(map[string][]float64)}
}

// Set updates the latest value of tag.
func (s *StaticSource) Set(tag string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Values[tag] = v
}

// Latest implements calc.ValueSource.
func (s *StaticSource) Latest(ctx context.Context, tag string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, false, s.Err
	}
	v, ok := s.Values[tag]
	return v, ok, nil
}

// Window implements calc.ValueSource.
func (s *StaticSource) Window(ctx context.Context, tags []string, window time.Duration) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.windows = append(s.windows, window)
	var out []float64
	for _, tag := range tags {
		out = append(out, s.Samples[tag]...)
	}
	return out, nil
}

// Windows returns the window lengths requested so far.
func (s *StaticSource) Windows() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.windows...)
}
