package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ksys/vtag-engine/internal/db/models"
	"github.com/ksys/vtag-engine/internal/metrics"
	"github.com/ksys/vtag-engine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMirror struct {
	stored [][]models.CalculationResult
	err    error
}

func (m *recordingMirror) Store(_ context.Context, entries []models.CalculationResult) error {
	m.stored = append(m.stored, entries)
	return m.err
}

func TestLatestCache_RebuildAndMerge(t *testing.T) {
	setup := testutil.NewTestSetup(t)
	ctx := context.Background()
	mirror := &recordingMirror{}
	cache := NewLatestCache(setup.Repos.Result(), mirror, metrics.NewCollector("test"), setup.Logger)

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, setup.Repos.Result().Upsert(ctx, []models.CalculationResult{
		{Time: t0, VirtualTagID: "VT_B", Value: value(1)},
		{Time: t0.Add(time.Minute), VirtualTagID: "VT_B", Value: value(2)},
		{Time: t0, VirtualTagID: "VT_A", Value: value(10)},
	}))

	assert.Equal(t, 0, cache.Len())
	require.NoError(t, cache.Rebuild(ctx))
	assert.Equal(t, 2, cache.Len())

	b, ok := cache.Get("VT_B")
	require.True(t, ok)
	assert.Equal(t, 2.0, *b.Value)

	all := cache.All()
	require.Len(t, all, 2)
	assert.Equal(t, "VT_A", all[0].VirtualTagID)
	require.Len(t, mirror.stored, 1)
	assert.Len(t, mirror.stored[0], 2)

	// An older result never replaces a newer one
	cache.Merge(ctx, []models.CalculationResult{
		{Time: t0, VirtualTagID: "VT_B", Value: value(99)},
		{Time: t0.Add(2 * time.Minute), VirtualTagID: "VT_A", Value: value(11)},
		{Time: t0.Add(2 * time.Minute), VirtualTagID: "VT_C", Value: nil},
	})
	b, _ = cache.Get("VT_B")
	assert.Equal(t, 2.0, *b.Value)
	a, _ := cache.Get("VT_A")
	assert.Equal(t, 11.0, *a.Value)
	assert.Equal(t, 3, cache.Len())
	assert.Len(t, mirror.stored, 2)

	cache.Forget("VT_C")
	_, ok = cache.Get("VT_C")
	assert.False(t, ok)
	assert.Equal(t, 2, cache.Len())
}

func TestLatestCache_SnapshotsAreIsolated(t *testing.T) {
	setup := testutil.NewTestSetup(t)
	ctx := context.Background()
	cache := NewLatestCache(setup.Repos.Result(), nil, nil, setup.Logger)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cache.Merge(ctx, []models.CalculationResult{{Time: at, VirtualTagID: "VT_A", Value: value(1)}})
	before := cache.All()

	cache.Merge(ctx, []models.CalculationResult{{Time: at.Add(time.Second), VirtualTagID: "VT_A", Value: value(2)}})
	assert.Equal(t, 1.0, *before[0].Value, "a reader's copy is never mutated")
}

func TestLatestCache_MirrorFailureIsNotFatal(t *testing.T) {
	setup := testutil.NewTestSetup(t)
	mirror := &recordingMirror{err: errors.New("redis down")}
	cache := NewLatestCache(setup.Repos.Result(), mirror, metrics.NewCollector("test"), setup.Logger)

	cache.Merge(context.Background(), []models.CalculationResult{{Time: time.Now(), VirtualTagID: "VT_A", Value: value(1)}})
	_, ok := cache.Get("VT_A")
	assert.True(t, ok)
}

func TestEncodeLatest(t *testing.T) {
	label := "High"
	fields, err := encodeLatest([]models.CalculationResult{
		{Time: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), VirtualTagID: "VT_A", Value: value(3), Label: &label, Quality: 0},
	})
	require.NoError(t, err)
	require.Contains(t, fields, "VT_A")

	var decoded models.CalculationResult
	require.NoError(t, json.Unmarshal([]byte(fields["VT_A"].(string)), &decoded))
	assert.Equal(t, 3.0, *decoded.Value)
	assert.Equal(t, "High", *decoded.Label)
}
