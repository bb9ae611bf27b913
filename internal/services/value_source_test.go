package services

import (
	"context"
	"testing"
	"time"

	"github.com/ksys/vtag-engine/internal/db/models"
	"github.com/ksys/vtag-engine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineSource(t *testing.T) {
	setup := testutil.NewTestSetup(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, setup.Repos.Sensor().Insert(ctx, []models.SensorReading{
		{Time: now.Add(-10 * time.Minute), TagName: "D100", Value: 1},
		{Time: now.Add(-2 * time.Minute), TagName: "D100", Value: 2},
		{Time: now.Add(-time.Minute), TagName: "D101", Value: 3},
	}))
	require.NoError(t, setup.Repos.Result().Upsert(ctx, []models.CalculationResult{
		{Time: now.Add(-time.Minute), VirtualTagID: "VT_A", Value: value(40)},
	}))

	cache := NewLatestCache(setup.Repos.Result(), nil, nil, setup.Logger)
	require.NoError(t, cache.Rebuild(ctx))

	virtual := map[string]bool{"VT_A": true, "VT_B": true}
	src := NewEngineSource(setup.Repos.Sensor(), setup.Repos.Result(), cache,
		func(id string) bool { return virtual[id] },
		func() time.Time { return now })

	t.Run("raw tags read sensor history", func(t *testing.T) {
		v, ok, err := src.Latest(ctx, "D100")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2.0, v)

		_, ok, err = src.Latest(ctx, "D404")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("virtual tags read the cache", func(t *testing.T) {
		v, ok, err := src.Latest(ctx, "VT_A")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 40.0, v)

		_, ok, err = src.Latest(ctx, "VT_B")
		require.NoError(t, err)
		assert.False(t, ok, "no result yet")
	})

	t.Run("in-batch results win over the cache", func(t *testing.T) {
		batch := NewEngineSource(setup.Repos.Sensor(), setup.Repos.Result(), cache,
			func(id string) bool { return virtual[id] }, nil)
		batch.Publish("VT_A", now, value(41))
		batch.Publish("VT_B", now, nil)

		v, ok, err := batch.Latest(ctx, "VT_A")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 41.0, v)

		_, ok, err = batch.Latest(ctx, "VT_B")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("window mixes raw and virtual tags", func(t *testing.T) {
		values, err := src.Window(ctx, []string{"D100", "D101", "VT_A"}, 5*time.Minute)
		require.NoError(t, err)
		assert.ElementsMatch(t, []float64{2, 3, 40}, values)

		values, err = src.Window(ctx, []string{"D100"}, 30*time.Second)
		require.NoError(t, err)
		assert.Empty(t, values)
	})
	t.Run("window includes samples from the running batch", func(t *testing.T) {
		require.NoError(t, setup.Repos.Result().Upsert(ctx, []models.CalculationResult{
			{Time: now, VirtualTagID: "VT_B", Value: value(7)},
		}))

		batch := NewEngineSource(setup.Repos.Sensor(), setup.Repos.Result(), cache,
			func(id string) bool { return virtual[id] },
			func() time.Time { return now })
		batch.Publish("VT_A", now, value(41))
		batch.Publish("VT_B", now, nil)

		values, err := batch.Window(ctx, []string{"D101", "VT_A", "VT_B"}, 5*time.Minute)
		require.NoError(t, err)
		assert.ElementsMatch(t, []float64{3, 40, 41}, values, "stored rows at the batch time are superseded")
	})
}
