package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/ksys/vtag-engine/internal/db/models"
	"github.com/ksys/vtag-engine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(v float64) *float64 { return &v }

func TestResultRepository_UpsertIsIdempotent(t *testing.T) {
	ts := testutil.NewTestSetup(t)
	repo := ts.Repos.Result()
	ctx := context.Background()
	tick := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Upsert(ctx, []models.CalculationResult{
		{Time: tick, VirtualTagID: "VT_A", Value: value(1), Quality: 0},
	}))
	msg := "retried"
	require.NoError(t, repo.Upsert(ctx, []models.CalculationResult{
		{Time: tick, VirtualTagID: "VT_A", Value: value(2), Quality: 1, ErrorMessage: &msg},
	}))

	history, err := repo.History(ctx, "VT_A", tick.Add(-time.Hour), tick.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2.0, *history[0].Value)
	assert.Equal(t, int16(1), history[0].Quality)
	require.NotNil(t, history[0].ErrorMessage)
	assert.Equal(t, "retried", *history[0].ErrorMessage)
}

func TestResultRepository_HistoryAndLatest(t *testing.T) {
	ts := testutil.NewTestSetup(t)
	repo := ts.Repos.Result()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var rows []models.CalculationResult
	for i := 0; i < 5; i++ {
		rows = append(rows, models.CalculationResult{
			Time:         base.Add(time.Duration(i) * time.Minute),
			VirtualTagID: "VT_A",
			Value:        value(float64(i)),
		})
	}
	rows = append(rows, models.CalculationResult{Time: base.Add(time.Minute), VirtualTagID: "VT_B", Quality: 3})
	require.NoError(t, repo.Upsert(ctx, rows))

	t.Run("Should return history newest first with limit", func(t *testing.T) {
		history, err := repo.History(ctx, "VT_A", base, base.Add(10*time.Minute), 3)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, 4.0, *history[0].Value)
		assert.Equal(t, 2.0, *history[2].Value)
	})

	t.Run("Should return the max-time row per tag", func(t *testing.T) {
		latest, err := repo.Latest(ctx)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, "VT_A", latest[0].VirtualTagID)
		assert.True(t, latest[0].Time.Equal(base.Add(4*time.Minute)))
		assert.Equal(t, 4.0, *latest[0].Value)
		assert.Equal(t, "VT_B", latest[1].VirtualTagID)
		assert.Nil(t, latest[1].Value)
		assert.Equal(t, int16(3), latest[1].Quality)
	})

	t.Run("Should window non-null values", func(t *testing.T) {
		values, err := repo.Window(ctx, []string{"VT_A", "VT_B"}, base.Add(2*time.Minute), time.Time{})
		require.NoError(t, err)
		assert.ElementsMatch(t, []float64{3, 4}, values)

		values, err = repo.Window(ctx, []string{"VT_A"}, base.Add(2*time.Minute), base.Add(4*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []float64{3}, values)
	})
}
