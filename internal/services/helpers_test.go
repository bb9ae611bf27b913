package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ksys/vtag-engine/internal/calc"
	"github.com/ksys/vtag-engine/internal/db/models"
	"github.com/ksys/vtag-engine/internal/metrics"
	"github.com/ksys/vtag-engine/internal/testutil"
	"github.com/stretchr/testify/require"
)

// baseTick is the first trigger tick used by engine tests
var baseTick = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type testEngine struct {
	*testutil.TestSetup
	cache     *LatestCache
	scheduler *Scheduler
	metrics   *metrics.Collector
	now       time.Time
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	setup := testutil.NewTestSetup(t)
	collector := metrics.NewCollector("test")
	cache := NewLatestCache(setup.Repos.Result(), nil, collector, setup.Logger)

	e := &testEngine{
		TestSetup: setup,
		cache:     cache,
		metrics:   collector,
		now:       baseTick.Add(5 * time.Second),
	}
	e.scheduler = NewScheduler(setup.Repos, cache, &setup.Config.Engine, collector, setup.Logger)
	e.scheduler.now = func() time.Time { return e.now }
	return e
}

// reading stores a raw sensor value taken 30s before the engine clock
func (e *testEngine) reading(t *testing.T, tag string, value float64) {
	t.Helper()
	require.NoError(t, e.Repos.Sensor().Insert(context.Background(), []models.SensorReading{
		{Time: e.now.Add(-30 * time.Second), TagName: tag, Value: value},
	}))
}

// store saves a definition with its extracted dependencies
func (e *testEngine) store(t *testing.T, tag *models.VirtualTag) {
	t.Helper()
	deps, err := calc.ExtractDependencies(tag.Definition())
	require.NoError(t, err)
	require.NoError(t, e.Repos.VirtualTag().Create(context.Background(), tag, models.NewTagDependencies(tag.ID, deps)))
}

func (e *testEngine) load(t *testing.T) {
	t.Helper()
	require.NoError(t, e.scheduler.Load(context.Background()))
}

func expressionTag(id, formula string, vars map[string]string) *models.VirtualTag {
	cfg, _ := json.Marshal(map[string]interface{}{"formula": formula, "variables": vars})
	return &models.VirtualTag{
		ID:             id,
		Name:           id,
		CalcType:       string(calc.KindExpression),
		Config:         models.JSON(cfg),
		UpdateInterval: 10,
		MissingPolicy:  string(calc.MissingAsZero),
		Enabled:        true,
	}
}

func statisticalTag(id, function, window string, inputs ...string) *models.VirtualTag {
	cfg, _ := json.Marshal(map[string]interface{}{"function": function, "window": window, "input_tags": inputs})
	return &models.VirtualTag{
		ID:             id,
		Name:           id,
		CalcType:       string(calc.KindStatistical),
		Config:         models.JSON(cfg),
		UpdateInterval: 10,
		MissingPolicy:  string(calc.MissingAsZero),
		Enabled:        true,
	}
}

func resultFor(t *testing.T, results []models.CalculationResult, id string) models.CalculationResult {
	t.Helper()
	for _, r := range results {
		if r.VirtualTagID == id {
			return r
		}
	}
	require.Failf(t, "missing result", "no result for %s", id)
	return models.CalculationResult{}
}

// stubProgram lets tests control evaluation directly
type stubProgram struct {
	evaluate func(ctx context.Context, src calc.ValueSource) (calc.Outcome, error)
}

func (p stubProgram) Kind() calc.Kind { return calc.KindExpression }
func (p stubProgram) Dependencies() []calc.Dependency { return nil }
func (p stubProgram) Evaluate(ctx context.Context, src calc.ValueSource) (calc.Outcome, error) {
	return p.evaluate(ctx, src)
}

func value(v float64) *float64 { return &v }
