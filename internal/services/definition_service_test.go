package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ksys/vtag-engine/internal/calc"
	"github.com/ksys/vtag-engine/internal/db/models"
	"github.com/ksys/vtag-engine/internal/testutil"
	"github.com/ksys/vtag-engine/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu      sync.Mutex
	changed []string
	removed []string
}

func (o *recordingObserver) DefinitionChanged(tag *models.VirtualTag) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changed = append(o.changed, tag.ID)
}

func (o *recordingObserver) DefinitionRemoved(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, id)
}

type definitionFixture struct {
	*testutil.TestSetup
	service  *DefinitionService
	cache    *LatestCache
	observer *recordingObserver
}

func newDefinitionFixture(t *testing.T) *definitionFixture {
	t.Helper()
	setup := testutil.NewTestSetup(t)
	cache := NewLatestCache(setup.Repos.Result(), nil, nil, setup.Logger)
	observer := &recordingObserver{}

	service, err := NewDefinitionService(setup.Repos, cache, observer, &setup.Config.Engine, setup.Logger)
	require.NoError(t, err)

	return &definitionFixture{TestSetup: setup, service: service, cache: cache, observer: observer}
}

func expressionInput(id, formula string, vars map[string]string) CreateDefinitionInput {
	cfg, _ := json.Marshal(map[string]interface{}{"formula": formula, "variables": vars})
	return CreateDefinitionInput{
		ID: id,
		DefinitionInput: DefinitionInput{
			Name:            "Tag " + id,
			CalculationType: "expression",
			Config:          cfg,
		},
	}
}

func rawInput(id, kind, config string) CreateDefinitionInput {
	return CreateDefinitionInput{
		ID: id,
		DefinitionInput: DefinitionInput{
			Name:            "Tag " + id,
			CalculationType: kind,
			Config:          json.RawMessage(config),
		},
	}
}

func TestDefinitionService_Create(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()

	tag, err := f.service.Create(ctx, expressionInput("VT_EFF", "(a / b) * 100", map[string]string{"b": "D101", "a": "D100"}))
	require.NoError(t, err)
	assert.True(t, tag.Enabled)
	assert.Equal(t, 10, tag.UpdateInterval, "default interval from config")
	assert.Equal(t, "zero", tag.MissingPolicy)
	assert.Equal(t, []string{"VT_EFF"}, f.observer.changed)

	deps, err := f.service.Dependencies(ctx, "VT_EFF")
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "D100", deps[0].SourceTag)
	assert.Equal(t, "D101", deps[1].SourceTag)
	assert.Equal(t, "expression", deps[0].DependencyType)

	_, err = f.service.Create(ctx, expressionInput("VT_EFF", "a", map[string]string{"a": "D100"}))
	assert.ErrorIs(t, err, utils.ErrAlreadyExists)

	_, err = f.service.Create(ctx, expressionInput("bad id", "a", map[string]string{"a": "D100"}))
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestDefinitionService_RejectsAuthoringErrors(t *testing.T) {
	tests := []struct {
		name  string
		input CreateDefinitionInput
		cause error
	}{
		{
			name:  "malformed formula",
			input: expressionInput("VT_1", "a + * b", map[string]string{"a": "D100", "b": "D101"}),
			cause: calc.ErrMalformedFormula,
		},
		{
			name:  "undeclared identifier",
			input: expressionInput("VT_1", "a + c", map[string]string{"a": "D100"}),
			cause: calc.ErrMalformedFormula,
		},
		{
			name:  "unsupported function",
			input: rawInput("VT_1", "statistical", `{"function":"median","window":"5m","input_tags":["D100"]}`),
			cause: calc.ErrUnsupportedFunction,
		},
		{
			name:  "invalid comparator",
			input: rawInput("VT_1", "conditional", `{"input_tag":"D100","conditions":[{"operator":"==","threshold":1,"result":1}],"default_result":0}`),
			cause: calc.ErrInvalidComparator,
		},
		{
			name:  "schema violation",
			input: rawInput("VT_1", "statistical", `{"function":"avg","input_tags":["D100"]}`),
			cause: calc.ErrInvalidConfig,
		},
		{
			name:  "self reference",
			input: expressionInput("VT_1", "a + 1", map[string]string{"a": "VT_1"}),
			cause: calc.ErrCyclicDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDefinitionFixture(t)
			_, err := f.service.Create(context.Background(), tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, utils.ErrValidation)
			assert.ErrorIs(t, err, tt.cause)
			assert.Empty(t, f.observer.changed)
		})
	}
}

func TestDefinitionService_Bounds(t *testing.T) {
	f := newDefinitionFixture(t)
	in := expressionInput("VT_1", "a", map[string]string{"a": "D100"})
	in.MinValue = value(10)
	in.MaxValue = value(0)

	_, err := f.service.Create(context.Background(), in)
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestDefinitionService_UpdateAndCycles(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()

	_, err := f.service.Create(ctx, expressionInput("VT_A", "x", map[string]string{"x": "D100"}))
	require.NoError(t, err)
	_, err = f.service.Create(ctx, expressionInput("VT_B", "y * 2", map[string]string{"y": "VT_A"}))
	require.NoError(t, err)

	cyclic := expressionInput("VT_A", "z", map[string]string{"z": "VT_B"}).DefinitionInput
	_, err = f.service.Update(ctx, "VT_A", cyclic)
	require.ErrorIs(t, err, calc.ErrCyclicDependency)
	assert.Contains(t, err.Error(), "VT_A -> VT_B -> VT_A")

	stats := rawInput("VT_A", "statistical", `{"function":"avg","window":"5m","input_tags":["D200","D201"]}`).DefinitionInput
	disabled := false
	stats.Enabled = &disabled
	stats.UpdateInterval = 30
	updated, err := f.service.Update(ctx, "VT_A", stats)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Equal(t, 30, updated.UpdateInterval)

	deps, err := f.service.Dependencies(ctx, "VT_A")
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "D200", deps[0].SourceTag)
	assert.Equal(t, "statistical", deps[0].DependencyType)

	_, err = f.service.Update(ctx, "VT_NONE", stats)
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

func TestDefinitionService_ConcurrentSavesCannotFormCycle(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()

	_, err := f.service.Create(ctx, expressionInput("VT_A", "x", map[string]string{"x": "D100"}))
	require.NoError(t, err)
	_, err = f.service.Create(ctx, expressionInput("VT_B", "y", map[string]string{"y": "D101"}))
	require.NoError(t, err)

	edits := map[string]DefinitionInput{
		"VT_A": expressionInput("VT_A", "x", map[string]string{"x": "VT_B"}).DefinitionInput,
		"VT_B": expressionInput("VT_B", "y", map[string]string{"y": "VT_A"}).DefinitionInput,
	}

	start := make(chan struct{})
	errs := make(chan error, len(edits))
	var wg sync.WaitGroup
	for id, in := range edits {
		wg.Add(1)
		go func(id string, in DefinitionInput) {
			defer wg.Done()
			<-start
			_, err := f.service.Update(ctx, id, in)
			errs <- err
		}(id, in)
	}
	close(start)
	wg.Wait()
	close(errs)

	var failures []error
	for err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	require.Len(t, failures, 1, "exactly one of the two edits must win")
	assert.ErrorIs(t, failures[0], utils.ErrValidation)
	assert.ErrorIs(t, failures[0], calc.ErrCyclicDependency)
}

func TestDefinitionService_StorageErrorsAreNotValidation(t *testing.T) {
	storage := fmt.Errorf("load dependency graph: %w", errors.New("connection reset"))
	assert.NotErrorIs(t, rejected(storage), utils.ErrValidation)
	assert.Same(t, storage, rejected(storage))

	cycle := fmt.Errorf("%w: VT_A -> VT_A", calc.ErrCyclicDependency)
	assert.ErrorIs(t, rejected(cycle), utils.ErrValidation)
	assert.ErrorIs(t, rejected(cycle), calc.ErrCyclicDependency)
}

func TestDefinitionService_StrictSources(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	f.Config.Engine.StrictSources = true

	_, err := f.service.Create(ctx, expressionInput("VT_A", "x + y", map[string]string{"x": "D100", "y": "D404"}))
	require.ErrorIs(t, err, calc.ErrUnknownSource)
	assert.Contains(t, err.Error(), "D100, D404")

	require.NoError(t, f.Repos.Sensor().Insert(ctx, []models.SensorReading{
		{Time: time.Now(), TagName: "D100", Value: 1},
		{Time: time.Now(), TagName: "D404", Value: 2},
	}))
	_, err = f.service.Create(ctx, expressionInput("VT_A", "x + y", map[string]string{"x": "D100", "y": "D404"}))
	require.NoError(t, err)

	_, err = f.service.Create(ctx, expressionInput("VT_B", "v", map[string]string{"v": "VT_A"}))
	assert.NoError(t, err, "virtual tags are valid sources")
}

func TestDefinitionService_ListSummaries(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()

	_, err := f.service.Create(ctx, expressionInput("VT_A", "x + y", map[string]string{"x": "D100", "y": "D101"}))
	require.NoError(t, err)
	_, err = f.service.Create(ctx, rawInput("VT_B", "conditional", `{"input_tag":"D100","conditions":[{"operator":">","threshold":90,"result":3,"label":"High"}],"default_result":0}`))
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.cache.Merge(ctx, []models.CalculationResult{
		{Time: at, VirtualTagID: "VT_A", Value: value(4), Quality: int16(calc.QualityUncertain)},
	})

	summaries, total, err := f.service.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, summaries, 2)

	a := summaries[0]
	assert.Equal(t, "VT_A", a.ID)
	assert.Equal(t, int64(2), a.DependencyCount)
	require.NotNil(t, a.LastValue)
	assert.Equal(t, 4.0, *a.LastValue)
	assert.Equal(t, "Uncertain", *a.LastQuality)
	assert.True(t, a.LastUpdated.Equal(at))

	b := summaries[1]
	assert.Equal(t, int64(1), b.DependencyCount)
	assert.Nil(t, b.LastValue)
	assert.Nil(t, b.LastQuality)
}

func TestDefinitionService_EnableDisableDelete(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()

	_, err := f.service.Create(ctx, expressionInput("VT_A", "x", map[string]string{"x": "D100"}))
	require.NoError(t, err)
	_, err = f.service.Create(ctx, expressionInput("VT_B", "y", map[string]string{"y": "VT_A"}))
	require.NoError(t, err)

	tag, err := f.service.SetEnabled(ctx, "VT_A", false)
	require.NoError(t, err)
	assert.False(t, tag.Enabled)

	_, err = f.service.SetEnabled(ctx, "VT_NONE", true)
	assert.ErrorIs(t, err, utils.ErrNotFound)

	err = f.service.Delete(ctx, "VT_A")
	require.ErrorIs(t, err, utils.ErrConflict)
	assert.Contains(t, err.Error(), "VT_B")

	f.cache.Merge(ctx, []models.CalculationResult{{Time: time.Now(), VirtualTagID: "VT_B", Value: value(1)}})
	require.NoError(t, f.service.Delete(ctx, "VT_B"))
	assert.Equal(t, []string{"VT_B"}, f.observer.removed)
	_, cached := f.cache.Get("VT_B")
	assert.False(t, cached)

	_, err = f.service.Get(ctx, "VT_B")
	assert.ErrorIs(t, err, utils.ErrNotFound)
	assert.ErrorIs(t, f.service.Delete(ctx, "VT_B"), utils.ErrNotFound)
}

func TestDefinitionService_History(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.service.now = func() time.Time { return now }

	_, err := f.service.Create(ctx, expressionInput("VT_A", "x", map[string]string{"x": "D100"}))
	require.NoError(t, err)

	require.NoError(t, f.Repos.Result().Upsert(ctx, []models.CalculationResult{
		{Time: now.Add(-48 * time.Hour), VirtualTagID: "VT_A", Value: value(1)},
		{Time: now.Add(-2 * time.Hour), VirtualTagID: "VT_A", Value: value(2)},
		{Time: now.Add(-time.Hour), VirtualTagID: "VT_A", Value: value(3)},
	}))

	results, err := f.service.History(ctx, "VT_A", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, results, 2, "default span is one day")
	assert.Equal(t, 3.0, *results[0].Value, "newest first")

	results, err = f.service.History(ctx, "VT_A", now.Add(-72*time.Hour), now, 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	_, err = f.service.History(ctx, "VT_A", now, now.Add(-time.Hour), 0)
	assert.ErrorIs(t, err, utils.ErrValidation)

	_, err = f.service.History(ctx, "VT_NONE", time.Time{}, time.Time{}, 0)
	assert.ErrorIs(t, err, utils.ErrNotFound)
}
