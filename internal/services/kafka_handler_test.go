package services

import (
	"context"
	"testing"
	"time"

	"github.com/ksys/vtag-engine/internal/kafka"
	"github.com/ksys/vtag-engine/internal/metrics"
	"github.com/ksys/vtag-engine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRegistrar struct {
	name    string
	handler func(ctx context.Context, readings []kafka.Reading) error
}

func (r *recordingRegistrar) RegisterReadingsHandler(name string, handler func(ctx context.Context, readings []kafka.Reading) error) error {
	r.name = name
	r.handler = handler
	return nil
}

func TestKafkaHandler_StoresReadings(t *testing.T) {
	setup := testutil.NewTestSetup(t)
	ctx := context.Background()
	handler := NewKafkaHandler(setup.Logger, setup.Repos, metrics.NewCollector("test"))

	registrar := &recordingRegistrar{}
	require.NoError(t, handler.Initialize(registrar))
	require.NotNil(t, registrar.handler)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("KST", 9*3600))
	readings, err := kafka.DecodeReadings([]byte(`[{"tag":"D100","value":12.5},{"tag":"D101","value":3,"quality":1}]`), at)
	require.NoError(t, err)
	require.NoError(t, registrar.handler(ctx, readings))

	latest, err := setup.Repos.Sensor().Latest(ctx, "D100")
	require.NoError(t, err)
	assert.Equal(t, 12.5, latest.Value)
	assert.True(t, latest.Time.Equal(at))

	tags, err := setup.Repos.Sensor().Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"D100", "D101"}, tags)
}
