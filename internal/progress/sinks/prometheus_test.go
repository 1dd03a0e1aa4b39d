package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saurabhbikram/scraper/internal/progress"
)

func event(runID [16]byte, stage progress.Stage) progress.Event {
	return progress.Event{
		RunID: runID,
		TS:    time.Now().UTC(),
		Stage: stage,
		URL:   "http://example.com",
		Dur:   250 * time.Millisecond,
	}
}

func TestPrometheusSinkRunLifecycle(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	ctx := context.Background()

	require.NoError(t, sink.Consume(ctx, []progress.Event{event(runID, progress.StageCrawlStart)}))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.runsStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.runsRunning))

	require.NoError(t, sink.Consume(ctx, []progress.Event{
		event(runID, progress.StageFetchDone),
		event(runID, progress.StageFetchDone),
		event(runID, progress.StageCrawlDone),
	}))
	assert.Equal(t, float64(2), testutil.ToFloat64(sink.fetchesDone))
	assert.Equal(t, float64(0), testutil.ToFloat64(sink.runsRunning))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
}

func TestPrometheusSinkErrorRun(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	ctx := context.Background()

	require.NoError(t, sink.Consume(ctx, []progress.Event{
		event(runID, progress.StageCrawlStart),
		event(runID, progress.StageCrawlError),
	}))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.runsCompleted.WithLabelValues("error")))
	assert.Equal(t, float64(0), testutil.ToFloat64(sink.runsRunning))
}

func TestPrometheusSinkIgnoresUnknownRunCompletion(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	// A completion for a run never started must not drive the gauge negative.
	runID := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{event(runID, progress.StageCrawlDone)}))
	assert.Equal(t, float64(0), testutil.ToFloat64(sink.runsRunning))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
