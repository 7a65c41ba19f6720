package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pncp-monitor/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageRegionStart, Region: "SP"},
		{
			RunID:    runID,
			TS:       now.Add(time.Second),
			Stage:    progress.StagePageDone,
			Region:   "SP",
			Page:     1,
			Records:  50,
			Relevant: 2,
			Dur:      300 * time.Millisecond,
		},
		{RunID: runID, TS: now.Add(2 * time.Second), Stage: progress.StageRegionError, Region: "RJ", Note: "timeout"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: now.Add(3 * time.Second), Stage: progress.StageRunDone, Dur: 3 * time.Second},
	}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pagesFetched.WithLabelValues("SP")))
	require.InDelta(t, 50.0, testutil.ToFloat64(sink.recordsScanned.WithLabelValues("SP")), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.recordsStored.WithLabelValues("SP")), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.regionFailures.WithLabelValues("RJ")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.pageDuration, "pncp_page_fetch_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "pncp_collection_run_duration_seconds"))
}

func TestPrometheusSinkDoubleRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.ErrorContains(t, err, "register progress collector")
}
