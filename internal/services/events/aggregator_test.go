package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/models"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]models.ProgressEvent
}

func (r *flushRecorder) onFlush(_ context.Context, events []models.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, events)
}

func (r *flushRecorder) all() [][]models.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]models.ProgressEvent(nil), r.batches...)
}

func TestProgressAggregator_KeepsLatestPerJob(t *testing.T) {
	recorder := &flushRecorder{}
	aggregator := NewProgressAggregator(time.Hour, recorder.onFlush, arbor.NewLogger())

	base := time.Now()
	aggregator.Record(models.ProgressEvent{ID: "job_b", Completed: 1, Timestamp: base})
	aggregator.Record(models.ProgressEvent{ID: "job_a", Completed: 5, Timestamp: base})
	aggregator.Record(models.ProgressEvent{ID: "job_a", Completed: 7, Timestamp: base.Add(time.Millisecond)})
	// Late arrival of an older snapshot is ignored
	aggregator.Record(models.ProgressEvent{ID: "job_a", Completed: 6, Timestamp: base})
	aggregator.Record(models.ProgressEvent{Completed: 9})

	aggregator.FlushAll(context.Background())

	batches := recorder.all()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	assert.Equal(t, "job_a", batches[0][0].ID)
	assert.Equal(t, 7, batches[0][0].Completed)
	assert.Equal(t, "job_b", batches[0][1].ID)

	// Nothing pending after a flush
	aggregator.FlushAll(context.Background())
	assert.Len(t, recorder.all(), 1)
}

func TestProgressAggregator_FlushJob(t *testing.T) {
	recorder := &flushRecorder{}
	aggregator := NewProgressAggregator(time.Hour, recorder.onFlush, arbor.NewLogger())

	aggregator.Record(models.ProgressEvent{ID: "job_a", Completed: 1})
	aggregator.Record(models.ProgressEvent{ID: "job_b", Completed: 2})

	aggregator.FlushJob(context.Background(), "job_a")
	aggregator.FlushJob(context.Background(), "job_missing")

	batches := recorder.all()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "job_a", batches[0][0].ID)
}

func TestProgressAggregator_PeriodicFlush(t *testing.T) {
	recorder := &flushRecorder{}
	aggregator := NewProgressAggregator(5*time.Millisecond, recorder.onFlush, arbor.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	aggregator.StartPeriodicFlush(ctx)
	aggregator.Record(models.ProgressEvent{ID: "job_a", Completed: 1})

	assert.Eventually(t, func() bool { return len(recorder.all()) == 1 }, time.Second, time.Millisecond)

	cancel()
}

func TestProgressAggregator_RecoversFromPanickingCallback(t *testing.T) {
	aggregator := NewProgressAggregator(time.Hour, func(context.Context, []models.ProgressEvent) {
		panic("socket gone")
	}, arbor.NewLogger())

	aggregator.Record(models.ProgressEvent{ID: "job_a"})
	assert.NotPanics(t, func() { aggregator.FlushAll(context.Background()) })
}
