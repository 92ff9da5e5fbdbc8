package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/models"
)

// ProgressAggregator coalesces progress events per job and hands the latest
// snapshot of each job to onFlush on a time interval.
// Flushes occur:
// - Every interval (default 1 second) for jobs with a pending snapshot
// - Immediately when FlushJob is called (job finished, stopped or cleared)
type ProgressAggregator struct {
	mu       sync.Mutex
	interval time.Duration

	// job_id -> latest unsent snapshot
	pending map[string]models.ProgressEvent

	onFlush func(ctx context.Context, events []models.ProgressEvent)

	logger arbor.ILogger
}

// NewProgressAggregator creates an aggregator with time-based flushing
func NewProgressAggregator(
	interval time.Duration,
	onFlush func(ctx context.Context, events []models.ProgressEvent),
	logger arbor.ILogger,
) *ProgressAggregator {
	if interval <= 0 {
		interval = time.Second
	}

	return &ProgressAggregator{
		interval: interval,
		pending:  make(map[string]models.ProgressEvent),
		onFlush:  onFlush,
		logger:   logger,
	}
}

// Record stores event as the job's pending snapshot, replacing an older one.
// Snapshots older than the pending one are dropped.
func (a *ProgressAggregator) Record(event models.ProgressEvent) {
	if event.ID == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.pending[event.ID]; ok && event.Timestamp.Before(prev.Timestamp) {
		return
	}
	a.pending[event.ID] = event
}

// FlushJob sends the job's pending snapshot immediately
func (a *ProgressAggregator) FlushJob(ctx context.Context, jobID string) {
	a.mu.Lock()
	event, ok := a.pending[jobID]
	delete(a.pending, jobID)
	a.mu.Unlock()

	if !ok {
		return
	}

	a.logger.Debug().
		Str("job_id", jobID).
		Msg("Progress aggregator: immediate flush")
	a.safeOnFlush(ctx, []models.ProgressEvent{event})
}

// FlushAll sends every pending snapshot (used on shutdown)
func (a *ProgressAggregator) FlushAll(ctx context.Context) {
	if events := a.drain(); len(events) > 0 {
		a.safeOnFlush(ctx, events)
	}
}

// safeOnFlush wraps onFlush with panic recovery to prevent crashes
func (a *ProgressAggregator) safeOnFlush(ctx context.Context, events []models.ProgressEvent) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Int("job_count", len(events)).
				Msg("PANIC in ProgressAggregator.onFlush - recovered")
		}
	}()
	a.onFlush(ctx, events)
}

// StartPeriodicFlush flushes pending snapshots every interval until ctx is done.
// Remaining snapshots are flushed on the way out.
func (a *ProgressAggregator) StartPeriodicFlush(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				a.FlushAll(context.Background())
				return
			case <-ticker.C:
				if events := a.drain(); len(events) > 0 {
					a.logger.Trace().
						Int("job_count", len(events)).
						Msg("Progress aggregator: periodic flush")
					a.safeOnFlush(ctx, events)
				}
			}
		}
	}()
}

func (a *ProgressAggregator) drain() []models.ProgressEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	events := make([]models.ProgressEvent, 0, len(a.pending))
	for id, event := range a.pending {
		events = append(events, event)
		delete(a.pending, id)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events
}
