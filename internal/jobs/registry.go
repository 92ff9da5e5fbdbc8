// -----------------------------------------------------------------------
// Job Registry - Concurrency-safe store of live job state
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/interfaces"
	"github.com/ternarybob/formrunner/internal/models"
)

// StateReader exposes read-only snapshots of job state.
type StateReader interface {
	Get(id string) (models.JobState, bool)
}

// jobEntry pairs a job's state with its guard.
//
// guard serializes counter mutation (UpdateProgress/IncrementProgress) and is
// held across the whole read-modify-write. fieldMu only makes individual
// field reads/writes memory safe and is never held across calls. Pause,
// Resume and Stop take fieldMu but not guard, so they may interleave with an
// in-flight counter update.
type jobEntry struct {
	guard   sync.Mutex
	fieldMu sync.Mutex
	state   *models.JobState
}

func (e *jobEntry) snapshot() models.JobState {
	e.fieldMu.Lock()
	defer e.fieldMu.Unlock()
	return e.state.Snapshot()
}

// Registry holds the state of every tracked job for the process lifetime.
// Entries are only freed by Remove.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*jobEntry
	events   interfaces.EventService // Optional: may be nil for testing
	reporter *ProgressReporter
	logger   arbor.ILogger
}

// NewRegistry creates an empty registry publishing to eventService.
func NewRegistry(eventService interfaces.EventService, logger arbor.ILogger) *Registry {
	r := &Registry{
		entries: make(map[string]*jobEntry),
		events:  eventService,
		logger:  logger,
	}
	r.reporter = NewProgressReporter(r, eventService, logger)
	return r
}

// Reporter returns the progress reporter bound to this registry.
func (r *Registry) Reporter() *ProgressReporter {
	return r.reporter
}

// Create registers a job. An existing job with the same id is replaced
// together with its guard; the new state keeps nothing of the old one.
func (r *Registry) Create(ctx context.Context, id, kind string, total int, metadata map[string]interface{}) models.JobState {
	e := &jobEntry{state: models.NewJobState(id, kind, total, metadata)}

	r.mu.Lock()
	_, replaced := r.entries[id]
	r.entries[id] = e
	r.mu.Unlock()

	snap := e.snapshot()
	if replaced {
		r.logger.Warn().Str("job_id", id).Msg("Job re-created, previous state replaced")
	}
	r.logger.Debug().
		Str("job_id", id).
		Str("kind", snap.Kind).
		Int("total", total).
		Msg("Job created")

	r.publishLifecycle(ctx, interfaces.EventJobInitialized, models.LifecycleEvent{
		Type:      string(interfaces.EventJobInitialized),
		ID:        id,
		Kind:      snap.Kind,
		Total:     total,
		Timestamp: time.Now().UTC(),
	})
	return snap
}

// Get returns a snapshot of the job's state.
func (r *Registry) Get(id string) (models.JobState, bool) {
	e := r.entry(id)
	if e == nil {
		return models.JobState{}, false
	}
	return e.snapshot(), true
}

// UpdateProgress assigns the counters carried by update under the job's guard
// and emits a progress event unless emit is false.
func (r *Registry) UpdateProgress(ctx context.Context, id string, update models.ProgressUpdate, emit bool) (models.JobState, bool) {
	e := r.entry(id)
	if e == nil {
		return models.JobState{}, false
	}

	e.guard.Lock()
	e.fieldMu.Lock()
	e.state.Apply(update)
	snap := e.state.Snapshot()
	e.fieldMu.Unlock()
	e.guard.Unlock()

	if emit {
		r.reporter.Emit(ctx, id, "", "")
	}
	return snap, true
}

// IncrementProgress adds the deltas to the completed and failed counters as a
// single guarded read-modify-write. No event is emitted; callers follow up with
// EmitProgress when they have item context to attach.
func (r *Registry) IncrementProgress(id string, completedDelta, failedDelta int) (models.JobState, bool) {
	e := r.entry(id)
	if e == nil {
		return models.JobState{}, false
	}

	e.guard.Lock()
	defer e.guard.Unlock()

	e.fieldMu.Lock()
	completed := e.state.Completed + completedDelta
	failed := e.state.Failed + failedDelta
	e.state.Apply(models.ProgressUpdate{Completed: &completed, Failed: &failed})
	snap := e.state.Snapshot()
	e.fieldMu.Unlock()

	return snap, true
}

// EmitProgress writes a progress event for the job.
func (r *Registry) EmitProgress(ctx context.Context, id, currentItem, message string) {
	r.reporter.Emit(ctx, id, currentItem, message)
}

// Pause marks the job paused. Stopped jobs are left untouched.
func (r *Registry) Pause(ctx context.Context, id string) (models.JobState, bool) {
	return r.transition(ctx, id, interfaces.EventJobPaused, func(s *models.JobState, now time.Time) bool {
		if s.Stopped {
			return false
		}
		s.Paused = true
		s.PausedAt = &now
		return true
	})
}

// Resume clears the pause flag. Stopped jobs are left untouched.
func (r *Registry) Resume(ctx context.Context, id string) (models.JobState, bool) {
	return r.transition(ctx, id, interfaces.EventJobResumed, func(s *models.JobState, now time.Time) bool {
		if s.Stopped {
			return false
		}
		s.Paused = false
		s.PausedAt = nil
		return true
	})
}

// Stop marks the job stopped and clears any pause.
func (r *Registry) Stop(ctx context.Context, id string) (models.JobState, bool) {
	return r.transition(ctx, id, interfaces.EventJobStopped, func(s *models.JobState, now time.Time) bool {
		s.Stopped = true
		s.Paused = false
		s.PausedAt = nil
		return true
	})
}

// Remove deletes the job's state and guard. It reports whether the job existed.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.publishLifecycle(ctx, interfaces.EventJobCleared, models.LifecycleEvent{
		Type:      string(interfaces.EventJobCleared),
		ID:        id,
		Timestamp: time.Now().UTC(),
	})
	return true
}

// ListAll returns snapshots of every job ordered by id.
func (r *Registry) ListAll() []models.JobState {
	return r.list(func(models.JobState) bool { return true })
}

// ListByKind returns snapshots of the jobs of one kind ordered by id.
func (r *Registry) ListByKind(kind string) []models.JobState {
	return r.list(func(s models.JobState) bool { return s.Kind == kind })
}

func (r *Registry) list(keep func(models.JobState) bool) []models.JobState {
	r.mu.RLock()
	entries := make([]*jobEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]models.JobState, 0, len(entries))
	for _, e := range entries {
		if snap := e.snapshot(); keep(snap) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) transition(ctx context.Context, id string, eventType interfaces.EventType, apply func(*models.JobState, time.Time) bool) (models.JobState, bool) {
	e := r.entry(id)
	if e == nil {
		return models.JobState{}, false
	}

	now := time.Now().UTC()
	e.fieldMu.Lock()
	changed := apply(e.state, now)
	if changed {
		e.state.UpdatedAt = now
	}
	snap := e.state.Snapshot()
	e.fieldMu.Unlock()

	if !changed {
		r.logger.Debug().
			Str("job_id", id).
			Str("transition", string(eventType)).
			Msg("Ignoring transition on stopped job")
		return snap, true
	}

	r.publishLifecycle(ctx, eventType, models.LifecycleEvent{
		Type:      string(eventType),
		ID:        id,
		Timestamp: now,
	})
	r.reporter.Emit(ctx, id, "", "")
	return snap, true
}

func (r *Registry) entry(id string) *jobEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// guardFor exposes the job's guard to tests.
func (r *Registry) guardFor(id string) *sync.Mutex {
	if e := r.entry(id); e != nil {
		return &e.guard
	}
	return nil
}

func (r *Registry) publishLifecycle(ctx context.Context, eventType interfaces.EventType, payload models.LifecycleEvent) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishSync(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		r.logger.Warn().
			Err(err).
			Str("job_id", payload.ID).
			Str("event_type", string(eventType)).
			Msg("Failed to publish lifecycle event")
	}
}
