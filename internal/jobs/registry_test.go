package jobs

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/formrunner/internal/interfaces"
	"github.com/ternarybob/formrunner/internal/models"
)

func TestRegistry_CreateAndGet(t *testing.T) {
	events := &recordingEvents{}
	registry := NewRegistry(events, testLogger())
	ctx := context.Background()

	meta := map[string]interface{}{"form": "contacts"}
	state := registry.Create(ctx, "job_1", "", 40, meta)

	assert.Equal(t, "job_1", state.ID)
	assert.Equal(t, models.DefaultJobKind, state.Kind)
	assert.Equal(t, 40, state.Total)
	assert.Zero(t, state.Completed)
	assert.False(t, state.Paused)
	assert.False(t, state.Stopped)

	// Caller's map is not aliased
	meta["form"] = "changed"
	got, ok := registry.Get("job_1")
	require.True(t, ok)
	assert.Equal(t, "contacts", got.Metadata["form"])

	initialized := events.ofType(interfaces.EventJobInitialized)
	require.Len(t, initialized, 1)
	assert.Equal(t, "job_1", initialized[0].Payload.(models.LifecycleEvent).ID)

	_, ok = registry.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_CreateReplacesExistingJob(t *testing.T) {
	registry := NewRegistry(nil, testLogger())
	ctx := context.Background()

	registry.Create(ctx, "job_1", "contacts", 10, nil)
	registry.UpdateProgress(ctx, "job_1", models.ProgressUpdate{Completed: models.IntPtr(7), Failed: models.IntPtr(2)}, false)
	registry.Stop(ctx, "job_1")
	oldGuard := registry.guardFor("job_1")

	// Hold the old guard as if an update were in flight
	oldGuard.Lock()
	defer oldGuard.Unlock()

	state := registry.Create(ctx, "job_1", "contacts", 20, nil)
	assert.Zero(t, state.Completed)
	assert.Zero(t, state.Failed)
	assert.False(t, state.Stopped)
	assert.Equal(t, 20, state.Total)

	newGuard := registry.guardFor("job_1")
	assert.NotSame(t, oldGuard, newGuard)

	// The new guard is free even though the old one is held
	updated, ok := registry.UpdateProgress(ctx, "job_1", models.ProgressUpdate{Completed: models.IntPtr(3)}, false)
	require.True(t, ok)
	assert.Equal(t, 3, updated.Completed)
}

func TestRegistry_UpdateProgress(t *testing.T) {
	events := &recordingEvents{}
	registry := NewRegistry(events, testLogger())
	ctx := context.Background()

	registry.Create(ctx, "job_1", "contacts", 3, nil)

	state, ok := registry.UpdateProgress(ctx, "job_1", models.ProgressUpdate{Completed: models.IntPtr(1)}, true)
	require.True(t, ok)
	assert.Equal(t, 1, state.Completed)
	assert.Equal(t, 33.33, state.Percentage())

	// Absent fields stay unchanged
	state, _ = registry.UpdateProgress(ctx, "job_1", models.ProgressUpdate{Failed: models.IntPtr(1)}, false)
	assert.Equal(t, 1, state.Completed)
	assert.Equal(t, 1, state.Failed)

	progress := events.progress()
	require.Len(t, progress, 1)
	assert.Equal(t, 33.33, progress[0].Percentage)
	assert.Equal(t, "Processing contacts: 1/3", progress[0].Message)

	_, ok = registry.UpdateProgress(ctx, "missing", models.ProgressUpdate{Completed: models.IntPtr(1)}, true)
	assert.False(t, ok)
	assert.Len(t, events.progress(), 1)
}

func TestRegistry_IncrementProgressIsAtomicAcrossGoroutines(t *testing.T) {
	registry := NewRegistry(nil, testLogger())
	ctx := context.Background()
	registry.Create(ctx, "job_1", "contacts", 1000, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				registry.IncrementProgress("job_1", 1, 0)
			}
		}()
	}
	wg.Wait()

	state, _ := registry.Get("job_1")
	assert.Equal(t, 1000, state.Completed)
	assert.Equal(t, 100.0, state.Percentage())
}

func TestRegistry_PauseResumeStop(t *testing.T) {
	events := &recordingEvents{}
	registry := NewRegistry(events, testLogger())
	ctx := context.Background()
	registry.Create(ctx, "job_1", "contacts", 10, nil)

	state, ok := registry.Pause(ctx, "job_1")
	require.True(t, ok)
	assert.True(t, state.Paused)
	require.NotNil(t, state.PausedAt)

	state, _ = registry.Resume(ctx, "job_1")
	assert.False(t, state.Paused)
	assert.Nil(t, state.PausedAt)

	registry.Pause(ctx, "job_1")
	state, _ = registry.Stop(ctx, "job_1")
	assert.True(t, state.Stopped)
	assert.False(t, state.Paused)
	assert.Nil(t, state.PausedAt)

	assert.Len(t, events.ofType(interfaces.EventJobPaused), 2)
	assert.Len(t, events.ofType(interfaces.EventJobResumed), 1)
	assert.Len(t, events.ofType(interfaces.EventJobStopped), 1)

	// Each transition emits progress
	last := events.progress()
	require.NotEmpty(t, last)
	assert.True(t, last[len(last)-1].Stopped)
}

func TestRegistry_StoppedIsAbsorbing(t *testing.T) {
	events := &recordingEvents{}
	registry := NewRegistry(events, testLogger())
	ctx := context.Background()
	registry.Create(ctx, "job_1", "contacts", 10, nil)
	registry.Stop(ctx, "job_1")

	state, ok := registry.Pause(ctx, "job_1")
	require.True(t, ok)
	assert.False(t, state.Paused)
	assert.True(t, state.Stopped)

	state, _ = registry.Resume(ctx, "job_1")
	assert.True(t, state.Stopped)

	assert.Empty(t, events.ofType(interfaces.EventJobPaused))
	assert.Empty(t, events.ofType(interfaces.EventJobResumed))
}

func TestRegistry_TransitionsOnMissingJob(t *testing.T) {
	registry := NewRegistry(nil, testLogger())
	ctx := context.Background()

	_, ok := registry.Pause(ctx, "missing")
	assert.False(t, ok)
	_, ok = registry.Resume(ctx, "missing")
	assert.False(t, ok)
	_, ok = registry.Stop(ctx, "missing")
	assert.False(t, ok)
}

func TestRegistry_PauseDoesNotWaitForGuard(t *testing.T) {
	registry := NewRegistry(nil, testLogger())
	ctx := context.Background()
	registry.Create(ctx, "job_1", "contacts", 10, nil)

	guard := registry.guardFor("job_1")
	guard.Lock()
	defer guard.Unlock()

	done := make(chan struct{})
	go func() {
		registry.Pause(ctx, "job_1")
		registry.Stop(ctx, "job_1")
		close(done)
	}()
	<-done

	state, _ := registry.Get("job_1")
	assert.True(t, state.Stopped)
}

func TestRegistry_RemoveAndList(t *testing.T) {
	events := &recordingEvents{}
	registry := NewRegistry(events, testLogger())
	ctx := context.Background()

	registry.Create(ctx, "job_b", "contacts", 1, nil)
	registry.Create(ctx, "job_a", "contacts", 1, nil)
	registry.Create(ctx, "job_c", "invoices", 1, nil)

	all := registry.ListAll()
	require.Len(t, all, 3)
	assert.Equal(t, "job_a", all[0].ID)
	assert.Equal(t, "job_c", all[2].ID)

	contacts := registry.ListByKind("contacts")
	require.Len(t, contacts, 2)
	assert.Equal(t, "job_a", contacts[0].ID)
	assert.Equal(t, "job_b", contacts[1].ID)

	assert.True(t, registry.Remove(ctx, "job_a"))
	assert.False(t, registry.Remove(ctx, "job_a"))
	_, ok := registry.Get("job_a")
	assert.False(t, ok)
	assert.Len(t, registry.ListAll(), 2)
	assert.Len(t, events.ofType(interfaces.EventJobCleared), 1)
}

func TestRegistry_RemoveUnknownIsSilent(t *testing.T) {
	events := &recordingEvents{}
	registry := NewRegistry(events, testLogger())

	assert.False(t, registry.Remove(context.Background(), "job_missing"))
	assert.Empty(t, events.ofType(interfaces.EventJobCleared))
}
