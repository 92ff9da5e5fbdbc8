package common

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

// Counters for goroutines started through SafeGo and SafeGoJob. Both are
// reported in crash files.
var (
	goroutinesStarted atomic.Int64
	goroutinesRunning atomic.Int64
)

// GetGoroutineCount returns how many goroutines SafeGo has started.
func GetGoroutineCount() int64 {
	return goroutinesStarted.Load()
}

// RunningGoroutines returns how many SafeGo goroutines have not returned yet.
func RunningGoroutines() int64 {
	return goroutinesRunning.Load()
}

// SafeGo starts fn on its own goroutine. A panic is logged and swallowed so
// one broken websocket writer or server loop cannot take the worker down.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	SafeGoJob(logger, name, "", fn)
}

// SafeGoJob is SafeGo for work that belongs to a job, such as a batch run.
// The panic log carries the job id as a field and as the correlation id.
func SafeGoJob(logger arbor.ILogger, name, jobID string, fn func()) {
	goroutinesStarted.Add(1)
	goroutinesRunning.Add(1)

	go func() {
		defer goroutinesRunning.Add(-1)
		defer recoverGoroutine(logger, name, jobID)
		fn()
	}()
}

func recoverGoroutine(logger arbor.ILogger, name, jobID string) {
	r := recover()
	if r == nil {
		return
	}
	stack := GetStackTrace()

	if logger == nil {
		fmt.Fprintf(os.Stderr, "panic in goroutine %s (job %q): %v\n%s\n", name, jobID, r, stack)
		return
	}

	event := logger.Error()
	if jobID != "" {
		event = logger.WithCorrelationId(jobID).Error().Str("job_id", jobID)
	}
	event.Str("goroutine", name).
		Str("panic", fmt.Sprintf("%v", r)).
		Str("stack", stack).
		Msg("Goroutine panicked, worker continues")
}
