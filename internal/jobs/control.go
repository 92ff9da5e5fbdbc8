package jobs

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/models"
)

// DefaultControlInterval is how often a paused job is re-checked.
const DefaultControlInterval = 500 * time.Millisecond

// ControlGate lets long-running loops honor pause and stop requests.
// Loops call Poll between work units and obey the verdict.
type ControlGate struct {
	reader StateReader
	logger arbor.ILogger
}

// NewControlGate creates a gate reading job state from reader.
func NewControlGate(reader StateReader, logger arbor.ILogger) *ControlGate {
	return &ControlGate{
		reader: reader,
		logger: logger,
	}
}

// Poll returns NotFound for unknown jobs and Stop for stopped jobs. While the
// job is paused it sleeps for interval between re-reads until the job is
// resumed (Continue), stopped (Stop) or removed (NotFound). Cancelling ctx
// while waiting yields Stop.
func (g *ControlGate) Poll(ctx context.Context, id string, interval time.Duration) models.Verdict {
	if interval <= 0 {
		interval = DefaultControlInterval
	}

	state, ok := g.reader.Get(id)
	if !ok {
		return models.VerdictNotFound
	}
	if state.Stopped {
		return models.VerdictStop
	}
	if !state.Paused {
		return models.VerdictContinue
	}

	g.logger.Debug().Str("job_id", id).Msg("Job paused, waiting for resume")

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Debug().Err(ctx.Err()).Str("job_id", id).Msg("Context cancelled while paused")
			return models.VerdictStop
		case <-timer.C:
		}

		state, ok = g.reader.Get(id)
		switch {
		case !ok:
			return models.VerdictNotFound
		case state.Stopped:
			return models.VerdictStop
		case !state.Paused:
			g.logger.Debug().Str("job_id", id).Msg("Job resumed")
			return models.VerdictContinue
		}
		timer.Reset(interval)
	}
}
