// -----------------------------------------------------------------------
// Command Processor - Line-delimited JSON control channel
// -----------------------------------------------------------------------

package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/common"
	"github.com/ternarybob/formrunner/internal/interfaces"
	"github.com/ternarybob/formrunner/internal/jobs"
	"github.com/ternarybob/formrunner/internal/models"
	"github.com/ternarybob/formrunner/internal/services/browser"
)

const maxLineSize = 4 * 1024 * 1024

// LineWriter writes one JSON document per line.
type LineWriter interface {
	WriteJSON(v interface{}) error
}

// SubmitterFactory builds the chunk submitter for a run_batch form spec.
type SubmitterFactory func(spec browser.FormSpec) (interfaces.ChunkSubmitter, error)

// Processor reads commands, drives the registry and executor, and writes one
// response line per command. run_batch answers STARTED immediately and writes
// the batch result as a second line when the run ends.
type Processor struct {
	registry     *jobs.Registry
	executor     *jobs.ParallelExecutor
	session      interfaces.BrowserSession
	out          LineWriter
	newSubmitter SubmitterFactory
	validate     *validator.Validate
	logger       arbor.ILogger

	mu          sync.Mutex
	activeBatch string // job id of the running batch; the primary tab serves one batch at a time
	batches     sync.WaitGroup
}

// NewProcessor creates a processor writing responses to out.
func NewProcessor(
	registry *jobs.Registry,
	executor *jobs.ParallelExecutor,
	session interfaces.BrowserSession,
	out LineWriter,
	logger arbor.ILogger,
) *Processor {
	p := &Processor{
		registry: registry,
		executor: executor,
		session:  session,
		out:      out,
		validate: validator.New(),
		logger:   logger,
	}
	p.newSubmitter = func(spec browser.FormSpec) (interfaces.ChunkSubmitter, error) {
		return browser.NewFormSubmitter(spec, logger)
	}
	return p
}

// WithSubmitterFactory replaces the form submitter factory.
func (p *Processor) WithSubmitterFactory(factory SubmitterFactory) *Processor {
	p.newSubmitter = factory
	return p
}

// Run processes lines from in until EOF, a close command or ctx cancellation.
// In-flight batches are awaited before Run returns.
func (p *Processor) Run(ctx context.Context, in io.Reader) error {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-readCtx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	p.logger.Info().Msg("Command processor ready")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Command processor cancelled, waiting for running batch")
			p.batches.Wait()
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				p.batches.Wait()
				var err error
				select {
				case err = <-scanErr:
				default:
				}
				if err != nil {
					return fmt.Errorf("failed to read commands: %w", err)
				}
				p.logger.Info().Msg("Command input closed")
				return nil
			}
			if done := p.Handle(ctx, line); done {
				return nil
			}
		}
	}
}

// Handle processes one command line and reports whether the loop should end.
func (p *Processor) Handle(ctx context.Context, line []byte) (done bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var cmd Command
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("action", cmd.Action).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", common.GetStackTrace()).
				Msg("Recovered from panic in command handler")
			p.respond(Response{
				Status:    StatusFailed,
				CommandID: cmd.CommandID,
				Action:    cmd.Action,
				Error:     fmt.Sprintf("Command handler error: %v", r),
				Kind:      models.FailureUnexpected,
			})
			done = false
		}
	}()

	if err := json.Unmarshal(line, &cmd); err != nil {
		p.respond(Response{
			Status:   StatusFailed,
			Error:    fmt.Sprintf("Invalid JSON: %v", err),
			Received: string(line),
		})
		return false
	}
	if cmd.CommandID == "" {
		cmd.CommandID = common.NewCommandID()
	}

	p.logger.Debug().
		Str("action", cmd.Action).
		Str("command_id", cmd.CommandID).
		Str("job_id", cmd.JobID).
		Msg("Received command")

	if err := p.validate.Struct(cmd); err != nil {
		p.fail(cmd, fmt.Errorf("%w: %v", jobs.ErrValidation, err))
		return false
	}

	switch cmd.Action {
	case ActionPing:
		p.succeed(cmd, Response{Message: "pong"})
	case ActionCreate:
		p.create(ctx, cmd)
	case ActionPause:
		p.transition(ctx, cmd, p.registry.Pause)
	case ActionResume:
		p.transition(ctx, cmd, p.registry.Resume)
	case ActionStop:
		p.transition(ctx, cmd, p.registry.Stop)
	case ActionClear:
		p.clear(ctx, cmd)
	case ActionStatus:
		p.status(ctx, cmd)
	case ActionList:
		p.list(cmd)
	case ActionRunBatch:
		p.runBatch(ctx, cmd)
	case ActionClose:
		p.close(ctx, cmd)
		return true
	default:
		p.respond(Response{
			Status:           StatusFailed,
			CommandID:        cmd.CommandID,
			Action:           cmd.Action,
			Error:            fmt.Sprintf("Unknown action: %s", cmd.Action),
			SupportedActions: SupportedActions,
		})
	}
	return false
}

func (p *Processor) create(ctx context.Context, cmd Command) {
	if cmd.JobID == "" {
		cmd.JobID = common.NewJobID()
	}
	state := p.registry.Create(ctx, cmd.JobID, cmd.Kind, cmd.Total, cmd.Metadata)
	p.succeed(cmd, Response{Message: "Job created", Job: &state})
}

// transition answers pause/resume/stop.
func (p *Processor) transition(ctx context.Context, cmd Command, apply func(context.Context, string) (models.JobState, bool)) {
	if cmd.JobID == "" {
		p.fail(cmd, fmt.Errorf("%w: jobId is required", jobs.ErrValidation))
		return
	}
	state, ok := apply(ctx, cmd.JobID)
	if !ok {
		p.fail(cmd, fmt.Errorf("%w: %s", jobs.ErrNotFound, cmd.JobID))
		return
	}
	p.succeed(cmd, Response{Job: &state})
}

func (p *Processor) clear(ctx context.Context, cmd Command) {
	if cmd.JobID == "" {
		p.fail(cmd, fmt.Errorf("%w: jobId is required", jobs.ErrValidation))
		return
	}
	if !p.registry.Remove(ctx, cmd.JobID) {
		p.fail(cmd, fmt.Errorf("%w: %s", jobs.ErrNotFound, cmd.JobID))
		return
	}
	p.succeed(cmd, Response{Message: "Job cleared"})
}

func (p *Processor) status(ctx context.Context, cmd Command) {
	if cmd.JobID != "" {
		state, ok := p.registry.Get(cmd.JobID)
		if !ok {
			p.fail(cmd, fmt.Errorf("%w: %s", jobs.ErrNotFound, cmd.JobID))
			return
		}
		p.succeed(cmd, Response{Job: &state})
		return
	}

	status := p.session.Status(ctx)
	p.succeed(cmd, Response{Browser: &status, Jobs: p.registry.ListAll()})
}

func (p *Processor) list(cmd Command) {
	var states []models.JobState
	if cmd.Kind != "" {
		states = p.registry.ListByKind(cmd.Kind)
	} else {
		states = p.registry.ListAll()
	}
	p.succeed(cmd, Response{Jobs: states})
}

func (p *Processor) runBatch(ctx context.Context, cmd Command) {
	if cmd.Batch == nil {
		p.fail(cmd, fmt.Errorf("%w: batch is required", jobs.ErrValidation))
		return
	}
	if err := p.validate.Struct(cmd.Batch); err != nil {
		p.fail(cmd, fmt.Errorf("%w: %v", jobs.ErrValidation, err))
		return
	}

	if cmd.JobID == "" {
		cmd.JobID = common.NewJobID()
	}
	state, ok := p.registry.Get(cmd.JobID)
	if !ok {
		if cmd.Total <= 0 {
			p.fail(cmd, fmt.Errorf("%w: %s", jobs.ErrNotFound, cmd.JobID))
			return
		}
		state = p.registry.Create(ctx, cmd.JobID, cmd.Kind, cmd.Total, cmd.Metadata)
	}

	submitter, err := p.newSubmitter(cmd.Batch.Form)
	if err != nil {
		p.fail(cmd, fmt.Errorf("%w: %v", jobs.ErrValidation, err))
		return
	}

	primary, err := p.session.Primary(ctx)
	if err != nil {
		if !errors.Is(err, jobs.ErrSessionUnavailable) {
			err = fmt.Errorf("%w: %v", jobs.ErrSessionUnavailable, err)
		}
		p.fail(cmd, err)
		return
	}

	if !p.claimBatch(cmd.JobID) {
		p.fail(cmd, fmt.Errorf("%w: another batch is running", jobs.ErrSessionUnavailable))
		return
	}

	req := jobs.BatchRequest{
		JobID:          cmd.JobID,
		TargetURL:      cmd.Batch.TargetURL,
		ExpectedMarker: cmd.Batch.ExpectedMarker,
		ReadySelector:  cmd.Batch.ReadySelector,
		Total:          state.Total,
		MaxLanes:       cmd.Batch.MaxLanes,
		ChunkSize:      cmd.Batch.ChunkSize,
		Template:       cmd.Batch.Template,
		Items:          cmd.Batch.Items,
		Browser:        p.session,
		Primary:        primary,
		Submitter:      submitter,
	}

	p.respond(Response{
		Status:    StatusStarted,
		CommandID: cmd.CommandID,
		Action:    cmd.Action,
		Message:   fmt.Sprintf("Batch started for job %s", cmd.JobID),
		Job:       &state,
	})

	p.batches.Add(1)
	common.SafeGoJob(p.logger, "runBatch", cmd.JobID, func() {
		defer p.batches.Done()
		defer p.releaseBatch(cmd.JobID)

		result := p.executor.Run(ctx, req)
		p.respond(Response{
			Status:    string(result.Status),
			CommandID: cmd.CommandID,
			Action:    cmd.Action,
			Error:     result.Error,
			Kind:      result.Kind,
			Result:    &result,
		})
	})
}

func (p *Processor) close(ctx context.Context, cmd Command) {
	p.mu.Lock()
	active := p.activeBatch
	p.mu.Unlock()

	if active != "" {
		p.logger.Info().Str("job_id", active).Msg("Stopping running batch before close")
		p.registry.Stop(ctx, active)
	}
	p.batches.Wait()

	if err := p.session.Close(); err != nil {
		p.fail(cmd, fmt.Errorf("%w: %v", jobs.ErrUnexpected, err))
		return
	}
	p.succeed(cmd, Response{Message: "Browser closed successfully"})
}

func (p *Processor) claimBatch(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeBatch != "" {
		return false
	}
	p.activeBatch = jobID
	return true
}

func (p *Processor) releaseBatch(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeBatch == jobID {
		p.activeBatch = ""
	}
}

func (p *Processor) succeed(cmd Command, resp Response) {
	resp.Status = StatusSuccess
	resp.CommandID = cmd.CommandID
	resp.Action = cmd.Action
	p.respond(resp)
}

func (p *Processor) fail(cmd Command, err error) {
	p.logger.Warn().
		Err(err).
		Str("action", cmd.Action).
		Str("command_id", cmd.CommandID).
		Msg("Command failed")
	p.respond(Response{
		Status:    StatusFailed,
		CommandID: cmd.CommandID,
		Action:    cmd.Action,
		Error:     err.Error(),
		Kind:      jobs.KindOf(err),
	})
}

func (p *Processor) respond(resp Response) {
	if err := p.out.WriteJSON(resp); err != nil {
		p.logger.Error().Err(err).Str("command_id", resp.CommandID).Msg("Failed to write response")
	}
}
