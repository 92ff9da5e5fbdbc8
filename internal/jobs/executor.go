// -----------------------------------------------------------------------
// Parallel Batch Executor - Fans a job's items out across browser tabs
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/common"
	"github.com/ternarybob/formrunner/internal/interfaces"
	"github.com/ternarybob/formrunner/internal/models"
	"golang.org/x/sync/errgroup"
)

// readyStateScript is evaluated on every lane during the readiness barrier.
const readyStateScript = "document.readyState"

// BatchRequest describes one parallel run of a registered job.
type BatchRequest struct {
	JobID string `validate:"required"`

	// TargetURL is where every lane submits from; lanes return here between chunks.
	TargetURL string `validate:"required,url"`
	// ExpectedMarker must appear in the lane's location after each navigation (empty = no check).
	ExpectedMarker string
	// ReadySelector must match an element before a lane counts as ready (empty = readyState only).
	ReadySelector string

	Total     int `validate:"gt=0"`
	MaxLanes  int `validate:"gt=0"` // 0 before defaults means executor.max_lanes
	ChunkSize int `validate:"gt=0"` // 0 before defaults means executor.chunk_size

	// Template is replicated for every item when Items is empty.
	Template map[string]interface{}
	// Items are sliced positionally; indexes past the end reuse the last item.
	Items []map[string]interface{}

	Browser   interfaces.Browser        `validate:"-"`
	Primary   interfaces.Tab            `validate:"-"`
	Submitter interfaces.ChunkSubmitter `validate:"-"`
}

// ParallelExecutor runs a job's workload across up to MaxLanes tabs.
// Run never panics or returns an error; every outcome is a BatchResult.
type ParallelExecutor struct {
	registry *Registry
	gate     *ControlGate
	events   interfaces.EventService     // Optional: may be nil for testing
	records  interfaces.JobRecordStorage // Optional: nil disables run records
	config   common.ExecutorConfig
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewParallelExecutor creates an executor bound to the registry and gate.
func NewParallelExecutor(
	registry *Registry,
	gate *ControlGate,
	eventService interfaces.EventService,
	records interfaces.JobRecordStorage,
	config common.ExecutorConfig,
	logger arbor.ILogger,
) *ParallelExecutor {
	return &ParallelExecutor{
		registry: registry,
		gate:     gate,
		events:   eventService,
		records:  records,
		config:   config,
		validate: validator.New(),
		logger:   logger,
	}
}

type lane struct {
	index   int
	tab     interfaces.Tab
	start   int
	count   int
	ready   bool
	openErr error
}

// Run executes the request and blocks until every lane has finished.
func (e *ParallelExecutor) Run(ctx context.Context, req BatchRequest) (result models.BatchResult) {
	result = models.BatchResult{
		JobID:     req.JobID,
		Total:     req.Total,
		StartedAt: time.Now().UTC(),
	}
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error().
				Str("job_id", req.JobID).
				Str("panic", fmt.Sprintf("%v", rec)).
				Msg("Recovered from panic in batch executor")
			result = e.fail(result, fmt.Errorf("%w: %v", ErrUnexpected, rec))
		}
		result.FinishedAt = time.Now().UTC()
	}()

	plan, err := e.prepare(&req)
	if err != nil {
		return e.fail(result, err)
	}
	result.Plan = plan

	state, ok := e.registry.Get(req.JobID)
	if !ok {
		return e.fail(result, fmt.Errorf("%w: %s", ErrNotFound, req.JobID))
	}
	// Progress is counted against the registered total; a larger request would overrun it.
	if req.Total != state.Total {
		return e.fail(result, fmt.Errorf("%w: total %d does not match job %s total %d",
			ErrValidation, req.Total, req.JobID, state.Total))
	}

	logger := e.logger.WithCorrelationId(req.JobID)
	logger.Info().
		Str("job_id", req.JobID).
		Int("total", req.Total).
		Int("max_lanes", req.MaxLanes).
		Int("chunk_size", req.ChunkSize).
		Msg("Starting parallel batch")

	e.recordStart(ctx, state, result.StartedAt)
	defer func() { e.recordEnd(ctx, req.JobID, result) }()

	e.publish(ctx, interfaces.EventBatchStart, req.JobID, -1,
		fmt.Sprintf("Starting batch: %d items for job %s", req.Total, req.JobID), req.TargetURL, "")

	if err := e.navigate(ctx, req.Primary, req.TargetURL, req.ExpectedMarker); err != nil {
		logger.Error().Err(err).Str("url", req.TargetURL).Msg("Primary lane navigation failed")
		e.publish(ctx, interfaces.EventBatchFailed, req.JobID, 0, "Failed to navigate to target", req.TargetURL, err.Error())
		return e.fail(result, err)
	}
	e.publish(ctx, interfaces.EventBatchNavigated, req.JobID, 0, "Successfully navigated", req.TargetURL, "")
	e.publish(ctx, interfaces.EventBatchDistribution, req.JobID, -1,
		fmt.Sprintf("Lane distribution: %v items per lane", plan), "", "")

	lanes := e.openLanes(ctx, req, plan, logger)
	defer e.closeLanes(lanes, logger)

	e.awaitReady(ctx, req, lanes, logger)

	laneResults := make([]models.LaneResult, len(lanes))
	var g errgroup.Group
	for i := range lanes {
		l := lanes[i]
		g.Go(func() error {
			laneResults[l.index] = e.runLane(ctx, req, l, logger)
			return nil
		})
	}
	_ = g.Wait()

	result = e.aggregate(result, laneResults)

	switch result.Status {
	case models.BatchStatusSuccess:
		logger.Info().Int("processed", result.Processed).Msg("Parallel batch completed")
		e.publish(ctx, interfaces.EventBatchSuccess, req.JobID, -1,
			fmt.Sprintf("Successfully processed %d items for job %s", result.Processed, req.JobID), "", "")
	case models.BatchStatusStopped:
		logger.Info().Int("processed", result.Processed).Msg("Parallel batch stopped before completion")
		e.publish(ctx, interfaces.EventBatchFailed, req.JobID, -1,
			fmt.Sprintf("Batch stopped after %d of %d items", result.Processed, req.Total), "", "")
	default:
		logger.Error().
			Str("kind", string(result.Kind)).
			Str("error", result.Error).
			Int("processed", result.Processed).
			Msg("Parallel batch failed")
		e.publish(ctx, interfaces.EventBatchFailed, req.JobID, -1,
			fmt.Sprintf("One of the lanes failed: %s", result.Error), "", result.Error)
	}
	return result
}

// prepare applies defaults, validates the request and computes the lane plan.
// It performs no side effects.
func (e *ParallelExecutor) prepare(req *BatchRequest) ([]int, error) {
	if req.MaxLanes == 0 {
		req.MaxLanes = e.config.MaxLanes
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = e.config.ChunkSize
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = DefaultChunkSize
	}

	if err := e.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.Submitter == nil {
		return nil, fmt.Errorf("%w: submitter is required", ErrValidation)
	}
	if req.Primary == nil {
		return nil, ErrSessionUnavailable
	}

	plan, err := PlanLanes(req.Total, req.MaxLanes, req.ChunkSize)
	if err != nil {
		return nil, err
	}
	if len(plan) > 1 && req.Browser == nil {
		return nil, fmt.Errorf("%w: %d lanes planned but no browser to open tabs", ErrSessionUnavailable, len(plan))
	}
	return plan, nil
}

// openLanes reuses the primary tab as lane 0 and opens one tab per extra lane.
// A lane whose tab cannot be opened keeps its error and reports it when run.
func (e *ParallelExecutor) openLanes(ctx context.Context, req BatchRequest, plan []int, logger arbor.ILogger) []*lane {
	lanes := make([]*lane, len(plan))
	start := 0
	for i, count := range plan {
		l := &lane{index: i, start: start, count: count}
		start += count

		if i == 0 {
			l.tab = req.Primary
		} else {
			tab, err := req.Browser.OpenTab(ctx, req.TargetURL)
			if err != nil {
				logger.Warn().Err(err).Int("lane", i).Msg("Failed to open lane tab")
				l.openErr = fmt.Errorf("%w: open lane %d: %v", ErrSessionUnavailable, i, err)
			} else {
				l.tab = tab
				_ = sleepCtx(ctx, e.config.OpenDelayDuration())
			}
		}
		lanes[i] = l
	}
	return lanes
}

// awaitReady polls each lane for readyState "complete" plus the ready marker.
// A lane that never becomes ready is logged and run anyway.
func (e *ParallelExecutor) awaitReady(ctx context.Context, req BatchRequest, lanes []*lane, logger arbor.ILogger) {
	attempts := e.config.ReadyAttempts
	if attempts <= 0 {
		attempts = 20
	}
	interval := e.config.ReadyIntervalDuration()

	for _, l := range lanes {
		if l.tab == nil {
			continue
		}
		for attempt := 1; attempt <= attempts; attempt++ {
			if e.laneReady(ctx, l.tab, req.ReadySelector) {
				l.ready = true
				break
			}
			if sleepCtx(ctx, interval) != nil {
				break
			}
		}
		if !l.ready {
			logger.Warn().
				Int("lane", l.index).
				Int("attempts", attempts).
				Msg("Lane not ready after readiness budget, proceeding anyway")
		}
	}
}

func (e *ParallelExecutor) laneReady(ctx context.Context, tab interfaces.Tab, selector string) bool {
	var readyState string
	if err := tab.Evaluate(ctx, readyStateScript, &readyState); err != nil || readyState != "complete" {
		return false
	}
	if selector == "" {
		return true
	}
	found, err := tab.HasElement(ctx, selector)
	return err == nil && found
}

// runLane submits the lane's share chunk by chunk, consulting the control gate
// before each chunk. It stops at the first failure without retrying.
func (e *ParallelExecutor) runLane(ctx context.Context, req BatchRequest, l *lane, logger arbor.ILogger) (res models.LaneResult) {
	res = models.LaneResult{
		Lane:       l.index,
		StartIndex: l.start,
		Assigned:   l.count,
		Ready:      l.ready,
		Status:     models.LaneStatusSuccess,
	}

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("%w: lane %d panicked: %v", ErrUnexpected, l.index, rec)
			res = e.laneFailed(ctx, req.JobID, res, err, logger)
			res.Stack = string(debug.Stack())
		}
	}()

	if l.openErr != nil {
		return e.laneFailed(ctx, req.JobID, res, l.openErr, logger)
	}

	sizes := ChunkSizes(l.count, req.ChunkSize)
	offset := 0
	for i, size := range sizes {
		if verdict := e.gate.Poll(ctx, req.JobID, e.config.ControlIntervalDuration()); verdict != models.VerdictContinue {
			logger.Info().
				Int("lane", l.index).
				Str("verdict", string(verdict)).
				Int("processed", res.Processed).
				Msg("Lane halted by control gate")
			res.Status = models.LaneStatusStopped
			res.Verdict = verdict
			return res
		}

		chunkStart := l.start + offset
		chunkEnd := chunkStart + size - 1
		e.publish(ctx, interfaces.EventBatchChunk, req.JobID, l.index,
			fmt.Sprintf("Processing batch: %d to %d", chunkStart, chunkEnd), "", "")

		payload := buildPayload(req, l.index, chunkStart, size)
		if err := req.Submitter.SubmitChunk(ctx, l.tab, payload); err != nil {
			if KindOf(err) == models.FailureUnexpected {
				err = fmt.Errorf("%w: %v", ErrSubmission, err)
			}
			e.registry.IncrementProgress(req.JobID, 0, size)
			e.registry.EmitProgress(ctx, req.JobID, itemRange(l.index, chunkStart, chunkEnd), "")
			return e.laneFailed(ctx, req.JobID, res, err, logger)
		}

		offset += size
		res.Processed += size

		e.registry.IncrementProgress(req.JobID, size, 0)
		e.registry.EmitProgress(ctx, req.JobID, itemRange(l.index, chunkStart, chunkEnd), "")

		logger.Debug().
			Int("lane", l.index).
			Int("chunk_start", chunkStart).
			Int("chunk_size", size).
			Msg("Chunk submitted")

		if i < len(sizes)-1 {
			if err := e.navigate(ctx, l.tab, req.TargetURL, req.ExpectedMarker); err != nil {
				return e.laneFailed(ctx, req.JobID, res, err, logger)
			}
		}
	}
	return res
}

func (e *ParallelExecutor) laneFailed(ctx context.Context, jobID string, res models.LaneResult, err error, logger arbor.ILogger) models.LaneResult {
	res.Status = models.LaneStatusFailed
	res.Kind = KindOf(err)
	res.Error = err.Error()

	logger.Error().
		Err(err).
		Int("lane", res.Lane).
		Int("processed", res.Processed).
		Str("kind", string(res.Kind)).
		Msg("Lane failed")
	e.publish(ctx, interfaces.EventBatchLaneFailed, jobID, res.Lane,
		fmt.Sprintf("Failed to save batch: %s", res.Error), "", res.Error)
	return res
}

// aggregate folds lane results into the job result. The first failed lane in
// lane order determines the failure reported.
func (e *ParallelExecutor) aggregate(result models.BatchResult, lanes []models.LaneResult) models.BatchResult {
	result.Lanes = lanes
	result.Status = models.BatchStatusSuccess

	stopped := false
	for i := range lanes {
		result.Processed += lanes[i].Processed
		switch {
		case lanes[i].Failed() && result.FailedLane == nil:
			idx := lanes[i].Lane
			result.FailedLane = &idx
			result.Status = models.BatchStatusFailed
			result.Kind = lanes[i].Kind
			result.Error = lanes[i].Error
		case lanes[i].Status == models.LaneStatusStopped:
			stopped = true
		}
	}

	if result.Status == models.BatchStatusSuccess && stopped {
		result.Status = models.BatchStatusStopped
	}
	return result
}

// navigate loads url in tab, waits for the page to settle and checks the
// resulting location contains marker.
func (e *ParallelExecutor) navigate(ctx context.Context, tab interfaces.Tab, url, marker string) error {
	if err := tab.Navigate(ctx, url); err != nil {
		return fmt.Errorf("%w: navigate to %s: %v", ErrUnexpected, url, err)
	}
	if err := sleepCtx(ctx, e.config.SettleDelayDuration()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpected, err)
	}
	if marker == "" {
		return nil
	}

	current, err := tab.CurrentURL(ctx)
	if err != nil {
		return fmt.Errorf("%w: read location: %v", ErrUnexpected, err)
	}
	if !strings.Contains(current, marker) {
		return fmt.Errorf("%w: expected %q in %s", ErrNavigationMismatch, marker, current)
	}
	return nil
}

func (e *ParallelExecutor) closeLanes(lanes []*lane, logger arbor.ILogger) {
	for _, l := range lanes {
		if l.index == 0 || l.tab == nil {
			continue
		}
		if err := l.tab.Close(); err != nil {
			logger.Warn().Err(err).Int("lane", l.index).Msg("Failed to close lane tab")
		}
	}
}

func (e *ParallelExecutor) fail(result models.BatchResult, err error) models.BatchResult {
	result.Status = models.BatchStatusFailed
	result.Kind = KindOf(err)
	result.Error = err.Error()
	return result
}

func (e *ParallelExecutor) recordStart(ctx context.Context, state models.JobState, startedAt time.Time) {
	if e.records == nil {
		return
	}
	record := &models.JobRecord{
		ID:        state.ID,
		Kind:      state.Kind,
		Total:     state.Total,
		StartedAt: startedAt,
	}
	if err := e.records.SaveRecord(ctx, record); err != nil {
		e.logger.Warn().Err(err).Str("job_id", state.ID).Msg("Failed to save job start record")
	}
}

func (e *ParallelExecutor) recordEnd(ctx context.Context, jobID string, result models.BatchResult) {
	if e.records == nil {
		return
	}
	record, err := e.records.GetRecord(ctx, jobID)
	if err != nil {
		record = &models.JobRecord{ID: jobID, Total: result.Total, StartedAt: result.StartedAt}
	}
	if state, ok := e.registry.Get(jobID); ok {
		record.Completed = state.Completed
		record.Failed = state.Failed
	}
	ended := time.Now().UTC()
	record.Status = result.Status
	record.Error = result.Error
	record.EndedAt = &ended
	if err := e.records.SaveRecord(ctx, record); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to save job end record")
	}
}

func (e *ParallelExecutor) publish(ctx context.Context, eventType interfaces.EventType, jobID string, laneIndex int, message, url, errMsg string) {
	if e.events == nil {
		return
	}
	event := models.BatchEvent{
		Type:      string(eventType),
		ID:        jobID,
		Lane:      laneIndex,
		Message:   message,
		URL:       url,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	if err := e.events.PublishSync(ctx, interfaces.Event{Type: eventType, Payload: event}); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Str("event_type", string(eventType)).Msg("Failed to publish batch event")
	}
}

// buildPayload assembles the chunk starting at item index start.
func buildPayload(req BatchRequest, laneIndex, start, count int) models.ChunkPayload {
	payload := models.ChunkPayload{
		JobID:      req.JobID,
		Lane:       laneIndex,
		StartIndex: start,
		Count:      count,
		Items:      make([]map[string]interface{}, 0, count),
	}

	if len(req.Items) > 0 {
		last := len(req.Items) - 1
		for i := 0; i < count; i++ {
			idx := min(start+i, last)
			payload.Items = append(payload.Items, req.Items[idx])
		}
		return payload
	}

	payload.Fields = copyFields(req.Template)
	for i := 0; i < count; i++ {
		payload.Items = append(payload.Items, copyFields(req.Template))
	}
	return payload
}

func copyFields(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func itemRange(laneIndex, start, end int) string {
	return fmt.Sprintf("lane %d: items %d-%d", laneIndex, start, end)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
