package commands

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/common"
	"github.com/ternarybob/formrunner/internal/interfaces"
	"github.com/ternarybob/formrunner/internal/jobs"
	"github.com/ternarybob/formrunner/internal/models"
	"github.com/ternarybob/formrunner/internal/services/browser"
)

const formJSON = `"form":{"fields":{"name":{"selector":"#name"}}}`

// captureWriter collects responses in write order
type captureWriter struct {
	mu        sync.Mutex
	responses []Response
}

func (w *captureWriter) WriteJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if resp, ok := v.(Response); ok {
		w.responses = append(w.responses, resp)
	}
	return nil
}

func (w *captureWriter) all() []Response {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Response(nil), w.responses...)
}

func (w *captureWriter) last() Response {
	all := w.all()
	if len(all) == 0 {
		return Response{}
	}
	return all[len(all)-1]
}

func (w *captureWriter) waitFor(t *testing.T, match func(Response) bool) Response {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, resp := range w.all() {
			if match(resp) {
				return resp
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected response was never written")
	return Response{}
}

type stubTab struct {
	mu       sync.Mutex
	location string
}

func (s *stubTab) Navigate(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.location = url
	return nil
}

func (s *stubTab) CurrentURL(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location, nil
}

func (s *stubTab) Evaluate(_ context.Context, _ string, res interface{}) error {
	if out, ok := res.(*string); ok {
		*out = "complete"
	}
	return nil
}

func (s *stubTab) HasElement(context.Context, string) (bool, error) { return true, nil }
func (s *stubTab) Close() error                                     { return nil }

type stubSession struct {
	mu         sync.Mutex
	primaryErr error
	closed     bool
}

func (s *stubSession) OpenTab(ctx context.Context, url string) (interfaces.Tab, error) {
	tab := &stubTab{}
	return tab, tab.Navigate(ctx, url)
}

func (s *stubSession) Primary(context.Context) (interfaces.Tab, error) {
	if s.primaryErr != nil {
		return nil, s.primaryErr
	}
	return &stubTab{}, nil
}

func (s *stubSession) Status(context.Context) models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionStatus{Running: !s.closed, Headless: true}
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// gatedSubmitter blocks every chunk until release is closed
type gatedSubmitter struct {
	release chan struct{}
	mu      sync.Mutex
	chunks  int
}

func (g *gatedSubmitter) SubmitChunk(ctx context.Context, _ interfaces.Tab, _ models.ChunkPayload) error {
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.mu.Lock()
	g.chunks++
	g.mu.Unlock()
	return nil
}

type processorFixture struct {
	registry  *jobs.Registry
	session   *stubSession
	out       *captureWriter
	submitter *gatedSubmitter
	processor *Processor
}

func newProcessorFixture() *processorFixture {
	logger := arbor.NewLogger()
	registry := jobs.NewRegistry(nil, logger)
	gate := jobs.NewControlGate(registry, logger)
	executor := jobs.NewParallelExecutor(registry, gate, nil, nil, common.ExecutorConfig{
		MaxLanes:        3,
		ChunkSize:       10,
		ReadyAttempts:   2,
		ReadyInterval:   "1ms",
		ControlInterval: "5ms",
		SettleDelay:     "1ms",
		OpenDelay:       "1ms",
	}, logger)

	f := &processorFixture{
		registry:  registry,
		session:   &stubSession{},
		out:       &captureWriter{},
		submitter: &gatedSubmitter{},
	}
	f.processor = NewProcessor(registry, executor, f.session, f.out, logger).
		WithSubmitterFactory(func(browser.FormSpec) (interfaces.ChunkSubmitter, error) {
			return f.submitter, nil
		})
	return f
}

func (f *processorFixture) handle(line string) Response {
	f.processor.Handle(context.Background(), []byte(line))
	return f.out.last()
}

func TestProcessor_Ping(t *testing.T) {
	f := newProcessorFixture()

	resp := f.handle(`{"action":"ping","commandId":"cmd_1"}`)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "cmd_1", resp.CommandID)
	assert.Equal(t, "pong", resp.Message)
}

func TestProcessor_GeneratesCommandID(t *testing.T) {
	f := newProcessorFixture()

	resp := f.handle(`{"action":"ping"}`)
	assert.True(t, strings.HasPrefix(resp.CommandID, "cmd_"))
}

func TestProcessor_MalformedInput(t *testing.T) {
	f := newProcessorFixture()

	resp := f.handle(`{not json`)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "Invalid JSON")
	assert.Equal(t, `{not json`, resp.Received)

	resp = f.handle(`{"action":"explode","commandId":"cmd_2"}`)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, "cmd_2", resp.CommandID)
	assert.Equal(t, SupportedActions, resp.SupportedActions)

	resp = f.handle(`{"commandId":"cmd_3"}`)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, models.FailureValidation, resp.Kind)

	before := len(f.out.all())
	f.handle("   ")
	assert.Len(t, f.out.all(), before, "blank lines produce no response")
}

func TestProcessor_CreateAndStatus(t *testing.T) {
	f := newProcessorFixture()

	resp := f.handle(`{"action":"create","jobId":"job_1","kind":"contacts","total":40,"metadata":{"owner":"ops"}}`)
	require.Equal(t, StatusSuccess, resp.Status)
	require.NotNil(t, resp.Job)
	assert.Equal(t, "job_1", resp.Job.ID)
	assert.Equal(t, 40, resp.Job.Total)

	resp = f.handle(`{"action":"create","kind":"contacts","total":5}`)
	require.NotNil(t, resp.Job)
	assert.True(t, strings.HasPrefix(resp.Job.ID, "job_"))

	resp = f.handle(`{"action":"status","jobId":"job_1"}`)
	require.NotNil(t, resp.Job)
	assert.Equal(t, "ops", resp.Job.Metadata["owner"])

	resp = f.handle(`{"action":"status"}`)
	assert.Equal(t, StatusSuccess, resp.Status)
	require.NotNil(t, resp.Browser)
	assert.True(t, resp.Browser.Running)
	assert.Len(t, resp.Jobs, 2)

	resp = f.handle(`{"action":"status","jobId":"missing"}`)
	assert.Equal(t, models.FailureNotFound, resp.Kind)
}

func TestProcessor_ControlActions(t *testing.T) {
	f := newProcessorFixture()
	f.handle(`{"action":"create","jobId":"job_1","kind":"contacts","total":10}`)

	resp := f.handle(`{"action":"pause","jobId":"job_1"}`)
	require.NotNil(t, resp.Job)
	assert.True(t, resp.Job.Paused)

	resp = f.handle(`{"action":"resume","jobId":"job_1"}`)
	require.NotNil(t, resp.Job)
	assert.False(t, resp.Job.Paused)

	resp = f.handle(`{"action":"stop","jobId":"job_1"}`)
	require.NotNil(t, resp.Job)
	assert.True(t, resp.Job.Stopped)

	resp = f.handle(`{"action":"pause"}`)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, models.FailureValidation, resp.Kind)

	resp = f.handle(`{"action":"resume","jobId":"missing"}`)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, models.FailureNotFound, resp.Kind)

	resp = f.handle(`{"action":"clear","jobId":"job_1"}`)
	assert.Equal(t, StatusSuccess, resp.Status)
	_, ok := f.registry.Get("job_1")
	assert.False(t, ok)

	resp = f.handle(`{"action":"clear","jobId":"job_1"}`)
	assert.Equal(t, models.FailureNotFound, resp.Kind)
}

func TestProcessor_ListByKind(t *testing.T) {
	f := newProcessorFixture()
	f.handle(`{"action":"create","jobId":"a","kind":"contacts","total":1}`)
	f.handle(`{"action":"create","jobId":"b","kind":"invoices","total":1}`)

	resp := f.handle(`{"action":"list","kind":"invoices"}`)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, "b", resp.Jobs[0].ID)

	resp = f.handle(`{"action":"list"}`)
	assert.Len(t, resp.Jobs, 2)
}

func TestProcessor_RunBatch(t *testing.T) {
	f := newProcessorFixture()

	input := strings.Join([]string{
		`{"action":"create","jobId":"job_1","kind":"contacts","total":25}`,
		`{"action":"run_batch","commandId":"cmd_run","jobId":"job_1","batch":{"targetUrl":"https://crm.example.com/contacts/new",` + formJSON + `}}`,
	}, "\n")

	err := f.processor.Run(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	var started, finished *Response
	for _, resp := range f.out.all() {
		resp := resp
		if resp.CommandID != "cmd_run" {
			continue
		}
		switch resp.Status {
		case StatusStarted:
			started = &resp
		case string(models.BatchStatusSuccess):
			finished = &resp
		}
	}
	require.NotNil(t, started, "run_batch answers STARTED first")
	require.NotNil(t, finished, "Run waits for the batch result")
	require.NotNil(t, finished.Result)
	assert.Equal(t, 25, finished.Result.Processed)
	assert.Equal(t, 3, f.submitter.chunks)

	state, _ := f.registry.Get("job_1")
	assert.Equal(t, 25, state.Completed)
}

func TestProcessor_RunBatchCreatesMissingJob(t *testing.T) {
	f := newProcessorFixture()

	f.handle(`{"action":"run_batch","commandId":"cmd_run","jobId":"job_9","kind":"contacts","total":5,"batch":{"targetUrl":"https://crm.example.com/new",` + formJSON + `}}`)
	resp := f.out.waitFor(t, func(r Response) bool { return r.Result != nil })
	assert.Equal(t, string(models.BatchStatusSuccess), resp.Status)

	state, ok := f.registry.Get("job_9")
	require.True(t, ok)
	assert.Equal(t, "contacts", state.Kind)
}

func TestProcessor_RunBatchRejections(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *processorFixture)
		line     string
		expected models.FailureKind
	}{
		{
			name:     "missing batch",
			line:     `{"action":"run_batch","jobId":"job_1"}`,
			expected: models.FailureValidation,
		},
		{
			name:     "bad target url",
			line:     `{"action":"run_batch","jobId":"job_1","batch":{"targetUrl":"not a url",` + formJSON + `}}`,
			expected: models.FailureValidation,
		},
		{
			name:     "form without fields",
			line:     `{"action":"run_batch","jobId":"job_1","batch":{"targetUrl":"https://crm.example.com/new","form":{}}}`,
			expected: models.FailureValidation,
		},
		{
			name:     "unknown job without total",
			line:     `{"action":"run_batch","jobId":"job_2","batch":{"targetUrl":"https://crm.example.com/new",` + formJSON + `}}`,
			expected: models.FailureNotFound,
		},
		{
			name: "no browser",
			setup: func(f *processorFixture) {
				f.session.primaryErr = errors.New("chrome not found")
			},
			line:     `{"action":"run_batch","jobId":"job_1","batch":{"targetUrl":"https://crm.example.com/new",` + formJSON + `}}`,
			expected: models.FailureSessionUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newProcessorFixture()
			f.handle(`{"action":"create","jobId":"job_1","kind":"contacts","total":10}`)
			if tt.setup != nil {
				tt.setup(f)
			}

			resp := f.handle(tt.line)
			assert.Equal(t, StatusFailed, resp.Status)
			assert.Equal(t, tt.expected, resp.Kind)
		})
	}
}

func TestProcessor_OneBatchAtATime(t *testing.T) {
	f := newProcessorFixture()
	f.submitter.release = make(chan struct{})
	f.handle(`{"action":"create","jobId":"job_1","kind":"contacts","total":10}`)
	f.handle(`{"action":"create","jobId":"job_2","kind":"contacts","total":10}`)

	resp := f.handle(`{"action":"run_batch","jobId":"job_1","batch":{"targetUrl":"https://crm.example.com/new",` + formJSON + `}}`)
	require.Equal(t, StatusStarted, resp.Status)

	resp = f.handle(`{"action":"run_batch","jobId":"job_2","batch":{"targetUrl":"https://crm.example.com/new",` + formJSON + `}}`)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, models.FailureSessionUnavailable, resp.Kind)

	close(f.submitter.release)
	f.out.waitFor(t, func(r Response) bool { return r.Result != nil })
	f.processor.batches.Wait()

	resp = f.handle(`{"action":"run_batch","jobId":"job_2","batch":{"targetUrl":"https://crm.example.com/new",` + formJSON + `}}`)
	assert.Equal(t, StatusStarted, resp.Status)
	f.out.waitFor(t, func(r Response) bool { return r.Result != nil && r.Result.JobID == "job_2" })
}

func TestProcessor_CloseStopsRunningBatch(t *testing.T) {
	f := newProcessorFixture()
	f.submitter.release = make(chan struct{})
	f.handle(`{"action":"create","jobId":"job_1","kind":"contacts","total":30}`)
	f.handle(`{"action":"run_batch","jobId":"job_1","batch":{"targetUrl":"https://crm.example.com/new","maxLanes":1,` + formJSON + `}}`)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(f.submitter.release)
	}()

	done := f.processor.Handle(context.Background(), []byte(`{"action":"close","commandId":"cmd_close"}`))
	assert.True(t, done)
	assert.True(t, f.session.isClosed())

	result := f.out.waitFor(t, func(r Response) bool { return r.Result != nil })
	assert.Equal(t, string(models.BatchStatusStopped), result.Status)
	assert.Less(t, result.Result.Processed, 30)

	resp := f.out.last()
	assert.Equal(t, "cmd_close", resp.CommandID)
	assert.Equal(t, StatusSuccess, resp.Status)
}

func TestProcessor_RunHonoursContext(t *testing.T) {
	f := newProcessorFixture()
	ctx, cancel := context.WithCancel(context.Background())
	reader, writer := io.Pipe()
	defer writer.Close()

	errs := make(chan error, 1)
	go func() { errs <- f.processor.Run(ctx, reader) }()

	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run ignored cancellation")
	}
}
