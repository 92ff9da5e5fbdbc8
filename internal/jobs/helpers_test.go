package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/interfaces"
	"github.com/ternarybob/formrunner/internal/models"
)

func testLogger() arbor.ILogger {
	return arbor.NewLogger()
}

// recordingEvents captures published events in order
type recordingEvents struct {
	mu     sync.Mutex
	events []interfaces.Event
	err    error
	panics bool
}

func (r *recordingEvents) Subscribe(interfaces.EventType, interfaces.EventHandler) error {
	return nil
}

func (r *recordingEvents) PublishSync(_ context.Context, event interfaces.Event) error {
	if r.panics {
		panic("sink exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingEvents) Close() error {
	return nil
}

func (r *recordingEvents) ofType(eventType interfaces.EventType) []interfaces.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []interfaces.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingEvents) progress() []models.ProgressEvent {
	var out []models.ProgressEvent
	for _, e := range r.ofType(interfaces.EventProgress) {
		out = append(out, e.Payload.(models.ProgressEvent))
	}
	return out
}

// assertCountersBounded checks completed+failed <= total and a 0..100
// percentage on the final job state and on every emitted progress event.
func assertCountersBounded(t *testing.T, registry *Registry, events *recordingEvents, jobID string) {
	t.Helper()
	if state, ok := registry.Get(jobID); ok {
		assert.LessOrEqual(t, state.Completed+state.Failed, state.Total, "job counters exceed total")
		assert.GreaterOrEqual(t, state.Percentage(), 0.0)
		assert.LessOrEqual(t, state.Percentage(), 100.0)
	}
	for _, p := range events.progress() {
		if p.ID != jobID {
			continue
		}
		assert.LessOrEqual(t, p.Completed+p.Failed, p.Total, "progress event exceeds total")
		assert.GreaterOrEqual(t, p.Percentage, 0.0)
		assert.LessOrEqual(t, p.Percentage, 100.0)
	}
}

// fakeTab is a scripted browser tab
type fakeTab struct {
	mu          sync.Mutex
	name        string
	location    string
	redirect    string // when set, every navigation lands here instead
	readyState  string
	hasElement  bool
	navigateErr error
	navigations int
	closed      bool
}

func newFakeTab(name string) *fakeTab {
	return &fakeTab{name: name, readyState: "complete", hasElement: true}
}

func (t *fakeTab) Navigate(_ context.Context, url string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.navigateErr != nil {
		return t.navigateErr
	}
	t.navigations++
	t.location = url
	if t.redirect != "" {
		t.location = t.redirect
	}
	return nil
}

func (t *fakeTab) CurrentURL(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.location, nil
}

func (t *fakeTab) Evaluate(_ context.Context, expr string, res interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if expr != readyStateScript {
		return errors.New("unsupported expression")
	}
	if out, ok := res.(*string); ok {
		*out = t.readyState
	}
	return nil
}

func (t *fakeTab) HasElement(context.Context, string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasElement, nil
}

func (t *fakeTab) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTab) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeBrowser hands out fake tabs in order
type fakeBrowser struct {
	mu      sync.Mutex
	opened  []*fakeTab
	openErr error
}

func (b *fakeBrowser) OpenTab(ctx context.Context, url string) (interfaces.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	tab := newFakeTab("lane")
	_ = tab.Navigate(ctx, url)
	b.opened = append(b.opened, tab)
	return tab, nil
}

func (b *fakeBrowser) tabs() []*fakeTab {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeTab(nil), b.opened...)
}

// fakeSubmitter records payloads and fails on the configured call per lane
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []models.ChunkPayload
	calls    map[int]int
	failLane int
	failCall int // 1-based chunk number on failLane that fails; 0 disables
	failErr  error
	onSubmit func(models.ChunkPayload)
}

func (s *fakeSubmitter) SubmitChunk(_ context.Context, _ interfaces.Tab, payload models.ChunkPayload) error {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[int]int)
	}
	s.calls[payload.Lane]++
	call := s.calls[payload.Lane]
	s.payloads = append(s.payloads, payload)
	hook := s.onSubmit
	s.mu.Unlock()

	if hook != nil {
		hook(payload)
	}
	if s.failCall > 0 && payload.Lane == s.failLane && call == s.failCall {
		if s.failErr != nil {
			return s.failErr
		}
		return errors.New("save button not found")
	}
	return nil
}

func (s *fakeSubmitter) submitted() []models.ChunkPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChunkPayload(nil), s.payloads...)
}

// MockRecordStorage is a mock implementation of JobRecordStorage
type MockRecordStorage struct {
	mock.Mock
}

func (m *MockRecordStorage) SaveRecord(ctx context.Context, record *models.JobRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockRecordStorage) GetRecord(ctx context.Context, id string) (*models.JobRecord, error) {
	args := m.Called(ctx, id)
	if record, ok := args.Get(0).(*models.JobRecord); ok {
		return record, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRecordStorage) ListRecords(ctx context.Context, kind string) ([]*models.JobRecord, error) {
	args := m.Called(ctx, kind)
	if records, ok := args.Get(0).([]*models.JobRecord); ok {
		return records, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRecordStorage) DeleteRecord(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRecordStorage) Close() error {
	args := m.Called()
	return args.Error(0)
}
