package commands

import (
	"github.com/ternarybob/formrunner/internal/models"
	"github.com/ternarybob/formrunner/internal/services/browser"
)

// Supported actions
const (
	ActionPing     = "ping"
	ActionCreate   = "create"
	ActionPause    = "pause"
	ActionResume   = "resume"
	ActionStop     = "stop"
	ActionClear    = "clear"
	ActionStatus   = "status"
	ActionList     = "list"
	ActionRunBatch = "run_batch"
	ActionClose    = "close"
)

// SupportedActions is echoed back when an unknown action is received.
var SupportedActions = []string{
	ActionPing,
	ActionCreate,
	ActionPause,
	ActionResume,
	ActionStop,
	ActionClear,
	ActionStatus,
	ActionList,
	ActionRunBatch,
	ActionClose,
}

// Response statuses
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
	StatusStarted = "STARTED"
)

// Command is one line of the command channel.
type Command struct {
	Action    string                 `json:"action" validate:"required"`
	CommandID string                 `json:"commandId,omitempty"`
	JobID     string                 `json:"jobId,omitempty"`
	Kind      string                 `json:"kind,omitempty"`
	Total     int                    `json:"total,omitempty" validate:"gte=0"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Batch     *BatchSpec             `json:"batch,omitempty"`
}

// BatchSpec carries the run_batch parameters.
type BatchSpec struct {
	TargetURL      string                   `json:"targetUrl" validate:"required,url"`
	ExpectedMarker string                   `json:"expectedMarker,omitempty"`
	ReadySelector  string                   `json:"readySelector,omitempty"`
	MaxLanes       int                      `json:"maxLanes,omitempty" validate:"gte=0"`
	ChunkSize      int                      `json:"chunkSize,omitempty" validate:"gte=0"`
	Template       map[string]interface{}   `json:"template,omitempty"`
	Items          []map[string]interface{} `json:"items,omitempty"`
	Form           browser.FormSpec         `json:"form"`
}

// Response is written as one JSON line per command (two for run_batch).
type Response struct {
	Status           string                `json:"status"`
	CommandID        string                `json:"commandId,omitempty"`
	Action           string                `json:"action,omitempty"`
	Message          string                `json:"message,omitempty"`
	Error            string                `json:"error,omitempty"`
	Kind             models.FailureKind    `json:"kind,omitempty"`
	SupportedActions []string              `json:"supported_actions,omitempty"`
	Received         string                `json:"received,omitempty"`
	Job              *models.JobState      `json:"job,omitempty"`
	Jobs             []models.JobState     `json:"jobs,omitempty"`
	Result           *models.BatchResult   `json:"result,omitempty"`
	Browser          *models.SessionStatus `json:"browser,omitempty"`
}
