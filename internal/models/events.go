// -----------------------------------------------------------------------
// Event records written to the event sink for external observers
// -----------------------------------------------------------------------

package models

import "time"

// ProgressEvent is the structured record emitted whenever a job's counters
// or control flags change. Field names follow the controller's wire format.
type ProgressEvent struct {
	Type        string                 `json:"type"`
	ID          string                 `json:"id"`
	Kind        string                 `json:"kind"`
	Completed   int                    `json:"completed"`
	Failed      int                    `json:"failed"`
	Total       int                    `json:"total"`
	Percentage  float64                `json:"percentage"`
	Paused      bool                   `json:"paused"`
	Stopped     bool                   `json:"stopped"`
	Timestamp   time.Time              `json:"timestamp"`
	CurrentItem string                 `json:"currentItem,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// LifecycleEvent marks a registry transition (initialized, paused, resumed, stopped, cleared).
type LifecycleEvent struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Kind      string    `json:"kind,omitempty"`
	Total     int       `json:"total,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchEvent is an observational marker emitted by the parallel executor.
type BatchEvent struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Lane      int       `json:"lane"`
	Message   string    `json:"message"`
	URL       string    `json:"url,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
