package models

import "time"

// SessionStatus describes the browser session for status commands and the API.
type SessionStatus struct {
	Running   bool      `json:"running"`
	Headless  bool      `json:"headless"`
	TargetID  string    `json:"target_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}
