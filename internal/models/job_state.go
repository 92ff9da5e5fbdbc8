// -----------------------------------------------------------------------
// Job State - In-memory progress/lifecycle snapshot for a tracked job
// -----------------------------------------------------------------------

package models

import (
	"math"
	"time"
)

// DefaultJobKind is used when a job is created without a classification.
const DefaultJobKind = "unknown"

// JobState is the progress and lifecycle snapshot of one job.
// Instances handed out by the registry are value copies; mutating them has no
// effect on the tracked job.
//
// Invariants:
//   - Stopped forces Paused=false and PausedAt=nil
//   - PausedAt is non-nil iff Paused is true
//   - Metadata is fixed at creation
type JobState struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	Paused  bool `json:"paused"`
	Stopped bool `json:"stopped"`

	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	PausedAt  *time.Time `json:"paused_at,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewJobState creates a fresh state with zeroed counters.
func NewJobState(id, kind string, total int, metadata map[string]interface{}) *JobState {
	if kind == "" {
		kind = DefaultJobKind
	}
	now := time.Now().UTC()
	return &JobState{
		ID:        id,
		Kind:      kind,
		Total:     total,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  cloneMetadata(metadata),
	}
}

// Percentage returns completed/total as a percentage rounded to two decimals.
// A job with no total reports 0.
func (s *JobState) Percentage() float64 {
	if s.Total == 0 {
		return 0.0
	}
	return math.Round(float64(s.Completed)/float64(s.Total)*100*100) / 100
}

// Apply sets whichever counters the update carries and advances UpdatedAt.
// Values are assigned as given; no clamping is performed.
func (s *JobState) Apply(update ProgressUpdate) {
	if update.Completed != nil {
		s.Completed = *update.Completed
	}
	if update.Failed != nil {
		s.Failed = *update.Failed
	}
	if update.Total != nil {
		s.Total = *update.Total
	}
	s.UpdatedAt = time.Now().UTC()
}

// Snapshot returns a deep copy safe to hand outside the registry.
func (s *JobState) Snapshot() JobState {
	out := *s
	if s.PausedAt != nil {
		t := *s.PausedAt
		out.PausedAt = &t
	}
	out.Metadata = cloneMetadata(s.Metadata)
	return out
}

// ProgressUpdate carries optional counter assignments. Nil fields are left untouched.
type ProgressUpdate struct {
	Completed *int `json:"completed,omitempty"`
	Failed    *int `json:"failed,omitempty"`
	Total     *int `json:"total,omitempty"`
}

// IntPtr is a small helper for building ProgressUpdate literals.
func IntPtr(v int) *int {
	return &v
}

func cloneMetadata(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
