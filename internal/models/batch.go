// -----------------------------------------------------------------------
// Batch - Payloads and results for parallel chunked submission
// -----------------------------------------------------------------------

package models

import "time"

// BatchStatus is the aggregated outcome of a parallel batch run.
type BatchStatus string

const (
	BatchStatusSuccess BatchStatus = "SUCCESS"
	BatchStatusFailed  BatchStatus = "FAILED"
	// BatchStatusStopped means no lane failed but at least one lane halted on a
	// Stop or NotFound verdict before finishing its share.
	BatchStatusStopped BatchStatus = "STOPPED"
)

// ChunkPayload is the data handed to a ChunkSubmitter for one chunk.
// Fields holds template keys merged at the top level; Items holds one entry per item.
type ChunkPayload struct {
	JobID      string                   `json:"job_id"`
	Lane       int                      `json:"lane"`
	StartIndex int                      `json:"start_index"`
	Count      int                      `json:"count"`
	Fields     map[string]interface{}   `json:"fields,omitempty"`
	Items      []map[string]interface{} `json:"items"`
}

// LaneStatus is the terminal state of one lane's chunk loop.
type LaneStatus string

const (
	LaneStatusSuccess LaneStatus = "SUCCESS"
	LaneStatusFailed  LaneStatus = "FAILED"
	LaneStatusStopped LaneStatus = "STOPPED"
)

// LaneResult is the partial outcome reported by one lane.
type LaneResult struct {
	Lane       int         `json:"lane"`
	StartIndex int         `json:"start_index"`
	Assigned   int         `json:"assigned"`
	Processed  int         `json:"processed"`
	Ready      bool        `json:"ready"`
	Status     LaneStatus  `json:"status"`
	Verdict    Verdict     `json:"verdict,omitempty"`
	Kind       FailureKind `json:"kind,omitempty"`
	Error      string      `json:"error,omitempty"`
	Stack      string      `json:"stack,omitempty"`
}

// Failed reports whether the lane terminated on a failure.
func (l LaneResult) Failed() bool {
	return l.Status == LaneStatusFailed
}

// BatchResult is the aggregated outcome of a job run across all lanes.
type BatchResult struct {
	JobID      string       `json:"job_id"`
	Status     BatchStatus  `json:"status"`
	Processed  int          `json:"processed"`
	Total      int          `json:"total"`
	Plan       []int        `json:"plan,omitempty"`
	Kind       FailureKind  `json:"kind,omitempty"`
	Error      string       `json:"error,omitempty"`
	FailedLane *int         `json:"failed_lane,omitempty"`
	Lanes      []LaneResult `json:"lanes,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Succeeded reports whether every lane finished its share.
func (r BatchResult) Succeeded() bool {
	return r.Status == BatchStatusSuccess
}

// JobRecord is the persisted audit entry for one executor run.
type JobRecord struct {
	ID        string      `json:"id" badgerhold:"key"`
	Kind      string      `json:"kind" badgerholdIndex:"Kind"`
	Total     int         `json:"total"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Status    BatchStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
}
