package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/interfaces"
	"github.com/ternarybob/formrunner/internal/jobs"
	"github.com/ternarybob/formrunner/internal/models"
)

// JobHandler exposes the job registry and run records over HTTP.
type JobHandler struct {
	registry *jobs.Registry
	records  interfaces.JobRecordStorage // Optional: nil when badger storage is disabled
	logger   arbor.ILogger
}

func NewJobHandler(registry *jobs.Registry, records interfaces.JobRecordStorage, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		registry: registry,
		records:  records,
		logger:   logger,
	}
}

// ListJobsHandler returns every registered job, optionally filtered by kind
// GET /api/jobs?kind=contacts
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	var states []models.JobState
	if kind := r.URL.Query().Get("kind"); kind != "" {
		states = h.registry.ListByKind(kind)
	} else {
		states = h.registry.ListAll()
	}
	if states == nil {
		states = []models.JobState{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  states,
		"count": len(states),
	})
}

// GetJobHandler returns one job snapshot
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	state, ok := h.registry.Get(jobID)
	if !ok {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	WriteJSON(w, http.StatusOK, state)
}

// PauseJobHandler pauses a job at its next chunk boundary
// POST /api/jobs/{id}/pause
func (h *JobHandler) PauseJobHandler(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "paused", h.registry.Pause)
}

// ResumeJobHandler resumes a paused job
// POST /api/jobs/{id}/resume
func (h *JobHandler) ResumeJobHandler(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "resumed", h.registry.Resume)
}

// StopJobHandler stops a job; the stop is permanent
// POST /api/jobs/{id}/stop
func (h *JobHandler) StopJobHandler(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "stopped", h.registry.Stop)
}

func (h *JobHandler) control(w http.ResponseWriter, r *http.Request, verb string, apply func(context.Context, string) (models.JobState, bool)) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	state, ok := apply(r.Context(), jobID)
	if !ok {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	h.logger.Info().Str("job_id", jobID).Msgf("Job %s via API", verb)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"message": "Job " + verb,
		"job":     state,
	})
}

// DeleteJobHandler clears a job from the registry
// DELETE /api/jobs/{id}
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if !h.registry.Remove(r.Context(), jobID) {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job cleared via API")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"message": "Job cleared",
	})
}

// ListRecordsHandler returns persisted run records, newest first
// GET /api/records?kind=contacts
func (h *JobHandler) ListRecordsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	if h.records == nil {
		WriteError(w, http.StatusServiceUnavailable, "Run records are disabled")
		return
	}

	records, err := h.records.ListRecords(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list run records")
		WriteError(w, http.StatusInternalServerError, "Failed to list run records")
		return
	}
	if records == nil {
		records = []*models.JobRecord{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// GetRecordHandler returns the run record of one job
// GET /api/records/{id}
func (h *JobHandler) GetRecordHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	if h.records == nil {
		WriteError(w, http.StatusServiceUnavailable, "Run records are disabled")
		return
	}

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	record, err := h.records.GetRecord(r.Context(), jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "Record not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to get run record")
		WriteError(w, http.StatusInternalServerError, "Failed to get run record")
		return
	}
	WriteJSON(w, http.StatusOK, record)
}

// DeleteRecordHandler removes the run record of one job. The job itself, if
// still registered, is untouched.
// DELETE /api/records/{id}
func (h *JobHandler) DeleteRecordHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}
	if h.records == nil {
		WriteError(w, http.StatusServiceUnavailable, "Run records are disabled")
		return
	}

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	err := h.records.DeleteRecord(r.Context(), jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "Record not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to delete run record")
		WriteError(w, http.StatusInternalServerError, "Failed to delete run record")
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Run record deleted via API")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"message": "Record deleted",
	})
}
