package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewCommandID generates a short correlation id for commands that arrive without one
func NewCommandID() string {
	return "cmd_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
