package interfaces

import (
	"context"

	"github.com/ternarybob/formrunner/internal/models"
)

// JobRecordStorage persists the audit trail of executor runs (start/end
// timestamps and outcome). Live job state never goes through it.
type JobRecordStorage interface {
	SaveRecord(ctx context.Context, record *models.JobRecord) error
	GetRecord(ctx context.Context, id string) (*models.JobRecord, error)
	ListRecords(ctx context.Context, kind string) ([]*models.JobRecord, error)
	DeleteRecord(ctx context.Context, id string) error
	Close() error
}
