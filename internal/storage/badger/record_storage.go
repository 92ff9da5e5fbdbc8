package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/interfaces"
	"github.com/ternarybob/formrunner/internal/jobs"
	"github.com/ternarybob/formrunner/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// RecordStorage implements the JobRecordStorage interface for Badger
type RecordStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRecordStorage creates a new RecordStorage instance
func NewRecordStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobRecordStorage {
	return &RecordStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RecordStorage) SaveRecord(ctx context.Context, record *models.JobRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("%w: record ID is required", jobs.ErrValidation)
	}

	if err := s.db.Store().Upsert(record.ID, record); err != nil {
		return fmt.Errorf("failed to save job record: %w", err)
	}
	return nil
}

func (s *RecordStorage) GetRecord(ctx context.Context, id string) (*models.JobRecord, error) {
	var record models.JobRecord
	if err := s.db.Store().Get(id, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: record %s", jobs.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}
	return &record, nil
}

// ListRecords returns records newest first, filtered by kind when kind is non-empty
func (s *RecordStorage) ListRecords(ctx context.Context, kind string) ([]*models.JobRecord, error) {
	query := badgerhold.Where("ID").Ne("")
	if kind != "" {
		query = badgerhold.Where("Kind").Eq(kind).Index("Kind")
	}
	query = query.SortBy("StartedAt").Reverse()

	var records []models.JobRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list job records: %w", err)
	}

	result := make([]*models.JobRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	return result, nil
}

func (s *RecordStorage) DeleteRecord(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.JobRecord{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("%w: record %s", jobs.ErrNotFound, id)
		}
		return fmt.Errorf("failed to delete job record: %w", err)
	}
	return nil
}

func (s *RecordStorage) Close() error {
	return s.db.Close()
}
