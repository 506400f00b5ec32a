package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nmtria/docingest/internal/api/domain"
	"github.com/nmtria/docingest/internal/api/model"
	"github.com/nmtria/docingest/shared/postgresql"
)

// Storage is the API's read-side view over the processing_jobs table
type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

const jobViewColumns = `
	id, file_path, owner_id, organization_id, content_type,
	status, stage, retry_count, error_message,
	created_at, updated_at, started_at, completed_at
`

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.JobView, error) {
	var job model.JobView
	query := `SELECT ` + jobViewColumns + ` FROM processing_jobs WHERE id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

type JobFilter struct {
	OwnerID  string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 jobs matching the filter, newest
// first. The extra row lets the caller detect whether more pages exist.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.JobView, error) {
	query := `SELECT ` + jobViewColumns + ` FROM processing_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Keyset pagination keeps page boundaries stable while workers
	// mutate job rows.
	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []model.JobView
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
