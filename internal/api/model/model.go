package model

import (
	"database/sql"
	"time"
)

// JobView is the read-side projection of a processing job served by the
// API
type JobView struct {
	JobID          string         `db:"id"`
	FilePath       string         `db:"file_path"`
	OwnerID        string         `db:"owner_id"`
	OrganizationID sql.NullString `db:"organization_id"`
	ContentType    string         `db:"content_type"`
	Status         string         `db:"status"`
	Stage          string         `db:"stage"`
	RetryCount     int            `db:"retry_count"`
	ErrorMessage   sql.NullString `db:"error_message"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
}
