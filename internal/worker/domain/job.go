package domain

import (
	"database/sql"
	"time"
)

// Job is one processing job: a single (file, processing attempt lineage).
// The jobs table is the source of truth for status/stage/retry state.
// Terminal jobs are retained for audit, never deleted.
type Job struct {
	ID             string         `db:"id"`
	FilePath       string         `db:"file_path"`
	OwnerID        string         `db:"owner_id"`
	OrganizationID sql.NullString `db:"organization_id"`
	ContentType    string         `db:"content_type"`
	Status         Status         `db:"status"`
	Stage          Stage          `db:"stage"`
	RetryCount     int            `db:"retry_count"`
	ErrorMessage   sql.NullString `db:"error_message"`
	Metadata       []byte         `db:"metadata"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
}

// TaskMessage is the queue message payload referencing a processing job
// plus the triggering upload event. It exists only transiently inside the
// queue; DeliveryTag is the broker's delivery token for ack/nack.
type TaskMessage struct {
	JobID     string `json:"job_id"`
	Bucket    string `json:"bucket"`
	FilePath  string `json:"file_path"`
	EventType string `json:"event_type"`

	DeliveryTag   uint64 `json:"-"`
	DeliveryCount int64  `json:"-"`
}

// DeadLetterRecord captures a message that exhausted queue-level delivery
// attempts, retained for operator triage
type DeadLetterRecord struct {
	ID            string         `db:"id"`
	JobID         sql.NullString `db:"job_id"`
	Payload       []byte         `db:"payload"`
	FailureCount  int64          `db:"failure_count"`
	Reason        sql.NullString `db:"reason"`
	FirstFailedAt sql.NullTime   `db:"first_failed_at"`
	LastFailedAt  sql.NullTime   `db:"last_failed_at"`
	CreatedAt     time.Time      `db:"created_at"`
}
