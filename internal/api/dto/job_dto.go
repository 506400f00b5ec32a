package dto

// UploadRequest is the body of POST /api/v1/uploads, mirroring the
// storage event emitted when an object lands in the upload bucket
type UploadRequest struct {
	Bucket         string `json:"bucket"`
	FilePath       string `json:"file_path" binding:"required"`
	OwnerID        string `json:"owner_id" binding:"required"`
	OrganizationID string `json:"organization_id"`
	ContentType    string `json:"content_type" binding:"required"`
	EventType      string `json:"event_type"`
}

// UploadResponse acknowledges an accepted upload event
type UploadResponse struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	Stage        string `json:"stage"`
	Deduplicated bool   `json:"deduplicated"`
}

type ListJobsRequest struct {
	OwnerID  string `form:"owner_id"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID        string `json:"job_id"`
	FilePath     string `json:"file_path"`
	OwnerID      string `json:"owner_id"`
	ContentType  string `json:"content_type"`
	Status       string `json:"status"`
	Stage        string `json:"stage"`
	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	StartedAt    string `json:"started_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
}
