package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nmtria/docingest/internal/worker/domain"
)

// NewDownloadStage fetches the uploaded object and writes it to the
// scratch directory for the stages that follow
func NewDownloadStage(fetcher Fetcher, scratchDir string) StageFunc {
	return func(ctx context.Context, job *domain.Job) (*StageResult, error) {
		data, err := fetcher.Fetch(ctx, bucketOf(job), job.FilePath)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, domain.NewValidationError(fmt.Errorf("uploaded object %s is empty", job.FilePath))
		}

		local, err := writeScratchFile(scratchDir, job.ID, data)
		if err != nil {
			return nil, domain.NewTransientError(fmt.Errorf("write scratch file: %w", err))
		}

		return &StageResult{Metadata: map[string]any{
			metaLocalPath: local,
			metaSizeBytes: len(data),
		}}, nil
	}
}

// bucketOf reads the bucket recorded at job creation, falling back to the
// default bucket when the upload event carried none
func bucketOf(job *domain.Job) string {
	meta, err := decodeMetadata(job)
	if err == nil {
		if b, ok := meta["bucket"].(string); ok && b != "" {
			return b
		}
	}
	return "uploads"
}

// NewExtractStage sends the downloaded file to the content-extraction
// service and records the extracted text
func NewExtractStage(client *http.Client, serviceURL string) StageFunc {
	return textServiceStage(client, serviceURL, metaLocalPath)
}

// NewTranscribeStage sends audio (or the media track extracted from
// video) to the transcription service and records the transcript text.
// For video jobs the extracting_media stage runs first and its output
// path takes precedence over the raw download.
func NewTranscribeStage(client *http.Client, serviceURL string) StageFunc {
	return func(ctx context.Context, job *domain.Job) (*StageResult, error) {
		meta, err := decodeMetadata(job)
		if err != nil {
			return nil, err
		}

		input, ferr := stringField(meta, metaMediaPath)
		if ferr != nil {
			if input, err = stringField(meta, metaLocalPath); err != nil {
				return nil, err
			}
		}

		var out struct {
			Text string `json:"text"`
		}
		if err := postJSON(ctx, client, serviceURL, map[string]any{
			"job_id":    job.ID,
			"file_path": input,
		}, &out); err != nil {
			return nil, err
		}
		if out.Text == "" {
			return nil, domain.NewValidationError(fmt.Errorf("no speech recognized in %s", job.FilePath))
		}

		return &StageResult{Metadata: map[string]any{metaText: out.Text}}, nil
	}
}

// NewMediaStage sends a video or image file to the media-extraction
// service. For video it yields the audio track path for transcription;
// for images it yields the recognized text directly.
func NewMediaStage(client *http.Client, serviceURL string) StageFunc {
	return func(ctx context.Context, job *domain.Job) (*StageResult, error) {
		meta, err := decodeMetadata(job)
		if err != nil {
			return nil, err
		}
		local, err := stringField(meta, metaLocalPath)
		if err != nil {
			return nil, err
		}

		var out struct {
			MediaPath string `json:"media_path"`
			Text      string `json:"text"`
		}
		if err := postJSON(ctx, client, serviceURL, map[string]any{
			"job_id":       job.ID,
			"file_path":    local,
			"content_type": job.ContentType,
		}, &out); err != nil {
			return nil, err
		}

		result := make(map[string]any)
		if out.MediaPath != "" {
			result[metaMediaPath] = out.MediaPath
		}
		if out.Text != "" {
			result[metaText] = out.Text
		}
		if len(result) == 0 {
			return nil, domain.NewValidationError(fmt.Errorf("media service produced no usable output for %s", job.FilePath))
		}

		return &StageResult{Metadata: result}, nil
	}
}

// textServiceStage builds a stage that posts a local file path to a text
// producing service and records the returned text
func textServiceStage(client *http.Client, serviceURL, inputKey string) StageFunc {
	return func(ctx context.Context, job *domain.Job) (*StageResult, error) {
		meta, err := decodeMetadata(job)
		if err != nil {
			return nil, err
		}
		input, err := stringField(meta, inputKey)
		if err != nil {
			return nil, err
		}

		var out struct {
			Text string `json:"text"`
		}
		if err := postJSON(ctx, client, serviceURL, map[string]any{
			"job_id":       job.ID,
			"file_path":    input,
			"content_type": job.ContentType,
		}, &out); err != nil {
			return nil, err
		}
		if out.Text == "" {
			return nil, domain.NewValidationError(fmt.Errorf("no text extracted from %s", job.FilePath))
		}

		return &StageResult{Metadata: map[string]any{metaText: out.Text}}, nil
	}
}
