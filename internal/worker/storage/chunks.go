package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/nmtria/docingest/internal/pipeline"
)

// SaveChunks persists embedded chunks for a job. Inserts are keyed by
// (job_id, seq) and conflict-ignored, so a redelivered message that
// re-runs the embedding stage cannot create duplicate chunks.
func (s *Storage) SaveChunks(ctx context.Context, jobID string, chunks []pipeline.Chunk) error {
	query := `
		INSERT INTO document_chunks (job_id, seq, content, embedding, indexed, created_at)
		VALUES ($1, $2, $3, $4, FALSE, NOW())
		ON CONFLICT (job_id, seq) DO NOTHING
	`

	for _, c := range chunks {
		if _, err := s.db.ExecContext(ctx, query, jobID, c.Seq, c.Text, pq.Array(c.Embedding)); err != nil {
			return fmt.Errorf("failed to save chunk %d: %w", c.Seq, err)
		}
	}

	s.logger.Debug("Chunks saved",
		slog.String("job_id", jobID),
		slog.Int("chunk_count", len(chunks)),
	)

	return nil
}

// FinalizeChunks marks a job's chunks searchable and returns how many
// chunks the job has. Re-finalizing an already finalized job is a no-op
// that reports the same count.
func (s *Storage) FinalizeChunks(ctx context.Context, jobID string) (int, error) {
	query := `
		UPDATE document_chunks
		SET indexed = TRUE
		WHERE job_id = $1
	`

	result, err := s.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to finalize chunks: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}
