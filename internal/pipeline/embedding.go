package pipeline

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/nmtria/docingest/internal/worker/domain"
)

// Chunk is one embedded slice of a document's text
type Chunk struct {
	Seq       int
	Text      string
	Embedding []float32
}

// ChunkStore persists embedded chunks. SaveChunks must be idempotent per
// (job, seq) so a redelivered message cannot create duplicate artifacts;
// FinalizeChunks marks the job's chunks searchable and returns how many
// it finalized.
type ChunkStore interface {
	SaveChunks(ctx context.Context, jobID string, chunks []Chunk) error
	FinalizeChunks(ctx context.Context, jobID string) (int, error)
}

// EmbedderConfig configures the embedding client and text splitting
type EmbedderConfig struct {
	BaseURL      string
	APIToken     string
	Model        string
	ChunkSize    int
	ChunkOverlap int
}

// NewEmbedder creates an embeddings client against an OpenAI-compatible
// endpoint. A "none" token is accepted by local services that do not
// require authentication.
func NewEmbedder(cfg EmbedderConfig) (embeddings.Embedder, error) {
	token := cfg.APIToken
	if token == "" {
		token = "none"
	}

	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}

	return embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
}

// NewEmbedStage splits the extracted text into chunks, embeds them, and
// writes the embedded chunks to the chunk store. Embedding API failures
// are transient; an empty extraction result is not.
func NewEmbedStage(embedder embeddings.Embedder, store ChunkStore, cfg EmbedderConfig) StageFunc {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	overlap := cfg.ChunkOverlap
	if overlap < 0 {
		overlap = 0
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(overlap),
	)

	return func(ctx context.Context, job *domain.Job) (*StageResult, error) {
		meta, err := decodeMetadata(job)
		if err != nil {
			return nil, err
		}
		text, err := stringField(meta, metaText)
		if err != nil {
			return nil, err
		}

		pieces, err := splitter.SplitText(text)
		if err != nil {
			return nil, domain.NewValidationError(fmt.Errorf("split text: %w", err))
		}
		if len(pieces) == 0 {
			return nil, domain.NewValidationError(fmt.Errorf("document %s produced no text chunks", job.FilePath))
		}

		vectors, err := embedder.EmbedDocuments(ctx, pieces)
		if err != nil {
			return nil, domain.NewTransientError(fmt.Errorf("embed %d chunks: %w", len(pieces), err))
		}
		if len(vectors) != len(pieces) {
			return nil, domain.NewTransientError(fmt.Errorf("embedding service returned %d vectors for %d chunks", len(vectors), len(pieces)))
		}

		chunks := make([]Chunk, len(pieces))
		for i, p := range pieces {
			chunks[i] = Chunk{Seq: i, Text: p, Embedding: vectors[i]}
		}

		if err := store.SaveChunks(ctx, job.ID, chunks); err != nil {
			return nil, domain.NewTransientError(fmt.Errorf("save chunks: %w", err))
		}

		dim := 0
		if len(vectors) > 0 {
			dim = len(vectors[0])
		}

		return &StageResult{Metadata: map[string]any{
			metaChunkCount:   len(chunks),
			metaEmbeddingDim: dim,
		}}, nil
	}
}

// NewStoreStage finalizes the persisted chunks. If fewer chunks were
// finalized than the embedding stage produced, the job surfaces as
// partially processed rather than failed.
func NewStoreStage(store ChunkStore) StageFunc {
	return func(ctx context.Context, job *domain.Job) (*StageResult, error) {
		meta, err := decodeMetadata(job)
		if err != nil {
			return nil, err
		}

		expected, ok := intField(meta, metaChunkCount)
		if !ok || expected <= 0 {
			return nil, domain.NewValidationError(fmt.Errorf("embedding stage recorded no chunk count for job %s", job.ID))
		}

		stored, err := store.FinalizeChunks(ctx, job.ID)
		if err != nil {
			return nil, domain.NewTransientError(fmt.Errorf("finalize chunks: %w", err))
		}

		return &StageResult{
			Metadata: map[string]any{metaChunksStored: stored},
			Partial:  stored < expected,
		}, nil
	}
}
