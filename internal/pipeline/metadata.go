package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/nmtria/docingest/internal/worker/domain"
)

// Metadata keys written and read by the built-in stage implementations.
// The metadata bag is stage-specific and opaque to the worker core.
const (
	metaLocalPath    = "local_path"
	metaMediaPath    = "media_path"
	metaText         = "text"
	metaSizeBytes    = "size_bytes"
	metaChunkCount   = "chunk_count"
	metaChunksStored = "chunks_stored"
	metaEmbeddingDim = "embedding_dim"
)

// decodeMetadata parses the job's metadata bag. A missing or empty bag
// yields an empty map.
func decodeMetadata(job *domain.Job) (map[string]any, error) {
	meta := make(map[string]any)
	if len(job.Metadata) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(job.Metadata, &meta); err != nil {
		return nil, domain.NewValidationError(fmt.Errorf("corrupt job metadata: %w", err))
	}
	return meta, nil
}

// stringField reads a required string value from the metadata bag. An
// absent field means an earlier stage did not run or did not produce its
// output, which redelivery cannot fix.
func stringField(meta map[string]any, key string) (string, error) {
	v, ok := meta[key]
	if !ok {
		return "", domain.NewValidationError(fmt.Errorf("metadata field %q missing", key))
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", domain.NewValidationError(fmt.Errorf("metadata field %q is empty or not a string", key))
	}
	return s, nil
}

// intField reads a numeric metadata value, tolerating the float64 that
// encoding/json produces for numbers
func intField(meta map[string]any, key string) (int, bool) {
	switch v := meta[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
