package domain

import (
	"fmt"
	"strings"
)

// Stage represents one unit of work in the document pipeline
type Stage string

const (
	StageDownloading     Stage = "downloading"
	StageExtracting      Stage = "extracting"
	StageTranscribing    Stage = "transcribing"
	StageExtractingMedia Stage = "extracting_media"
	StageEmbedding       Stage = "embedding"
	StageStoring         Stage = "storing"
	StageCompleted       Stage = "completed"
)

// ContentClass groups content types that share a stage sequence
type ContentClass string

const (
	ContentDocument ContentClass = "document"
	ContentAudio    ContentClass = "audio"
	ContentVideo    ContentClass = "video"
	ContentImage    ContentClass = "image"
)

// StagePlan is the ordered stage sequence for one job. It is determined
// once at job creation from the content type and fixed for the job's
// lifetime; the last entry is always StageCompleted.
type StagePlan []Stage

var stagePlans = map[ContentClass]StagePlan{
	ContentDocument: {StageDownloading, StageExtracting, StageEmbedding, StageStoring, StageCompleted},
	ContentAudio:    {StageDownloading, StageTranscribing, StageEmbedding, StageStoring, StageCompleted},
	ContentVideo:    {StageDownloading, StageExtractingMedia, StageTranscribing, StageEmbedding, StageStoring, StageCompleted},
	ContentImage:    {StageDownloading, StageExtractingMedia, StageEmbedding, StageStoring, StageCompleted},
}

// ContentClassFor maps a MIME content type to its content class
func ContentClassFor(contentType string) (ContentClass, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch {
	case strings.HasPrefix(ct, "audio/"):
		return ContentAudio, nil
	case strings.HasPrefix(ct, "video/"):
		return ContentVideo, nil
	case strings.HasPrefix(ct, "image/"):
		return ContentImage, nil
	case strings.HasPrefix(ct, "text/"),
		ct == "application/pdf",
		ct == "application/msword",
		ct == "application/json",
		strings.HasPrefix(ct, "application/vnd.openxmlformats-officedocument"):
		return ContentDocument, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnsupportedContent, contentType)
}

// StagePlanFor returns the fixed stage sequence for a content type
func StagePlanFor(contentType string) (StagePlan, error) {
	class, err := ContentClassFor(contentType)
	if err != nil {
		return nil, err
	}
	return stagePlans[class], nil
}

// First returns the initial stage of the plan
func (p StagePlan) First() Stage {
	return p[0]
}

// Next returns the stage following current, or false when current is the
// last stage or not part of the plan. Stages only move forward; a stage
// that is not in the plan cannot yield a successor.
func (p StagePlan) Next(current Stage) (Stage, bool) {
	for i, s := range p {
		if s == current {
			if i+1 < len(p) {
				return p[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// Contains reports whether the plan includes the given stage
func (p StagePlan) Contains(stage Stage) bool {
	for _, s := range p {
		if s == stage {
			return true
		}
	}
	return false
}
