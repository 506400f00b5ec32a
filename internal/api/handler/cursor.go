package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nmtria/docingest/internal/api/storage"
)

// Cursors encode the (created_at, id) keyset position as
// base64("<unix-nanos>:<job-id>") so clients can treat them as opaque.

func DecodeJobCursor(cursorStr string) (*storage.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	nanos, jobID, ok := strings.Cut(string(decoded), ":")
	if !ok || jobID == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	createdAt, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor timestamp: %w", err)
	}

	return &storage.JobCursor{
		CreatedAt: time.Unix(0, createdAt),
		JobID:     jobID,
	}, nil
}

func EncodeJobCursor(cursor *storage.JobCursor) string {
	raw := strconv.FormatInt(cursor.CreatedAt.UnixNano(), 10) + ":" + cursor.JobID
	return base64.URLEncoding.EncodeToString([]byte(raw))
}
