package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/nmtria/docingest/internal/worker/domain"
)

// postJSON sends a JSON request to one of the downstream content
// services and decodes the JSON response into out. Status codes map onto
// the error taxonomy: 4xx means the input can never succeed (validation),
// everything else that goes wrong is transient.
func postJSON(ctx context.Context, client *http.Client, url string, body any, out any) error {
	bs, err := json.Marshal(body)
	if err != nil {
		return domain.NewValidationError(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		return domain.NewValidationError(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return domain.NewTransientError(fmt.Errorf("call %s: %w", url, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewTransientError(fmt.Errorf("read response from %s: %w", url, err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fallthrough to decode
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return domain.NewValidationError(fmt.Errorf("%s rejected request: status %d: %s", url, resp.StatusCode, trim(raw)))
	default:
		return domain.NewTransientError(fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, trim(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.NewTransientError(fmt.Errorf("decode response from %s: %w", url, err))
	}
	return nil
}

func trim(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

// Fetcher downloads the raw uploaded object from storage
type Fetcher interface {
	Fetch(ctx context.Context, bucket, path string) ([]byte, error)
}

// HTTPFetcher fetches objects from an HTTP-fronted object store
type HTTPFetcher struct {
	Client  *http.Client
	BaseURL string
}

// Fetch downloads bucket/path. A 404 is a validation failure: the upload
// event references an object that no longer exists.
func (f *HTTPFetcher) Fetch(ctx context.Context, bucket, path string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s/%s", f.BaseURL, bucket, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.NewValidationError(fmt.Errorf("build request: %w", err))
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, domain.NewTransientError(fmt.Errorf("fetch %s: %w", url, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.NewValidationError(errors.New("object not found in storage"))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, domain.NewValidationError(fmt.Errorf("storage rejected fetch: status %d", resp.StatusCode))
	default:
		return nil, domain.NewTransientError(fmt.Errorf("storage returned status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewTransientError(fmt.Errorf("read object body: %w", err))
	}
	return data, nil
}

// writeScratchFile persists downloaded bytes for later stages
func writeScratchFile(dir, jobID string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := fmt.Sprintf("%s/%s", dir, jobID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
