package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmtria/docingest/internal/worker/domain"
)

type fakeFetcher struct {
	data    []byte
	err     error
	buckets []string
}

func (f *fakeFetcher) Fetch(_ context.Context, bucket, _ string) ([]byte, error) {
	f.buckets = append(f.buckets, bucket)
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func testJob(meta map[string]any) *domain.Job {
	job := &domain.Job{
		ID:          "11111111-2222-3333-4444-555555555555",
		FilePath:    "reports/q3.pdf",
		OwnerID:     "owner-1",
		ContentType: "application/pdf",
		Status:      domain.StatusProcessing,
		Stage:       domain.StageDownloading,
	}
	if meta != nil {
		raw, _ := json.Marshal(meta)
		job.Metadata = raw
	}
	return job
}

func TestDownloadStage(t *testing.T) {
	t.Run("writes scratch file and records path", func(t *testing.T) {
		dir := t.TempDir()
		fetcher := &fakeFetcher{data: []byte("pdf bytes")}
		stage := NewDownloadStage(fetcher, dir)

		res, err := stage(context.Background(), testJob(nil))
		require.NoError(t, err)

		local := res.Metadata[metaLocalPath].(string)
		assert.Equal(t, filepath.Join(dir, "11111111-2222-3333-4444-555555555555"), filepath.Clean(local))
		assert.Equal(t, 9, res.Metadata[metaSizeBytes])

		data, err := os.ReadFile(local)
		require.NoError(t, err)
		assert.Equal(t, "pdf bytes", string(data))
	})

	t.Run("uses bucket recorded at job creation", func(t *testing.T) {
		fetcher := &fakeFetcher{data: []byte("x")}
		stage := NewDownloadStage(fetcher, t.TempDir())

		_, err := stage(context.Background(), testJob(map[string]any{"bucket": "archive"}))
		require.NoError(t, err)
		assert.Equal(t, []string{"archive"}, fetcher.buckets)
	})

	t.Run("falls back to default bucket", func(t *testing.T) {
		fetcher := &fakeFetcher{data: []byte("x")}
		stage := NewDownloadStage(fetcher, t.TempDir())

		_, err := stage(context.Background(), testJob(nil))
		require.NoError(t, err)
		assert.Equal(t, []string{"uploads"}, fetcher.buckets)
	})

	t.Run("empty object is not retryable", func(t *testing.T) {
		stage := NewDownloadStage(&fakeFetcher{data: nil}, t.TempDir())

		_, err := stage(context.Background(), testJob(nil))
		require.Error(t, err)
		assert.False(t, domain.IsRetryable(err))
	})

	t.Run("fetch errors pass through", func(t *testing.T) {
		fetchErr := domain.NewTransientError(errors.New("storage unreachable"))
		stage := NewDownloadStage(&fakeFetcher{err: fetchErr}, t.TempDir())

		_, err := stage(context.Background(), testJob(nil))
		require.Error(t, err)
		assert.True(t, domain.IsRetryable(err))
	})
}

func textService(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExtractStage(t *testing.T) {
	meta := map[string]any{metaLocalPath: "/tmp/scratch/job"}

	t.Run("records extracted text", func(t *testing.T) {
		srv := textService(t, http.StatusOK, `{"text":"hello world"}`)
		stage := NewExtractStage(srv.Client(), srv.URL)

		res, err := stage(context.Background(), testJob(meta))
		require.NoError(t, err)
		assert.Equal(t, "hello world", res.Metadata[metaText])
	})

	t.Run("empty extraction is not retryable", func(t *testing.T) {
		srv := textService(t, http.StatusOK, `{"text":""}`)
		stage := NewExtractStage(srv.Client(), srv.URL)

		_, err := stage(context.Background(), testJob(meta))
		require.Error(t, err)
		assert.False(t, domain.IsRetryable(err))
	})

	t.Run("missing local path is not retryable", func(t *testing.T) {
		srv := textService(t, http.StatusOK, `{"text":"x"}`)
		stage := NewExtractStage(srv.Client(), srv.URL)

		_, err := stage(context.Background(), testJob(nil))
		require.Error(t, err)
		assert.False(t, domain.IsRetryable(err))
	})

	t.Run("client errors are not retryable", func(t *testing.T) {
		srv := textService(t, http.StatusUnprocessableEntity, `cannot parse file`)
		stage := NewExtractStage(srv.Client(), srv.URL)

		_, err := stage(context.Background(), testJob(meta))
		require.Error(t, err)
		assert.False(t, domain.IsRetryable(err))
	})

	t.Run("server errors are retryable", func(t *testing.T) {
		srv := textService(t, http.StatusBadGateway, `upstream down`)
		stage := NewExtractStage(srv.Client(), srv.URL)

		_, err := stage(context.Background(), testJob(meta))
		require.Error(t, err)
		assert.True(t, domain.IsRetryable(err))
	})
}

func TestTranscribeStage(t *testing.T) {
	t.Run("prefers extracted media track over raw download", func(t *testing.T) {
		var gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			gotPath = req["file_path"].(string)
			io.WriteString(w, `{"text":"transcript"}`)
		}))
		t.Cleanup(srv.Close)

		stage := NewTranscribeStage(srv.Client(), srv.URL)
		res, err := stage(context.Background(), testJob(map[string]any{
			metaLocalPath: "/scratch/video",
			metaMediaPath: "/scratch/audio-track",
		}))
		require.NoError(t, err)
		assert.Equal(t, "/scratch/audio-track", gotPath)
		assert.Equal(t, "transcript", res.Metadata[metaText])
	})

	t.Run("audio jobs transcribe the download directly", func(t *testing.T) {
		var gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			gotPath = req["file_path"].(string)
			io.WriteString(w, `{"text":"transcript"}`)
		}))
		t.Cleanup(srv.Close)

		stage := NewTranscribeStage(srv.Client(), srv.URL)
		_, err := stage(context.Background(), testJob(map[string]any{metaLocalPath: "/scratch/audio"}))
		require.NoError(t, err)
		assert.Equal(t, "/scratch/audio", gotPath)
	})

	t.Run("silent audio is not retryable", func(t *testing.T) {
		srv := textService(t, http.StatusOK, `{"text":""}`)
		stage := NewTranscribeStage(srv.Client(), srv.URL)

		_, err := stage(context.Background(), testJob(map[string]any{metaLocalPath: "/scratch/audio"}))
		require.Error(t, err)
		assert.False(t, domain.IsRetryable(err))
	})
}

func TestMediaStage(t *testing.T) {
	meta := map[string]any{metaLocalPath: "/scratch/clip"}

	t.Run("video yields media track path", func(t *testing.T) {
		srv := textService(t, http.StatusOK, `{"media_path":"/scratch/clip-audio"}`)
		stage := NewMediaStage(srv.Client(), srv.URL)

		res, err := stage(context.Background(), testJob(meta))
		require.NoError(t, err)
		assert.Equal(t, "/scratch/clip-audio", res.Metadata[metaMediaPath])
		assert.NotContains(t, res.Metadata, metaText)
	})

	t.Run("image yields recognized text", func(t *testing.T) {
		srv := textService(t, http.StatusOK, `{"text":"scanned page"}`)
		stage := NewMediaStage(srv.Client(), srv.URL)

		res, err := stage(context.Background(), testJob(meta))
		require.NoError(t, err)
		assert.Equal(t, "scanned page", res.Metadata[metaText])
	})

	t.Run("no usable output is not retryable", func(t *testing.T) {
		srv := textService(t, http.StatusOK, `{}`)
		stage := NewMediaStage(srv.Client(), srv.URL)

		_, err := stage(context.Background(), testJob(meta))
		require.Error(t, err)
		assert.False(t, domain.IsRetryable(err))
	})
}

func TestHTTPFetcher(t *testing.T) {
	t.Run("downloads object body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/uploads/reports/q3.pdf", r.URL.Path)
			io.WriteString(w, "object bytes")
		}))
		t.Cleanup(srv.Close)

		fetcher := &HTTPFetcher{Client: srv.Client(), BaseURL: srv.URL}
		data, err := fetcher.Fetch(context.Background(), "uploads", "reports/q3.pdf")
		require.NoError(t, err)
		assert.Equal(t, "object bytes", string(data))
	})

	t.Run("missing object is not retryable", func(t *testing.T) {
		srv := textService(t, http.StatusNotFound, "")
		fetcher := &HTTPFetcher{Client: srv.Client(), BaseURL: srv.URL}

		_, err := fetcher.Fetch(context.Background(), "uploads", "gone.pdf")
		require.Error(t, err)
		assert.False(t, domain.IsRetryable(err))
	})

	t.Run("storage outage is retryable", func(t *testing.T) {
		srv := textService(t, http.StatusServiceUnavailable, "")
		fetcher := &HTTPFetcher{Client: srv.Client(), BaseURL: srv.URL}

		_, err := fetcher.Fetch(context.Background(), "uploads", "reports/q3.pdf")
		require.Error(t, err)
		assert.True(t, domain.IsRetryable(err))
	})
}

func TestRunner(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("dispatches to the registered stage", func(t *testing.T) {
		runner := NewRunner(logger)
		runner.Register(domain.StageExtracting, func(context.Context, *domain.Job) (*StageResult, error) {
			return &StageResult{Metadata: map[string]any{metaText: "t"}}, nil
		})

		res, err := runner.Execute(context.Background(), testJob(nil), domain.StageExtracting)
		require.NoError(t, err)
		assert.Equal(t, "t", res.Metadata[metaText])
	})

	t.Run("unregistered stage is not retryable", func(t *testing.T) {
		runner := NewRunner(logger)

		_, err := runner.Execute(context.Background(), testJob(nil), domain.StageTranscribing)
		require.Error(t, err)
		assert.False(t, domain.IsRetryable(err))
	})

	t.Run("nil stage result becomes an empty result", func(t *testing.T) {
		runner := NewRunner(logger)
		runner.Register(domain.StageStoring, func(context.Context, *domain.Job) (*StageResult, error) {
			return nil, nil
		})

		res, err := runner.Execute(context.Background(), testJob(nil), domain.StageStoring)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.False(t, res.Partial)
	})
}
