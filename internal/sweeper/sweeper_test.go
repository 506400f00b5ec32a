package sweeper

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmtria/docingest/internal/worker/domain"
)

type fakeStore struct {
	stuck       []domain.Job
	findErr     error
	claimResult map[string]bool
	claimed     []string
	increments  []string
	exhausted   []string
}

func (s *fakeStore) FindStuck(_ context.Context, _ time.Time, statuses []domain.Status, _ int) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range s.stuck {
		for _, st := range statuses {
			if j.Status == st {
				out = append(out, j)
				break
			}
		}
	}
	return out, s.findErr
}

func (s *fakeStore) ClaimForRetry(_ context.Context, jobID string, _ domain.Status, _ time.Time) (bool, error) {
	s.claimed = append(s.claimed, jobID)
	if s.claimResult != nil {
		return s.claimResult[jobID], nil
	}
	return true, nil
}

func (s *fakeStore) IncrementRetry(_ context.Context, jobID string) (int, error) {
	s.increments = append(s.increments, jobID)
	for i := range s.stuck {
		if s.stuck[i].ID == jobID {
			s.stuck[i].RetryCount++
			return s.stuck[i].RetryCount, nil
		}
	}
	return 0, domain.ErrJobNotFound
}

func (s *fakeStore) MarkExhausted(_ context.Context, jobID, _ string) (bool, error) {
	s.exhausted = append(s.exhausted, jobID)
	for i := range s.stuck {
		if s.stuck[i].ID == jobID {
			s.stuck[i].Status = domain.StatusRetryExhausted
		}
	}
	return true, nil
}

type fakePublisher struct {
	published [][]byte
	err       error
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, body)
	return nil
}

func newTestSweeper(store Store, pub Publisher) *Sweeper {
	return New(&Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:      store,
		Publisher:  pub,
		MaxRetries: 3,
	})
}

func stuckJob(id string, retryCount int) domain.Job {
	return domain.Job{
		ID:         id,
		FilePath:   "uploads/" + id + ".pdf",
		Status:     domain.StatusRetryPending,
		RetryCount: retryCount,
		UpdatedAt:  time.Now().Add(-time.Hour),
	}
}

func TestSweepOnce_RequeuesStuckJobs(t *testing.T) {
	store := &fakeStore{stuck: []domain.Job{stuckJob("job-1", 0), stuckJob("job-2", 1)}}
	pub := &fakePublisher{}
	s := newTestSweeper(store, pub)

	err := s.sweepOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"job-1", "job-2"}, store.claimed)
	assert.Equal(t, []string{"job-1", "job-2"}, store.increments)
	require.Len(t, pub.published, 2)

	var msg domain.TaskMessage
	require.NoError(t, json.Unmarshal(pub.published[0], &msg))
	assert.Equal(t, "job-1", msg.JobID)
	assert.Equal(t, "uploads/job-1.pdf", msg.FilePath)
	assert.Equal(t, "job.requeued", msg.EventType)
	assert.Equal(t, "uploads", msg.Bucket)
}

func TestSweepOnce_ExhaustsJobsPastRetryBudget(t *testing.T) {
	store := &fakeStore{stuck: []domain.Job{stuckJob("job-done", 3)}}
	pub := &fakePublisher{}
	s := newTestSweeper(store, pub)

	err := s.sweepOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"job-done"}, store.exhausted)
	assert.Empty(t, store.claimed)
	assert.Empty(t, pub.published)
}

func TestSweepOnce_RequeuesSpendRetryBudget(t *testing.T) {
	store := &fakeStore{stuck: []domain.Job{stuckJob("job-lossy", 1)}}
	pub := &fakePublisher{}
	s := newTestSweeper(store, pub)

	// The job's message keeps getting lost, so every pass finds it
	// stuck again. Each requeue must consume a retry until the budget
	// runs out; after that the job is exhausted, not republished.
	for i := 0; i < 5; i++ {
		require.NoError(t, s.sweepOnce(context.Background()))
	}

	assert.Len(t, pub.published, 2, "requeues past max_retries must stop")
	assert.Equal(t, []string{"job-lossy"}, store.exhausted)
}

func TestSweepOnce_SkipsLostClaims(t *testing.T) {
	store := &fakeStore{
		stuck:       []domain.Job{stuckJob("job-raced", 0)},
		claimResult: map[string]bool{"job-raced": false},
	}
	pub := &fakePublisher{}
	s := newTestSweeper(store, pub)

	err := s.sweepOnce(context.Background())

	require.NoError(t, err)
	assert.Empty(t, pub.published, "unclaimed job must not be requeued")
	assert.Empty(t, store.increments, "a lost claim must not spend a retry")
}

func TestSweepOnce_UsesBucketFromMetadata(t *testing.T) {
	job := stuckJob("job-bucket", 0)
	job.Metadata = []byte(`{"bucket":"archives"}`)
	store := &fakeStore{stuck: []domain.Job{job}}
	pub := &fakePublisher{}
	s := newTestSweeper(store, pub)

	require.NoError(t, s.sweepOnce(context.Background()))
	require.Len(t, pub.published, 1)

	var msg domain.TaskMessage
	require.NoError(t, json.Unmarshal(pub.published[0], &msg))
	assert.Equal(t, "archives", msg.Bucket)
}

func TestSweepOnce_NoStuckJobs(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	s := newTestSweeper(store, pub)

	assert.NoError(t, s.sweepOnce(context.Background()))
	assert.Empty(t, pub.published)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	s := newTestSweeper(&fakeStore{}, &fakePublisher{})
	s.interval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
