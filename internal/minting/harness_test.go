package minting_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/groeimetai/certminter/internal/domain"
	"github.com/groeimetai/certminter/internal/mintclient/fake"
	"github.com/groeimetai/certminter/internal/minting"
	"github.com/groeimetai/certminter/internal/minting/memory"
	"github.com/groeimetai/certminter/internal/ratelimit"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	clock     *testClock
	repo      *memory.Repository
	queue     *minting.Queue
	client    *fake.Client
	limiter   *ratelimit.Limiter
	scheduler *minting.Scheduler
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	queue     minting.QueueConfig
	scheduler minting.SchedulerConfig
	limit     ratelimit.Config
}

func withMaxAttempts(n int) harnessOption {
	return func(c *harnessConfig) { c.queue.MaxAttempts = n }
}

func withBatchSize(n int) harnessOption {
	return func(c *harnessConfig) { c.scheduler.BatchSize = n }
}

func withAttemptLimit(n int) harnessOption {
	return func(c *harnessConfig) { c.limit.MaxAttempts = n }
}

func withStaleAfter(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.scheduler.StaleAfter = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{
		queue: minting.QueueConfig{
			MaxAttempts:       5,
			InitialBackoff:    time.Second,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
		},
		scheduler: minting.SchedulerConfig{
			BatchSize:   10,
			Schedule:    "@every 1h",
			MintTimeout: time.Minute,
		},
		limit: ratelimit.Config{MaxAttempts: 100, Window: time.Hour},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := &testClock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	repo := memory.NewRepository().WithClock(clock.Now)
	queue := minting.NewQueue(cfg.queue, repo).WithClock(clock.Now)
	client := fake.New()

	limiter, err := ratelimit.New(cfg.limit, ratelimit.NewMemoryStore(), ratelimit.WithClock(clock.Now))
	require.NoError(t, err)

	return &harness{
		clock:     clock,
		repo:      repo,
		queue:     queue,
		client:    client,
		limiter:   limiter,
		scheduler: minting.NewScheduler(cfg.scheduler, queue, client, limiter),
	}
}

func mintData(n int) domain.MintData {
	return domain.MintData{
		StudentAddress:    fmt.Sprintf("0x%040x", n+1),
		StudentName:       fmt.Sprintf("Student %d", n),
		CourseID:          "course-go",
		CourseName:        "Practical Go",
		InstructorName:    "Instructor",
		CompletionDate:    time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		CertificateNumber: fmt.Sprintf("CERT-%04d", n),
	}
}

func (h *harness) enqueue(t *testing.T, certID string, n, priority int) *minting.QueueItem {
	t.Helper()
	item, created, err := h.queue.Enqueue(context.Background(), minting.EnqueueRequest{
		CertificateID: certID,
		UserID:        "user-" + certID,
		CourseID:      "course-go",
		MintData:      mintData(n),
		Priority:      priority,
	})
	require.NoError(t, err)
	require.True(t, created)
	return item
}

func (h *harness) item(t *testing.T, id string) *minting.QueueItem {
	t.Helper()
	item, err := h.queue.GetQueueItem(context.Background(), id)
	require.NoError(t, err)
	return item
}

func (h *harness) process(t *testing.T) *minting.RunReport {
	t.Helper()
	report, err := h.scheduler.ProcessQueue(context.Background())
	require.NoError(t, err)
	return report
}
