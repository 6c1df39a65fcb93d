package minting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// QueueConfig contains queue configuration.
type QueueConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultQueueConfig returns default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxAttempts:       DefaultMaxAttempts,
		InitialBackoff:    30 * time.Second,
		MaxBackoff:        30 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Outcome is the result of one processing attempt.
type Outcome struct {
	Result *MintResult
	Err    error
	// Reconciled marks a success found on chain without a new mint call.
	Reconciled bool
}

// Queue provides the minting queue operations.
type Queue struct {
	config    QueueConfig
	repo      Repository
	listeners []CompletionListener
	now       func() time.Time
}

// NewQueue creates a new minting queue.
func NewQueue(config QueueConfig, repo Repository) *Queue {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		config: config,
		repo:   repo,
		now:    time.Now,
	}
}

// AddListener registers a completion listener.
func (q *Queue) AddListener(l CompletionListener) {
	q.listeners = append(q.listeners, l)
}

// Enqueue creates a pending item for a certificate. If the certificate already
// has a pending or processing item, that item is returned and created is false.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*QueueItem, bool, error) {
	if req.CertificateID == "" {
		return nil, false, fmt.Errorf("%w: certificate id is required", ErrInvalidQueueItem)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.config.MaxAttempts
	}

	now := q.now()
	item := &QueueItem{
		CertificateID: req.CertificateID,
		UserID:        req.UserID,
		CourseID:      req.CourseID,
		MintData:      req.MintData,
		Status:        QueueStatusPending,
		MaxAttempts:   maxAttempts,
		Priority:      req.Priority,
		NotBefore:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	created, err := q.repo.Enqueue(ctx, item)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue: %w", err)
	}

	if created {
		slog.Info("certificate queued for minting",
			"item_id", item.ID,
			"certificate_id", item.CertificateID,
			"priority", item.Priority,
		)
	} else {
		slog.Debug("certificate already queued",
			"item_id", item.ID,
			"certificate_id", item.CertificateID,
			"status", item.Status,
		)
	}

	return item, created, nil
}

// ClaimBatch moves up to limit eligible pending items to processing and
// returns them ordered by priority, then age.
func (q *Queue) ClaimBatch(ctx context.Context, limit int) ([]*QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	items, err := q.repo.ClaimBatch(ctx, limit, q.now())
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	recordQueueClaimed(len(items))
	return items, nil
}

// Release returns a claimed item to pending without consuming an attempt.
func (q *Queue) Release(ctx context.Context, id string) error {
	if err := q.repo.Release(ctx, id); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// RecordResult applies the outcome of a processing attempt to a claimed item.
func (q *Queue) RecordResult(ctx context.Context, item *QueueItem, outcome Outcome) error {
	if outcome.Err == nil {
		return q.recordSuccess(ctx, item, outcome)
	}

	mintErr := asMintError(outcome.Err)
	if !mintErr.ConsumesAttempt() {
		recordMintAttempt(mintErr.Kind, "released")
		return q.Release(ctx, item.ID)
	}

	terminal := !isRetryable(mintErr)
	attempt := FailedAttempt{
		Error:           mintErr.Error(),
		Terminal:        terminal,
		NotBefore:       q.nextAttemptAt(item.Attempts + 1),
		ContentHash:     firstNonEmpty(mintErr.ContentHash, item.ContentHash),
		TransactionHash: firstNonEmpty(mintErr.TransactionHash, item.TransactionHash),
	}

	updated, err := q.repo.MarkAttemptFailed(ctx, item.ID, attempt)
	if err != nil {
		return fmt.Errorf("mark attempt failed: %w", err)
	}
	*item = *updated

	if item.Status == QueueStatusFailed {
		reason := "failed"
		if !terminal {
			reason = "exhausted"
		}
		recordMintAttempt(mintErr.Kind, reason)
		slog.Warn("minting failed permanently",
			"item_id", item.ID,
			"certificate_id", item.CertificateID,
			"attempts", item.Attempts,
			"max_attempts", item.MaxAttempts,
			"error", mintErr,
		)
		return nil
	}

	recordMintAttempt(mintErr.Kind, "retry")
	slog.Info("minting scheduled for retry",
		"item_id", item.ID,
		"attempt", item.Attempts,
		"max_attempts", item.MaxAttempts,
		"not_before", item.NotBefore,
		"error", mintErr,
	)
	return nil
}

func (q *Queue) recordSuccess(ctx context.Context, item *QueueItem, outcome Outcome) error {
	if outcome.Result == nil {
		return fmt.Errorf("%w: success without result", ErrInvalidQueueItem)
	}

	if err := q.repo.MarkCompleted(ctx, item.ID, outcome.Result, !outcome.Reconciled); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	item.Status = QueueStatusCompleted
	item.Result = outcome.Result
	item.ContentHash = outcome.Result.ContentHash
	item.TransactionHash = outcome.Result.TransactionHash
	item.UpdatedAt = q.now()
	if !outcome.Reconciled && item.Attempts < item.MaxAttempts {
		item.Attempts++
	}

	status := "success"
	if outcome.Reconciled {
		status = "reconciled"
	}
	recordMintAttempt("", status)

	for _, l := range q.listeners {
		if err := l.OnMinted(ctx, item, outcome.Result); err != nil {
			slog.Error("completion listener failed",
				"item_id", item.ID,
				"certificate_id", item.CertificateID,
				"error", err,
			)
		}
	}
	return nil
}

// RetryFailed resets failed items to pending with zero attempts.
// Items in other statuses are left untouched.
func (q *Queue) RetryFailed(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := q.repo.RetryFailed(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}
	slog.Info("failed queue items reset", "requested", len(ids), "reset", n)
	return n, nil
}

// GetQueueItem returns a queue item by ID.
func (q *Queue) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	return q.repo.GetQueueItem(ctx, id)
}

// ListQueueItems lists items, optionally filtered by status.
func (q *Queue) ListQueueItems(ctx context.Context, status QueueStatus, limit int) ([]*QueueItem, error) {
	if status != "" && !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidQueueItem, status)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return q.repo.ListQueueItems(ctx, status, limit)
}

// GetQueueStats returns counts by status and derived rates.
func (q *Queue) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	stats, err := q.repo.GetQueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
	}
	return stats, nil
}

// Cleanup deletes completed and failed items older than retentionDays.
func (q *Queue) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("%w: retention days must not be negative", ErrInvalidQueueItem)
	}
	cutoff := q.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	n, err := q.repo.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	if n > 0 {
		slog.Info("queue cleanup removed items", "count", n, "retention_days", retentionDays)
	}
	return n, nil
}

// RecoverStale returns items stuck in processing longer than timeout to pending.
func (q *Queue) RecoverStale(ctx context.Context, timeout time.Duration) (int64, error) {
	n, err := q.repo.RecoverStale(ctx, q.now().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	if n > 0 {
		slog.Warn("recovered stale processing items", "count", n)
	}
	return n, nil
}

func (q *Queue) nextAttemptAt(attempt int) time.Time {
	backoff := float64(q.config.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= q.config.BackoffMultiplier
	}

	if backoff > float64(q.config.MaxBackoff) {
		backoff = float64(q.config.MaxBackoff)
	}

	return q.now().Add(time.Duration(backoff))
}

// IsNotFound reports whether err means the queue item does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrQueueItemNotFound)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// WithClock overrides the queue clock.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}
