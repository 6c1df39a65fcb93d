package minting

import (
	"context"
	"time"
)

// Repository defines the interface for queue persistence.
//
// ClaimBatch is the concurrency boundary: an item moves from pending to
// processing only through a conditional update, so concurrent claims never
// return the same item.
type Repository interface {
	// Enqueue inserts item unless the certificate already has a pending or
	// processing item, in which case item is overwritten with the existing
	// one and created is false.
	Enqueue(ctx context.Context, item *QueueItem) (created bool, err error)
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*QueueItem, error)
	MarkCompleted(ctx context.Context, id string, result *MintResult, countAttempt bool) error
	// MarkAttemptFailed consumes one attempt. The item returns to pending
	// unless the attempt was terminal or the last one allowed.
	MarkAttemptFailed(ctx context.Context, id string, attempt FailedAttempt) (*QueueItem, error)
	// Release returns a processing item to pending without consuming an attempt.
	Release(ctx context.Context, id string) error
	RetryFailed(ctx context.Context, ids []string) (int64, error)
	RecoverStale(ctx context.Context, olderThan time.Time) (int64, error)

	GetQueueItem(ctx context.Context, id string) (*QueueItem, error)
	ListQueueItems(ctx context.Context, status QueueStatus, limit int) ([]*QueueItem, error)
	GetQueueStats(ctx context.Context) (*QueueStats, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}
