// Package memory provides an in-process implementation of the minting queue
// repository. State is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/groeimetai/certminter/internal/minting"
)

// Repository implements minting.Repository in memory.
type Repository struct {
	mu    sync.Mutex
	items map[string]*minting.QueueItem
	now   func() time.Time
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{
		items: make(map[string]*minting.QueueItem),
		now:   time.Now,
	}
}

// WithClock overrides the clock used for updated_at stamps.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// Enqueue inserts item unless the certificate already has an active item.
// The active item keeps the higher of the two priorities.
func (r *Repository) Enqueue(_ context.Context, item *minting.QueueItem) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.items {
		if existing.CertificateID == item.CertificateID && !existing.Status.IsTerminal() {
			if item.Priority > existing.Priority {
				existing.Priority = item.Priority
			}
			*item = *clone(existing)
			return false, nil
		}
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	r.items[item.ID] = clone(item)
	return true, nil
}

// ClaimBatch moves eligible pending items to processing.
func (r *Repository) ClaimBatch(_ context.Context, limit int, now time.Time) ([]*minting.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eligible := make([]*minting.QueueItem, 0)
	for _, item := range r.items {
		if item.Status == minting.QueueStatusPending && !item.NotBefore.After(now) {
			eligible = append(eligible, item)
		}
	}
	sortForClaim(eligible)

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]*minting.QueueItem, 0, len(eligible))
	for _, item := range eligible {
		item.Status = minting.QueueStatusProcessing
		item.UpdatedAt = r.now()
		claimed = append(claimed, clone(item))
	}
	return claimed, nil
}

// MarkCompleted marks an item completed with its mint result.
func (r *Repository) MarkCompleted(_ context.Context, id string, result *minting.MintResult, countAttempt bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return minting.ErrQueueItemNotFound
	}

	res := *result
	item.Status = minting.QueueStatusCompleted
	item.Result = &res
	item.ContentHash = result.ContentHash
	item.TransactionHash = result.TransactionHash
	item.LastError = ""
	if countAttempt && item.Attempts < item.MaxAttempts {
		item.Attempts++
	}
	item.UpdatedAt = r.now()
	return nil
}

// MarkAttemptFailed consumes one attempt and reschedules or fails the item.
func (r *Repository) MarkAttemptFailed(_ context.Context, id string, attempt minting.FailedAttempt) (*minting.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, minting.ErrQueueItemNotFound
	}

	if item.Attempts < item.MaxAttempts {
		item.Attempts++
	}
	item.LastError = attempt.Error
	if attempt.ContentHash != "" {
		item.ContentHash = attempt.ContentHash
	}
	if attempt.TransactionHash != "" {
		item.TransactionHash = attempt.TransactionHash
	}
	if attempt.Terminal || item.Attempts >= item.MaxAttempts {
		item.Status = minting.QueueStatusFailed
	} else {
		item.Status = minting.QueueStatusPending
		item.NotBefore = attempt.NotBefore
	}
	item.UpdatedAt = r.now()
	return clone(item), nil
}

// Release returns a processing item to pending.
func (r *Repository) Release(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return minting.ErrQueueItemNotFound
	}
	if item.Status == minting.QueueStatusProcessing {
		item.Status = minting.QueueStatusPending
		item.UpdatedAt = r.now()
	}
	return nil
}

// RetryFailed resets failed items among ids.
func (r *Repository) RetryFailed(_ context.Context, ids []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := r.now()
	for _, id := range ids {
		item, ok := r.items[id]
		if !ok || item.Status != minting.QueueStatusFailed {
			continue
		}
		if r.hasActiveLocked(item.CertificateID) {
			continue
		}
		item.Status = minting.QueueStatusPending
		item.Attempts = 0
		item.NotBefore = now
		item.UpdatedAt = now
		n++
	}
	return n, nil
}

// RecoverStale returns items stuck in processing to pending.
func (r *Repository) RecoverStale(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, item := range r.items {
		if item.Status == minting.QueueStatusProcessing && item.UpdatedAt.Before(olderThan) {
			item.Status = minting.QueueStatusPending
			item.UpdatedAt = r.now()
			n++
		}
	}
	return n, nil
}

// GetQueueItem returns an item by ID.
func (r *Repository) GetQueueItem(_ context.Context, id string) (*minting.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, minting.ErrQueueItemNotFound
	}
	return clone(item), nil
}

// ListQueueItems lists items newest first.
func (r *Repository) ListQueueItems(_ context.Context, status minting.QueueStatus, limit int) ([]*minting.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*minting.QueueItem, 0)
	for _, item := range r.items {
		if status == "" || item.Status == status {
			out = append(out, clone(item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetQueueStats returns counts by status and the mean completion time.
func (r *Repository) GetQueueStats(_ context.Context) (*minting.QueueStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &minting.QueueStats{}
	var total time.Duration
	for _, item := range r.items {
		switch item.Status {
		case minting.QueueStatusPending:
			stats.Pending++
		case minting.QueueStatusProcessing:
			stats.Processing++
		case minting.QueueStatusCompleted:
			stats.Completed++
			total += item.UpdatedAt.Sub(item.CreatedAt)
		case minting.QueueStatusFailed:
			stats.Failed++
		}
	}
	if stats.Completed > 0 {
		stats.AvgProcessingTime = total / time.Duration(stats.Completed)
	}
	return stats, nil
}

// DeleteFinishedBefore removes completed and failed items last updated before the cutoff.
func (r *Repository) DeleteFinishedBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, item := range r.items {
		if item.Status.IsTerminal() && item.UpdatedAt.Before(before) {
			delete(r.items, id)
			n++
		}
	}
	return n, nil
}

func (r *Repository) hasActiveLocked(certificateID string) bool {
	for _, item := range r.items {
		if item.CertificateID == certificateID && !item.Status.IsTerminal() {
			return true
		}
	}
	return false
}

func sortForClaim(items []*minting.QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func clone(item *minting.QueueItem) *minting.QueueItem {
	out := *item
	if item.Result != nil {
		res := *item.Result
		out.Result = &res
	}
	out.MintData.Achievements = append([]string(nil), item.MintData.Achievements...)
	return &out
}
