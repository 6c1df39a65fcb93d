// Package postgres provides PostgreSQL implementation of the minting queue repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/groeimetai/certminter/internal/minting"
)

// Repository implements minting.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const itemColumns = `id, certificate_id, user_id, course_id, mint_data, status, attempts, max_attempts,
	priority, last_error, content_hash, transaction_hash, result, not_before, created_at, updated_at`

// Enqueue inserts item unless the certificate already has an active item.
// The partial unique index on certificate_id makes the check atomic. The
// active item keeps the higher of the two priorities.
func (r *Repository) Enqueue(ctx context.Context, item *minting.QueueItem) (bool, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	mintData, err := json.Marshal(item.MintData)
	if err != nil {
		return false, fmt.Errorf("marshal mint data: %w", err)
	}

	insert := `
		INSERT INTO mint_queue (id, certificate_id, user_id, course_id, mint_data, status, attempts,
			max_attempts, priority, not_before, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $10)
		ON CONFLICT (certificate_id) WHERE status IN ('pending', 'processing') DO NOTHING
		RETURNING id
	`
	existing := `
		UPDATE mint_queue SET priority = GREATEST(priority, $2)
		WHERE certificate_id = $1 AND status IN ('pending', 'processing')
		RETURNING ` + itemColumns

	// The active item can finish between the conflict and the lookup; one
	// more insert covers that window.
	for try := 0; try < 2; try++ {
		var id string
		err = r.db.QueryRow(ctx, insert,
			item.ID,
			item.CertificateID,
			item.UserID,
			item.CourseID,
			mintData,
			minting.QueueStatusPending,
			item.MaxAttempts,
			item.Priority,
			item.NotBefore,
			item.CreatedAt,
		).Scan(&id)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("insert queue item: %w", err)
		}

		found, err := scanItem(r.db.QueryRow(ctx, existing, item.CertificateID, item.Priority))
		if err == nil {
			*item = *found
			return false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("get active queue item: %w", err)
		}
	}
	return false, minting.ErrDuplicateQueueEntry
}

// ClaimBatch moves eligible pending items to processing. SKIP LOCKED lets
// concurrent claims proceed without waiting on or returning the same rows.
func (r *Repository) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*minting.QueueItem, error) {
	query := `
		UPDATE mint_queue SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM mint_queue
			WHERE status = 'pending' AND not_before <= $1
			ORDER BY priority DESC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + itemColumns

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim queue items: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// MarkCompleted marks an item completed with its mint result.
func (r *Repository) MarkCompleted(ctx context.Context, id string, result *minting.MintResult, countAttempt bool) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal mint result: %w", err)
	}

	query := `
		UPDATE mint_queue
		SET status = 'completed',
			result = $2,
			content_hash = $3,
			transaction_hash = $4,
			last_error = '',
			attempts = CASE WHEN $5 THEN LEAST(attempts + 1, max_attempts) ELSE attempts END,
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, data, result.ContentHash, result.TransactionHash, countAttempt)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return minting.ErrQueueItemNotFound
	}
	return nil
}

// MarkAttemptFailed consumes one attempt and reschedules or fails the item.
func (r *Repository) MarkAttemptFailed(ctx context.Context, id string, attempt minting.FailedAttempt) (*minting.QueueItem, error) {
	query := `
		UPDATE mint_queue
		SET attempts = LEAST(attempts + 1, max_attempts),
			status = CASE
				WHEN $2 OR attempts + 1 >= max_attempts THEN 'failed'
				ELSE 'pending'
			END,
			not_before = CASE
				WHEN $2 OR attempts + 1 >= max_attempts THEN not_before
				ELSE $3
			END,
			last_error = $4,
			content_hash = COALESCE(NULLIF($5, ''), content_hash),
			transaction_hash = COALESCE(NULLIF($6, ''), transaction_hash),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + itemColumns

	item, err := scanItem(r.db.QueryRow(ctx, query,
		id,
		attempt.Terminal,
		attempt.NotBefore,
		attempt.Error,
		attempt.ContentHash,
		attempt.TransactionHash,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, minting.ErrQueueItemNotFound
		}
		return nil, fmt.Errorf("mark attempt failed: %w", err)
	}
	return item, nil
}

// Release returns a processing item to pending.
func (r *Repository) Release(ctx context.Context, id string) error {
	query := `
		UPDATE mint_queue SET status = 'pending', updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("release queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM mint_queue WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check queue item: %w", err)
		}
		if !exists {
			return minting.ErrQueueItemNotFound
		}
	}
	return nil
}

// RetryFailed resets failed items among ids. A failed item whose certificate
// was re-enqueued meanwhile is skipped.
func (r *Repository) RetryFailed(ctx context.Context, ids []string) (int64, error) {
	query := `
		UPDATE mint_queue q
		SET status = 'pending', attempts = 0, not_before = NOW(), updated_at = NOW()
		WHERE q.id = ANY($1::uuid[])
			AND q.status = 'failed'
			AND NOT EXISTS (
				SELECT 1 FROM mint_queue a
				WHERE a.certificate_id = q.certificate_id
					AND a.status IN ('pending', 'processing')
			)
	`
	tag, err := r.db.Exec(ctx, query, validUUIDs(ids))
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecoverStale returns items stuck in processing to pending.
func (r *Repository) RecoverStale(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		UPDATE mint_queue SET status = 'pending', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
	`
	tag, err := r.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("recover stale items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetQueueItem returns an item by ID.
func (r *Repository) GetQueueItem(ctx context.Context, id string) (*minting.QueueItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, minting.ErrQueueItemNotFound
	}
	query := `SELECT ` + itemColumns + ` FROM mint_queue WHERE id = $1`
	item, err := scanItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, minting.ErrQueueItemNotFound
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// ListQueueItems lists items newest first.
func (r *Repository) ListQueueItems(ctx context.Context, status minting.QueueStatus, limit int) ([]*minting.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM mint_queue
		WHERE ($1::text = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	return collectItems(rows)
}

// GetQueueStats returns counts by status and the mean completion time.
func (r *Repository) GetQueueStats(ctx context.Context) (*minting.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(AVG(EXTRACT(EPOCH FROM (updated_at - created_at))) FILTER (WHERE status = 'completed'), 0)
		FROM mint_queue
	`
	var stats minting.QueueStats
	var avgSeconds float64
	if err := r.db.QueryRow(ctx, query).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&avgSeconds,
	); err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	stats.AvgProcessingTime = time.Duration(avgSeconds * float64(time.Second))
	return &stats, nil
}

// DeleteFinishedBefore removes completed and failed items last updated before the cutoff.
func (r *Repository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM mint_queue WHERE status IN ('completed', 'failed') AND updated_at < $1`
	tag, err := r.db.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("delete finished items: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanItem(row pgx.Row) (*minting.QueueItem, error) {
	var item minting.QueueItem
	var mintData, result []byte
	err := row.Scan(
		&item.ID,
		&item.CertificateID,
		&item.UserID,
		&item.CourseID,
		&mintData,
		&item.Status,
		&item.Attempts,
		&item.MaxAttempts,
		&item.Priority,
		&item.LastError,
		&item.ContentHash,
		&item.TransactionHash,
		&result,
		&item.NotBefore,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(mintData, &item.MintData); err != nil {
		return nil, fmt.Errorf("unmarshal mint data: %w", err)
	}
	if len(result) > 0 {
		item.Result = &minting.MintResult{}
		if err := json.Unmarshal(result, item.Result); err != nil {
			return nil, fmt.Errorf("unmarshal mint result: %w", err)
		}
	}
	return &item, nil
}

func collectItems(rows pgx.Rows) ([]*minting.QueueItem, error) {
	defer rows.Close()

	items := make([]*minting.QueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}
	return items, nil
}

func validUUIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			out = append(out, id)
		}
	}
	return out
}
