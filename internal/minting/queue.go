// Package minting provides the certificate minting queue and its scheduler.
package minting

import (
	"encoding/json"
	"time"

	"github.com/groeimetai/certminter/internal/domain"
)

// QueueStatus represents the status of a queue item.
type QueueStatus string

// Queue statuses.
const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// IsValid checks if the queue status is valid.
func (s QueueStatus) IsValid() bool {
	switch s {
	case QueueStatusPending, QueueStatusProcessing, QueueStatusCompleted, QueueStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further automatic work happens in this status.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed
}

// Enqueue priorities. Higher values are processed first.
const (
	PriorityWalletUnavailable = -5
	PriorityDefault           = 0
	PriorityManual            = 5
)

// DefaultMaxAttempts is used when an enqueue request does not set one.
const DefaultMaxAttempts = 5

// QueueItem is one certificate's pending blockchain work.
type QueueItem struct {
	ID              string          `json:"id"`
	CertificateID   string          `json:"certificate_id"`
	UserID          string          `json:"user_id"`
	CourseID        string          `json:"course_id"`
	MintData        domain.MintData `json:"mint_data"`
	Status          QueueStatus     `json:"status"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	Priority        int             `json:"priority"`
	LastError       string          `json:"last_error,omitempty"`
	ContentHash     string          `json:"content_hash,omitempty"`
	TransactionHash string          `json:"transaction_hash,omitempty"`
	Result          *MintResult     `json:"result,omitempty"`
	NotBefore       time.Time       `json:"not_before"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Exhausted reports whether the item used up all of its attempts.
func (i *QueueItem) Exhausted() bool {
	return i.Attempts >= i.MaxAttempts
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Pending           int           `json:"pending"`
	Processing        int           `json:"processing"`
	Completed         int           `json:"completed"`
	Failed            int           `json:"failed"`
	AvgProcessingTime time.Duration `json:"-"`
	SuccessRate       float64       `json:"success_rate"`
}

// AvgProcessingTimeMillis is the average processing time in milliseconds.
func (s QueueStats) AvgProcessingTimeMillis() int64 {
	return s.AvgProcessingTime.Milliseconds()
}

// MarshalJSON adds avg_processing_time_ms.
func (s QueueStats) MarshalJSON() ([]byte, error) {
	type plain QueueStats
	return json.Marshal(struct {
		plain
		AvgProcessingTimeMs int64 `json:"avg_processing_time_ms"`
	}{plain(s), s.AvgProcessingTime.Milliseconds()})
}

// Total returns the number of items in every status.
func (s QueueStats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed
}

// EnqueueRequest describes new minting work for a certificate.
type EnqueueRequest struct {
	CertificateID string
	UserID        string
	CourseID      string
	MintData      domain.MintData
	Priority      int
	MaxAttempts   int
}

// FailedAttempt describes how a failed mint attempt changes an item.
type FailedAttempt struct {
	Error           string
	Terminal        bool
	NotBefore       time.Time
	ContentHash     string
	TransactionHash string
}
