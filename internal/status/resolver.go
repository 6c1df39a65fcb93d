// Package status reports the blockchain status of a certificate by merging
// its on-chain reference with the state of its minting queue item.
package status

import (
	"context"
	"fmt"

	"github.com/groeimetai/certminter/internal/domain"
	"github.com/groeimetai/certminter/internal/minting"
)

// Value is the externally reported blockchain status.
type Value string

// Status values.
const (
	None     Value = "none"
	Pending  Value = "pending"
	Verified Value = "verified"
	Failed   Value = "failed"
)

// BlockchainStatus is what callers see for a certificate.
type BlockchainStatus struct {
	HasBlockchain bool                  `json:"has_blockchain"`
	Status        Value                 `json:"status"`
	Blockchain    *domain.BlockchainRef `json:"blockchain,omitempty"`
	// QueuePosition is the number of pending items, not the item's rank.
	QueuePosition *int   `json:"queue_position,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// QueueReader is the part of the minting queue the resolver needs.
type QueueReader interface {
	GetQueueItem(ctx context.Context, id string) (*minting.QueueItem, error)
	GetQueueStats(ctx context.Context) (*minting.QueueStats, error)
}

// Resolver computes certificate blockchain status.
type Resolver struct {
	queue QueueReader
}

// NewResolver creates a new status resolver.
func NewResolver(queue QueueReader) *Resolver {
	return &Resolver{queue: queue}
}

// Resolve returns the blockchain status of cert.
func (r *Resolver) Resolve(ctx context.Context, cert *domain.Certificate) (*BlockchainStatus, error) {
	if cert.Blockchain != nil {
		return verified(cert.Blockchain), nil
	}
	if cert.QueueItemID == "" {
		return &BlockchainStatus{Status: None}, nil
	}

	item, err := r.queue.GetQueueItem(ctx, cert.QueueItemID)
	if err != nil {
		if minting.IsNotFound(err) {
			return &BlockchainStatus{Status: None}, nil
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}

	switch item.Status {
	case minting.QueueStatusCompleted:
		// The completion listener has not updated the certificate yet.
		if item.Result != nil {
			return verified(item.Result.BlockchainRef()), nil
		}
		return &BlockchainStatus{Status: Pending}, nil

	case minting.QueueStatusFailed:
		if item.Exhausted() {
			return &BlockchainStatus{Status: Failed, LastError: item.LastError}, nil
		}
		return &BlockchainStatus{Status: Pending}, nil

	default:
		stats, err := r.queue.GetQueueStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("get queue stats: %w", err)
		}
		position := stats.Pending
		return &BlockchainStatus{Status: Pending, QueuePosition: &position}, nil
	}
}

func verified(ref *domain.BlockchainRef) *BlockchainStatus {
	out := *ref
	return &BlockchainStatus{
		HasBlockchain: true,
		Status:        Verified,
		Blockchain:    &out,
	}
}
