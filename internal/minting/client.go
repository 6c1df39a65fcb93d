package minting

import (
	"context"
	"time"

	"github.com/groeimetai/certminter/internal/domain"
)

// MintResult is the outcome of a confirmed mint.
type MintResult struct {
	Success         bool      `json:"success"`
	TokenID         uint64    `json:"token_id"`
	TransactionHash string    `json:"transaction_hash"`
	ContentHash     string    `json:"content_hash"`
	Network         string    `json:"network"`
	ContractAddress string    `json:"contract_address"`
	CostGwei        int64     `json:"cost_gwei"`
	MintedAt        time.Time `json:"minted_at"`
}

// BlockchainRef converts the result into a certificate reference.
func (r *MintResult) BlockchainRef() *domain.BlockchainRef {
	return &domain.BlockchainRef{
		TokenID:         r.TokenID,
		TransactionHash: r.TransactionHash,
		ContentHash:     r.ContentHash,
		Network:         r.Network,
		ContractAddress: r.ContractAddress,
		MintedAt:        r.MintedAt,
	}
}

// MintClient performs mints against the certificate registry.
type MintClient interface {
	GetWalletState(ctx context.Context) (*domain.WalletState, error)
	CanMintCertificates(ctx context.Context, address string) (bool, error)
	// MintCertificate uploads metadata, submits the mint and waits for
	// confirmation. Failures are returned as *MintError.
	MintCertificate(ctx context.Context, data domain.MintData) (*MintResult, error)
	// LookupCertificate finds an already minted record by content hash.
	// Returns ErrNotOnChain when no record exists.
	LookupCertificate(ctx context.Context, contentHash string) (*MintResult, error)
}

// CompletionListener is notified after a queue item is completed.
type CompletionListener interface {
	OnMinted(ctx context.Context, item *QueueItem, result *MintResult) error
}
