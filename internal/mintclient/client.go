// Package mintclient mints certificates on the registry with the admin wallet.
package mintclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/groeimetai/certminter/internal/domain"
	"github.com/groeimetai/certminter/internal/minting"
	"github.com/groeimetai/certminter/internal/registry"
)

const gasLimit = registry.MintGas

// Ledger is the registry contract as seen by the admin wallet.
type Ledger interface {
	Mint(ctx context.Context, caller common.Address, req registry.MintRequest) (*registry.Receipt, error)
	Verify(ctx context.Context, caller common.Address, id uint64) (*registry.Certificate, error)
	Revoke(ctx context.Context, caller common.Address, id uint64) (*registry.Receipt, error)
	Pause(ctx context.Context, caller common.Address) error
	Unpause(ctx context.Context, caller common.Address) error
	Paused() bool
	HasRole(ctx context.Context, role registry.Role, account common.Address) (bool, error)
	FindByContentHash(ctx context.Context, contentHash string) (*registry.Certificate, error)
}

// Config contains client configuration.
type Config struct {
	Network         string
	ContractAddress string
	// ConfirmationDelay is how long a submitted transaction takes to confirm.
	ConfirmationDelay time.Duration
}

// Client implements minting.MintClient.
type Client struct {
	config   Config
	wallet   *Wallet
	ledger   Ledger
	uploader Uploader
}

// New creates a new mint client.
func New(config Config, wallet *Wallet, ledger Ledger, uploader Uploader) *Client {
	if uploader == nil {
		uploader = HashUploader{}
	}
	return &Client{
		config:   config,
		wallet:   wallet,
		ledger:   ledger,
		uploader: uploader,
	}
}

// GetWalletState returns the current wallet state.
func (c *Client) GetWalletState(ctx context.Context) (*domain.WalletState, error) {
	if !c.wallet.isConnected() {
		return c.wallet.state(false), nil
	}
	minter, err := c.ledger.HasRole(ctx, registry.RoleMinter, c.wallet.Address())
	if err != nil {
		return nil, fmt.Errorf("check minter role: %w", err)
	}
	return c.wallet.state(minter), nil
}

// CanMintCertificates reports whether address holds the minter role.
func (c *Client) CanMintCertificates(ctx context.Context, address string) (bool, error) {
	if !common.IsHexAddress(address) {
		return false, fmt.Errorf("invalid address %q", address)
	}
	return c.ledger.HasRole(ctx, registry.RoleMinter, common.HexToAddress(address))
}

// MintCertificate uploads metadata, submits the mint and waits for
// confirmation. A deadline hit after submission returns a transaction
// timeout carrying the content and transaction hashes, since the record may
// already exist.
func (c *Client) MintCertificate(ctx context.Context, data domain.MintData) (*minting.MintResult, error) {
	if !c.wallet.isConnected() {
		return nil, minting.NewMintError(minting.KindWalletNotConnected, errors.New("wallet not connected"))
	}
	if !common.IsHexAddress(data.StudentAddress) {
		return nil, minting.NewMintError(minting.KindInvalidMintData,
			fmt.Errorf("%w: %q", registry.ErrInvalidStudent, data.StudentAddress))
	}
	if err := c.wallet.affordable(gasLimit); err != nil {
		return nil, err
	}

	document, err := BuildMetadata(data).Encode()
	if err != nil {
		return nil, minting.NewMintError(minting.KindInvalidMintData, err)
	}
	contentHash, err := c.uploader.Upload(ctx, document)
	if err != nil {
		if ctx.Err() != nil {
			return nil, minting.NewMintError(minting.KindTransactionTimeout, fmt.Errorf("upload metadata: %w", err))
		}
		return nil, minting.NewMintError(minting.KindMetadataUploadFailed, err)
	}

	receipt, err := c.ledger.Mint(ctx, c.wallet.Address(), registry.MintRequest{
		Student:        common.HexToAddress(data.StudentAddress),
		CourseID:       data.CourseID,
		CourseName:     data.CourseName,
		CompletionDate: data.CompletionDate,
		ContentHash:    contentHash,
	})
	if err != nil {
		mintErr := classify(err)
		mintErr.ContentHash = contentHash
		return nil, mintErr
	}
	cost := c.wallet.debit(receipt.GasUsed)
	txHash := receipt.TransactionHash.Hex()

	slog.Info("mint transaction submitted",
		"token_id", receipt.CertificateID,
		"tx_hash", txHash,
		"content_hash", contentHash,
	)

	if err := c.waitConfirmation(ctx); err != nil {
		return nil, &minting.MintError{
			Kind:            minting.KindTransactionTimeout,
			Err:             fmt.Errorf("wait for confirmation: %w", err),
			ContentHash:     contentHash,
			TransactionHash: txHash,
			CostGwei:        cost,
		}
	}

	return &minting.MintResult{
		Success:         true,
		TokenID:         receipt.CertificateID,
		TransactionHash: txHash,
		ContentHash:     contentHash,
		Network:         c.config.Network,
		ContractAddress: c.config.ContractAddress,
		CostGwei:        cost,
		MintedAt:        receipt.BlockTime,
	}, nil
}

// LookupCertificate finds an already minted record by content hash.
func (c *Client) LookupCertificate(ctx context.Context, contentHash string) (*minting.MintResult, error) {
	cert, err := c.ledger.FindByContentHash(ctx, contentHash)
	if err != nil {
		if errors.Is(err, registry.ErrCertificateNotFound) {
			return nil, minting.ErrNotOnChain
		}
		return nil, fmt.Errorf("find by content hash: %w", err)
	}
	return &minting.MintResult{
		Success:         true,
		TokenID:         cert.ID,
		TransactionHash: cert.TransactionHash.Hex(),
		ContentHash:     cert.ContentHash,
		Network:         c.config.Network,
		ContractAddress: c.config.ContractAddress,
		MintedAt:        cert.MintedAt,
	}, nil
}

// Verify returns the on-chain record for a token.
func (c *Client) Verify(ctx context.Context, tokenID uint64) (*registry.Certificate, error) {
	return c.ledger.Verify(ctx, c.wallet.Address(), tokenID)
}

// Revoke invalidates a token. Requires the admin role.
func (c *Client) Revoke(ctx context.Context, tokenID uint64) (*registry.Receipt, error) {
	receipt, err := c.ledger.Revoke(ctx, c.wallet.Address(), tokenID)
	if err != nil {
		return nil, err
	}
	c.wallet.debit(receipt.GasUsed)
	return receipt, nil
}

// Pause suspends minting on the registry.
func (c *Client) Pause(ctx context.Context) error {
	return c.ledger.Pause(ctx, c.wallet.Address())
}

// Unpause resumes minting on the registry.
func (c *Client) Unpause(ctx context.Context) error {
	return c.ledger.Unpause(ctx, c.wallet.Address())
}

// Paused reports whether minting is suspended.
func (c *Client) Paused() bool {
	return c.ledger.Paused()
}

func (c *Client) waitConfirmation(ctx context.Context) error {
	if c.config.ConfirmationDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.config.ConfirmationDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify maps registry reverts to mint error kinds.
func classify(err error) *minting.MintError {
	kind := minting.KindUnknown
	switch {
	case errors.Is(err, registry.ErrCertificateExists):
		kind = minting.KindDuplicate
	case errors.Is(err, registry.ErrMissingRole):
		kind = minting.KindPermissionDenied
	case errors.Is(err, registry.ErrPaused):
		kind = minting.KindRegistryPaused
	case errors.Is(err, registry.ErrInvalidStudent),
		errors.Is(err, registry.ErrEmptyCourseID),
		errors.Is(err, registry.ErrEmptyCourseName),
		errors.Is(err, registry.ErrEmptyContentHash),
		errors.Is(err, registry.ErrFutureCompletionDate):
		kind = minting.KindInvalidMintData
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = minting.KindTransactionTimeout
	}
	return minting.NewMintError(kind, err)
}
