package minting

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Queue errors.
var (
	ErrQueueItemNotFound   = errors.New("queue item not found")
	ErrDuplicateQueueEntry = errors.New("certificate already has an active queue item")
	ErrInvalidQueueItem    = errors.New("invalid queue item")
	ErrNotOnChain          = errors.New("certificate not found on chain")
)

// ErrorKind classifies mint failures.
type ErrorKind string

// Mint error kinds.
const (
	KindWalletNotConnected   ErrorKind = "wallet_not_connected"
	KindPermissionDenied     ErrorKind = "permission_denied"
	KindInsufficientBalance  ErrorKind = "insufficient_balance"
	KindGasPriceTooHigh      ErrorKind = "gas_price_too_high"
	KindRateLimitExceeded    ErrorKind = "rate_limit_exceeded"
	KindMetadataUploadFailed ErrorKind = "metadata_upload_failed"
	KindDuplicate            ErrorKind = "transaction_reverted_duplicate"
	KindRegistryPaused       ErrorKind = "registry_paused"
	KindTransactionReverted  ErrorKind = "transaction_reverted"
	KindTransactionTimeout   ErrorKind = "transaction_timeout"
	KindInvalidMintData      ErrorKind = "invalid_mint_data"
	KindMaxAttemptsExceeded  ErrorKind = "max_attempts_exceeded"
	KindUnknown              ErrorKind = "unknown"
)

// MintError is a classified mint failure.
type MintError struct {
	Kind ErrorKind
	Err  error
	// ContentHash and TransactionHash are set when the attempt got far
	// enough to produce them.
	ContentHash     string
	TransactionHash string
	// CostGwei is gas already spent when a submitted transaction was not
	// confirmed.
	CostGwei int64
	// ResetAt is set on rate limit failures when capacity frees up.
	ResetAt *time.Time
}

// NewMintError creates a mint error of the given kind.
func NewMintError(kind ErrorKind, err error) *MintError {
	return &MintError{Kind: kind, Err: err}
}

func (e *MintError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *MintError) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether the item may be attempted again automatically.
func (e *MintError) IsRetryable() bool {
	switch e.Kind {
	case KindPermissionDenied, KindDuplicate, KindInvalidMintData,
		KindMaxAttemptsExceeded, KindTransactionReverted:
		return false
	}
	return true
}

// ConsumesAttempt reports whether the failure counts against max attempts.
func (e *MintError) ConsumesAttempt() bool {
	switch e.Kind {
	case KindRateLimitExceeded, KindWalletNotConnected:
		return false
	}
	return true
}

// HaltsRun reports whether the scheduler must stop the current run.
func (e *MintError) HaltsRun() bool {
	switch e.Kind {
	case KindWalletNotConnected, KindRateLimitExceeded, KindPermissionDenied,
		KindInsufficientBalance, KindGasPriceTooHigh:
		return true
	}
	return false
}

// KindOf classifies err. Context deadline errors count as transaction timeouts.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var mintErr *MintError
	if errors.As(err, &mintErr) {
		return mintErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransactionTimeout
	}
	return KindUnknown
}

// asMintError returns err as a *MintError, classifying it if needed.
func asMintError(err error) *MintError {
	var mintErr *MintError
	if errors.As(err, &mintErr) {
		return mintErr
	}
	return &MintError{Kind: KindOf(err), Err: err}
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}
