package minting

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueue_NextAttemptAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := NewQueue(QueueConfig{
		InitialBackoff:    30 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}, nil).WithClock(func() time.Time { return now })

	tests := []struct {
		name            string
		attempt         int
		expectedBackoff time.Duration
	}{
		{"first retry", 1, 30 * time.Second},
		{"second retry", 2, 1 * time.Minute},
		{"third retry", 3, 2 * time.Minute},
		{"fourth retry", 4, 4 * time.Minute},
		{"capped", 5, 5 * time.Minute},
		{"far beyond cap", 100, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, now.Add(tt.expectedBackoff), q.nextAttemptAt(tt.attempt))
		})
	}
}

func TestMintError_Disposition(t *testing.T) {
	tests := []struct {
		kind      ErrorKind
		retryable bool
		consumes  bool
		halts     bool
	}{
		{KindWalletNotConnected, true, false, true},
		{KindPermissionDenied, false, true, true},
		{KindInsufficientBalance, true, true, true},
		{KindGasPriceTooHigh, true, true, true},
		{KindRateLimitExceeded, true, false, true},
		{KindMetadataUploadFailed, true, true, false},
		{KindDuplicate, false, true, false},
		{KindRegistryPaused, true, true, false},
		{KindTransactionTimeout, true, true, false},
		{KindMaxAttemptsExceeded, false, true, false},
		{KindInvalidMintData, false, true, false},
		{KindUnknown, true, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := NewMintError(tt.kind, errors.New("boom"))
			assert.Equal(t, tt.retryable, err.IsRetryable(), "retryable")
			assert.Equal(t, tt.consumes, err.ConsumesAttempt(), "consumes attempt")
			assert.Equal(t, tt.halts, err.HaltsRun(), "halts run")
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{"nil", nil, ""},
		{"mint error", NewMintError(KindGasPriceTooHigh, nil), KindGasPriceTooHigh},
		{"wrapped mint error", fmt.Errorf("mint: %w", NewMintError(KindDuplicate, nil)), KindDuplicate},
		{"deadline", fmt.Errorf("wait receipt: %w", context.DeadlineExceeded), KindTransactionTimeout},
		{"plain", errors.New("unexpected"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("unknown error")))
	assert.True(t, isRetryable(NewMintError(KindTransactionTimeout, nil)))
	assert.False(t, isRetryable(fmt.Errorf("wrapped: %w", NewMintError(KindPermissionDenied, nil))))
}

func TestMintError_Unwrap(t *testing.T) {
	cause := errors.New("original error")
	err := NewMintError(KindMetadataUploadFailed, cause)

	assert.Equal(t, "metadata_upload_failed: original error", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "registry_paused", NewMintError(KindRegistryPaused, nil).Error())
}

func TestQueueStats_Total(t *testing.T) {
	stats := QueueStats{Pending: 5, Processing: 1, Completed: 10, Failed: 2, AvgProcessingTime: 1500 * time.Millisecond}
	assert.Equal(t, 18, stats.Total())
	assert.Equal(t, int64(1500), stats.AvgProcessingTimeMillis())
}

func TestDefaultConfigs(t *testing.T) {
	qc := DefaultQueueConfig()
	assert.Equal(t, 5, qc.MaxAttempts)
	assert.Equal(t, 30*time.Second, qc.InitialBackoff)
	assert.Equal(t, 30*time.Minute, qc.MaxBackoff)
	assert.Equal(t, 2.0, qc.BackoffMultiplier)

	sc := DefaultSchedulerConfig()
	assert.Equal(t, 10, sc.BatchSize)
	assert.Equal(t, "@every 5m", sc.Schedule)
	assert.Equal(t, 30, sc.RetentionDays)
	assert.Equal(t, 2*sc.MintTimeout, sc.StaleAfter)
}
