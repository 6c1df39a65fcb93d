package minting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/groeimetai/certminter/internal/domain"
	"github.com/groeimetai/certminter/internal/ratelimit"
)

// RateLimiter gates mint attempts.
type RateLimiter interface {
	Check(ctx context.Context) (*ratelimit.Decision, error)
	// State reports the current decision without counting it as a denial.
	State(ctx context.Context) (*ratelimit.Decision, error)
	Record(ctx context.Context, costGwei int64) error
}

// SchedulerConfig contains scheduler configuration.
type SchedulerConfig struct {
	BatchSize int
	// Schedule and CleanupSchedule are cron specs; an empty CleanupSchedule
	// disables periodic cleanup.
	Schedule        string
	CleanupSchedule string
	RetentionDays   int
	MintTimeout     time.Duration
	// StaleAfter returns processing items to pending when they were claimed
	// longer ago than this. Zero disables recovery.
	StaleAfter time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchSize:       10,
		Schedule:        "@every 5m",
		CleanupSchedule: "@daily",
		RetentionDays:   30,
		MintTimeout:     2 * time.Minute,
		StaleAfter:      4 * time.Minute,
	}
}

// Halt reasons reported when a run stops before its batch is done.
const (
	HaltWalletUnavailable = "wallet_unavailable"
	HaltPermissionDenied  = "permission_denied"
	HaltCannotMint        = "wallet_cannot_mint"
	HaltRateLimited       = "rate_limited"
	HaltCancelled         = "cancelled"
)

// RunReport summarizes one ProcessQueue run.
type RunReport struct {
	Claimed     int        `json:"claimed"`
	Completed   int        `json:"completed"`
	Retried     int        `json:"retried"`
	Failed      int        `json:"failed"`
	Released    int        `json:"released"`
	Halted      string     `json:"halted,omitempty"`
	ResetAt     *time.Time `json:"reset_at,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  time.Time  `json:"finished_at"`
	HaltedError string     `json:"halted_error,omitempty"`
}

// Snapshot is the current wallet and queue state.
type Snapshot struct {
	Wallet    *domain.WalletState `json:"wallet"`
	Queue     *QueueStats         `json:"queue"`
	RateLimit *ratelimit.Decision `json:"rate_limit,omitempty"`
}

// Scheduler drives queue items through minting.
type Scheduler struct {
	config  SchedulerConfig
	queue   *Queue
	client  MintClient
	limiter RateLimiter

	// walletMu serializes the rate limit check, the mint and its record;
	// the wallet is a single nonce sequence.
	walletMu sync.Mutex
	cron     *cron.Cron
}

// NewScheduler creates a new scheduler.
func NewScheduler(config SchedulerConfig, queue *Queue, client MintClient, limiter RateLimiter) *Scheduler {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultSchedulerConfig().BatchSize
	}
	if config.MintTimeout <= 0 {
		config.MintTimeout = DefaultSchedulerConfig().MintTimeout
	}
	return &Scheduler{
		config:  config,
		queue:   queue,
		client:  client,
		limiter: limiter,
	}
}

// Start registers the periodic runs and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := cronLogger{}
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	if _, err := c.AddFunc(s.config.Schedule, func() { s.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("schedule queue processing %q: %w", s.config.Schedule, err)
	}
	if s.config.CleanupSchedule != "" {
		if _, err := c.AddFunc(s.config.CleanupSchedule, func() { s.runCleanup(ctx) }); err != nil {
			return fmt.Errorf("schedule cleanup %q: %w", s.config.CleanupSchedule, err)
		}
	}

	if s.config.StaleAfter > 0 {
		if _, err := s.queue.RecoverStale(ctx, s.config.StaleAfter); err != nil {
			slog.Error("failed to recover stale items", "error", err)
		}
	}

	s.cron = c
	c.Start()

	slog.Info("starting mint scheduler",
		"schedule", s.config.Schedule,
		"cleanup_schedule", s.config.CleanupSchedule,
		"batch_size", s.config.BatchSize,
		"mint_timeout", s.config.MintTimeout,
	)
	return nil
}

// Stop stops the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	slog.Info("mint scheduler stopped")
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	report, err := s.ProcessQueue(ctx)
	if err != nil {
		slog.Error("scheduled queue run failed", "error", err)
		return
	}
	if report.Claimed > 0 || report.Halted != "" {
		slog.Info("scheduled queue run finished",
			"claimed", report.Claimed,
			"completed", report.Completed,
			"retried", report.Retried,
			"failed", report.Failed,
			"released", report.Released,
			"halted", report.Halted,
		)
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if _, err := s.queue.Cleanup(ctx, s.config.RetentionDays); err != nil {
		slog.Error("scheduled cleanup failed", "error", err)
	}
}

// ProcessQueue claims a batch and mints its items one at a time. Mint
// failures become state transitions; only store failures are returned.
func (s *Scheduler) ProcessQueue(ctx context.Context) (*RunReport, error) {
	report := &RunReport{StartedAt: time.Now()}
	defer func() {
		report.FinishedAt = time.Now()
		result := "ok"
		if report.Halted != "" {
			result = report.Halted
		}
		recordSchedulerRun(result)
	}()

	if s.config.StaleAfter > 0 {
		if _, err := s.queue.RecoverStale(ctx, s.config.StaleAfter); err != nil {
			slog.Error("failed to recover stale items", "error", err)
		}
	}

	if halt, haltErr := s.checkWallet(ctx); halt != "" {
		report.Halted = halt
		if haltErr != nil {
			report.HaltedError = haltErr.Error()
		}
		if halt == HaltPermissionDenied {
			return report, s.failBatch(ctx, report, haltErr)
		}
		slog.Warn("queue processing halted", "reason", halt, "error", haltErr)
		return report, nil
	}

	items, err := s.queue.ClaimBatch(ctx, s.config.BatchSize)
	if err != nil {
		return report, err
	}
	report.Claimed = len(items)

	for i, item := range items {
		if ctx.Err() != nil {
			report.Halted = HaltCancelled
			s.releaseAll(ctx, items[i:], report)
			break
		}

		if halt := s.processItem(ctx, item, report); halt != "" {
			report.Halted = halt
			s.releaseAll(ctx, items[i+1:], report)
			break
		}
	}

	return report, nil
}

// checkWallet returns a halt reason when minting is impossible right now.
func (s *Scheduler) checkWallet(ctx context.Context) (string, error) {
	wallet, err := s.client.GetWalletState(ctx)
	if err != nil {
		return HaltWalletUnavailable, err
	}
	if !wallet.Connected {
		return HaltWalletUnavailable, NewMintError(KindWalletNotConnected, errors.New("wallet not connected"))
	}
	if wallet.CanMint {
		return "", nil
	}

	allowed, err := s.client.CanMintCertificates(ctx, wallet.Address)
	if err != nil {
		return HaltCannotMint, err
	}
	if !allowed {
		return HaltPermissionDenied, NewMintError(KindPermissionDenied,
			fmt.Errorf("wallet %s lacks minter role", wallet.Address))
	}
	return HaltCannotMint, NewMintError(KindInsufficientBalance, errors.New("wallet cannot mint"))
}

// failBatch claims a batch and fails every item terminally. Used when the
// wallet lacks the minter role: no item can succeed until an operator fixes it.
func (s *Scheduler) failBatch(ctx context.Context, report *RunReport, cause error) error {
	items, err := s.queue.ClaimBatch(ctx, s.config.BatchSize)
	if err != nil {
		return err
	}
	report.Claimed = len(items)

	slog.Error("wallet lacks minting permission, failing claimed items",
		"count", len(items),
		"error", cause,
	)
	for _, item := range items {
		if err := s.queue.RecordResult(ctx, item, Outcome{Err: cause}); err != nil {
			slog.Error("failed to record result", "item_id", item.ID, "error", err)
			continue
		}
		report.Failed++
	}
	return nil
}

// processItem mints one claimed item. Once started, an item is carried
// through to a recorded result even if ctx is cancelled.
func (s *Scheduler) processItem(ctx context.Context, item *QueueItem, report *RunReport) string {
	ctx = context.WithoutCancel(ctx)

	// A previous attempt may have landed without us seeing the confirmation.
	if item.ContentHash != "" {
		if result, ok := s.reconcile(ctx, item.ContentHash); ok {
			s.record(ctx, item, Outcome{Result: result, Reconciled: true}, report)
			return ""
		}
	}

	result, err := s.mint(ctx, item.MintData)
	if err == nil {
		s.record(ctx, item, Outcome{Result: result}, report)
		return ""
	}

	mintErr := asMintError(err)
	if mintErr.Kind == KindDuplicate {
		hash := firstNonEmpty(mintErr.ContentHash, item.ContentHash)
		if existing, ok := s.reconcile(ctx, hash); ok {
			slog.Info("duplicate mint resolved from chain",
				"item_id", item.ID,
				"token_id", existing.TokenID,
			)
			s.record(ctx, item, Outcome{Result: existing, Reconciled: true}, report)
			return ""
		}
		mintErr = &MintError{
			Kind:        KindUnknown,
			Err:         fmt.Errorf("duplicate reported but no record found: %w", mintErr),
			ContentHash: hash,
		}
	}

	s.record(ctx, item, Outcome{Err: mintErr}, report)

	if mintErr.HaltsRun() {
		report.HaltedError = mintErr.Error()
		switch mintErr.Kind {
		case KindWalletNotConnected:
			return HaltWalletUnavailable
		case KindPermissionDenied:
			return HaltPermissionDenied
		case KindRateLimitExceeded:
			report.ResetAt = mintErr.ResetAt
			slog.Info("rate limit reached, deferring remaining items",
				"item_id", item.ID,
				"reset_at", mintErr.ResetAt,
				"error", mintErr,
			)
			return HaltRateLimited
		default:
			return HaltCannotMint
		}
	}
	return ""
}

// MintNow mints outside the queue. It shares the wallet lock and the rate
// limiter with queue runs, and resolves a duplicate to the existing record.
// Cancelling ctx does not abort a mint in flight; only the mint timeout does.
func (s *Scheduler) MintNow(ctx context.Context, data domain.MintData) (*MintResult, error) {
	ctx = context.WithoutCancel(ctx)

	result, err := s.mint(ctx, data)
	if err == nil {
		recordMintAttempt("", "inline")
		return result, nil
	}

	mintErr := asMintError(err)
	if mintErr.Kind == KindDuplicate {
		if existing, ok := s.reconcile(ctx, mintErr.ContentHash); ok {
			return existing, nil
		}
	}
	recordMintAttempt(mintErr.Kind, "inline_failed")
	return nil, mintErr
}

// GetWalletState returns the current wallet state.
func (s *Scheduler) GetWalletState(ctx context.Context) (*domain.WalletState, error) {
	return s.client.GetWalletState(ctx)
}

// mint checks the rate limit, mints and records the attempt under walletMu,
// so concurrent callers cannot both take the last slot.
func (s *Scheduler) mint(ctx context.Context, data domain.MintData) (*MintResult, error) {
	s.walletMu.Lock()
	defer s.walletMu.Unlock()

	decision, err := s.limiter.Check(ctx)
	if err != nil {
		return nil, NewMintError(KindRateLimitExceeded, fmt.Errorf("check rate limit: %w", err))
	}
	if !decision.Allowed {
		return nil, &MintError{
			Kind:    KindRateLimitExceeded,
			Err:     fmt.Errorf("rate limit reached: %s", decision.Reason),
			ResetAt: decision.ResetAt,
		}
	}

	mintCtx, cancel := context.WithTimeout(ctx, s.config.MintTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.client.MintCertificate(mintCtx, data)
	recordMintDuration(time.Since(start))

	if err != nil && KindOf(err) == KindUnknown && errors.Is(mintCtx.Err(), context.DeadlineExceeded) {
		err = &MintError{Kind: KindTransactionTimeout, Err: err}
	}

	var cost int64
	switch {
	case result != nil:
		cost = result.CostGwei
	case err != nil:
		// A submitted but unconfirmed transaction has still spent gas.
		cost = asMintError(err).CostGwei
	}
	if err == nil || asMintError(err).ConsumesAttempt() {
		if recErr := s.limiter.Record(ctx, cost); recErr != nil {
			slog.Error("failed to record rate limit attempt", "error", recErr)
		}
	}

	return result, err
}

func (s *Scheduler) reconcile(ctx context.Context, contentHash string) (*MintResult, bool) {
	if contentHash == "" {
		return nil, false
	}
	result, err := s.client.LookupCertificate(ctx, contentHash)
	if err != nil {
		if !errors.Is(err, ErrNotOnChain) {
			slog.Warn("on-chain lookup failed", "content_hash", contentHash, "error", err)
		}
		return nil, false
	}
	return result, true
}

func (s *Scheduler) record(ctx context.Context, item *QueueItem, outcome Outcome, report *RunReport) {
	before := item.Attempts
	if err := s.queue.RecordResult(ctx, item, outcome); err != nil {
		slog.Error("failed to record result", "item_id", item.ID, "error", err)
		return
	}

	switch {
	case item.Status == QueueStatusCompleted:
		report.Completed++
	case item.Status == QueueStatusFailed:
		report.Failed++
	case item.Attempts > before:
		report.Retried++
	default:
		report.Released++
	}
}

// releaseAll returns claimed items to pending. It runs even when ctx is
// cancelled so items are not left in processing.
func (s *Scheduler) releaseAll(ctx context.Context, items []*QueueItem, report *RunReport) {
	ctx = context.WithoutCancel(ctx)
	for _, item := range items {
		if err := s.queue.Release(ctx, item.ID); err != nil {
			slog.Error("failed to release item", "item_id", item.ID, "error", err)
			continue
		}
		report.Released++
	}
}

// Snapshot returns the current wallet, queue and rate limit state.
func (s *Scheduler) Snapshot(ctx context.Context) (*Snapshot, error) {
	wallet, err := s.client.GetWalletState(ctx)
	if err != nil {
		return nil, fmt.Errorf("get wallet state: %w", err)
	}
	stats, err := s.queue.GetQueueStats(ctx)
	if err != nil {
		return nil, err
	}
	decision, err := s.limiter.State(ctx)
	if err != nil {
		slog.Warn("rate limit check failed", "error", err)
		decision = nil
	}
	return &Snapshot{Wallet: wallet, Queue: stats, RateLimit: decision}, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
