// Package ratelimit bounds mint attempts per rolling window and gas spend per
// budget window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Denial reasons.
const (
	ReasonAttempts = "attempt_window_exhausted"
	ReasonBudget   = "budget_exhausted"
)

// Entry is one recorded mint attempt.
type Entry struct {
	ID       string
	At       time.Time
	CostGwei int64
}

// Store keeps recorded attempts.
type Store interface {
	Add(ctx context.Context, e Entry) error
	// Since returns entries recorded at or after since, oldest first.
	Since(ctx context.Context, since time.Time) ([]Entry, error)
	Prune(ctx context.Context, before time.Time) error
}

// BalanceSource reports the spendable wallet balance.
type BalanceSource interface {
	BalanceGwei(ctx context.Context) (int64, error)
}

// BalanceFunc adapts a function to BalanceSource.
type BalanceFunc func(ctx context.Context) (int64, error)

// BalanceGwei calls f.
func (f BalanceFunc) BalanceGwei(ctx context.Context) (int64, error) {
	return f(ctx)
}

// Config contains limiter configuration.
type Config struct {
	// MaxAttempts is the number of attempts allowed per Window.
	MaxAttempts int
	Window      time.Duration
	// BudgetGwei caps spend per BudgetWindow. Zero disables the fixed cap.
	BudgetGwei   int64
	BudgetWindow time.Duration
	// EstimatedCostGwei is the expected cost of the next attempt.
	EstimatedCostGwei int64
	// BalanceFraction caps spend per BudgetWindow to this share of the
	// wallet balance. Zero disables the balance cap.
	BalanceFraction float64
}

// DefaultConfig returns default limiter configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       30,
		Window:            time.Hour,
		BudgetGwei:        50_000_000,
		BudgetWindow:      24 * time.Hour,
		EstimatedCostGwei: 5_550_000,
		BalanceFraction:   0.25,
	}
}

// Decision is the result of a limit check.
type Decision struct {
	Allowed bool       `json:"allowed"`
	ResetAt *time.Time `json:"reset_at,omitempty"`
	Reason  string     `json:"reason,omitempty"`

	Attempts    int   `json:"attempts"`
	MaxAttempts int   `json:"max_attempts"`
	SpentGwei   int64 `json:"spent_gwei"`
	BudgetGwei  int64 `json:"budget_gwei"`
}

// Limiter checks and records mint attempts.
type Limiter struct {
	config  Config
	store   Store
	balance BalanceSource
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithBalanceSource caps the budget to a fraction of the live balance.
func WithBalanceSource(src BalanceSource) Option {
	return func(l *Limiter) {
		l.balance = src
	}
}

// WithClock overrides the limiter clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter.
func New(config Config, store Store, opts ...Option) (*Limiter, error) {
	if config.MaxAttempts <= 0 {
		return nil, errors.New("ratelimit: max attempts must be positive")
	}
	if config.Window <= 0 {
		return nil, errors.New("ratelimit: window must be positive")
	}
	if config.BudgetWindow <= 0 {
		config.BudgetWindow = 24 * time.Hour
	}

	l := &Limiter{config: config, store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Check reports whether one more attempt fits in both the attempt window and
// the spend budget. When it does not, ResetAt is the earliest time it will,
// or nil when the budget cannot cover a single attempt. Denials are counted
// in metrics.
func (l *Limiter) Check(ctx context.Context) (*Decision, error) {
	d, err := l.State(ctx)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		recordDenied(d.Reason)
	}
	return d, nil
}

// State computes the same decision as Check without counting a denial.
// Use it for reporting.
func (l *Limiter) State(ctx context.Context) (*Decision, error) {
	now := l.now()

	entries, err := l.store.Since(ctx, now.Add(-l.horizon()))
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })

	budget, err := l.budget(ctx)
	if err != nil {
		return nil, err
	}

	windowEntries := within(entries, now, l.config.Window)
	budgetEntries := within(entries, now, l.config.BudgetWindow)

	d := &Decision{
		Allowed:     true,
		Attempts:    len(windowEntries),
		MaxAttempts: l.config.MaxAttempts,
		SpentGwei:   sum(budgetEntries),
		BudgetGwei:  budget,
	}

	if over := len(windowEntries) - l.config.MaxAttempts; over >= 0 {
		reset := windowEntries[over].At.Add(l.config.Window)
		d.deny(ReasonAttempts, &reset)
	}

	if budget >= 0 && d.SpentGwei+l.config.EstimatedCostGwei > budget {
		d.deny(ReasonBudget, l.budgetResetAt(budgetEntries, budget, d.SpentGwei))
	}
	return d, nil
}

// Record stores an attempt with its actual cost.
func (l *Limiter) Record(ctx context.Context, costGwei int64) error {
	now := l.now()
	if err := l.store.Add(ctx, Entry{ID: uuid.NewString(), At: now, CostGwei: costGwei}); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if err := l.store.Prune(ctx, now.Add(-l.horizon())); err != nil {
		return fmt.Errorf("prune attempts: %w", err)
	}
	return nil
}

// budget returns the effective budget, or -1 when no cap applies.
func (l *Limiter) budget(ctx context.Context) (int64, error) {
	budget := int64(-1)
	if l.config.BudgetGwei > 0 {
		budget = l.config.BudgetGwei
	}

	if l.balance != nil && l.config.BalanceFraction > 0 {
		balance, err := l.balance.BalanceGwei(ctx)
		if err != nil {
			return 0, fmt.Errorf("load balance: %w", err)
		}
		capped := int64(float64(balance) * l.config.BalanceFraction)
		if budget < 0 || capped < budget {
			budget = capped
		}
	}
	return budget, nil
}

func (l *Limiter) budgetResetAt(entries []Entry, budget, spent int64) *time.Time {
	if l.config.EstimatedCostGwei > budget {
		return nil
	}
	for _, e := range entries {
		spent -= e.CostGwei
		if spent+l.config.EstimatedCostGwei <= budget {
			reset := e.At.Add(l.config.BudgetWindow)
			return &reset
		}
	}
	return nil
}

func (l *Limiter) horizon() time.Duration {
	if l.config.BudgetWindow > l.config.Window {
		return l.config.BudgetWindow
	}
	return l.config.Window
}

func (d *Decision) deny(reason string, resetAt *time.Time) {
	if d.Allowed {
		d.Allowed = false
		d.Reason = reason
		d.ResetAt = resetAt
		return
	}
	// Both limits apply: capacity frees up only when the later one does.
	if d.ResetAt == nil || resetAt == nil {
		d.ResetAt = nil
	} else if resetAt.After(*d.ResetAt) {
		d.ResetAt = resetAt
	}
	d.Reason = d.Reason + "," + reason
}

// within returns the suffix of sorted entries newer than now-window.
func within(entries []Entry, now time.Time, window time.Duration) []Entry {
	cutoff := now.Add(-window)
	i := sort.Search(len(entries), func(i int) bool { return entries[i].At.After(cutoff) })
	return entries[i:]
}

func sum(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.CostGwei
	}
	return total
}
