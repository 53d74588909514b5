// Package ledger holds token balances and daily-claim bookkeeping per identity.
//
// A Ledger binds one identity to a Backend. All balance mutations go through
// the backend, which performs them atomically so concurrent sessions of the
// same identity never lose updates.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInsufficientTokens = errors.New("insufficient tokens")
	ErrInvalidAmount      = errors.New("token amount must be positive")
	ErrAccountNotFound    = errors.New("account not found")
	ErrIdentityRequired   = errors.New("user identifier is required")
)

// Policy controls the daily grant.
type Policy struct {
	DailyGrant     int
	ClaimThreshold int
}

// DefaultPolicy grants 3 tokens a day to users holding fewer than 5.
func DefaultPolicy() Policy {
	return Policy{DailyGrant: 3, ClaimThreshold: 5}
}

// Backend persists balances and last-claim days keyed by user identifier.
// Days are calendar dates formatted with time.DateOnly; "" means never claimed.
type Backend interface {
	EnsureAccount(ctx context.Context, userID string, initialTokens int) error
	Balance(ctx context.Context, userID string) (int, error)
	// Spend removes one token, failing with ErrInsufficientTokens at zero.
	Spend(ctx context.Context, userID string) (int, error)
	Credit(ctx context.Context, userID string, n int) (int, error)
	// Claim grants policy.DailyGrant tokens and records day, only when the
	// account has not claimed on day and holds fewer than policy.ClaimThreshold.
	Claim(ctx context.Context, userID, day string, policy Policy) (bool, error)
	LastClaim(ctx context.Context, userID string) (string, error)
}

// Day formats t as a calendar day key.
func Day(t time.Time) string {
	return t.Format(time.DateOnly)
}

// CanClaimDaily is the derived daily-claim eligibility.
func CanClaimDaily(lastClaim string, tokens int, today string, policy Policy) bool {
	return lastClaim != today && tokens < policy.ClaimThreshold
}

// Ledger is the token ledger of a single identity.
type Ledger struct {
	backend Backend
	userID  string
	policy  Policy
	now     func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used to determine the current day.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New binds userID to backend.
func New(backend Backend, userID string, policy Policy, opts ...Option) (*Ledger, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrIdentityRequired
	}
	if backend == nil {
		return nil, errors.New("ledger backend is required")
	}

	l := &Ledger{
		backend: backend,
		userID:  userID,
		policy:  policy,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// UserID returns the identity the ledger is bound to.
func (l *Ledger) UserID() string {
	return l.userID
}

// Policy returns the daily grant policy in force.
func (l *Ledger) Policy() Policy {
	return l.policy
}

// Balance returns the current token balance.
func (l *Ledger) Balance(ctx context.Context) (int, error) {
	return l.backend.Balance(ctx, l.userID)
}

// SpendToken removes exactly one token.
func (l *Ledger) SpendToken(ctx context.Context) error {
	if _, err := l.backend.Spend(ctx, l.userID); err != nil {
		return fmt.Errorf("spend token: %w", err)
	}
	return nil
}

// AddTokens credits n tokens.
func (l *Ledger) AddTokens(ctx context.Context, n int) error {
	if n <= 0 {
		return ErrInvalidAmount
	}
	if _, err := l.backend.Credit(ctx, l.userID, n); err != nil {
		return fmt.Errorf("add tokens: %w", err)
	}
	return nil
}

// ClaimDailyCredits attempts today's grant and reports whether it happened.
func (l *Ledger) ClaimDailyCredits(ctx context.Context) (bool, error) {
	granted, err := l.backend.Claim(ctx, l.userID, l.Today(), l.policy)
	if err != nil {
		return false, fmt.Errorf("claim daily credits: %w", err)
	}
	return granted, nil
}

// LastClaimDate returns the day of the last successful claim, or "".
func (l *Ledger) LastClaimDate(ctx context.Context) (string, error) {
	return l.backend.LastClaim(ctx, l.userID)
}

// Today returns the current day key.
func (l *Ledger) Today() string {
	return Day(l.now())
}

// CanClaimDaily recomputes eligibility from the backend on every call.
func (l *Ledger) CanClaimDaily(ctx context.Context) (bool, error) {
	tokens, err := l.Balance(ctx)
	if err != nil {
		return false, err
	}
	last, err := l.LastClaimDate(ctx)
	if err != nil {
		return false, err
	}
	return CanClaimDaily(last, tokens, l.Today(), l.policy), nil
}
