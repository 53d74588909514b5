package ledger

import (
	"context"
	"sync"
)

type account struct {
	tokens    int
	lastClaim string
}

// MemoryBackend keeps accounts in process memory.
type MemoryBackend struct {
	mu       sync.Mutex
	accounts map[string]*account
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{accounts: make(map[string]*account)}
}

// EnsureAccount creates the account with initialTokens unless it already exists.
func (b *MemoryBackend) EnsureAccount(_ context.Context, userID string, initialTokens int) error {
	if userID == "" {
		return ErrIdentityRequired
	}
	if initialTokens < 0 {
		initialTokens = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.accounts[userID]; !ok {
		b.accounts[userID] = &account{tokens: initialTokens}
	}
	return nil
}

// Balance returns the account's token count.
func (b *MemoryBackend) Balance(_ context.Context, userID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[userID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return acc.tokens, nil
}

// Spend removes one token and returns the new balance.
func (b *MemoryBackend) Spend(_ context.Context, userID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[userID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if acc.tokens <= 0 {
		return 0, ErrInsufficientTokens
	}
	acc.tokens--
	return acc.tokens, nil
}

// Credit adds n tokens and returns the new balance.
func (b *MemoryBackend) Credit(_ context.Context, userID string, n int) (int, error) {
	if n <= 0 {
		return 0, ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[userID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	acc.tokens += n
	return acc.tokens, nil
}

// Claim grants the daily tokens when the account is eligible for day.
func (b *MemoryBackend) Claim(_ context.Context, userID, day string, policy Policy) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[userID]
	if !ok {
		return false, ErrAccountNotFound
	}
	if !CanClaimDaily(acc.lastClaim, acc.tokens, day, policy) {
		return false, nil
	}
	acc.tokens += policy.DailyGrant
	acc.lastClaim = day
	return true, nil
}

// LastClaim returns the day of the last successful claim, or "".
func (b *MemoryBackend) LastClaim(_ context.Context, userID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[userID]
	if !ok {
		return "", ErrAccountNotFound
	}
	return acc.lastClaim, nil
}
