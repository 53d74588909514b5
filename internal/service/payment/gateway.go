// Package payment provides the payment collaborator used by the purchase
// flow. MockGateway settles purchases against pre-registered transactions.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/anime-finder/backend/internal/model/catalog"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionClaimed  = errors.New("transaction has already been used")
	ErrTransactionMismatch = errors.New("transaction belongs to another user")
	ErrUnderpaid           = errors.New("transaction amount does not cover the package price")
)

// Transaction is a payment the user made outside the app.
type Transaction struct {
	TransactionID  string  `json:"transactionId" yaml:"transactionId"`
	Amount         float64 `json:"amount" yaml:"amount"`
	UserIdentifier string  `json:"userIdentifier" yaml:"userIdentifier"`
	Claimed        bool    `json:"claimed" yaml:"claimed"`
}

// Checkout is a capture request for one package.
type Checkout struct {
	Package        catalog.TokenPackage
	UserIdentifier string
	Email          string
	TransactionID  string
}

// Receipt confirms a captured payment.
type Receipt struct {
	TransactionID string  `json:"transactionId"`
	Tokens        int     `json:"tokens"`
	Amount        float64 `json:"amount"`
}

// Gateway captures payment for a checkout. A capture whose tokens could not
// be credited is handed back with Release so the same transaction can be
// quoted again.
type Gateway interface {
	Capture(ctx context.Context, checkout Checkout) (Receipt, error)
	Release(ctx context.Context, transactionID string) error
}

// MockGateway accepts each registered transaction at most once.
type MockGateway struct {
	mu  sync.Mutex
	txs map[string]*Transaction
}

// NewMockGateway preloads txs.
func NewMockGateway(txs []Transaction) *MockGateway {
	g := &MockGateway{txs: make(map[string]*Transaction, len(txs))}
	for _, tx := range txs {
		_ = g.Register(tx)
	}
	return g
}

// Register records a transaction; ids must be unique.
func (g *MockGateway) Register(tx Transaction) error {
	id := strings.TrimSpace(tx.TransactionID)
	if id == "" {
		return errors.New("missing transaction id")
	}
	tx.TransactionID = id

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.txs[id]; exists {
		return fmt.Errorf("transaction %s already registered", id)
	}
	g.txs[id] = &tx
	return nil
}

// Capture claims the quoted transaction for the checkout's package.
func (g *MockGateway) Capture(_ context.Context, checkout Checkout) (Receipt, error) {
	id := strings.TrimSpace(checkout.TransactionID)

	g.mu.Lock()
	defer g.mu.Unlock()

	tx, ok := g.txs[id]
	if !ok {
		return Receipt{}, ErrTransactionNotFound
	}
	if tx.Claimed {
		return Receipt{}, ErrTransactionClaimed
	}
	if tx.UserIdentifier != "" && tx.UserIdentifier != checkout.UserIdentifier {
		return Receipt{}, ErrTransactionMismatch
	}
	if cents(tx.Amount) < cents(checkout.Package.Price) {
		return Receipt{}, ErrUnderpaid
	}

	tx.Claimed = true
	return Receipt{
		TransactionID: tx.TransactionID,
		Tokens:        checkout.Package.Tokens,
		Amount:        tx.Amount,
	}, nil
}

// Release returns a captured transaction to the unclaimed state.
func (g *MockGateway) Release(_ context.Context, transactionID string) error {
	id := strings.TrimSpace(transactionID)

	g.mu.Lock()
	defer g.mu.Unlock()

	tx, ok := g.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.Claimed = false
	return nil
}

func cents(v float64) int64 {
	return int64(math.Round(v * 100))
}

type transactionsFile struct {
	Transactions []Transaction `yaml:"transactions"`
}

// LoadTransactions reads a YAML file of the form `transactions: [...]`.
func LoadTransactions(path string) ([]Transaction, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transactions %s: %w", path, err)
	}
	var file transactionsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse transactions %s: %w", path, err)
	}
	return file.Transactions, nil
}
