package payment

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/anime-finder/backend/internal/model/catalog"
)

var fan = catalog.TokenPackage{ID: "fan", Tokens: 50, Price: 3.99}

func TestCaptureClaimsOnce(t *testing.T) {
	g := NewMockGateway([]Transaction{{TransactionID: "tx-1", Amount: 3.99, UserIdentifier: "alice"}})
	ctx := context.Background()
	checkout := Checkout{Package: fan, UserIdentifier: "alice", TransactionID: " tx-1 "}

	receipt, err := g.Capture(ctx, checkout)
	require.NoError(t, err)
	assert.Equal(t, 50, receipt.Tokens)
	assert.Equal(t, "tx-1", receipt.TransactionID)

	_, err = g.Capture(ctx, checkout)
	assert.ErrorIs(t, err, ErrTransactionClaimed)
}

func TestReleaseAllowsRecapture(t *testing.T) {
	g := NewMockGateway([]Transaction{{TransactionID: "tx-1", Amount: 3.99, UserIdentifier: "alice"}})
	ctx := context.Background()
	checkout := Checkout{Package: fan, UserIdentifier: "alice", TransactionID: "tx-1"}

	_, err := g.Capture(ctx, checkout)
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, "tx-1"))

	_, err = g.Capture(ctx, checkout)
	require.NoError(t, err)

	assert.ErrorIs(t, g.Release(ctx, "missing"), ErrTransactionNotFound)
}

func TestCaptureRejections(t *testing.T) {
	g := NewMockGateway([]Transaction{
		{TransactionID: "bob-tx", Amount: 10, UserIdentifier: "bob"},
		{TransactionID: "cheap", Amount: 1.5},
	})
	ctx := context.Background()

	_, err := g.Capture(ctx, Checkout{Package: fan, UserIdentifier: "alice", TransactionID: "nope"})
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = g.Capture(ctx, Checkout{Package: fan, UserIdentifier: "alice", TransactionID: "bob-tx"})
	assert.ErrorIs(t, err, ErrTransactionMismatch)

	_, err = g.Capture(ctx, Checkout{Package: fan, UserIdentifier: "alice", TransactionID: "cheap"})
	assert.ErrorIs(t, err, ErrUnderpaid)

	// rejected captures leave the transaction usable
	_, err = g.Capture(ctx, Checkout{Package: catalog.TokenPackage{ID: "s", Tokens: 5, Price: 1.5}, UserIdentifier: "alice", TransactionID: "cheap"})
	assert.NoError(t, err)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	g := NewMockGateway(nil)
	require.NoError(t, g.Register(Transaction{TransactionID: "a", Amount: 1}))
	assert.Error(t, g.Register(Transaction{TransactionID: "a", Amount: 2}))
	assert.Error(t, g.Register(Transaction{TransactionID: " "}))
}

func TestLoadTransactions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.yaml")
	content := "transactions:\n  - transactionId: tx-1\n    amount: 9.99\n    userIdentifier: alice\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	txs, err := LoadTransactions(path)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "alice", txs[0].UserIdentifier)
	assert.InDelta(t, 9.99, txs[0].Amount, 0.0001)
}
