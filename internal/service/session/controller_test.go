package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/anime-finder/backend/internal/ledger"
	"github.com/zhouzirui/anime-finder/backend/internal/model/catalog"
	"github.com/zhouzirui/anime-finder/backend/internal/model/chat"
	"github.com/zhouzirui/anime-finder/backend/internal/model/inbox"
	"github.com/zhouzirui/anime-finder/backend/internal/notify"
	chatsvc "github.com/zhouzirui/anime-finder/backend/internal/service/chat"
	"github.com/zhouzirui/anime-finder/backend/internal/service/payment"
	"github.com/zhouzirui/anime-finder/backend/internal/service/purchase"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubTimer struct{}

func (stubTimer) Stop() bool { return true }

// idleScheduler never fires, keeping notifications visible for assertions.
type idleScheduler struct{}

func (idleScheduler) AfterFunc(time.Duration, func()) notify.Timer { return stubTimer{} }

// gatedAnswerer blocks every call until release is closed.
type gatedAnswerer struct {
	release chan struct{}
	once    sync.Once
	answer  chat.Answer
	err     error
}

func (a *gatedAnswerer) Release() {
	a.once.Do(func() { close(a.release) })
}

func newGatedAnswerer(answer chat.Answer, err error) *gatedAnswerer {
	return &gatedAnswerer{release: make(chan struct{}), answer: answer, err: err}
}

func (a *gatedAnswerer) FindAnimeLinks(ctx context.Context, _, _ string) (chat.Answer, error) {
	select {
	case <-a.release:
	case <-ctx.Done():
		return chat.Answer{}, ctx.Err()
	}
	return a.answer, a.err
}

type failingClaimBackend struct {
	*ledger.MemoryBackend
}

func (failingClaimBackend) Claim(context.Context, string, string, ledger.Policy) (bool, error) {
	return false, errors.New("ledger offline")
}

// flakyCreditBackend fails the first credit it sees.
type flakyCreditBackend struct {
	*ledger.MemoryBackend
	once sync.Once
}

func (b *flakyCreditBackend) Credit(ctx context.Context, userID string, n int) (int, error) {
	var failed bool
	b.once.Do(func() { failed = true })
	if failed {
		return 0, errors.New("ledger offline")
	}
	return b.MemoryBackend.Credit(ctx, userID, n)
}

type fixture struct {
	manager *Manager
	gateway *payment.MockGateway
	inbox   *inbox.MemoryStore
	clock   time.Time
}

func newFixture(t *testing.T, initialTokens int, answerer chatsvc.Answerer, backend ledger.Backend) *fixture {
	t.Helper()
	if backend == nil {
		backend = ledger.NewMemoryBackend()
	}
	f := &fixture{
		gateway: payment.NewMockGateway([]payment.Transaction{
			{TransactionID: "tx-binge", Amount: 49.99, UserIdentifier: "alice"},
		}),
		inbox: inbox.NewMemoryStore(),
		clock: time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local),
	}
	f.manager = NewManager(ManagerConfig{
		Backend:       backend,
		Policy:        ledger.DefaultPolicy(),
		InitialTokens: initialTokens,
		Answerer:      answerer,
		Catalog:       catalog.NewMemoryStore(catalog.Seed()),
		Gateway:       f.gateway,
		Inbox:         f.inbox,
		Scheduler:     idleScheduler{},
		Clock:         func() time.Time { return f.clock },
	})
	t.Cleanup(f.manager.Shutdown)
	if g, ok := answerer.(*gatedAnswerer); ok {
		// cleanups run last-in first-out, so blocked turns are released before shutdown
		t.Cleanup(g.Release)
	}
	return f
}

func snapshot(t *testing.T, c *Controller) Snapshot {
	t.Helper()
	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func waitTurn(t *testing.T, turn *chatsvc.Turn) chat.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := turn.Wait(ctx)
	require.NoError(t, err)
	return msg
}

func TestLastTokenScenario(t *testing.T) {
	links := []chat.Link{{Text: "Crunchyroll", URL: "https://www.crunchyroll.com/chainsaw-man"}}
	answerer := newGatedAnswerer(chat.Answer{ResponseText: "Found it!", FoundLinks: links}, nil)
	f := newFixture(t, 1, answerer, nil)
	ctx := context.Background()

	c, err := f.manager.SignUp(ctx, "alice", "alice@example.com")
	require.NoError(t, err)

	turn, err := c.Send(ctx, "Chainsaw Man episode 1")
	require.NoError(t, err)

	snap := snapshot(t, c)
	assert.Equal(t, 0, snap.Auth.Tokens)
	assert.True(t, snap.Busy)
	assert.False(t, snap.OutOfTokens, "no out-of-tokens banner while a turn is pending")
	last := snap.Transcript[len(snap.Transcript)-1]
	assert.True(t, last.IsLoading)
	assert.Equal(t, turn.Placeholder.ID, last.ID)

	answerer.Release()
	msg := waitTurn(t, turn)
	assert.Equal(t, links, msg.Links)

	snap = snapshot(t, c)
	require.Len(t, snap.Transcript, 3)
	assert.Equal(t, "Found it!", snap.Transcript[2].Text)
	assert.False(t, snap.Busy)
	assert.True(t, snap.OutOfTokens)

	_, err = c.Send(ctx, "Chainsaw Man episode 2")
	assert.ErrorIs(t, err, chatsvc.ErrInsufficientTokens)

	snap = snapshot(t, c)
	assert.True(t, snap.PromptOpen)
	assert.Len(t, snap.Transcript, 3)
	assert.Equal(t, 0, snap.Auth.Tokens)
}

func TestEmptyBalanceRoutesToPackageSelection(t *testing.T) {
	f := newFixture(t, 0, newGatedAnswerer(chat.Answer{}, nil), nil)
	ctx := context.Background()
	c, err := f.manager.SignUp(ctx, "alice", "")
	require.NoError(t, err)

	_, err = c.Send(ctx, "Frieren")
	assert.ErrorIs(t, err, chatsvc.ErrInsufficientTokens)

	snap := snapshot(t, c)
	assert.True(t, snap.PromptOpen)
	assert.Equal(t, purchase.ViewChat, snap.View)
	assert.Len(t, snap.Transcript, 1)
	assert.Equal(t, 0, snap.Auth.Tokens)
}

func TestBusySessionRejectsSecondSend(t *testing.T) {
	answerer := newGatedAnswerer(chat.Answer{ResponseText: "ok"}, nil)
	f := newFixture(t, 5, answerer, nil)
	ctx := context.Background()
	c, err := f.manager.SignUp(ctx, "alice", "")
	require.NoError(t, err)

	turn, err := c.Send(ctx, "first")
	require.NoError(t, err)
	_, err = c.Send(ctx, "second")
	assert.ErrorIs(t, err, chatsvc.ErrBusy)
	assert.False(t, snapshot(t, c).PromptOpen)

	answerer.Release()
	waitTurn(t, turn)
	assert.Equal(t, 4, snapshot(t, c).Auth.Tokens)
}

func TestFailedAnswerKeepsTokenSpent(t *testing.T) {
	answerer := newGatedAnswerer(chat.Answer{}, errors.New("service unavailable"))
	answerer.Release()
	f := newFixture(t, 2, answerer, nil)
	ctx := context.Background()
	c, err := f.manager.SignUp(ctx, "alice", "")
	require.NoError(t, err)

	turn, err := c.Send(ctx, "One Piece")
	require.NoError(t, err)
	msg := waitTurn(t, turn)

	assert.Equal(t, "service unavailable", msg.Text)
	assert.Equal(t, 1, snapshot(t, c).Auth.Tokens)
}

func TestSendSurvivesRequestCancellation(t *testing.T) {
	answerer := newGatedAnswerer(chat.Answer{ResponseText: "still here"}, nil)
	f := newFixture(t, 1, answerer, nil)
	c, err := f.manager.SignUp(context.Background(), "alice", "")
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(context.Background())
	turn, err := c.Send(reqCtx, "Mob Psycho")
	require.NoError(t, err)
	cancel()
	answerer.Release()

	assert.Equal(t, "still here", waitTurn(t, turn).Text)
}

func TestInitiateTwiceKeepsLastPackage(t *testing.T) {
	f := newFixture(t, 0, newGatedAnswerer(chat.Answer{}, nil), nil)
	c, err := f.manager.SignUp(context.Background(), "alice", "")
	require.NoError(t, err)
	require.True(t, c.OpenPurchasePrompt())

	_, err = c.InitiatePurchase("starter")
	require.NoError(t, err)
	_, err = c.InitiatePurchase("binge")
	require.NoError(t, err)

	snap := snapshot(t, c)
	assert.Equal(t, purchase.ViewPayment, snap.View)
	assert.False(t, snap.PromptOpen)
	require.NotNil(t, snap.SelectedPackage)
	assert.Equal(t, "binge", snap.SelectedPackage.ID)

	_, err = c.InitiatePurchase("missing")
	assert.ErrorIs(t, err, ErrPackageNotFound)
}

func TestCompletePurchaseCreditsAndDeliversReceipt(t *testing.T) {
	f := newFixture(t, 0, newGatedAnswerer(chat.Answer{}, nil), nil)
	ctx := context.Background()
	c, err := f.manager.SignUp(ctx, "alice", "alice@example.com")
	require.NoError(t, err)

	_, err = c.InitiatePurchase("binge")
	require.NoError(t, err)
	receipt, err := c.CompletePurchase(ctx, "tx-binge")
	require.NoError(t, err)
	assert.Equal(t, 1000, receipt.Tokens)

	snap := snapshot(t, c)
	assert.Equal(t, 1000, snap.Auth.Tokens)
	assert.Equal(t, purchase.ViewChat, snap.View)
	assert.Nil(t, snap.SelectedPackage)
	require.NotNil(t, snap.Notification)
	assert.Equal(t, "Success! 1,000 tokens added.", snap.Notification.Text)
	assert.Equal(t, 1, snap.UnreadCount)

	mails := c.Inbox()
	require.Len(t, mails, 1)
	require.NoError(t, c.MarkMailRead(mails[0].ID))
	assert.Equal(t, 0, snapshot(t, c).UnreadCount)

	// the transaction cannot be replayed
	_, err = c.InitiatePurchase("binge")
	require.NoError(t, err)
	_, err = c.CompletePurchase(ctx, "tx-binge")
	assert.ErrorIs(t, err, payment.ErrTransactionClaimed)
	assert.Equal(t, 1000, snapshot(t, c).Auth.Tokens)
}

func TestCompletePurchaseRetriesAfterFailedCredit(t *testing.T) {
	backend := &flakyCreditBackend{MemoryBackend: ledger.NewMemoryBackend()}
	f := newFixture(t, 0, newGatedAnswerer(chat.Answer{}, nil), backend)
	ctx := context.Background()
	c, err := f.manager.SignUp(ctx, "alice", "")
	require.NoError(t, err)

	_, err = c.InitiatePurchase("binge")
	require.NoError(t, err)
	_, err = c.CompletePurchase(ctx, "tx-binge")
	require.Error(t, err)

	snap := snapshot(t, c)
	assert.Equal(t, 0, snap.Auth.Tokens)
	assert.Equal(t, purchase.ViewPayment, snap.View)
	assert.Equal(t, 0, snap.UnreadCount)

	receipt, err := c.CompletePurchase(ctx, "tx-binge")
	require.NoError(t, err)
	assert.Equal(t, 1000, receipt.Tokens)

	snap = snapshot(t, c)
	assert.Equal(t, 1000, snap.Auth.Tokens)
	assert.Equal(t, purchase.ViewChat, snap.View)
	assert.Equal(t, 1, snap.UnreadCount)
}

func TestSendRejectedDuringPayment(t *testing.T) {
	f := newFixture(t, 3, newGatedAnswerer(chat.Answer{ResponseText: "ok"}, nil), nil)
	ctx := context.Background()
	c, err := f.manager.SignUp(ctx, "alice", "")
	require.NoError(t, err)

	_, err = c.InitiatePurchase("fan")
	require.NoError(t, err)
	before := snapshot(t, c)

	_, err = c.Send(ctx, "Frieren")
	assert.ErrorIs(t, err, ErrPaymentInProgress)

	snap := snapshot(t, c)
	assert.Equal(t, 3, snap.Auth.Tokens)
	assert.False(t, snap.Busy)
	assert.Equal(t, purchase.ViewPayment, snap.View)
	assert.Equal(t, before.Transcript, snap.Transcript)

	c.CancelPurchase()
	_, err = c.Send(ctx, "Frieren")
	require.NoError(t, err)
	assert.Equal(t, 2, snapshot(t, c).Auth.Tokens)
}

func TestCompletePurchaseWithoutSelection(t *testing.T) {
	f := newFixture(t, 0, newGatedAnswerer(chat.Answer{}, nil), nil)
	c, err := f.manager.SignUp(context.Background(), "alice", "")
	require.NoError(t, err)

	_, err = c.CompletePurchase(context.Background(), "tx-binge")
	assert.ErrorIs(t, err, purchase.ErrNotAwaitingPayment)
}

func TestCancelPurchaseLeavesBalance(t *testing.T) {
	f := newFixture(t, 2, newGatedAnswerer(chat.Answer{}, nil), nil)
	c, err := f.manager.SignUp(context.Background(), "alice", "")
	require.NoError(t, err)

	_, err = c.InitiatePurchase("fan")
	require.NoError(t, err)
	c.CancelPurchase()

	snap := snapshot(t, c)
	assert.Equal(t, purchase.ViewChat, snap.View)
	assert.Nil(t, snap.SelectedPackage)
	assert.Equal(t, 2, snap.Auth.Tokens)
	assert.Nil(t, snap.Notification)
}

func TestDailyClaim(t *testing.T) {
	f := newFixture(t, 0, newGatedAnswerer(chat.Answer{}, nil), nil)
	ctx := context.Background()
	c, err := f.manager.SignUp(ctx, "alice", "")
	require.NoError(t, err)

	assert.True(t, snapshot(t, c).CanClaimDaily)

	granted, err := c.ClaimDaily(ctx)
	require.NoError(t, err)
	assert.True(t, granted)

	snap := snapshot(t, c)
	assert.Equal(t, 3, snap.Auth.Tokens)
	assert.False(t, snap.CanClaimDaily)
	require.NotNil(t, snap.Notification)
	assert.Equal(t, "Success! 3 daily tokens added.", snap.Notification.Text)

	granted, err = c.ClaimDaily(ctx)
	require.NoError(t, err)
	assert.False(t, granted)
	snap = snapshot(t, c)
	assert.Equal(t, notify.TypeError, snap.Notification.Type)
	assert.Equal(t, "You've either claimed today or have 5+ tokens.", snap.Notification.Text)
	assert.Equal(t, 3, snap.Auth.Tokens)

	f.clock = f.clock.Add(24 * time.Hour)
	assert.True(t, snapshot(t, c).CanClaimDaily)
}

func TestDailyClaimAboveThreshold(t *testing.T) {
	f := newFixture(t, 5, newGatedAnswerer(chat.Answer{}, nil), nil)
	ctx := context.Background()
	c, err := f.manager.SignUp(ctx, "alice", "")
	require.NoError(t, err)

	assert.False(t, snapshot(t, c).CanClaimDaily)
	granted, err := c.ClaimDaily(ctx)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, 5, snapshot(t, c).Auth.Tokens)
}

func TestFailedClaimSuppressesEligibilityForWindow(t *testing.T) {
	backend := failingClaimBackend{ledger.NewMemoryBackend()}
	f := newFixture(t, 1, newGatedAnswerer(chat.Answer{}, nil), backend)
	ctx := context.Background()
	c, err := f.manager.SignUp(ctx, "alice", "")
	require.NoError(t, err)
	require.True(t, snapshot(t, c).CanClaimDaily)

	_, err = c.ClaimDaily(ctx)
	require.Error(t, err)

	snap := snapshot(t, c)
	assert.False(t, snap.CanClaimDaily)
	require.NotNil(t, snap.Notification)
	assert.Equal(t, notify.TypeError, snap.Notification.Type)

	// a balance change opens a new window
	require.NoError(t, c.PaymentSucceeded(ctx, 1))
	assert.True(t, snapshot(t, c).CanClaimDaily)
}

func TestSubscribeSignalsChanges(t *testing.T) {
	answerer := newGatedAnswerer(chat.Answer{ResponseText: "ok"}, nil)
	f := newFixture(t, 1, answerer, nil)
	c, err := f.manager.SignUp(context.Background(), "alice", "")
	require.NoError(t, err)

	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	turn, err := c.Send(context.Background(), "Naruto")
	require.NoError(t, err)
	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatal("expected change signal after send")
	}

	answerer.Release()
	waitTurn(t, turn)
	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatal("expected change signal after resolve")
	}
}

func TestConcurrentSessionsShareLedger(t *testing.T) {
	answerer := newGatedAnswerer(chat.Answer{ResponseText: "ok"}, nil)
	answerer.Release()
	f := newFixture(t, 3, answerer, nil)
	ctx := context.Background()

	var controllers []*Controller
	for i := 0; i < 6; i++ {
		c, err := f.manager.SignUp(ctx, "alice", "")
		require.NoError(t, err)
		controllers = append(controllers, c)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []*chatsvc.Turn
	)
	for _, c := range controllers {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			turn, err := c.Send(ctx, "Bleach")
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, turn)
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	for _, turn := range accepted {
		waitTurn(t, turn)
	}

	assert.Len(t, accepted, 3)
	assert.Equal(t, 0, snapshot(t, controllers[0]).Auth.Tokens)
}

func TestManagerLookup(t *testing.T) {
	f := newFixture(t, 1, newGatedAnswerer(chat.Answer{}, nil), nil)
	ctx := context.Background()

	_, err := f.manager.SignUp(ctx, "  ", "")
	assert.ErrorIs(t, err, ErrIdentityRequired)

	c, err := f.manager.SignUp(ctx, "alice", "")
	require.NoError(t, err)
	got, err := f.manager.Get(c.ID())
	require.NoError(t, err)
	assert.Same(t, c, got)

	require.NoError(t, f.manager.Close(c.ID()))
	_, err = f.manager.Get(c.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, f.manager.Close(c.ID()), ErrSessionNotFound)
}

func TestManagerCloseDoesNotWaitForPendingTurn(t *testing.T) {
	answerer := newGatedAnswerer(chat.Answer{ResponseText: "late"}, nil)
	f := newFixture(t, 2, answerer, nil)
	ctx := context.Background()
	c, err := f.manager.SignUp(ctx, "alice", "")
	require.NoError(t, err)
	_, err = c.Send(ctx, "Frieren")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.manager.Close(c.ID()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close blocked on the pending turn")
	}

	_, err = f.manager.Get(c.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)

	answerer.Release()
	f.manager.Shutdown()
}
