// Package session wires a chat session, its token ledger, the purchase flow
// and the notification channel into one controller per signed-in user.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/zhouzirui/anime-finder/backend/internal/ledger"
	"github.com/zhouzirui/anime-finder/backend/internal/model/catalog"
	"github.com/zhouzirui/anime-finder/backend/internal/model/chat"
	"github.com/zhouzirui/anime-finder/backend/internal/model/inbox"
	"github.com/zhouzirui/anime-finder/backend/internal/notify"
	chatsvc "github.com/zhouzirui/anime-finder/backend/internal/service/chat"
	"github.com/zhouzirui/anime-finder/backend/internal/service/payment"
	"github.com/zhouzirui/anime-finder/backend/internal/service/purchase"
)

var (
	ErrPackageNotFound   = errors.New("token package not found")
	ErrPaymentInProgress = errors.New("finish or cancel the purchase before chatting")
)

const (
	claimSuccessText  = "Success! %d daily tokens added."
	claimRejectedText = "You've either claimed today or have %d+ tokens."
	claimFailedText   = "Daily credits are unavailable right now. Please try again later."
)

// AuthState is the identity and balance shown to the user.
type AuthState struct {
	IsLoggedIn     bool   `json:"isLoggedIn"`
	Tokens         int    `json:"tokens"`
	UserIdentifier string `json:"userIdentifier,omitempty"`
	Email          string `json:"email,omitempty"`
}

// Snapshot is everything a client needs to render the session.
type Snapshot struct {
	SessionID       string                `json:"sessionId"`
	View            purchase.View         `json:"view"`
	PromptOpen      bool                  `json:"promptOpen"`
	SelectedPackage *catalog.TokenPackage `json:"selectedPackage,omitempty"`
	Auth            AuthState             `json:"auth"`
	CanClaimDaily   bool                  `json:"canClaimDaily"`
	Busy            bool                  `json:"busy"`
	OutOfTokens     bool                  `json:"outOfTokens"`
	Notification    *notify.Notification  `json:"notification,omitempty"`
	UnreadCount     int                   `json:"unreadCount"`
	Transcript      []chat.Message        `json:"transcript"`
}

// Deps are the collaborators a Controller is built from.
type Deps struct {
	Ledger          *ledger.Ledger
	Answerer        chatsvc.Answerer
	Catalog         catalog.Store
	Gateway         payment.Gateway
	Inbox           inbox.Store
	NotificationTTL time.Duration
	Scheduler       notify.Scheduler
	Logger          *zap.Logger
}

// claimAttempt marks the eligibility window a claim was attempted in.
type claimAttempt struct {
	day    string
	tokens int
}

// Controller is the composition root of one user session. It guarantees
// that no message is sent while the balance is exhausted: such a submission
// opens the purchase prompt instead.
type Controller struct {
	info     chat.Session
	ledger   *ledger.Ledger
	chat     *chatsvc.Session
	flow     *purchase.Flow
	notices  *notify.Channel
	catalog  catalog.Store
	gateway  payment.Gateway
	inbox    inbox.Store
	logger   *zap.Logger
	inflight sync.WaitGroup

	mu      sync.Mutex
	attempt *claimAttempt

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

// NewController assembles a controller for info.
func NewController(info chat.Session, deps Deps) (*Controller, error) {
	if deps.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if deps.Answerer == nil {
		return nil, errors.New("answerer is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session", info.ID), zap.String("user", info.UserIdentifier))

	c := &Controller{
		info:    info,
		ledger:  deps.Ledger,
		catalog: deps.Catalog,
		gateway: deps.Gateway,
		inbox:   deps.Inbox,
		logger:  logger,
		subs:    make(map[int]chan struct{}),
	}

	var opts []notify.Option
	if deps.Scheduler != nil {
		opts = append(opts, notify.WithScheduler(deps.Scheduler))
	}
	c.notices = notify.NewChannel(deps.NotificationTTL, opts...)
	c.notices.Subscribe(func(notify.Notification, bool) { c.broadcast() })

	c.chat = chatsvc.NewSession(deps.Ledger, deps.Answerer, logger, chatsvc.WithChangeHook(c.broadcast))
	c.flow = purchase.NewFlow(deps.Ledger, c.notices)
	return c, nil
}

// ID returns the session identifier.
func (c *Controller) ID() string {
	return c.info.ID
}

// Info returns the session descriptor.
func (c *Controller) Info() chat.Session {
	return c.info
}

// Send submits input as a new turn and completes it in the background.
// An exhausted balance opens the purchase prompt and returns
// chatsvc.ErrInsufficientTokens. The chat is not reachable from the payment
// view, so Send fails with ErrPaymentInProgress there.
func (c *Controller) Send(ctx context.Context, input string) (*chatsvc.Turn, error) {
	if c.flow.State().View != purchase.ViewChat {
		return nil, ErrPaymentInProgress
	}
	turn, err := c.chat.Submit(ctx, input)
	if errors.Is(err, chatsvc.ErrInsufficientTokens) {
		c.flow.OpenPrompt()
		c.broadcast()
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	// The answer must land even if the submitting request goes away.
	bg := context.WithoutCancel(ctx)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		if _, err := c.chat.Complete(bg, turn); err != nil {
			c.logger.Error("failed to finish turn", zap.Error(err))
		}
	}()
	return turn, nil
}

// ClaimDaily attempts the daily grant and reports the outcome through a
// notification. Eligibility stays false for the rest of the window.
func (c *Controller) ClaimDaily(ctx context.Context) (bool, error) {
	policy := c.ledger.Policy()
	granted, err := c.ledger.ClaimDailyCredits(ctx)
	c.markClaimAttempt(ctx)

	switch {
	case err != nil:
		c.logger.Error("daily claim failed", zap.Error(err))
		c.notices.Show(claimFailedText, notify.TypeError)
		return false, err
	case granted:
		c.notices.Show(fmt.Sprintf(claimSuccessText, policy.DailyGrant), notify.TypeSuccess)
	default:
		c.notices.Show(fmt.Sprintf(claimRejectedText, policy.ClaimThreshold), notify.TypeError)
	}
	c.broadcast()
	return granted, nil
}

func (c *Controller) markClaimAttempt(ctx context.Context) {
	tokens, err := c.ledger.Balance(ctx)
	if err != nil {
		tokens = -1
	}
	c.mu.Lock()
	c.attempt = &claimAttempt{day: c.ledger.Today(), tokens: tokens}
	c.mu.Unlock()
}

// CanClaimDaily derives eligibility from the ledger on every call.
func (c *Controller) CanClaimDaily(ctx context.Context) (bool, error) {
	tokens, err := c.ledger.Balance(ctx)
	if err != nil {
		return false, err
	}
	last, err := c.ledger.LastClaimDate(ctx)
	if err != nil {
		return false, err
	}
	today := c.ledger.Today()
	if !ledger.CanClaimDaily(last, tokens, today, c.ledger.Policy()) {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != nil && c.attempt.day == today && c.attempt.tokens == tokens {
		return false, nil
	}
	return true, nil
}

// OpenPurchasePrompt shows the package selection prompt.
func (c *Controller) OpenPurchasePrompt() bool {
	opened := c.flow.OpenPrompt()
	c.broadcast()
	return opened
}

// ClosePurchasePrompt hides the package selection prompt.
func (c *Controller) ClosePurchasePrompt() {
	c.flow.ClosePrompt()
	c.broadcast()
}

// InitiatePurchase moves the session to the payment view for packageID.
func (c *Controller) InitiatePurchase(packageID string) (catalog.TokenPackage, error) {
	if c.catalog == nil {
		return catalog.TokenPackage{}, ErrPackageNotFound
	}
	pkg, ok := c.catalog.FindByID(packageID)
	if !ok {
		return catalog.TokenPackage{}, ErrPackageNotFound
	}
	if err := c.flow.Initiate(pkg, c.info.UserIdentifier); err != nil {
		return catalog.TokenPackage{}, err
	}
	c.logger.Info("purchase initiated", zap.String("package", pkg.ID))
	c.broadcast()
	return pkg, nil
}

// CompletePurchase captures payment for the selected package with the quoted
// transaction and credits the purchased tokens.
func (c *Controller) CompletePurchase(ctx context.Context, transactionID string) (payment.Receipt, error) {
	pkg, ok := c.flow.Selected()
	if !ok {
		return payment.Receipt{}, purchase.ErrNotAwaitingPayment
	}
	if c.gateway == nil {
		return payment.Receipt{}, errors.New("payment gateway unavailable")
	}

	receipt, err := c.gateway.Capture(ctx, payment.Checkout{
		Package:        pkg,
		UserIdentifier: c.info.UserIdentifier,
		Email:          c.info.Email,
		TransactionID:  transactionID,
	})
	if err != nil {
		c.logger.Warn("payment capture rejected", zap.String("package", pkg.ID), zap.Error(err))
		return payment.Receipt{}, err
	}

	if err := c.PaymentSucceeded(ctx, receipt.Tokens); err != nil {
		// Hand the transaction back so the user can retry once the ledger recovers.
		if relErr := c.gateway.Release(context.WithoutCancel(ctx), receipt.TransactionID); relErr != nil {
			c.logger.Error("failed to release uncredited transaction",
				zap.String("transaction", receipt.TransactionID), zap.Error(relErr))
		}
		return payment.Receipt{}, err
	}

	if c.inbox != nil {
		c.inbox.Deliver(c.info.UserIdentifier, "Your token purchase",
			fmt.Sprintf("Thanks for your purchase! %s tokens were added to your balance (transaction %s).",
				humanize.Comma(int64(receipt.Tokens)), receipt.TransactionID))
		c.broadcast()
	}
	return receipt, nil
}

// PaymentSucceeded is the payment collaborator's success callback.
func (c *Controller) PaymentSucceeded(ctx context.Context, tokensPurchased int) error {
	if err := c.flow.Succeed(ctx, tokensPurchased); err != nil {
		return err
	}
	c.logger.Info("purchase credited", zap.Int("tokens", tokensPurchased))
	c.broadcast()
	return nil
}

// CancelPurchase returns to the chat view without any ledger change.
func (c *Controller) CancelPurchase() {
	c.flow.Cancel()
	c.broadcast()
}

// Inbox returns the user's mail.
func (c *Controller) Inbox() []inbox.Mail {
	if c.inbox == nil {
		return nil
	}
	return c.inbox.List(c.info.UserIdentifier)
}

// MarkMailRead flags one mail as read.
func (c *Controller) MarkMailRead(mailID string) error {
	if c.inbox == nil {
		return inbox.ErrMailNotFound
	}
	if err := c.inbox.MarkRead(c.info.UserIdentifier, mailID); err != nil {
		return err
	}
	c.broadcast()
	return nil
}

// Snapshot returns the current renderable state.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	tokens, err := c.ledger.Balance(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read balance: %w", err)
	}
	canClaim, err := c.CanClaimDaily(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("derive daily claim: %w", err)
	}

	flow := c.flow.State()
	busy := c.chat.Busy()
	snap := Snapshot{
		SessionID:       c.info.ID,
		View:            flow.View,
		PromptOpen:      flow.PromptOpen,
		SelectedPackage: flow.SelectedPackage,
		Auth: AuthState{
			IsLoggedIn:     c.info.UserIdentifier != "",
			Tokens:         tokens,
			UserIdentifier: c.info.UserIdentifier,
			Email:          c.info.Email,
		},
		CanClaimDaily: canClaim,
		Busy:          busy,
		OutOfTokens:   tokens <= 0 && !busy,
		Transcript:    c.chat.Transcript(),
	}
	if n, ok := c.notices.Current(); ok {
		snap.Notification = &n
	}
	if c.inbox != nil {
		snap.UnreadCount = c.inbox.UnreadCount(c.info.UserIdentifier)
	}
	return snap, nil
}

// Subscribe returns a channel signalled after every state change. Signals
// coalesce; call the returned func to unsubscribe.
func (c *Controller) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Controller) broadcast() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close waits for in-flight turns and stops the notification timer. It can
// block for as long as the answering service takes.
func (c *Controller) Close() {
	c.inflight.Wait()
	c.notices.Close()
}
