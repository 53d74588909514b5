// Package purchase implements the chat ↔ payment view transitions.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/zhouzirui/anime-finder/backend/internal/ledger"
	"github.com/zhouzirui/anime-finder/backend/internal/model/catalog"
	"github.com/zhouzirui/anime-finder/backend/internal/notify"
)

// View is the screen the session is showing.
type View string

const (
	ViewChat    View = "chat"
	ViewPayment View = "payment"
)

var (
	ErrPackageRequired    = errors.New("a token package must be selected")
	ErrIdentityRequired   = errors.New("sign in before buying tokens")
	ErrNotAwaitingPayment = errors.New("no purchase is in progress")
)

// Crediter credits purchased tokens.
type Crediter interface {
	AddTokens(ctx context.Context, n int) error
}

// Notifier shows a transient message to the user.
type Notifier interface {
	Show(text string, typ notify.Type) notify.Notification
}

// State is a snapshot of the flow.
type State struct {
	View            View                  `json:"view"`
	PromptOpen      bool                  `json:"promptOpen"`
	SelectedPackage *catalog.TokenPackage `json:"selectedPackage,omitempty"`
}

// Flow moves a session between the chat view and the payment view.
type Flow struct {
	mu         sync.Mutex
	ledger     Crediter
	notifier   Notifier
	view       View
	promptOpen bool
	selected   *catalog.TokenPackage
}

// NewFlow returns a flow in the chat view.
func NewFlow(ledger Crediter, notifier Notifier) *Flow {
	return &Flow{ledger: ledger, notifier: notifier, view: ViewChat}
}

// OpenPrompt shows the package selection prompt; it only exists in the chat view.
func (f *Flow) OpenPrompt() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.view != ViewChat {
		return false
	}
	f.promptOpen = true
	return true
}

// ClosePrompt hides the package selection prompt.
func (f *Flow) ClosePrompt() {
	f.mu.Lock()
	f.promptOpen = false
	f.mu.Unlock()
}

// Initiate closes the prompt and enters the payment view with pkg selected.
// Initiating again before payment completes replaces the selection.
func (f *Flow) Initiate(pkg catalog.TokenPackage, userIdentifier string) error {
	if !pkg.Valid() {
		return ErrPackageRequired
	}
	if strings.TrimSpace(userIdentifier) == "" {
		return ErrIdentityRequired
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.promptOpen = false
	f.selected = &pkg
	f.view = ViewPayment
	return nil
}

// Selected returns the package being paid for.
func (f *Flow) Selected() (catalog.TokenPackage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selected == nil {
		return catalog.TokenPackage{}, false
	}
	return *f.selected, true
}

// Succeed credits tokensPurchased, returns to chat and announces the credit.
// Duplicate calls credit again; deduplication belongs to the payment side.
func (f *Flow) Succeed(ctx context.Context, tokensPurchased int) error {
	if tokensPurchased <= 0 {
		return ledger.ErrInvalidAmount
	}

	f.mu.Lock()
	if err := f.ledger.AddTokens(ctx, tokensPurchased); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("credit purchase: %w", err)
	}
	f.selected = nil
	f.view = ViewChat
	f.mu.Unlock()

	if f.notifier != nil {
		f.notifier.Show(fmt.Sprintf("Success! %s tokens added.", humanize.Comma(int64(tokensPurchased))), notify.TypeSuccess)
	}
	return nil
}

// Cancel abandons the purchase without touching the ledger.
func (f *Flow) Cancel() {
	f.mu.Lock()
	f.selected = nil
	f.view = ViewChat
	f.mu.Unlock()
}

// State returns a snapshot of the flow.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := State{View: f.view, PromptOpen: f.promptOpen}
	if f.selected != nil {
		pkg := *f.selected
		st.SelectedPackage = &pkg
	}
	return st
}
