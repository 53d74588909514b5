package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/anime-finder/backend/internal/ledger"
	"github.com/zhouzirui/anime-finder/backend/internal/model/catalog"
	"github.com/zhouzirui/anime-finder/backend/internal/model/chat"
	"github.com/zhouzirui/anime-finder/backend/internal/model/inbox"
	"github.com/zhouzirui/anime-finder/backend/internal/notify"
	chatsvc "github.com/zhouzirui/anime-finder/backend/internal/service/chat"
	"github.com/zhouzirui/anime-finder/backend/internal/service/payment"
)

var (
	ErrIdentityRequired = errors.New("userIdentifier is required")
	ErrSessionNotFound  = errors.New("session not found")
)

// ManagerConfig carries the shared collaborators of every session.
type ManagerConfig struct {
	Backend         ledger.Backend
	Policy          ledger.Policy
	InitialTokens   int
	Answerer        chatsvc.Answerer
	Catalog         catalog.Store
	Gateway         payment.Gateway
	Inbox           inbox.Store
	NotificationTTL time.Duration
	Scheduler       notify.Scheduler
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Manager keeps the live controllers keyed by session id.
type Manager struct {
	cfg      ManagerConfig
	mu       sync.RWMutex
	sessions map[string]*Controller
	draining sync.WaitGroup
}

// NewManager returns an empty session registry.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Controller),
	}
}

// SignUp opens a session for the identity, creating its ledger account with
// the initial balance the first time the identity is seen.
func (m *Manager) SignUp(ctx context.Context, userIdentifier, email string) (*Controller, error) {
	userIdentifier = strings.TrimSpace(userIdentifier)
	if userIdentifier == "" {
		return nil, ErrIdentityRequired
	}

	if err := m.cfg.Backend.EnsureAccount(ctx, userIdentifier, m.cfg.InitialTokens); err != nil {
		return nil, fmt.Errorf("ensure ledger account: %w", err)
	}
	l, err := ledger.New(m.cfg.Backend, userIdentifier, m.cfg.Policy, ledger.WithClock(m.cfg.Clock))
	if err != nil {
		return nil, err
	}

	info := chat.Session{
		ID:             uuid.NewString(),
		UserIdentifier: userIdentifier,
		Email:          strings.TrimSpace(email),
		CreatedAt:      m.cfg.Clock().UTC(),
	}
	ctrl, err := NewController(info, Deps{
		Ledger:          l,
		Answerer:        m.cfg.Answerer,
		Catalog:         m.cfg.Catalog,
		Gateway:         m.cfg.Gateway,
		Inbox:           m.cfg.Inbox,
		NotificationTTL: m.cfg.NotificationTTL,
		Scheduler:       m.cfg.Scheduler,
		Logger:          m.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[info.ID] = ctrl
	m.mu.Unlock()

	m.cfg.Logger.Info("session opened", zap.String("session", info.ID), zap.String("user", userIdentifier))
	return ctrl, nil
}

// Get retrieves a controller by session id.
func (m *Manager) Get(sessionID string) (*Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctrl, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ctrl, nil
}

// Close ends a session. It returns at once; a turn still awaiting its
// answer finishes in the background and Shutdown waits for it.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	ctrl, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	if ok {
		m.draining.Add(1)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	go func() {
		defer m.draining.Done()
		ctrl.Close()
	}()
	m.cfg.Logger.Info("session closed", zap.String("session", sessionID))
	return nil
}

// Shutdown closes every session and waits for sessions closed earlier to drain.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Controller)
	m.mu.Unlock()

	for _, ctrl := range sessions {
		ctrl.Close()
	}
	m.draining.Wait()
}
