package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/anime-finder/backend/internal/config"
	"github.com/zhouzirui/anime-finder/backend/internal/handler"
	"github.com/zhouzirui/anime-finder/backend/internal/ledger"
	"github.com/zhouzirui/anime-finder/backend/internal/model/catalog"
	"github.com/zhouzirui/anime-finder/backend/internal/model/inbox"
	"github.com/zhouzirui/anime-finder/backend/internal/service/ai"
	chatService "github.com/zhouzirui/anime-finder/backend/internal/service/chat"
	"github.com/zhouzirui/anime-finder/backend/internal/service/payment"
	"github.com/zhouzirui/anime-finder/backend/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load configuration", zap.Error(err))
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Info("no .env file loaded, continuing with system environment variables only", zap.Error(envErr))
	}

	backend, closeBackend, err := openLedger(cfg.Ledger, logger)
	if err != nil {
		logger.Fatal("failed to open ledger", zap.Error(err))
	}
	defer closeBackend()

	packages, err := loadCatalog(cfg.Catalog, logger)
	if err != nil {
		logger.Fatal("failed to load token packages", zap.Error(err))
	}

	gateway, err := loadGateway(cfg.Payment, logger)
	if err != nil {
		logger.Fatal("failed to load payment transactions", zap.Error(err))
	}

	var answerer chatService.Answerer = ai.Unavailable{}
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI, logger.Named("ai"))
		if err != nil {
			logger.Warn("failed to initialize AI service, queries will fail until Ark is configured", zap.Error(err))
		} else {
			answerer = aiService
			logger.Info("AI service initialized successfully", zap.String("model", cfg.AI.Model))
		}
	} else {
		logger.Warn("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	sessions := session.NewManager(session.ManagerConfig{
		Backend: backend,
		Policy: ledger.Policy{
			DailyGrant:     cfg.Ledger.DailyGrant,
			ClaimThreshold: cfg.Ledger.ClaimThreshold,
		},
		InitialTokens:   cfg.Ledger.InitialTokens,
		Answerer:        answerer,
		Catalog:         packages,
		Gateway:         gateway,
		Inbox:           inbox.NewMemoryStore(),
		NotificationTTL: cfg.Session.NotificationTTL,
		Logger:          logger.Named("session"),
	})
	defer sessions.Shutdown()

	router := handler.NewRouter(packages, sessions, logger)

	startServer(ctx, cfg.Server, router, logger)
}

// openLedger 根据配置打开 SQLite 或内存账本
func openLedger(cfg config.LedgerConfig, logger *zap.Logger) (ledger.Backend, func(), error) {
	if cfg.DBPath == "" {
		logger.Info("using in-memory ledger")
		return ledger.NewMemoryBackend(), func() {}, nil
	}

	backend, err := ledger.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using sqlite ledger", zap.String("path", cfg.DBPath))
	return backend, func() {
		if err := backend.Close(); err != nil {
			logger.Warn("failed to close ledger", zap.Error(err))
		}
	}, nil
}

func loadCatalog(cfg config.CatalogConfig, logger *zap.Logger) (catalog.Store, error) {
	if cfg.PackagesFile == "" {
		return catalog.NewMemoryStore(catalog.Seed()), nil
	}
	items, err := catalog.LoadFile(cfg.PackagesFile)
	if err != nil {
		return nil, err
	}
	logger.Info("token packages loaded", zap.String("path", cfg.PackagesFile), zap.Int("count", len(items)))
	return catalog.NewMemoryStore(items), nil
}

func loadGateway(cfg config.PaymentConfig, logger *zap.Logger) (*payment.MockGateway, error) {
	if cfg.TransactionsFile == "" {
		logger.Warn("PAYMENT_TRANSACTIONS_FILE not set, every purchase will be rejected")
		return payment.NewMockGateway(nil), nil
	}
	txs, err := payment.LoadTransactions(cfg.TransactionsFile)
	if err != nil {
		return nil, err
	}
	logger.Info("mock transactions loaded", zap.String("path", cfg.TransactionsFile), zap.Int("count", len(txs)))
	return payment.NewMockGateway(txs), nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("Anime Finder backend listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		logger.Error("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
