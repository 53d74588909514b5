package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	AI      AIConfig
	Ledger  LedgerConfig
	Session SessionConfig
	Catalog CatalogConfig
	Payment PaymentConfig
	Log     LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	ledger, err := loadLedgerConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		AI:      ai,
		Ledger:  ledger,
		Session: session,
		Catalog: CatalogConfig{PackagesFile: strings.TrimSpace(os.Getenv("PACKAGES_FILE"))},
		Payment: PaymentConfig{TransactionsFile: strings.TrimSpace(os.Getenv("PAYMENT_TRANSACTIONS_FILE"))},
		Log:     logCfg,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// LedgerConfig 描述代币账本配置。DBPath 为空时使用内存账本。
type LedgerConfig struct {
	DBPath         string
	InitialTokens  int
	DailyGrant     int
	ClaimThreshold int
}

func loadLedgerConfig() (LedgerConfig, error) {
	initial, err := parseIntEnv("LEDGER_INITIAL_TOKENS", 5)
	if err != nil {
		return LedgerConfig{}, err
	}
	if initial < 0 {
		return LedgerConfig{}, fmt.Errorf("invalid LEDGER_INITIAL_TOKENS value %d: must not be negative", initial)
	}

	grant, err := parseIntEnv("DAILY_GRANT_TOKENS", 3)
	if err != nil {
		return LedgerConfig{}, err
	}
	if grant < 1 {
		return LedgerConfig{}, fmt.Errorf("invalid DAILY_GRANT_TOKENS value %d: must be positive", grant)
	}

	threshold, err := parseIntEnv("DAILY_CLAIM_THRESHOLD", 5)
	if err != nil {
		return LedgerConfig{}, err
	}

	return LedgerConfig{
		DBPath:         strings.TrimSpace(os.Getenv("LEDGER_DB_PATH")),
		InitialTokens:  initial,
		DailyGrant:     grant,
		ClaimThreshold: threshold,
	}, nil
}

// SessionConfig 描述会话相关配置。
type SessionConfig struct {
	NotificationTTL time.Duration
}

func loadSessionConfig() (SessionConfig, error) {
	ttl := 4 * time.Second
	if raw := strings.TrimSpace(os.Getenv("NOTIFICATION_TTL")); raw != "" {
		val, err := time.ParseDuration(raw)
		if err != nil {
			return SessionConfig{}, fmt.Errorf("invalid NOTIFICATION_TTL value %q: %w", raw, err)
		}
		if val <= 0 {
			return SessionConfig{}, fmt.Errorf("invalid NOTIFICATION_TTL value %q: must be positive", raw)
		}
		ttl = val
	}
	return SessionConfig{NotificationTTL: ttl}, nil
}

// CatalogConfig 指定代币套餐目录文件，为空时使用内置套餐。
type CatalogConfig struct {
	PackagesFile string
}

// PaymentConfig 指定模拟支付的交易记录文件。
type PaymentConfig struct {
	TransactionsFile string
}

// LogConfig 描述日志配置。
type LogConfig struct {
	Level       zapcore.Level
	Development bool
}

func loadLogConfig() (LogConfig, error) {
	level := zapcore.InfoLevel
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
			return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL value %q: %w", raw, err)
		}
	}
	return LogConfig{
		Level:       level,
		Development: strings.EqualFold(strings.TrimSpace(os.Getenv("APP_ENV")), "development"),
	}, nil
}

// NewLogger 根据配置构建 zap 日志器。
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if c.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(c.Level)
	return zapCfg.Build()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
