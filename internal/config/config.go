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
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Logging LoggingConfig
	Store   StoreConfig
	Lock    LockConfig
	AI      AIConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	logging, err := loadLoggingConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	lock, err := loadLockConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Logging: logging, Store: store, Lock: lock, AI: ai}, nil
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

// LoggingConfig 描述 zap 日志配置。
type LoggingConfig struct {
	Level        string
	Encoding     string
	Development  bool
	EnableCaller bool
	ServiceName  string
}

func loadLoggingConfig() (LoggingConfig, error) {
	development, err := parseBoolEnv("LOG_DEVELOPMENT", false)
	if err != nil {
		return LoggingConfig{}, err
	}

	caller, err := parseBoolEnv("LOG_CALLER", false)
	if err != nil {
		return LoggingConfig{}, err
	}

	return LoggingConfig{
		Level:        strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Encoding:     strings.ToLower(getEnvOrDefault("LOG_ENCODING", "console")),
		Development:  development,
		EnableCaller: caller,
		ServiceName:  getEnvOrDefault("SERVICE_NAME", "z-chat"),
	}, nil
}

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// StoreConfig 描述消息仓库的配置。
type StoreConfig struct {
	Driver         string
	SQLitePath     string
	PostgresDSN    string
	MaxConns       int32
	MinConns       int32
	ConnectTimeout time.Duration
	Seed           bool
}

func loadStoreConfig() (StoreConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("STORE_DRIVER", StoreMemory))
	switch driver {
	case StoreMemory, StoreSQLite, StorePostgres:
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value: %q", driver)
	}

	maxConns, err := parseOptionalIntEnv("POSTGRES_MAX_CONNS")
	if err != nil {
		return StoreConfig{}, err
	}
	minConns, err := parseOptionalIntEnv("POSTGRES_MIN_CONNS")
	if err != nil {
		return StoreConfig{}, err
	}

	connectTimeout, err := parseDurationEnv("POSTGRES_CONNECT_TIMEOUT", 5*time.Second)
	if err != nil {
		return StoreConfig{}, err
	}

	seed, err := parseBoolEnv("SEED_DATA", true)
	if err != nil {
		return StoreConfig{}, err
	}

	cfg := StoreConfig{
		Driver:         driver,
		SQLitePath:     getEnvOrDefault("SQLITE_PATH", "data/z-chat.db"),
		PostgresDSN:    strings.TrimSpace(os.Getenv("POSTGRES_DSN")),
		MaxConns:       8,
		MinConns:       1,
		ConnectTimeout: connectTimeout,
		Seed:           seed,
	}
	if maxConns != nil {
		cfg.MaxConns = int32(*maxConns)
	}
	if minConns != nil {
		cfg.MinConns = int32(*minConns)
	}

	if driver == StorePostgres && cfg.PostgresDSN == "" {
		return StoreConfig{}, fmt.Errorf("POSTGRES_DSN is required when STORE_DRIVER=%s", StorePostgres)
	}
	return cfg, nil
}

// Lock drivers.
const (
	LockMemory = "memory"
	LockRedis  = "redis"
)

// LockConfig 描述单会话锁的配置。多实例部署时使用 redis。
type LockConfig struct {
	Driver        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

func loadLockConfig() (LockConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("LOCK_DRIVER", LockMemory))
	if driver != LockMemory && driver != LockRedis {
		return LockConfig{}, fmt.Errorf("invalid LOCK_DRIVER value: %q", driver)
	}

	db, err := parseOptionalIntEnv("REDIS_DB")
	if err != nil {
		return LockConfig{}, err
	}

	ttl, err := parseDurationEnv("SESSION_LOCK_TTL", 30*time.Second)
	if err != nil {
		return LockConfig{}, err
	}

	cfg := LockConfig{
		Driver:        driver,
		RedisAddr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		TTL:           ttl,
	}
	if db != nil {
		cfg.RedisDB = *db
	}
	return cfg, nil
}

// Completion providers.
const (
	ProviderArk    = "ark"
	ProviderOpenAI = "openai"
)

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider    string
	Timeout     time.Duration
	MaxTokens   int
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	OpenAIKey   string
	OpenAIURL   string
	OpenAIModel string
}

// Enabled 表示所选提供方是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case ProviderOpenAI:
		return c.OpenAIKey != "" && c.OpenAIModel != ""
	default:
		return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
	}
}

// NewChatModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if c.Provider != ProviderArk || !c.Enabled() {
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

	maxTokens := c.MaxTokens

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   &maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("COMPLETION_PROVIDER", ProviderArk))
	if provider != ProviderArk && provider != ProviderOpenAI {
		return AIConfig{}, fmt.Errorf("invalid COMPLETION_PROVIDER value: %q", provider)
	}

	timeout, err := parseDurationEnv("COMPLETION_TIMEOUT", 2*time.Minute)
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens := 4096
	if override, err := parseOptionalIntEnv("COMPLETION_MAX_TOKENS"); err != nil {
		return AIConfig{}, err
	} else if override != nil && *override > 0 {
		maxTokens = *override
	}

	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		Provider:    provider,
		Timeout:     timeout,
		MaxTokens:   maxTokens,
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		OpenAIKey:   strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIURL:   getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel: getEnvOrDefault("OPENAI_MODEL", "gpt-5.1"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
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
