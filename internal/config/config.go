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

// Config aggregates every configurable concern of the engine.
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	AI     AIConfig
	Engine EngineConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	engine, err := loadEngineConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Store:  StoreConfig{Path: getEnvOrDefault("DATABASE_PATH", "careline.db")},
		AI:     ai,
		Engine: engine,
	}, nil
}

// ServerConfig describes the optional HTTP service.
type ServerConfig struct {
	Addr string
}

// StoreConfig locates the SQLite database file.
type StoreConfig struct {
	Path string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Allow ":8080" or "127.0.0.1:8080" verbatim.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig describes the generation backend.
type AIConfig struct {
	APIKey               string
	AccessKey            string
	SecretKey            string
	Model                string
	BaseURL              string
	Region               string
	Temperature          *float64
	TopP                 *float64
	ChatMaxTokens        int
	EducationalMaxTokens int
	StreamResponse       bool
}

// Enabled reports whether the required credentials are present.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds a model instance with the given completion budget.
// Chat replies and educational documents use different budgets, so callers
// construct one model per budget.
func (c AIConfig) NewChatModel(ctx context.Context, maxTokens int) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + ARK_MODEL or an AK/SK pair")
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
		MaxTokens:   &maxTokens,
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

	chatTokens, err := parseIntEnv("CHAT_MAX_TOKENS", 500)
	if err != nil {
		return AIConfig{}, err
	}

	educationalTokens, err := parseIntEnv("EDUCATIONAL_MAX_TOKENS", 2000)
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:               strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:            strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:            strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:                strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:              getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:               getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:          temperature,
		TopP:                 topP,
		ChatMaxTokens:        chatTokens,
		EducationalMaxTokens: educationalTokens,
		StreamResponse:       stream,
	}, nil
}

// EngineConfig bounds the conversational core: how much history reaches the
// model and how long each call may run.
type EngineConfig struct {
	// HistoryWindow is the maximum number of verbatim turns handed to the
	// model; older turns are folded into a summary.
	HistoryWindow int
	// ChatTimeout bounds a reply or summarization call.
	ChatTimeout time.Duration
	// EducationalTimeout bounds opening-document generation.
	EducationalTimeout time.Duration
	// IPCTimeout bounds a whole stdin/stdout invocation. It must exceed
	// EducationalTimeout so a backend timeout surfaces as a structured
	// error instead of a killed process.
	IPCTimeout time.Duration
}

func loadEngineConfig() (EngineConfig, error) {
	window, err := parseIntEnv("CHAT_HISTORY_WINDOW", 20)
	if err != nil {
		return EngineConfig{}, err
	}
	if window < 1 {
		window = 1
	}

	chatTimeout, err := parseIntEnv("CHAT_TIMEOUT_SECONDS", 60)
	if err != nil {
		return EngineConfig{}, err
	}

	educationalTimeout, err := parseIntEnv("EDUCATIONAL_TIMEOUT_SECONDS", 120)
	if err != nil {
		return EngineConfig{}, err
	}

	ipcTimeout, err := parseIntEnv("IPC_TIMEOUT_SECONDS", 150)
	if err != nil {
		return EngineConfig{}, err
	}

	cfg := EngineConfig{
		HistoryWindow:      window,
		ChatTimeout:        time.Duration(chatTimeout) * time.Second,
		EducationalTimeout: time.Duration(educationalTimeout) * time.Second,
		IPCTimeout:         time.Duration(ipcTimeout) * time.Second,
	}
	if cfg.IPCTimeout <= cfg.EducationalTimeout {
		return EngineConfig{}, fmt.Errorf("IPC_TIMEOUT_SECONDS (%v) must exceed EDUCATIONAL_TIMEOUT_SECONDS (%v)",
			cfg.IPCTimeout, cfg.EducationalTimeout)
	}
	return cfg, nil
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

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
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
