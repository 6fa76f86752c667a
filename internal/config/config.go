// Package config は環境変数ベースのアプリケーション設定を提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// LLM
	OpenAIAPIKey   string
	ChatModel      string
	EmbeddingModel string

	// Telegram（トークン未設定の場合、ブロードキャストは無効になる）
	TelegramToken string

	// News Service API（未設定の場合、公開は無効になる）
	NewsServiceBaseURL  string
	NewsServiceAPIKey   string
	NewsServiceAuthorID string

	// Store
	MaxPosts int

	// Similarity
	SimilarityThreshold float64
	SimilarityWindow    time.Duration

	// Scheduler
	QueueInterval             time.Duration
	ScrapeIntervalBBC         time.Duration
	ScrapeIntervalTorontoStar time.Duration
	ScrapeIntervalIRCC        time.Duration

	// Pipeline
	ProcessingTimeout   time.Duration
	TranslationCooldown time.Duration
	RateLimitBackoff    time.Duration

	// Fetch
	FetchTimeout time.Duration
	FetchMaxSize int64

	// Server
	ServerPort string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if cfg.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ChatModel = getEnvString("CHAT_MODEL", "gpt-4o-mini")
	cfg.EmbeddingModel = getEnvString("EMBEDDING_MODEL", "text-embedding-3-small")
	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.NewsServiceBaseURL = os.Getenv("NEWS_SERVICE_BASE_URL")
	cfg.NewsServiceAPIKey = os.Getenv("NEWS_SERVICE_API_KEY")
	cfg.NewsServiceAuthorID = os.Getenv("NEWS_SERVICE_AUTHOR_ID")
	cfg.MaxPosts = getEnvInt("MAX_POSTS", 1000)
	cfg.SimilarityThreshold = getEnvFloat("SIMILARITY_THRESHOLD", 0.8)
	cfg.SimilarityWindow = getEnvDuration("SIMILARITY_WINDOW", 24*time.Hour)
	cfg.QueueInterval = getEnvDuration("QUEUE_INTERVAL", 10*time.Minute)
	cfg.ScrapeIntervalBBC = getEnvDuration("SCRAPE_INTERVAL_BBC", 30*time.Minute)
	cfg.ScrapeIntervalTorontoStar = getEnvDuration("SCRAPE_INTERVAL_TORONTO_STAR", 30*time.Minute)
	cfg.ScrapeIntervalIRCC = getEnvDuration("SCRAPE_INTERVAL_IRCC", time.Hour)
	cfg.ProcessingTimeout = getEnvDuration("PROCESSING_TIMEOUT", time.Hour)
	cfg.TranslationCooldown = getEnvDuration("TRANSLATION_COOLDOWN", 1500*time.Millisecond)
	cfg.RateLimitBackoff = getEnvDuration("RATE_LIMIT_BACKOFF", 30*time.Second)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if cfg.SimilarityThreshold < 0 || cfg.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("SIMILARITY_THRESHOLD must be in [0,1], got %v", cfg.SimilarityThreshold)
	}
	if cfg.MaxPosts <= 0 {
		return nil, fmt.Errorf("MAX_POSTS must be positive, got %d", cfg.MaxPosts)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
