package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// DSN demo for mysql:
	// app:apppass@tcp(127.0.0.1:3306)/streamchat?charset=utf8mb4&parseTime=true&loc=Local
	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"DB_DSN" envDefault:"file:streamchat.db?_pragma=foreign_keys(1)"`

	// empty addr disables the session lock
	RedisAddr      string        `env:"REDIS_ADDR"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	RedisDB        int           `env:"REDIS_DB" envDefault:"0"`
	SessionLockTTL time.Duration `env:"SESSION_LOCK_TTL" envDefault:"5m"`

	// rabbitMQ; empty url disables turn events
	RabbitURL         string `env:"RABBIT_URL"`
	RabbitQueue       string `env:"RABBIT_QUEUE" envDefault:"chat_turns"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"2"`

	ChatContextWindowSize int `env:"CHAT_CONTEXT_WINDOW_SIZE" envDefault:"0"`

	// AI providers
	DefaultProvider string `env:"DEFAULT_PROVIDER" envDefault:"deepseek"`
	DeepSeekBaseURL string `env:"DEEPSEEK_BASE_URL" envDefault:"https://api.deepseek.com"`
	DeepSeekAPIKey  string `env:"DEEPSEEK_API_KEY"`
	OpenAIBaseURL   string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	OllamaBaseURL   string `env:"OLLAMA_BASE_URL" envDefault:"http://localhost:11434/v1"`

	JWTSecret string `env:"RELAY_JWT_SECRET"`

	LogDebug bool `env:"LOG_LEVEL_DEBUG" envDefault:"false"`
	LogJSON  bool `env:"LOG_JSON" envDefault:"true"`

	// CLI client
	RelayURL    string `env:"RELAY_URL" envDefault:"http://localhost:8080"`
	RelayAPIKey string `env:"RELAY_API_KEY"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	switch cfg.DBDriver {
	case "sqlite", "mysql":
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER=%q", cfg.DBDriver)
	}
	if cfg.ChatContextWindowSize < 0 {
		return nil, fmt.Errorf("CHAT_CONTEXT_WINDOW_SIZE must not be negative")
	}
	cfg.WorkerConcurrency = clampConcurrency(cfg.WorkerConcurrency)
	return cfg, nil
}

func clampConcurrency(n int) int {
	if n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}
