package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/suPer8Hu/streamchat/internal/ai"
	"github.com/suPer8Hu/streamchat/internal/chat"
	"github.com/suPer8Hu/streamchat/internal/config"
	"github.com/suPer8Hu/streamchat/internal/db"
	"github.com/suPer8Hu/streamchat/internal/httpapi"
	"github.com/suPer8Hu/streamchat/internal/logger"
	"github.com/suPer8Hu/streamchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/streamchat/internal/store/redisstore"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := logger.New(logger.WithDebug(cfg.LogDebug), logger.WithJSON(cfg.LogJSON))
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("relay stopped", "err", err)
		os.Exit(1)
	}
}

func newRegistry(cfg *config.Config) *ai.Registry {
	reg := ai.NewRegistry(cfg.DefaultProvider)
	reg.Register(ai.ProviderConfig{
		Name:         "deepseek",
		BaseURL:      cfg.DeepSeekBaseURL,
		APIKey:       cfg.DeepSeekAPIKey,
		RequiresKey:  true,
		IncludeUsage: true,
	})
	reg.Register(ai.ProviderConfig{
		Name:         "openai",
		BaseURL:      cfg.OpenAIBaseURL,
		APIKey:       cfg.OpenAIAPIKey,
		RequiresKey:  true,
		Multimodal:   true,
		IncludeUsage: true,
	})
	// ollama serves the OpenAI protocol under /v1 and needs no key
	reg.Register(ai.ProviderConfig{Name: "ollama", BaseURL: cfg.OllamaBaseURL})

	reg.Route("deepseek", "deepseek-")
	reg.Route("openai", "gpt-", "o1", "o3", "o4")
	reg.Route("ollama", "llama", "qwen", "mistral", "gemma", "phi")
	return reg
}

func run(cfg *config.Config, log *slog.Logger) error {
	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(gdb) }()

	repo := chat.NewRepo(gdb)
	if err := repo.AutoMigrate(); err != nil {
		return err
	}

	opts := []chat.Option{chat.WithLogger(log)}

	if cfg.RedisAddr != "" {
		locks := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.SessionLockTTL)
		defer locks.Close()
		pctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := locks.Ping(pctx); err != nil {
			log.Warn("redis unavailable, session lock still enabled", "addr", cfg.RedisAddr, "err", err)
		}
		cancel()
		opts = append(opts, chat.WithLocker(locks))
	}

	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, chat.WithPublisher(pub))
	}

	svc := chat.NewService(repo, newRegistry(cfg), cfg.ChatContextWindowSize, opts...)

	if !cfg.LogDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(svc, httpapi.Options{JWTSecret: cfg.JWTSecret, Log: log})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		// streams stay open as long as the provider talks
		WriteTimeout: 0,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", "addr", cfg.HTTPAddr, "db", cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("relay shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
