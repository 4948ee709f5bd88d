package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/streamchat/internal/chat"
	"github.com/suPer8Hu/streamchat/internal/config"
	"github.com/suPer8Hu/streamchat/internal/db"
	"github.com/suPer8Hu/streamchat/internal/logger"
	"github.com/suPer8Hu/streamchat/internal/protocol"
	"github.com/suPer8Hu/streamchat/internal/store/rabbitmq"
)

const (
	maxAttempts = 3
	retryDelay  = 5 * time.Second
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := logger.New(logger.WithDebug(cfg.LogDebug), logger.WithJSON(cfg.LogJSON)).With("component", "worker")
	slog.SetDefault(log)

	if cfg.RabbitURL == "" {
		log.Error("RABBIT_URL is required")
		os.Exit(1)
	}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Error("db connect", "err", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close(gdb) }()
	repo := chat.NewRepo(gdb)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Error("rabbit dial", "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Error("rabbit channel", "err", err)
		os.Exit(1)
	}
	defer ch.Close()

	if _, err := rabbitmq.Declare(ch, cfg.RabbitQueue); err != nil {
		log.Error("queue declare", "err", err)
		os.Exit(1)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		log.Error("rabbit channel", "err", err)
		os.Exit(1)
	}
	retries, err := rabbitmq.NewChannelPublisher(pubCh, cfg.RabbitQueue)
	if err != nil {
		log.Error("retry publisher", "err", err)
		os.Exit(1)
	}
	defer retries.Close()

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Error("qos", "err", err)
		os.Exit(1)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Error("consume", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With("worker", workerID)
			for d := range jobs {
				var evt protocol.TurnCompleted
				if err := json.Unmarshal(d.Body, &evt); err != nil || evt.SessionID == "" {
					wlog.Warn("bad message", "err", err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleTurn(ctx, wlog, repo, evt); err != nil {
					wlog.Warn("turn failed", "event_id", evt.EventID, "cost", time.Since(start), "err", err)
					settleFailure(ctx, wlog, retries, d)
					continue
				}

				if err := d.Ack(false); err != nil {
					wlog.Error("ack failed", "event_id", evt.EventID, "err", err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

// settleFailure parks d on the retry queue, or dead-letters it once it has
// used its attempts.
func settleFailure(ctx context.Context, log *slog.Logger, retries *rabbitmq.Publisher, d amqp.Delivery) {
	if rabbitmq.Attempts(d)+1 >= maxAttempts {
		_ = d.Nack(false, false)
		return
	}
	if err := retries.Retry(ctx, d, retryDelay); err != nil {
		log.Error("retry publish failed", "err", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

// handleTurn records the token count of a turn's assistant message, using an
// estimate when the provider reported no usage.
func handleTurn(ctx context.Context, log *slog.Logger, repo *chat.Repo, evt protocol.TurnCompleted) error {
	jobStart := time.Now()
	if evt.MessageID == "" {
		// empty answer, nothing stored
		return nil
	}

	t0 := time.Now()
	msg, err := repo.GetMessage(ctx, evt.MessageID)
	getCost := time.Since(t0)
	if err != nil {
		if errors.Is(err, chat.ErrMessageNotFound) {
			log.Warn("turn message gone", "message_id", evt.MessageID)
			return nil
		}
		log.Info("job_timing_failed", "event_id", evt.EventID, "get", getCost, "total", time.Since(jobStart), "err", err)
		return err
	}

	tokens := evt.Tokens
	estimated := false
	if tokens <= 0 {
		tokens = chat.EstimateTokens(msg.Content)
		estimated = true
	}

	t1 := time.Now()
	updated, err := repo.SetMessageTokens(ctx, msg.ID, tokens)
	setCost := time.Since(t1)
	if err != nil {
		log.Info("job_timing_failed", "event_id", evt.EventID, "get", getCost, "set", setCost, "total", time.Since(jobStart), "err", err)
		return err
	}

	total := time.Since(jobStart)
	log.Debug("turn accounted", "message_id", msg.ID, "tokens", tokens, "estimated", estimated, "updated", updated)
	if total > 2*time.Second {
		log.Info("job_timing", "event_id", evt.EventID, "get", getCost, "set", setCost, "total", total)
	}
	return nil
}
