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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ambulance-dispatch/internal/board"
	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/events"
	"github.com/example/ambulance-dispatch/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "board_consumer_messages_consumed_total",
		Help: "Total lifecycle messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "board_consumer_messages_invalid_total",
		Help: "Total messages that could not be decoded",
	})
	boardUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "board_consumer_redis_updates_total",
		Help: "Total successful board updates",
	})
	boardErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "board_consumer_redis_errors_total",
		Help: "Total board updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, boardUpdates, boardErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid consumer config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	p := &projector{
		board:    board.New(board.NewRedisBackend(rc), cfg.RedisBoardKey),
		logger:   logger,
		attempts: 3,
		delay:    200 * time.Millisecond,
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		_ = p.handle(ctx, m.Value)
	}
}

// projector applies lifecycle events to the fleet board.
type projector struct {
	board    *board.Board
	logger   *slog.Logger
	attempts int
	delay    time.Duration
}

var errInvalidMessage = errors.New("invalid message")

// handle never blocks the stream on a bad message: it counts and logs it.
func (p *projector) handle(ctx context.Context, value []byte) error {
	msgsConsumed.Inc()
	e, err := events.Decode(value)
	if err != nil {
		msgsInvalid.Inc()
		p.logger.Warn("invalid message", "error", err)
		return errors.Join(errInvalidMessage, err)
	}
	if err := p.board.ApplyWithRetry(ctx, e, p.attempts, p.delay); err != nil {
		boardErrors.Inc()
		p.logger.Error("board update failed", "vehicle_id", e.VehicleID, "event", e.Type, "error", err)
		return err
	}
	boardUpdates.Inc()
	p.logger.Debug("board updated", "vehicle_id", e.VehicleID, "event", e.Type, "status", e.VehicleStatus)
	return nil
}
