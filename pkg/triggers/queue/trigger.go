// Package queue provides the Redis list long-poll trigger. Each popped
// message becomes one workflow run.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weavr-dev/weavr/pkg/protocol"
)

const (
	connectTimeout = 5 * time.Second
	popTimeout     = 1 * time.Second
)

// ErrQueueNameRequired is returned when the trigger config has no queue.
var ErrQueueNameRequired = errors.New("queue trigger queue name is required")

type Trigger struct {
	Queue      string
	Connection map[string]string

	client   redis.UniversalClient
	callback protocol.TriggerCallback
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewTrigger(ctx context.Context, config map[string]any, logger *slog.Logger) (*Trigger, error) {
	queue, _ := config["queue"].(string)

	connection := make(map[string]string)
	if connectionConfig, ok := config["connection"].(map[string]any); ok {
		for k, v := range connectionConfig {
			if str, ok := v.(string); ok {
				connection[k] = str
			}
		}
	}

	trigger := &Trigger{
		Queue:      queue,
		Connection: connection,
		stopCh:     make(chan struct{}),
		logger:     logger.With("module", "queue_trigger", "queue", queue),
	}

	if err := trigger.Validate(ctx); err != nil {
		return nil, err
	}

	return trigger, nil
}

func (t *Trigger) Validate(_ context.Context) error {
	if t.Queue == "" {
		return ErrQueueNameRequired
	}

	return nil
}

func (t *Trigger) Start(ctx context.Context, callback protocol.TriggerCallback) error {
	t.logger.InfoContext(ctx, "Starting queue trigger")
	t.callback = callback

	if err := t.initializeClient(ctx); err != nil {
		return fmt.Errorf("failed to initialize queue client: %w", err)
	}

	t.wg.Add(1)

	go t.consume(ctx)

	return nil
}

func (t *Trigger) initializeClient(ctx context.Context) error {
	addr := t.Connection["addr"]
	if addr == "" {
		addr = "localhost:6379"
	}

	db := 0

	if dbStr := t.Connection["db"]; dbStr != "" {
		parsed, err := strconv.Atoi(dbStr)
		if err != nil {
			return fmt.Errorf("invalid db value %q: %w", dbStr, err)
		}

		db = parsed
	}

	t.client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: t.Connection["password"],
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := t.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	t.logger.InfoContext(ctx, "Connected to redis", "addr", addr, "db", db)

	return nil
}

func (t *Trigger) consume(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-t.stopCh:
			t.logger.InfoContext(ctx, "Queue consumer stopped")

			return
		case <-ctx.Done():
			return
		default:
			if err := t.processMessage(ctx); err != nil {
				t.logger.ErrorContext(ctx, "Error processing queue message", "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

func (t *Trigger) processMessage(ctx context.Context) error {
	result, err := t.client.BLPop(ctx, popTimeout, t.Queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	message := result[1]

	var triggerData map[string]any
	if err := json.Unmarshal([]byte(message), &triggerData); err != nil {
		triggerData = map[string]any{"message": message}
	}

	if triggerData["timestamp"] == nil {
		triggerData["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	if err := t.callback(ctx, triggerData); err != nil {
		t.logger.ErrorContext(ctx, "Error enqueueing run for queue message", "error", err)
	}

	return nil
}

func (t *Trigger) Stop(ctx context.Context) error {
	t.logger.InfoContext(ctx, "Stopping queue trigger")

	close(t.stopCh)
	t.wg.Wait()

	if t.client != nil {
		if err := t.client.Close(); err != nil {
			t.logger.ErrorContext(ctx, "Error closing redis client", "error", err)
		}
	}

	return nil
}
