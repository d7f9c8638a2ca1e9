package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/store-locator/internal/logger"
	"github.com/jonesrussell/north-cloud/store-locator/internal/retry"
)

// ErrEmptyAddress is returned when Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

// connectionTimeout bounds the initial ping.
const connectionTimeout = 5 * time.Second

// ClientConfig holds Redis connection settings.
type ClientConfig struct {
	Address  string
	Password string
	DB       int
}

// NewClient creates a Redis client and verifies the connection.
func NewClient(ctx context.Context, cfg ClientConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisPublisher appends events to a capped Redis stream.
type RedisPublisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
	retry  retry.Config
	log    logger.Logger
}

// RedisOption configures a RedisPublisher.
type RedisOption func(*RedisPublisher)

// WithStream overrides the stream name.
func WithStream(name string) RedisOption {
	return func(p *RedisPublisher) {
		if name != "" {
			p.stream = name
		}
	}
}

// WithMaxLen caps the stream length (approximate trimming).
func WithMaxLen(n int64) RedisOption {
	return func(p *RedisPublisher) { p.maxLen = n }
}

// WithRetry overrides the publish retry policy.
func WithRetry(cfg retry.Config) RedisOption {
	return func(p *RedisPublisher) { p.retry = cfg }
}

// NewRedisPublisher creates a publisher over client.
func NewRedisPublisher(client redis.Cmdable, log logger.Logger, opts ...RedisOption) *RedisPublisher {
	if log == nil {
		log = logger.NewNop()
	}
	p := &RedisPublisher{
		client: client,
		stream: StreamName,
		retry:  retry.DefaultConfig(),
		log:    log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stream returns the stream name.
func (p *RedisPublisher) Stream() string { return p.stream }

// Publish sends an event to the stream, retrying transient failures.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"event_type": string(event.Type),
			"retailer":   event.Retailer,
			"event":      string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	var id string
	publishErr := retry.Do(ctx, p.retry, func() error {
		var xaddErr error
		id, xaddErr = p.client.XAdd(ctx, args).Result()
		return xaddErr
	})
	if publishErr != nil {
		p.log.Error("Failed to publish run event",
			logger.String("event_type", string(event.Type)),
			logger.String("retailer", event.Retailer),
			logger.String("run_id", event.RunID),
			logger.Error(publishErr),
		)
		return fmt.Errorf("publish to stream: %w", publishErr)
	}

	p.log.Debug("Published run event",
		logger.String("event_type", string(event.Type)),
		logger.String("retailer", event.Retailer),
		logger.String("stream_id", id),
	)
	return nil
}
