// Package queue feeds creation jobs from Redis Streams into the pipeline.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultClaimMinIdle is how long a pending entry must go unacknowledged
// before another consumer takes it over.
const DefaultClaimMinIdle = 15 * time.Minute

// RedisConfig holds configuration for Redis connection
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// ClaimMinIdle should exceed the longest a job may run.
	ClaimMinIdle time.Duration
}

// RedisClient wraps go-redis with stream operations
type RedisClient struct {
	rdb          *redis.Client
	claimMinIdle time.Duration
	logger       zerolog.Logger
}

// Message represents a message from a Redis Stream
type Message struct {
	ID     string
	Stream string
	Values map[string]interface{}
}

// NewRedisClient creates a new Redis client with connection validation
func NewRedisClient(cfg RedisConfig, logger zerolog.Logger) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	claimMinIdle := cfg.ClaimMinIdle
	if claimMinIdle <= 0 {
		claimMinIdle = DefaultClaimMinIdle
	}
	return &RedisClient{rdb: rdb, claimMinIdle: claimMinIdle, logger: logger}, nil
}

// Ping checks if Redis is reachable
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Publish appends values to a stream using XADD
func (c *RedisClient) Publish(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	result, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd failed: %w", err)
	}
	return result, nil
}

// Subscribe reads messages for consumer in group. Entries already delivered
// to consumer but never acknowledged come first; entries other consumers left
// idle for ClaimMinIdle are claimed on start and then periodically. Messages
// are not acknowledged until Ack is called.
func (c *RedisClient) Subscribe(ctx context.Context, stream, group, consumer string) (<-chan Message, error) {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	msgChan := make(chan Message)
	go c.readLoop(ctx, stream, group, consumer, msgChan)
	return msgChan, nil
}

func (c *RedisClient) readLoop(ctx context.Context, stream, group, consumer string, msgChan chan<- Message) {
	defer close(msgChan)

	if !c.redeliverOwn(ctx, stream, group, consumer, msgChan) {
		return
	}
	var lastClaim time.Time

	for {
		if ctx.Err() != nil {
			return
		}
		if time.Since(lastClaim) >= c.claimMinIdle {
			if !c.claimIdle(ctx, stream, group, consumer, msgChan) {
				return
			}
			lastClaim = time.Now()
		}

		results, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Str("stream", stream).Msg("redis read error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, result := range results {
			for _, msg := range result.Messages {
				if !deliver(ctx, msgChan, stream, msg) {
					return
				}
			}
		}
	}
}

// redeliverOwn replays the consumer's pending history, e.g. jobs left
// unfinished by a previous shutdown.
func (c *RedisClient) redeliverOwn(ctx context.Context, stream, group, consumer string, msgChan chan<- Message) bool {
	start := "0"
	replayed := 0
	for {
		results, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, start},
			Count:    10,
			Block:    -1,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if !errors.Is(err, redis.Nil) {
				c.logger.Warn().Err(err).Str("stream", stream).Msg("failed to read pending history")
			}
			return true
		}

		n := 0
		for _, result := range results {
			for _, msg := range result.Messages {
				start = msg.ID
				n++
				// trimmed entries come back without values
				if msg.Values == nil {
					continue
				}
				if !deliver(ctx, msgChan, stream, msg) {
					return false
				}
				replayed++
			}
		}
		if n == 0 {
			if replayed > 0 {
				c.logger.Info().Int("count", replayed).Str("stream", stream).Msg("redelivered pending messages")
			}
			return true
		}
	}
}

// claimIdle takes over entries other consumers left unacknowledged.
func (c *RedisClient) claimIdle(ctx context.Context, stream, group, consumer string, msgChan chan<- Message) bool {
	start := "0-0"
	claimed := 0
	for {
		msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  c.claimMinIdle,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			c.logger.Warn().Err(err).Str("stream", stream).Msg("failed to claim idle messages")
			return true
		}
		for _, msg := range msgs {
			if msg.Values == nil {
				continue
			}
			if !deliver(ctx, msgChan, stream, msg) {
				return false
			}
			claimed++
		}
		if next == "" || next == "0-0" {
			if claimed > 0 {
				c.logger.Info().Int("count", claimed).Str("stream", stream).Msg("claimed idle messages")
			}
			return true
		}
		start = next
	}
}

func deliver(ctx context.Context, msgChan chan<- Message, stream string, msg redis.XMessage) bool {
	select {
	case msgChan <- Message{ID: msg.ID, Stream: stream, Values: msg.Values}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Ack acknowledges a processed message
func (c *RedisClient) Ack(ctx context.Context, stream, group, id string) error {
	return c.rdb.XAck(ctx, stream, group, id).Err()
}

// Close closes the Redis connection
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

// RawClient returns the underlying go-redis client
func (c *RedisClient) RawClient() *redis.Client {
	return c.rdb
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
