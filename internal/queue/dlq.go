package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadLetterQueue keeps failed jobs for inspection and replay
type DeadLetterQueue struct {
	client *RedisClient
	stream string
}

// DeadLetter is a job that failed processing
type DeadLetter struct {
	DLQID     string
	Job       JobMessage
	Stage     string
	Error     string
	Retryable bool
	DeadAt    int64
}

// NewDeadLetterQueue creates a DLQ writing to stream
func NewDeadLetterQueue(client *RedisClient, stream string) *DeadLetterQueue {
	return &DeadLetterQueue{client: client, stream: stream}
}

// Send records a failed job
func (d *DeadLetterQueue) Send(ctx context.Context, job JobMessage, stage, errMsg string, retryable bool) error {
	values := job.ToRedisValues()
	values["stage"] = stage
	values["error"] = errMsg
	values["retryable"] = strconv.FormatBool(retryable)
	values["dead_at"] = strconv.FormatInt(time.Now().Unix(), 10)

	_, err := d.client.Publish(ctx, d.stream, values)
	return err
}

// List returns the newest count dead letters
func (d *DeadLetterQueue) List(ctx context.Context, count int) ([]DeadLetter, error) {
	results, err := d.client.RawClient().XRevRangeN(ctx, d.stream, "+", "-", int64(count)).Result()
	if errors.Is(err, redis.Nil) {
		return []DeadLetter{}, nil
	}
	if err != nil {
		return nil, err
	}

	letters := make([]DeadLetter, 0, len(results))
	for _, msg := range results {
		letter, err := parseDeadLetter(msg)
		if err != nil {
			continue
		}
		letters = append(letters, letter)
	}
	return letters, nil
}

// Retry republishes a dead letter onto target and removes it from the DLQ
func (d *DeadLetterQueue) Retry(ctx context.Context, dlqID, target string) error {
	rdb := d.client.RawClient()
	results, err := rdb.XRange(ctx, d.stream, dlqID, dlqID).Result()
	if err != nil {
		return fmt.Errorf("failed to get DLQ message: %w", err)
	}
	if len(results) == 0 {
		return fmt.Errorf("DLQ message not found: %s", dlqID)
	}

	letter, err := parseDeadLetter(results[0])
	if err != nil {
		return err
	}
	if _, err := d.client.Publish(ctx, target, letter.Job.ToRedisValues()); err != nil {
		return fmt.Errorf("failed to republish: %w", err)
	}
	return rdb.XDel(ctx, d.stream, dlqID).Err()
}

// Delete removes a message from the DLQ
func (d *DeadLetterQueue) Delete(ctx context.Context, dlqID string) error {
	return d.client.RawClient().XDel(ctx, d.stream, dlqID).Err()
}

// Count returns the number of messages in the DLQ
func (d *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	return d.client.RawClient().XLen(ctx, d.stream).Result()
}

func parseDeadLetter(msg redis.XMessage) (DeadLetter, error) {
	job, err := JobMessageFromRedisValues(msg.Values)
	if err != nil {
		return DeadLetter{}, err
	}
	letter := DeadLetter{DLQID: msg.ID, Job: *job}
	if v, ok := msg.Values["stage"].(string); ok {
		letter.Stage = v
	}
	if v, ok := msg.Values["error"].(string); ok {
		letter.Error = v
	}
	if v, ok := msg.Values["retryable"].(string); ok {
		letter.Retryable, _ = strconv.ParseBool(v)
	}
	if v, ok := msg.Values["dead_at"].(string); ok {
		letter.DeadAt, _ = strconv.ParseInt(v, 10, 64)
	}
	return letter, nil
}
