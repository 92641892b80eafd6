package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/creation-engine/internal/pipeline"
)

// setupTestClient connects to CREATION_TEST_REDIS_ADDR (default localhost:6379)
func setupTestClient(t *testing.T) *RedisClient {
	addr := os.Getenv("CREATION_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client, err := NewRedisClient(RedisConfig{Addr: addr}, zerolog.Nop())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisClient_PublishSubscribeAck(t *testing.T) {
	client := setupTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream := "test:jobs:" + t.Name()
	defer client.RawClient().Del(context.Background(), stream)

	msgs, err := client.Subscribe(ctx, stream, "engines", "c1")
	require.NoError(t, err)

	job := JobMessage{ID: "c-1", UserID: "u-1", InputKind: pipeline.InputText, Input: []byte("hello")}
	_, err = client.Publish(ctx, stream, job.ToRedisValues())
	require.NoError(t, err)

	select {
	case msg := <-msgs:
		parsed, err := JobMessageFromRedisValues(msg.Values)
		require.NoError(t, err)
		assert.Equal(t, "c-1", parsed.ID)
		assert.Equal(t, []byte("hello"), parsed.Input)
		require.NoError(t, client.Ack(ctx, stream, "engines", msg.ID))
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}

	pending, err := client.RawClient().XPending(ctx, stream, "engines").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestDeadLetterQueue(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	dlqStream := "test:dlq:" + t.Name()
	target := "test:jobs:" + t.Name()
	defer client.RawClient().Del(ctx, dlqStream, target)

	dlq := NewDeadLetterQueue(client, dlqStream)
	job := JobMessage{ID: "c-9", InputKind: pipeline.InputImage, Input: []byte{1, 2, 3}}
	require.NoError(t, dlq.Send(ctx, job, "Generating", "image generation: unreachable", true))

	count, err := dlq.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	letters, err := dlq.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "Generating", letters[0].Stage)
	assert.True(t, letters[0].Retryable)
	assert.Equal(t, []byte{1, 2, 3}, letters[0].Job.Input)

	require.NoError(t, dlq.Retry(ctx, letters[0].DLQID, target))
	count, err = dlq.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	n, err := client.RawClient().XLen(ctx, target).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func receive(t *testing.T, msgs <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-msgs:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func drainClosed(msgs <-chan Message) {
	for range msgs {
	}
}

func TestRedisClient_RedeliversUnackedOnResubscribe(t *testing.T) {
	client := setupTestClient(t)
	stream := "test:jobs:" + t.Name()
	defer client.RawClient().Del(context.Background(), stream)

	first, stop := context.WithCancel(context.Background())
	msgs, err := client.Subscribe(first, stream, "engines", "c1")
	require.NoError(t, err)

	job := JobMessage{ID: "c-1", InputKind: pipeline.InputText, Input: []byte("hello")}
	id, err := client.Publish(context.Background(), stream, job.ToRedisValues())
	require.NoError(t, err)
	assert.Equal(t, id, receive(t, msgs).ID)

	// shut down without acknowledging
	stop()
	drainClosed(msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msgs, err = client.Subscribe(ctx, stream, "engines", "c1")
	require.NoError(t, err)
	again := receive(t, msgs)
	assert.Equal(t, id, again.ID)
	require.NoError(t, client.Ack(ctx, stream, "engines", again.ID))
}

func TestRedisClient_ClaimsIdleMessagesFromOtherConsumers(t *testing.T) {
	setupTestClient(t)
	addr := os.Getenv("CREATION_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client, err := NewRedisClient(RedisConfig{Addr: addr, ClaimMinIdle: 20 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	stream := "test:jobs:" + t.Name()
	defer client.RawClient().Del(context.Background(), stream)

	crashed, stop := context.WithCancel(context.Background())
	msgs, err := client.Subscribe(crashed, stream, "engines", "dead")
	require.NoError(t, err)
	job := JobMessage{ID: "c-2", InputKind: pipeline.InputText, Input: []byte("x")}
	id, err := client.Publish(context.Background(), stream, job.ToRedisValues())
	require.NoError(t, err)
	assert.Equal(t, id, receive(t, msgs).ID)
	stop()
	drainClosed(msgs)

	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msgs, err = client.Subscribe(ctx, stream, "engines", "alive")
	require.NoError(t, err)
	claimed := receive(t, msgs)
	assert.Equal(t, id, claimed.ID)
	require.NoError(t, client.Ack(ctx, stream, "engines", claimed.ID))

	pending, err := client.RawClient().XPending(ctx, stream, "engines").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}
