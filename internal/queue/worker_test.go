package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/creation-engine/internal/pipeline"
	"github.com/cortexhub/creation-engine/internal/pool"
	"github.com/cortexhub/creation-engine/internal/storage"
)

type fakeStreams struct {
	mu        sync.Mutex
	msgs      chan Message
	acked     []string
	published map[string][]map[string]interface{}
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{msgs: make(chan Message, 16), published: map[string][]map[string]interface{}{}}
}

func (f *fakeStreams) Subscribe(context.Context, string, string, string) (<-chan Message, error) {
	return f.msgs, nil
}

func (f *fakeStreams) Publish(_ context.Context, stream string, values map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[stream] = append(f.published[stream], values)
	return "1-0", nil
}

func (f *fakeStreams) Ack(_ context.Context, _, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeStreams) results() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}(nil), f.published["results"]...)
}

type runnerFunc func(ctx context.Context, job pipeline.Job) (*pipeline.Result, error)

func (f runnerFunc) RunPipeline(ctx context.Context, job pipeline.Job) (*pipeline.Result, error) {
	return f(ctx, job)
}

type record struct {
	status string
	stage  string
	reason string
	urls   *storage.Published
}

type fakeRecords struct {
	mu   sync.Mutex
	recs map[string]*record
}

func newFakeRecords() *fakeRecords { return &fakeRecords{recs: map[string]*record{}} }

func (f *fakeRecords) Start(_ context.Context, id, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[id] = &record{status: "processing"}
	return nil
}

func (f *fakeRecords) Complete(_ context.Context, id string, _ *pipeline.Result, urls *storage.Published) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[id].status = "completed"
	f.recs[id].urls = urls
	return nil
}

func (f *fakeRecords) Fail(_ context.Context, id, stage, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[id].status = "failed"
	f.recs[id].stage = stage
	f.recs[id].reason = reason
	return nil
}

func (f *fakeRecords) get(id string) record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.recs[id]; ok {
		return *r
	}
	return record{}
}

type publisherFunc func(ctx context.Context, id string, c pipeline.Content) (*storage.Published, error)

func (f publisherFunc) Publish(ctx context.Context, id string, c pipeline.Content) (*storage.Published, error) {
	return f(ctx, id, c)
}

type letter struct {
	job       JobMessage
	stage     string
	retryable bool
}

type fakeDLQ struct {
	mu      sync.Mutex
	letters []letter
}

func (f *fakeDLQ) Send(_ context.Context, job JobMessage, stage, _ string, retryable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.letters = append(f.letters, letter{job: job, stage: stage, retryable: retryable})
	return nil
}

func okRunner(_ context.Context, job pipeline.Job) (*pipeline.Result, error) {
	return &pipeline.Result{
		Content:  pipeline.Content{Text: json.RawMessage(`"` + string(job.Input) + `"`), Images: []string{"https://img/1.png"}},
		Metadata: pipeline.Metadata{CreationKind: job.CreationKind, ProcessingTimeSeconds: 2},
	}, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() WorkerConfig {
	return WorkerConfig{Stream: "jobs", ResultStream: "results", Group: "engines", Concurrency: 2, JobTimeout: time.Second}
}

func TestNewWorkerValidation(t *testing.T) {
	_, err := NewWorker(WorkerConfig{}, newFakeStreams(), runnerFunc(okRunner))
	assert.Error(t, err)
}

func TestHandleSuccess(t *testing.T) {
	streams := newFakeStreams()
	records := newFakeRecords()
	published := &storage.Published{Text: "https://media/c-1/text.json"}
	w, err := NewWorker(testConfig(), streams, runnerFunc(okRunner),
		WithRecordStore(records),
		WithPublisher(publisherFunc(func(_ context.Context, id string, c pipeline.Content) (*storage.Published, error) {
			assert.Equal(t, "c-1", id)
			assert.Equal(t, []string{"https://img/1.png"}, c.Images)
			return published, nil
		})),
	)
	require.NoError(t, err)

	job := JobMessage{ID: "c-1", UserID: "u-1", InputKind: pipeline.InputText, Input: []byte("hello"), CreationKind: "meme"}
	require.NoError(t, w.Handle(context.Background(), job))

	rec := records.get("c-1")
	assert.Equal(t, "completed", rec.status)
	assert.Equal(t, published, rec.urls)

	results := streams.results()
	require.Len(t, results, 1)
	assert.Equal(t, StatusCompleted, results[0]["status"])
	assert.Equal(t, "c-1", results[0]["creation_id"])
	assert.JSONEq(t, `{"text":"https://media/c-1/text.json"}`, results[0]["urls"].(string))
}

func TestHandlePipelineFailure(t *testing.T) {
	streams := newFakeStreams()
	records := newFakeRecords()
	dlq := &fakeDLQ{}
	failing := runnerFunc(func(context.Context, pipeline.Job) (*pipeline.Result, error) {
		return nil, &pipeline.StageError{Stage: pipeline.StateGenerating, Err: &pool.RetriesExhaustedError{Model: "image-generation", Attempts: 3, Last: pool.ErrUnreachable}}
	})
	w, err := NewWorker(testConfig(), streams, failing, WithRecordStore(records), WithDeadLetters(dlq))
	require.NoError(t, err)

	err = w.Handle(context.Background(), JobMessage{ID: "c-2", InputKind: pipeline.InputText, Input: []byte("x")})
	require.Error(t, err)

	rec := records.get("c-2")
	assert.Equal(t, "failed", rec.status)
	assert.Equal(t, "Generating", rec.stage)

	require.Len(t, dlq.letters, 1)
	assert.Equal(t, "Generating", dlq.letters[0].stage)
	assert.True(t, dlq.letters[0].retryable)

	results := streams.results()
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0]["status"])
	assert.Equal(t, "true", results[0]["retryable"])
}

func TestHandleInvalidJobIsNotRetryable(t *testing.T) {
	dlq := &fakeDLQ{}
	invalid := runnerFunc(func(context.Context, pipeline.Job) (*pipeline.Result, error) {
		return nil, pipeline.ErrInvalidJob
	})
	w, err := NewWorker(testConfig(), newFakeStreams(), invalid, WithDeadLetters(dlq))
	require.NoError(t, err)

	w.Handle(context.Background(), JobMessage{ID: "c-3"})
	require.Len(t, dlq.letters, 1)
	assert.Equal(t, "Queued", dlq.letters[0].stage)
	assert.False(t, dlq.letters[0].retryable)
}

func TestHandlePublishFailure(t *testing.T) {
	records := newFakeRecords()
	w, err := NewWorker(testConfig(), newFakeStreams(), runnerFunc(okRunner),
		WithRecordStore(records),
		WithPublisher(publisherFunc(func(context.Context, string, pipeline.Content) (*storage.Published, error) {
			return nil, errors.New("bucket missing")
		})),
	)
	require.NoError(t, err)

	err = w.Handle(context.Background(), JobMessage{ID: "c-4", InputKind: pipeline.InputText, Input: []byte("x")})
	assert.ErrorContains(t, err, "bucket missing")
	assert.Equal(t, "Publishing", records.get("c-4").stage)
}

func TestHandleAppliesJobTimeout(t *testing.T) {
	slow := runnerFunc(func(ctx context.Context, _ pipeline.Job) (*pipeline.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := testConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	records := newFakeRecords()
	w, err := NewWorker(cfg, newFakeStreams(), slow, WithRecordStore(records))
	require.NoError(t, err)

	err = w.Handle(context.Background(), JobMessage{ID: "c-5"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "failed", records.get("c-5").status)
}

func TestRunProcessesAndAcksMessages(t *testing.T) {
	streams := newFakeStreams()
	records := newFakeRecords()
	dlq := &fakeDLQ{}
	w, err := NewWorker(testConfig(), streams, runnerFunc(okRunner), WithRecordStore(records), WithDeadLetters(dlq))
	require.NoError(t, err)

	good := JobMessage{ID: "c-6", InputKind: pipeline.InputText, Input: []byte("hi"), CreationKind: "meme"}
	streams.msgs <- Message{ID: "1-1", Stream: "jobs", Values: good.ToRedisValues()}
	streams.msgs <- Message{ID: "1-2", Stream: "jobs", Values: map[string]interface{}{"input": "no id"}}
	close(streams.msgs)

	require.NoError(t, w.Run(context.Background()))

	assert.ElementsMatch(t, []string{"1-1", "1-2"}, streams.acked)
	assert.Equal(t, "completed", records.get("c-6").status)
	require.Len(t, dlq.letters, 1)
	assert.Equal(t, "stream:1-2", dlq.letters[0].job.ID)
}

func TestRunBoundsConcurrency(t *testing.T) {
	streams := newFakeStreams()
	var mu sync.Mutex
	active, peak := 0, 0
	runner := runnerFunc(func(ctx context.Context, job pipeline.Job) (*pipeline.Result, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return okRunner(ctx, job)
	})
	w, err := NewWorker(testConfig(), streams, runner)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		msg := JobMessage{ID: string(rune('a' + i)), InputKind: pipeline.InputText, Input: []byte("x")}
		streams.msgs <- Message{ID: msg.ID, Values: msg.ToRedisValues()}
	}
	close(streams.msgs)
	require.NoError(t, w.Run(context.Background()))

	assert.LessOrEqual(t, peak, 2)
	assert.Len(t, streams.acked, 6)
}

func TestRunDrainsInFlightJobOnShutdown(t *testing.T) {
	streams := newFakeStreams()
	records := newFakeRecords()
	dlq := &fakeDLQ{}
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, job pipeline.Job) (*pipeline.Result, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return okRunner(ctx, job)
	})
	cfg := testConfig()
	cfg.Concurrency = 1
	logs := &syncBuffer{}
	w, err := NewWorker(cfg, streams, runner, WithRecordStore(records), WithDeadLetters(dlq),
		WithWorkerLogger(zerolog.New(logs)))
	require.NoError(t, err)

	for _, id := range []string{"a-0", "b-0"} {
		msg := JobMessage{ID: id, InputKind: pipeline.InputText, Input: []byte("x")}
		streams.msgs <- Message{ID: id, Values: msg.ToRedisValues()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-started
	// b-0 has been taken off the stream and is waiting for a slot
	require.Eventually(t, func() bool { return len(streams.msgs) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "leaving message pending")
	}, time.Second, 5*time.Millisecond)
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, []string{"a-0"}, streams.acked)
	assert.Equal(t, "completed", records.get("a-0").status)
	assert.Empty(t, records.get("b-0").status)
	assert.Empty(t, dlq.letters)
}

func TestRunAbortsJobsAfterDrainTimeout(t *testing.T) {
	streams := newFakeStreams()
	records := newFakeRecords()
	dlq := &fakeDLQ{}
	started := make(chan struct{}, 1)
	runner := runnerFunc(func(ctx context.Context, _ pipeline.Job) (*pipeline.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := testConfig()
	cfg.DrainTimeout = 20 * time.Millisecond
	w, err := NewWorker(cfg, streams, runner, WithRecordStore(records), WithDeadLetters(dlq))
	require.NoError(t, err)

	msg := JobMessage{ID: "c-7", InputKind: pipeline.InputText, Input: []byte("x")}
	streams.msgs <- Message{ID: "1-7", Values: msg.ToRedisValues()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-started
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	streams.mu.Lock()
	assert.Empty(t, streams.acked)
	streams.mu.Unlock()
	assert.Equal(t, "processing", records.get("c-7").status)
	assert.Empty(t, dlq.letters)
	assert.Empty(t, streams.results())
}

func TestHandleReportsInterruption(t *testing.T) {
	records := newFakeRecords()
	dlq := &fakeDLQ{}
	ctx, cancel := context.WithCancel(context.Background())
	runner := runnerFunc(func(context.Context, pipeline.Job) (*pipeline.Result, error) {
		cancel()
		return nil, context.Canceled
	})
	w, err := NewWorker(testConfig(), newFakeStreams(), runner, WithRecordStore(records), WithDeadLetters(dlq))
	require.NoError(t, err)

	err = w.Handle(ctx, JobMessage{ID: "c-8", InputKind: pipeline.InputText, Input: []byte("x")})
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, "processing", records.get("c-8").status)
	assert.Empty(t, dlq.letters)
}
