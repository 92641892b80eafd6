package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cortexhub/creation-engine/internal/metrics"
	"github.com/cortexhub/creation-engine/internal/pipeline"
	"github.com/cortexhub/creation-engine/internal/storage"
)

// stagePublishing names failures after the pipeline succeeded.
const stagePublishing = "Publishing"

// DefaultDrainTimeout bounds how long Run waits for in-flight jobs on shutdown.
const DefaultDrainTimeout = 30 * time.Second

// ErrInterrupted is returned by Handle when the worker shut down before the
// job finished. The job is neither recorded as failed nor acknowledged.
var ErrInterrupted = errors.New("job interrupted by shutdown")

// Runner executes one job. *pipeline.Orchestrator implements it.
type Runner interface {
	RunPipeline(ctx context.Context, job pipeline.Job) (*pipeline.Result, error)
}

// RecordStore persists creation records.
type RecordStore interface {
	Start(ctx context.Context, id, userID, creationKind string) error
	Complete(ctx context.Context, id string, res *pipeline.Result, urls *storage.Published) error
	Fail(ctx context.Context, id, stage, reason string) error
}

// Publisher turns generated content into durable URLs.
type Publisher interface {
	Publish(ctx context.Context, creationID string, content pipeline.Content) (*storage.Published, error)
}

// Streams is the subset of RedisClient the worker uses.
type Streams interface {
	Subscribe(ctx context.Context, stream, group, consumer string) (<-chan Message, error)
	Publish(ctx context.Context, stream string, values map[string]interface{}) (string, error)
	Ack(ctx context.Context, stream, group, id string) error
}

// DeadLetters receives jobs that failed.
type DeadLetters interface {
	Send(ctx context.Context, job JobMessage, stage, errMsg string, retryable bool) error
}

// WorkerConfig configures stream names and limits
type WorkerConfig struct {
	Stream       string
	ResultStream string
	Group        string
	Consumer     string
	Concurrency  int
	JobTimeout   time.Duration
	DrainTimeout time.Duration
}

// Worker consumes job messages and runs them with bounded concurrency.
type Worker struct {
	cfg       WorkerConfig
	streams   Streams
	dlq       DeadLetters
	runner    Runner
	records   RecordStore
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup
}

// WorkerOption configures a Worker
type WorkerOption func(*Worker)

// WithRecordStore persists a record per job.
func WithRecordStore(rs RecordStore) WorkerOption {
	return func(w *Worker) { w.records = rs }
}

// WithPublisher uploads content before a job is reported complete.
func WithPublisher(p Publisher) WorkerOption {
	return func(w *Worker) { w.publisher = p }
}

// WithDeadLetters sets where failed jobs go.
func WithDeadLetters(d DeadLetters) WorkerOption {
	return func(w *Worker) { w.dlq = d }
}

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(l zerolog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// NewWorker creates a worker.
func NewWorker(cfg WorkerConfig, streams Streams, runner Runner, opts ...WorkerOption) (*Worker, error) {
	if cfg.Stream == "" || cfg.Group == "" {
		return nil, fmt.Errorf("stream and group are required")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "engine"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	w := &Worker{
		cfg:     cfg,
		streams: streams,
		runner:  runner,
		logger:  zerolog.Nop(),
		now:     time.Now,
		sem:     make(chan struct{}, cfg.Concurrency),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run consumes messages until ctx is cancelled. In-flight jobs then get
// DrainTimeout to finish before they are aborted. Messages that were not
// processed stay pending in the group and are reclaimed on the next start.
func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.streams.Subscribe(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer)
	if err != nil {
		return err
	}
	w.logger.Info().
		Str("stream", w.cfg.Stream).
		Str("group", w.cfg.Group).
		Str("consumer", w.cfg.Consumer).
		Int("concurrency", w.cfg.Concurrency).
		Msg("worker started")

	jobsCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()
	defer w.drain(abort)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				w.logger.Debug().Str("message_id", msg.ID).Msg("leaving message pending for redelivery")
				return nil
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer func() { <-w.sem }()
				w.process(jobsCtx, msg)
			}()
		}
	}
}

// drain waits for in-flight jobs, aborting them once DrainTimeout passes.
func (w *Worker) drain(abort context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(w.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		w.logger.Warn().Dur("timeout", w.cfg.DrainTimeout).Msg("drain timed out, aborting in-flight jobs")
		abort()
		<-done
	}
}

func (w *Worker) process(ctx context.Context, msg Message) {
	job, err := JobMessageFromRedisValues(msg.Values)
	if err != nil {
		metrics.QueueMessages.WithLabelValues("invalid").Inc()
		w.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("discarding malformed job message")
		w.deadLetter(ctx, JobMessage{ID: "stream:" + msg.ID}, string(pipeline.StateQueued), err, false)
		w.ack(ctx, msg.ID)
		return
	}
	if err := w.Handle(ctx, *job); errors.Is(err, ErrInterrupted) {
		return
	}
	w.ack(ctx, msg.ID)
}

func (w *Worker) ack(ctx context.Context, id string) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.streams.Ack(ackCtx, w.cfg.Stream, w.cfg.Group, id); err != nil {
		w.logger.Warn().Err(err).Str("message_id", id).Msg("ack failed")
	}
}

// Handle runs one job end to end: record, pipeline, publish, report.
// If ctx is cancelled before the job finishes, Handle returns ErrInterrupted
// and leaves the job for redelivery.
func (w *Worker) Handle(ctx context.Context, job JobMessage) error {
	log := w.logger.With().Str("creation_id", job.ID).Str("user_id", job.UserID).Logger()
	// bookkeeping outlives the job deadline
	bg := context.WithoutCancel(ctx)

	if w.records != nil {
		if err := w.records.Start(bg, job.ID, job.UserID, job.CreationKind); err != nil {
			log.Warn().Err(err).Msg("failed to record job start")
		}
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	res, err := w.runner.RunPipeline(jobCtx, job.Job())
	if err != nil && ctx.Err() != nil {
		return w.interrupted(log, err)
	}
	if err != nil {
		w.fail(bg, log, job, stageOf(err), err, pipeline.Retryable(err))
		return err
	}

	var urls *storage.Published
	if w.publisher != nil {
		urls, err = w.publisher.Publish(jobCtx, job.ID, res.Content)
		if err != nil && ctx.Err() != nil {
			return w.interrupted(log, err)
		}
		if err != nil {
			err = fmt.Errorf("publish content: %w", err)
			w.fail(bg, log, job, stagePublishing, err, true)
			return err
		}
	}

	if w.records != nil {
		if err := w.records.Complete(bg, job.ID, res, urls); err != nil {
			log.Warn().Err(err).Msg("failed to record completion")
		}
	}
	w.report(bg, log, ResultMessage{
		CreationID:     job.ID,
		UserID:         job.UserID,
		Status:         StatusCompleted,
		URLs:           urls,
		ProcessingTime: res.Metadata.ProcessingTimeSeconds,
		Finished:       w.now().Unix(),
	})

	metrics.QueueMessages.WithLabelValues(StatusCompleted).Inc()
	log.Info().Float64("processing_time", res.Metadata.ProcessingTimeSeconds).Msg("job completed")
	return nil
}

func (w *Worker) interrupted(log zerolog.Logger, err error) error {
	metrics.QueueMessages.WithLabelValues("interrupted").Inc()
	log.Warn().Err(err).Msg("job interrupted, leaving it for redelivery")
	return fmt.Errorf("%w: %v", ErrInterrupted, err)
}

func (w *Worker) fail(ctx context.Context, log zerolog.Logger, job JobMessage, stage string, err error, retryable bool) {
	metrics.QueueMessages.WithLabelValues(StatusFailed).Inc()
	log.Error().Err(err).Str("stage", stage).Bool("retryable", retryable).Msg("job failed")

	if w.records != nil {
		if rerr := w.records.Fail(ctx, job.ID, stage, err.Error()); rerr != nil {
			log.Warn().Err(rerr).Msg("failed to record failure")
		}
	}
	w.deadLetter(ctx, job, stage, err, retryable)
	w.report(ctx, log, ResultMessage{
		CreationID: job.ID,
		UserID:     job.UserID,
		Status:     StatusFailed,
		Stage:      stage,
		Error:      err.Error(),
		Retryable:  retryable,
		Finished:   w.now().Unix(),
	})
}

func (w *Worker) deadLetter(ctx context.Context, job JobMessage, stage string, err error, retryable bool) {
	if w.dlq == nil {
		return
	}
	if derr := w.dlq.Send(ctx, job, stage, err.Error(), retryable); derr != nil {
		w.logger.Warn().Err(derr).Str("creation_id", job.ID).Msg("failed to dead-letter job")
	}
}

func (w *Worker) report(ctx context.Context, log zerolog.Logger, r ResultMessage) {
	if w.cfg.ResultStream == "" {
		return
	}
	if _, err := w.streams.Publish(ctx, w.cfg.ResultStream, r.ToRedisValues()); err != nil {
		log.Warn().Err(err).Msg("failed to publish result")
	}
}

// stageOf names the stage a pipeline error came from.
func stageOf(err error) string {
	var se *pipeline.StageError
	if errors.As(err, &se) {
		return string(se.Stage)
	}
	if errors.Is(err, pipeline.ErrInvalidJob) {
		return string(pipeline.StateQueued)
	}
	return string(pipeline.StateFailed)
}
