package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cortexhub/creation-engine/internal/cache"
	"github.com/cortexhub/creation-engine/internal/config"
	"github.com/cortexhub/creation-engine/internal/logging"
	"github.com/cortexhub/creation-engine/internal/metrics"
	"github.com/cortexhub/creation-engine/internal/pool"
)

// DefaultMaxImages caps how many plan prompts are rendered.
const DefaultMaxImages = 5

// Invoker executes operations against one remote model.
// *pool.Pool is the production implementation.
type Invoker interface {
	Name() string
	Open() error
	Close() error
	Invoke(ctx context.Context, operation string, payload any) (json.RawMessage, error)
}

// PoolInfo is the public view of one model pool.
type PoolInfo struct {
	Name      string   `json:"name"`
	Addresses []string `json:"addresses,omitempty"`
}

// Orchestrator owns the model pools and the result cache and runs jobs.
type Orchestrator struct {
	pools     map[string]Invoker
	order     []string
	cache     *ResultCache
	maxImages int
	language  string

	logger zerolog.Logger
	now    func() time.Time

	flight singleflight.Group

	mu          sync.RWMutex
	initialized bool
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the clock used for processing time and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMaxImages caps the number of images generated per job.
func WithMaxImages(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxImages = n
		}
	}
}

// WithDefaultLanguage sets the language used when a job names none.
func WithDefaultLanguage(lang string) Option {
	return func(o *Orchestrator) {
		if lang != "" {
			o.language = lang
		}
	}
}

// New creates an orchestrator over one invoker per required model.
func New(invokers []Invoker, results *ResultCache, opts ...Option) (*Orchestrator, error) {
	if results == nil {
		return nil, fmt.Errorf("result cache is required")
	}
	o := &Orchestrator{
		pools:     make(map[string]Invoker, len(invokers)),
		cache:     results,
		maxImages: DefaultMaxImages,
		language:  DefaultLanguage,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, inv := range invokers {
		name := inv.Name()
		if _, dup := o.pools[name]; dup {
			return nil, fmt.Errorf("duplicate pool for model %s", name)
		}
		o.pools[name] = inv
		o.order = append(o.order, name)
	}
	for _, name := range config.RequiredModels {
		if _, ok := o.pools[name]; !ok {
			return nil, fmt.Errorf("missing pool for model %s", name)
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// NewFromConfig builds HTTP-backed pools for every configured model.
func NewFromConfig(cfg *config.Config, store cache.Store) (*Orchestrator, error) {
	poolLogger := logging.WithComponent("pool")
	invokers := make([]Invoker, 0, len(config.RequiredModels))
	for _, name := range config.RequiredModels {
		mc, ok := cfg.Models[name]
		if !ok {
			return nil, fmt.Errorf("model %s is not configured", name)
		}
		p, err := pool.New(pool.Config{
			Name:        name,
			Addresses:   mc.URLs,
			APIKey:      mc.APIKey,
			Timeout:     mc.Timeout,
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			BackoffBase: cfg.Pipeline.BackoffBase,
			BackoffCap:  cfg.Pipeline.BackoffCap,
		}, pool.WithLogger(poolLogger))
		if err != nil {
			return nil, err
		}
		invokers = append(invokers, p)
	}

	results := NewResultCache(store, cfg.Cache.TTL, cfg.Cache.Prefix, logging.WithComponent("cache"))
	return New(invokers, results,
		WithLogger(logging.WithComponent("orchestrator")),
		WithMaxImages(cfg.Pipeline.MaxImages),
		WithDefaultLanguage(cfg.Pipeline.DefaultLanguage),
	)
}

// Initialize opens every pool. Calling it again while initialized is a no-op.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized {
		return nil
	}

	for i, name := range o.order {
		if err := ctx.Err(); err != nil {
			o.closePools(o.order[:i])
			return err
		}
		if err := o.pools[name].Open(); err != nil {
			o.closePools(o.order[:i])
			return fmt.Errorf("failed to open pool %s: %w", name, err)
		}
	}
	o.initialized = true
	o.logger.Info().Int("pools", len(o.order)).Msg("orchestrator initialized")
	return nil
}

// Shutdown closes every pool and the cache backend.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	if o.initialized {
		errs = append(errs, o.closePools(o.order))
	}
	o.initialized = false
	if err := o.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close cache: %w", err))
	}
	o.logger.Info().Msg("orchestrator shut down")
	return errors.Join(errs...)
}

func (o *Orchestrator) closePools(names []string) error {
	var errs []error
	for _, name := range names {
		if err := o.pools[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close pool %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Initialized reports whether Initialize has completed.
func (o *Orchestrator) Initialized() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.initialized
}

// Pools lists the model pools in registration order.
func (o *Orchestrator) Pools() []PoolInfo {
	out := make([]PoolInfo, 0, len(o.order))
	for _, name := range o.order {
		info := PoolInfo{Name: name}
		if a, ok := o.pools[name].(interface{ Addresses() []string }); ok {
			info.Addresses = a.Addresses()
		}
		out = append(out, info)
	}
	return out
}

// Cache returns the result cache.
func (o *Orchestrator) Cache() *ResultCache { return o.cache }

// RunPipeline runs job through every stage, or returns the cached result for
// an identical job. Concurrent identical jobs share one execution.
func (o *Orchestrator) RunPipeline(ctx context.Context, job Job) (*Result, error) {
	if !o.Initialized() {
		return nil, ErrNotInitialized
	}
	job, err := job.withDefaults(o.language)
	if err != nil {
		metrics.JobsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	start := o.now()
	key := o.cache.Key(job.CreationKind, job.Input)

	for {
		if res, ok := o.cache.Get(ctx, key); ok {
			metrics.JobsTotal.WithLabelValues("cached").Inc()
			o.logger.Debug().Str("fingerprint", key).Str("user_id", job.UserID).Msg("cache hit")
			return res, nil
		}

		ch := o.flight.DoChan(key, func() (any, error) {
			return o.execute(ctx, job, key, start)
		})

		var r singleflight.Result
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r = <-ch:
		}

		if r.Err != nil {
			// The shared run died with its owner's context; ours is still live.
			if r.Shared && isContextError(r.Err) && ctx.Err() == nil {
				continue
			}
			return nil, r.Err
		}
		res := r.Val.(*Result)
		if r.Shared {
			return res.Clone(), nil
		}
		return res, nil
	}
}

func (o *Orchestrator) execute(ctx context.Context, job Job, key string, start time.Time) (*Result, error) {
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	log := o.logger.With().
		Str("fingerprint", key).
		Str("user_id", job.UserID).
		Str("creation_kind", job.CreationKind).
		Logger()

	content, err := o.runStages(ctx, job, log)
	if err != nil {
		metrics.JobsTotal.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("state", string(StateFailed)).Msg("pipeline failed")
		return nil, err
	}

	finished := o.now()
	res := &Result{
		Content: *content,
		Metadata: Metadata{
			CreationKind:          job.CreationKind,
			ProcessingTimeSeconds: finished.Sub(start).Seconds(),
			CreatedAt:             finished.UTC(),
		},
	}
	o.cache.Put(ctx, key, res, 0)

	metrics.JobsTotal.WithLabelValues("completed").Inc()
	log.Info().
		Str("state", string(StateCompleted)).
		Float64("processing_time", res.Metadata.ProcessingTimeSeconds).
		Int("images", len(content.Images)).
		Msg("pipeline completed")
	return res, nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
