// Package pool routes calls for one remote model across its endpoints.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/cortexhub/creation-engine/internal/metrics"
)

const (
	DefaultTimeout     = 60 * time.Second
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffCap  = 10 * time.Second

	// DemoteWindow is how long endpoints that exhausted an Invoke's retries
	// lose their latency preference.
	DemoteWindow = 30 * time.Second
)

// Config describes one model pool
type Config struct {
	Name        string
	Addresses   []string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Endpoint is one address serving the model. Its latency average is
// private to the owning pool.
type Endpoint struct {
	Address string

	avgLatency   float64 // seconds
	sampled      bool
	demotedUntil time.Time
}

// Pool owns the endpoints of one model and executes retried calls against them.
type Pool struct {
	name        string
	apiKey      string
	endpoints   []*Endpoint
	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration

	logger zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	newCaller func() Caller

	mu     sync.Mutex
	cursor int
	caller Caller
}

// Option configures a Pool
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithCaller replaces the HTTP caller, mostly for tests.
func WithCaller(c Caller) Option {
	return func(p *Pool) { p.newCaller = func() Caller { return c } }
}

// WithClock sets the clock used to measure call latency.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithSleep sets the function used to wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pool) { p.sleep = sleep }
}

// New creates a pool. Endpoints keep the order of cfg.Addresses.
func New(cfg Config, opts ...Option) (*Pool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("pool name is required")
	}
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("pool %s: at least one address is required", cfg.Name)
	}

	p := &Pool{
		name:        cfg.Name,
		apiKey:      cfg.APIKey,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		logger:      zerolog.Nop(),
		now:         time.Now,
		sleep:       sleepContext,
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxAttempts
	}
	if p.backoffBase <= 0 {
		p.backoffBase = DefaultBackoffBase
	}
	if p.backoffCap <= 0 {
		p.backoffCap = DefaultBackoffCap
	}
	for _, addr := range cfg.Addresses {
		if addr == "" {
			return nil, fmt.Errorf("pool %s: empty address", cfg.Name)
		}
		p.endpoints = append(p.endpoints, &Endpoint{Address: addr})
	}
	p.newCaller = func() Caller { return NewHTTPCaller(p.apiKey) }

	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("model", p.name).Logger()
	return p, nil
}

// Name returns the model name.
func (p *Pool) Name() string { return p.name }

// Addresses returns endpoint addresses in registration order.
func (p *Pool) Addresses() []string {
	out := make([]string, len(p.endpoints))
	for i, e := range p.endpoints {
		out[i] = e.Address
	}
	return out
}

// Open prepares connection resources. Calling it again is a no-op.
func (p *Pool) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.caller == nil {
		p.caller = p.newCaller()
	}
	return nil
}

// Close releases connection resources.
func (p *Pool) Close() error {
	p.mu.Lock()
	c := p.caller
	p.caller = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// Invoke runs operation against the best endpoint, retrying transient failures
// with capped exponential backoff.
func (p *Pool) Invoke(ctx context.Context, operation string, payload any) (json.RawMessage, error) {
	p.mu.Lock()
	caller := p.caller
	p.mu.Unlock()
	if caller == nil {
		return nil, fmt.Errorf("%s: %w", p.name, ErrNotOpen)
	}

	backoff := retry.NewExponential(p.backoffBase)
	backoff = retry.WithCappedDuration(p.backoffCap, backoff)
	backoff = retry.WithMaxRetries(uint64(p.maxAttempts-1), backoff)

	failed := make(map[int]bool)
	var lastErr error
	for attempt := 1; ; attempt++ {
		idx := p.selectEndpoint(failed)
		ep := p.endpoints[idx]

		out, err := p.attempt(ctx, caller, ep, idx, operation, payload)
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !IsTransient(err) {
			return nil, err
		}

		lastErr = err
		failed[idx] = true
		p.advanceCursor()

		delay, stop := backoff.Next()
		if stop {
			p.demote(failed)
			p.logger.Warn().Err(err).Int("attempts", attempt).Str("operation", operation).Msg("retries exhausted")
			return nil, &RetriesExhaustedError{Model: p.name, Attempts: attempt, Last: lastErr}
		}
		metrics.ModelRetries.WithLabelValues(p.name).Inc()
		p.logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", delay).
			Str("endpoint", ep.Address).Msg("transient failure, retrying")
		if err := p.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (p *Pool) attempt(ctx context.Context, caller Caller, ep *Endpoint, idx int, operation string, payload any) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.now()
	out, err := caller.Call(callCtx, ep.Address, operation, payload)
	elapsed := p.now().Sub(start)

	if err != nil {
		// A per-attempt deadline surfaces as a timeout whatever the caller reported.
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %s after %s", ErrTimeout, ep.Address, p.timeout)
		}
		metrics.ModelCallLatency.WithLabelValues(p.name, "error").Observe(elapsed.Seconds())
		return nil, err
	}

	metrics.ModelCallLatency.WithLabelValues(p.name, "ok").Observe(elapsed.Seconds())
	p.observe(idx, elapsed.Seconds())
	return out, nil
}

// selectEndpoint picks the lowest-latency endpoint that is neither in failed
// nor demoted. Demoted endpoints are used only when nothing else is left.
// Without any sampled candidate it falls back to the round-robin cursor.
func (p *Pool) selectEndpoint(failed map[int]bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.endpoints)
	now := p.now()
	candidate := func(i int) bool { return !failed[i] && !now.Before(p.endpoints[i].demotedUntil) }
	if !p.anyLocked(candidate) {
		candidate = func(i int) bool { return !failed[i] }
	}
	if !p.anyLocked(candidate) {
		candidate = func(int) bool { return true }
	}

	best := -1
	for i, e := range p.endpoints {
		if !candidate(i) || !e.sampled {
			continue
		}
		if best < 0 || e.avgLatency < p.endpoints[best].avgLatency {
			best = i
		}
	}
	if best >= 0 {
		return best
	}
	for k := 0; k < n; k++ {
		i := (p.cursor + k) % n
		if candidate(i) {
			return i
		}
	}
	return p.cursor % n
}

func (p *Pool) anyLocked(candidate func(int) bool) bool {
	for i := range p.endpoints {
		if candidate(i) {
			return true
		}
	}
	return false
}

// demote lowers the preference of endpoints that failed every attempt of one
// Invoke. A pool with a single endpoint has nothing to prefer instead.
func (p *Pool) demote(failed map[int]bool) {
	if len(p.endpoints) < 2 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	until := p.now().Add(DemoteWindow)
	for idx := range failed {
		p.endpoints[idx].demotedUntil = until
	}
}

func (p *Pool) advanceCursor() {
	if len(p.endpoints) < 2 {
		return
	}
	p.mu.Lock()
	p.cursor = (p.cursor + 1) % len(p.endpoints)
	p.mu.Unlock()
}

// observe folds a latency sample into the endpoint average.
func (p *Pool) observe(idx int, seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.endpoints[idx]
	e.demotedUntil = time.Time{}
	if !e.sampled {
		e.avgLatency = seconds
		e.sampled = true
		return
	}
	e.avgLatency = (e.avgLatency + seconds) / 2
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
