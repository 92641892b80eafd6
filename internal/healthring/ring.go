// Package healthring probes every model endpoint on an interval and keeps a
// short history per endpoint. It is observational: pool selection does not
// read it.
package healthring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cortexhub/creation-engine/internal/config"
	"github.com/cortexhub/creation-engine/internal/pipeline"
)

const (
	defaultHistorySize = 10
	probeTimeout       = 5 * time.Second
)

// Member states
const (
	StatusUnknown  = "unknown"
	StatusUp       = "up"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

type HealthCheckResult struct {
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

type EndpointStatus struct {
	Address string              `json:"address"`
	Status  string              `json:"status"`
	History []HealthCheckResult `json:"history"`
}

// MemberStatus is the health of one model pool.
type MemberStatus struct {
	Name      string           `json:"name"`
	Status    string           `json:"status"`
	Endpoints []EndpointStatus `json:"endpoints"`
}

type HealthRing struct {
	mu          sync.RWMutex
	members     map[string]*MemberStatus
	order       []string
	path        string
	interval    time.Duration
	historySize int
	client      *http.Client
	logger      zerolog.Logger
	now         func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*HealthRing)

// WithHistorySize bounds how many results are kept per endpoint.
func WithHistorySize(n int) Option {
	return func(h *HealthRing) {
		if n > 0 {
			h.historySize = n
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(h *HealthRing) { h.client = c }
}

// NewHealthRing returns nil when the ring is disabled.
func NewHealthRing(cfg config.HealthRingConfig, pools []pipeline.PoolInfo, logger zerolog.Logger, opts ...Option) *HealthRing {
	if !cfg.Enabled {
		return nil
	}
	h := &HealthRing{
		members:     make(map[string]*MemberStatus, len(pools)),
		path:        cfg.Path,
		interval:    cfg.CheckInterval,
		historySize: defaultHistorySize,
		client:      &http.Client{Timeout: probeTimeout},
		logger:      logger,
		now:         time.Now,
	}
	if h.path == "" {
		h.path = "/health"
	}
	if h.interval <= 0 {
		h.interval = 30 * time.Second
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, p := range pools {
		m := &MemberStatus{Name: p.Name, Status: StatusUnknown}
		for _, addr := range p.Addresses {
			m.Endpoints = append(m.Endpoints, EndpointStatus{
				Address: addr,
				Status:  StatusUnknown,
				History: make([]HealthCheckResult, 0, h.historySize),
			})
		}
		h.members[p.Name] = m
		h.order = append(h.order, p.Name)
	}
	return h
}

// Start probes on every interval until Shutdown.
func (h *HealthRing) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.CheckNow(ctx)
			}
		}
	}()
	h.logger.Info().Dur("interval", h.interval).Int("members", len(h.order)).Msg("health ring started")
}

// CheckNow probes every endpoint once, concurrently.
func (h *HealthRing) CheckNow(ctx context.Context) {
	type probe struct {
		member string
		idx    int
		addr   string
	}
	var probes []probe
	h.mu.RLock()
	for _, name := range h.order {
		for i, ep := range h.members[name].Endpoints {
			probes = append(probes, probe{member: name, idx: i, addr: ep.Address})
		}
	}
	h.mu.RUnlock()

	results := make([]HealthCheckResult, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.performCheck(ctx, p.addr)
		}()
	}
	wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range probes {
		ep := &h.members[p.member].Endpoints[p.idx]
		ep.History = append(ep.History, results[i])
		if len(ep.History) > h.historySize {
			ep.History = ep.History[len(ep.History)-h.historySize:]
		}
		ep.Status = StatusUp
		if !results[i].Success {
			ep.Status = StatusDown
		}
	}
	for _, name := range h.order {
		m := h.members[name]
		m.Status = aggregate(m.Endpoints)
		h.logger.Debug().Str("model", name).Str("status", m.Status).Msg("health check")
	}
}

func (h *HealthRing) performCheck(ctx context.Context, addr string) HealthCheckResult {
	res := HealthCheckResult{Timestamp: h.now()}
	url := strings.TrimRight(addr, "/") + h.path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	resp, err := h.client.Do(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()
	res.Success = resp.StatusCode == http.StatusOK
	if !res.Success {
		res.Error = fmt.Sprintf("status %d expected %d", resp.StatusCode, http.StatusOK)
	}
	return res
}

func aggregate(eps []EndpointStatus) string {
	up, known := 0, 0
	for _, ep := range eps {
		if ep.Status == StatusUnknown {
			continue
		}
		known++
		if ep.Status == StatusUp {
			up++
		}
	}
	switch {
	case known == 0:
		return StatusUnknown
	case up == len(eps):
		return StatusUp
	case up == 0:
		return StatusDown
	default:
		return StatusDegraded
	}
}

// Status returns a snapshot of every member.
func (h *HealthRing) Status() map[string]*MemberStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m := make(map[string]*MemberStatus, len(h.members))
	for k, v := range h.members {
		m[k] = v.snapshot()
	}
	return m
}

func (h *HealthRing) GetMemberStatus(name string) (*MemberStatus, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.members[name]
	if !ok {
		return nil, fmt.Errorf("member not found")
	}
	return s.snapshot(), nil
}

func (m *MemberStatus) snapshot() *MemberStatus {
	out := &MemberStatus{Name: m.Name, Status: m.Status, Endpoints: make([]EndpointStatus, len(m.Endpoints))}
	for i, ep := range m.Endpoints {
		out.Endpoints[i] = EndpointStatus{
			Address: ep.Address,
			Status:  ep.Status,
			History: append([]HealthCheckResult{}, ep.History...),
		}
	}
	return out
}

func (h *HealthRing) GetStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(h.Status()); err != nil {
			http.Error(w, "Encode error", http.StatusInternalServerError)
		}
	}
}

func (h *HealthRing) GetMemberHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name := strings.TrimPrefix(r.URL.Path, "/api/v1/healthring/")
		if name == "" {
			http.Error(w, "Member name required", http.StatusBadRequest)
			return
		}
		member, err := h.GetMemberStatus(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(member); err != nil {
			http.Error(w, "Encode error", http.StatusInternalServerError)
		}
	}
}

// Shutdown stops the probe loop and waits for it to exit.
func (h *HealthRing) Shutdown() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}
