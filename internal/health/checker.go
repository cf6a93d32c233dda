package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status values reported per probe.
const (
	StatusUnknown  = "unknown"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe is a named dependency check. A Critical probe that is degraded makes
// the process unready.
type Probe struct {
	Name     string
	Check    func(ctx context.Context) error
	Critical bool
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(probe string, success bool)

// ProbeStatus is the last known state of one probe.
type ProbeStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Critical  bool      `json:"critical"`
	Failures  int       `json:"consecutive_failures"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// HealthChecker runs periodic dependency probes.
type HealthChecker struct {
	probes    []Probe
	mu        sync.Mutex
	state     map[string]*ProbeStatus
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new HealthChecker.
func New(cfg Config, logger *zap.Logger, probes ...Probe) *HealthChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	state := make(map[string]*ProbeStatus, len(probes))
	for _, p := range probes {
		state[p.Name] = &ProbeStatus{Name: p.Name, Status: StatusUnknown, Critical: p.Critical}
	}
	return &HealthChecker{
		probes: probes,
		state:  state,
		cfg:    cfg,
		logger: logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *HealthChecker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start probes once immediately and then every CheckInterval until ctx is
// cancelled.
func (h *HealthChecker) Start(ctx context.Context) {
	h.CheckAll(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently and updates their status.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()

			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Check(pctx)
			cancel()

			if h.onMetrics != nil {
				h.onMetrics(p.Name, err == nil)
			}
			h.record(p.Name, err)
		}(p)
	}
	wg.Wait()
}

func (h *HealthChecker) record(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.state[name]
	prev := st.Failures
	st.CheckedAt = time.Now().UTC()

	if err == nil {
		st.Failures = 0
		st.LastError = ""
		st.Status = StatusHealthy
		if prev >= h.cfg.FailThreshold {
			// Transition: degraded → healthy
			h.logger.Info("health: recovered", zap.String("probe", name))
		}
		return
	}

	st.Failures++
	st.LastError = err.Error()
	if st.Failures == h.cfg.FailThreshold {
		// Transition: healthy → degraded (exactly at threshold)
		st.Status = StatusDegraded
		h.logger.Warn("health: degraded",
			zap.String("probe", name),
			zap.Int("fail_count", st.Failures),
			zap.Error(err),
		)
	}
}

// Ready reports whether no critical probe is degraded.
func (h *HealthChecker) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.state {
		if st.Critical && st.Status == StatusDegraded {
			return false
		}
	}
	return true
}

// Statuses returns a snapshot of every probe, ordered by name.
func (h *HealthChecker) Statuses() []ProbeStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ProbeStatus, 0, len(h.state))
	for _, st := range h.state {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ErrNotReady is returned by ReadyProbe when the check reports false.
var ErrNotReady = errors.New("not ready")

// ReadyProbe adapts a boolean readiness check such as a model holder.
func ReadyProbe(name string, ready func() bool, critical bool) Probe {
	return Probe{
		Name:     name,
		Critical: critical,
		Check: func(context.Context) error {
			if !ready() {
				return ErrNotReady
			}
			return nil
		},
	}
}

// HTTPProbe checks an HTTP endpoint, trying HEAD then GET and accepting any
// 2xx response.
func HTTPProbe(name, endpoint string, client *http.Client, critical bool) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return Probe{
		Name:     name,
		Critical: critical,
		Check: func(ctx context.Context) error {
			return probeEndpoint(ctx, client, endpoint)
		},
	}
}

func probeEndpoint(ctx context.Context, client *http.Client, endpoint string) error {
	var lastErr error
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("%s %s: status %d", method, endpoint, resp.StatusCode)
	}
	return lastErr
}
