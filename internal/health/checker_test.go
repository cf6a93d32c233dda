package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type switchProbe struct {
	mu  sync.Mutex
	err error
}

func (s *switchProbe) set(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *switchProbe) check(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestHTTPProbe_success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := HTTPProbe("collector", srv.URL, srv.Client(), false)
	if err := p.Check(context.Background()); err != nil {
		t.Errorf("expected probe to succeed, got %v", err)
	}
}

func TestHTTPProbe_failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := HTTPProbe("collector", srv.URL, srv.Client(), false)
	if err := p.Check(context.Background()); err == nil {
		t.Error("expected probe to fail")
	}
}

func TestCheckAll_degradesAfterThreshold(t *testing.T) {
	db := &switchProbe{err: errors.New("connection refused")}
	checker := New(Config{FailThreshold: 3}, zap.NewNop(),
		Probe{Name: "postgres", Check: db.check, Critical: true},
		ReadyProbe("model", func() bool { return true }, true),
	)

	// Run 3 times to hit the threshold.
	for i := 0; i < 3; i++ {
		if !checker.Ready() {
			t.Fatalf("degraded too early, after %d checks", i)
		}
		checker.CheckAll(context.Background())
	}

	if checker.Ready() {
		t.Fatal("expected not ready after 3 failures")
	}
	st := checker.Statuses()
	if st[0].Name != "model" || st[0].Status != StatusHealthy {
		t.Errorf("model: %+v", st[0])
	}
	if st[1].Status != StatusDegraded || st[1].Failures != 3 || st[1].LastError == "" {
		t.Errorf("postgres: %+v", st[1])
	}

	db.set(nil)
	checker.CheckAll(context.Background())
	if !checker.Ready() {
		t.Error("expected recovery after a successful probe")
	}
}

func TestCheckAll_nonCriticalDoesNotAffectReadiness(t *testing.T) {
	checker := New(Config{FailThreshold: 1}, zap.NewNop(),
		Probe{Name: "redis", Check: func(context.Context) error { return errors.New("down") }},
	)
	checker.CheckAll(context.Background())
	if !checker.Ready() {
		t.Error("non-critical probe must not make the process unready")
	}
	if st := checker.Statuses(); st[0].Status != StatusDegraded {
		t.Errorf("expected degraded, got %q", st[0].Status)
	}
}

func TestCheckAll_metricsAndTimeout(t *testing.T) {
	var (
		mu      sync.Mutex
		results = map[string]bool{}
	)
	checker := New(Config{ProbeTimeout: 20 * time.Millisecond}, zap.NewNop(),
		Probe{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		ReadyProbe("model", func() bool { return false }, true),
	)
	checker.SetMetricsRecord(func(name string, ok bool) {
		mu.Lock()
		results[name] = ok
		mu.Unlock()
	})

	checker.CheckAll(context.Background())

	if ok, seen := results["slow"]; !seen || ok {
		t.Errorf("slow probe: seen=%v ok=%v", seen, ok)
	}
	if ok, seen := results["model"]; !seen || ok {
		t.Errorf("model probe: seen=%v ok=%v", seen, ok)
	}
}
