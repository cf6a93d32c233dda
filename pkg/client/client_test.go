package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmerrifield20/ddosguard/pkg/client"
)

// ── Stub server ─────────────────────────────────────────────────────────

func stubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/predict", func(w http.ResponseWriter, r *http.Request) {
		var rec map[string]any
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
		if _, ok := rec["content_length"]; !ok {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{
				"error":   "missing features: content_length",
				"kind":    "missing_features",
				"missing": []string{"content_length"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"is_ddos": true, "confidence": 0.91, "risk_level": "Critical",
		})
	})

	mux.HandleFunc("/api/v1/model", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": "550e8400-e29b-41d4-a716-446655440000", "kind": "gbt",
			"threshold": 0.42, "banding": "standard", "width": 31,
		})
	})

	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Secret string `json:"secret"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Secret != "s3cret" {
			http.Error(w, `{"error":"invalid secret"}`, http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"token": "tok-123", "expires_at": time.Now().Add(time.Hour),
		})
	})

	mux.HandleFunc("/api/v1/detections", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		if q.Get("ddos_only") != "true" || q.Get("limit") != "5" {
			http.Error(w, `{"error":"unexpected query `+r.URL.RawQuery+`"}`, http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"id": "d1", "ip": "198.51.100.1", "is_ddos": true, "risk_level": "High", "blocked": false},
			},
			"count": 1,
		})
	})

	mux.HandleFunc("/api/v1/predict/batch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"model not loaded"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestNew_invalidURL(t *testing.T) {
	if _, err := client.New("not a url"); err == nil {
		t.Error("expected error for invalid URL")
	}
	if _, err := client.New("http://localhost", client.WithTimeout(0)); err == nil {
		t.Error("expected error for zero timeout")
	}
}

func TestPredict(t *testing.T) {
	c := client.MustNew(stubServer(t).URL)

	res, err := c.Predict(context.Background(), map[string]any{"content_length": 10})
	if err != nil {
		t.Fatalf("Predict() error: %v", err)
	}
	if !res.IsDDoS || res.Confidence != 0.91 || res.RiskLevel != "Critical" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestPredict_schemaError(t *testing.T) {
	c := client.MustNew(stubServer(t).URL)

	_, err := c.Predict(context.Background(), map[string]any{})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Kind != "missing_features" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
	if len(apiErr.Missing) != 1 || apiErr.Missing[0] != "content_length" {
		t.Errorf("missing: %v", apiErr.Missing)
	}
}

func TestPredictBatch_notReady(t *testing.T) {
	c := client.MustNew(stubServer(t).URL)

	_, err := c.PredictBatch(context.Background(), []map[string]any{{}})
	if !client.IsNotReady(err) {
		t.Errorf("expected not-ready error, got %v", err)
	}
}

func TestModel(t *testing.T) {
	c := client.MustNew(stubServer(t).URL)

	info, err := c.Model(context.Background())
	if err != nil {
		t.Fatalf("Model() error: %v", err)
	}
	if info.Kind != "gbt" || info.Threshold != 0.42 || info.Width != 31 {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestAdminTokenThenDetections(t *testing.T) {
	c := client.MustNew(stubServer(t).URL)
	ctx := context.Background()

	if _, err := c.Detections(ctx, client.DetectionFilter{DDoSOnly: true, Limit: 5}); err == nil {
		t.Fatal("expected 401 before authenticating")
	}
	if _, _, err := c.AdminToken(ctx, "wrong"); err == nil {
		t.Fatal("expected wrong secret to fail")
	}

	token, exp, err := c.AdminToken(ctx, "s3cret")
	if err != nil {
		t.Fatalf("AdminToken() error: %v", err)
	}
	if token != "tok-123" || exp.IsZero() {
		t.Errorf("unexpected token %q exp %v", token, exp)
	}

	list, err := c.Detections(ctx, client.DetectionFilter{DDoSOnly: true, Limit: 5})
	if err != nil {
		t.Fatalf("Detections() error: %v", err)
	}
	if len(list) != 1 || list[0].IP != "198.51.100.1" || list[0].RiskLevel != "High" {
		t.Errorf("unexpected detections: %+v", list)
	}
}

func TestWithBearerToken(t *testing.T) {
	c := client.MustNew(stubServer(t).URL, client.WithBearerToken("tok-123"))
	if _, err := c.Detections(context.Background(), client.DetectionFilter{DDoSOnly: true, Limit: 5}); err != nil {
		t.Fatalf("Detections() error: %v", err)
	}
}

func TestModelHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/model/history" || r.URL.Query().Get("limit") != "3" {
			http.Error(w, `{"error":"unexpected request"}`, http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"entries": []map[string]any{
				{"index": 1, "action": "load", "actor": "startup", "model_id": "m-1"},
			},
			"root": "abc", "verified": true, "count": 1,
		})
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL, client.WithBearerToken("tok-123"))
	h, err := c.ModelHistory(context.Background(), 3)
	if err != nil {
		t.Fatalf("ModelHistory() error: %v", err)
	}
	if !h.Verified || h.Root != "abc" || len(h.Entries) != 1 || h.Entries[0].Action != "load" {
		t.Errorf("unexpected history: %+v", h)
	}
}
