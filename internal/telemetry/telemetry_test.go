package telemetry

import (
	"context"
	"testing"
)

func TestSetup_disabled(t *testing.T) {
	tracer, shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	_, span := tracer.Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Error("disabled tracing should produce invalid span contexts")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetup_enabled(t *testing.T) {
	tracer, shutdown, err := Setup(context.Background(), Config{
		Enabled:      true,
		Endpoint:     "127.0.0.1:1",
		Insecure:     true,
		SamplingRate: 1,
	})
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	_, span := tracer.Start(context.Background(), "sampled")
	if !span.SpanContext().IsSampled() {
		t.Error("expected sampled span at rate 1")
	}
	span.End()

	// Export to the unreachable collector fails; shutdown must still return.
	_ = shutdown(context.Background())
}
