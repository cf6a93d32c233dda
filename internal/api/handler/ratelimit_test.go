package handler

import (
	"testing"
	"time"
)

func TestClientLimits_perAddress(t *testing.T) {
	l := newClientLimits(1, 1)
	now := time.Date(2024, 3, 4, 3, 15, 0, 0, time.UTC)

	if !l.allow("198.51.100.1", now) {
		t.Fatal("first request must pass")
	}
	if l.allow("198.51.100.1", now) {
		t.Error("second request in the same instant must be throttled")
	}
	if !l.allow("198.51.100.2", now) {
		t.Error("another address has its own bucket")
	}
	if !l.allow("198.51.100.1", now.Add(time.Second)) {
		t.Error("bucket must refill after a second")
	}
}

func TestClientLimits_sweepDropsIdle(t *testing.T) {
	l := newClientLimits(10, 10)
	start := time.Date(2024, 3, 4, 3, 15, 0, 0, time.UTC)

	l.allow("198.51.100.1", start)
	l.allow("198.51.100.2", start.Add(limiterIdle))

	if n := l.sweep(start.Add(time.Minute)); n != 1 {
		t.Fatalf("expected 1 client left, got %d", n)
	}
	if _, ok := l.clients["198.51.100.2"]; !ok {
		t.Error("recently seen client must survive the sweep")
	}
}
