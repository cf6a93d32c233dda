// Package reqstats keeps the per-source request history behind the
// behavioural features of a live request: request rate over the last
// minute, user-agent length variance and the previous request's duration.
package reqstats

import (
	"context"
	"time"
)

const (
	// Window is the span over which requests are counted.
	Window = time.Minute
	// UAHistory is the number of recent user agents kept per source.
	UAHistory = 10
	// DefaultDuration is reported when a source has no completed request.
	DefaultDuration = 0.05
	// MaxUAVariance caps the scaled user-agent variance.
	MaxUAVariance = 10.0
)

// Stats describes a source at the moment one of its requests arrives.
type Stats struct {
	ReqRate1Min  int     // requests in the last Window, this one included
	UAVariance   float64 // population variance of UA lengths / 100, capped
	PrevDuration float64 // seconds taken by the previous completed request
}

// Tracker records requests per source IP.
type Tracker interface {
	// Observe records a request from ip with user agent ua at now and
	// returns the source's stats including that request.
	Observe(ctx context.Context, ip, ua string, now time.Time) (Stats, error)
	// Complete records how long the source's latest request took.
	Complete(ctx context.Context, ip string, dur time.Duration) error
}

// uaVariance scales the population variance of the given UA lengths.
// Fewer than two samples have no variance.
func uaVariance(lengths []int) float64 {
	if len(lengths) < 2 {
		return 0
	}
	var sum float64
	for _, l := range lengths {
		sum += float64(l)
	}
	mean := sum / float64(len(lengths))
	var ss float64
	for _, l := range lengths {
		d := float64(l) - mean
		ss += d * d
	}
	return min(MaxUAVariance, ss/float64(len(lengths))/100)
}
