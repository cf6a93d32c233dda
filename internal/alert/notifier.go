package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/ddosguard/internal/detections"
	"github.com/jmerrifield20/ddosguard/internal/risk"
)

// Config controls which detections raise alerts.
type Config struct {
	Recipients []string
	MinTier    *risk.Tier    // nil means Critical
	Cooldown   time.Duration // per source IP; default 10m
	Timeout    time.Duration // per delivery; default 15s
	QueueSize  int           // default 64
}

func (c Config) withDefaults() Config {
	if c.MinTier == nil {
		t := risk.Critical
		c.MinTier = &t
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// Notifier turns detections into alerts. Notify never blocks the caller;
// delivery happens on the goroutine running Run.
type Notifier struct {
	sender Sender
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time

	queue        chan *detections.Detection
	recordMetric func(delivered bool)
}

// NewNotifier creates a Notifier.
func NewNotifier(sender Sender, cfg Config, logger *zap.Logger) *Notifier {
	cfg = cfg.withDefaults()
	return &Notifier{
		sender: sender,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		last:   make(map[string]time.Time),
		queue:  make(chan *detections.Detection, cfg.QueueSize),
	}
}

// SetMetricsRecord registers a callback invoked after every delivery attempt.
func (n *Notifier) SetMetricsRecord(fn func(delivered bool)) {
	n.recordMetric = fn
}

// Notify queues an alert for d if it is an attack at or above the minimum
// tier and its source is not cooling down. It reports whether d was queued.
func (n *Notifier) Notify(d *detections.Detection) bool {
	if d == nil || !d.IsDDoS || d.RiskLevel < *n.cfg.MinTier || len(n.cfg.Recipients) == 0 {
		return false
	}

	now := n.now()
	n.mu.Lock()
	if t, ok := n.last[d.IP]; ok && now.Sub(t) < n.cfg.Cooldown {
		n.mu.Unlock()
		return false
	}
	n.last[d.IP] = now
	n.mu.Unlock()

	select {
	case n.queue <- d:
		return true
	default:
		n.logger.Warn("alert queue full, dropping alert", zap.String("ip", d.IP))
		return false
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	sweep := time.NewTicker(n.cfg.Cooldown)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-n.queue:
			n.deliver(ctx, d)
		case <-sweep.C:
			n.forgetExpired()
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, d *detections.Detection) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	var err error
	if ds, ok := n.sender.(DetectionSender); ok {
		err = ds.SendDetection(ctx, n.cfg.Recipients, d)
	} else {
		subject, body := Format(d)
		err = n.sender.Send(ctx, n.cfg.Recipients, subject, body)
	}
	if err != nil {
		n.logger.Error("alert delivery failed", zap.String("ip", d.IP), zap.Error(err))
	} else {
		n.logger.Info("alert sent", zap.String("ip", d.IP), zap.String("risk_level", d.RiskLevel.String()))
	}
	if n.recordMetric != nil {
		n.recordMetric(err == nil)
	}
}

func (n *Notifier) forgetExpired() {
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	for ip, t := range n.last {
		if now.Sub(t) >= n.cfg.Cooldown {
			delete(n.last, ip)
		}
	}
}

// Format renders the subject and body of an alert for d.
func Format(d *detections.Detection) (subject, body string) {
	subject = fmt.Sprintf("[ddosguard] %s risk traffic from %s", d.RiskLevel, d.IP)

	var b strings.Builder
	fmt.Fprintf(&b, "Time:       %s\n", d.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Source IP:  %s\n", d.IP)
	fmt.Fprintf(&b, "Risk level: %s\n", d.RiskLevel)
	fmt.Fprintf(&b, "Confidence: %.3f\n", d.Confidence)
	fmt.Fprintf(&b, "Blocked:    %t\n", d.Blocked)
	if d.ModelID != "" {
		fmt.Fprintf(&b, "Model:      %s\n", d.ModelID)
	}
	for _, k := range []string{"http_method", "url_path", "user_agent", "req_rate_1min", "geo_location"} {
		if v, ok := d.Features[k]; ok && v != nil {
			fmt.Fprintf(&b, "%-11s %v\n", k+":", v)
		}
	}
	return subject, b.String()
}
