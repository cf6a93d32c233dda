package alert

import (
	"context"

	"go.uber.org/zap"
)

// NoopSender logs alerts to zap instead of delivering them.
// Use in development or when SMTP is not configured.
type NoopSender struct {
	logger *zap.Logger
}

// NewNoopSender creates a NoopSender backed by the given logger.
func NewNoopSender(logger *zap.Logger) *NoopSender {
	return &NoopSender{logger: logger}
}

// Send logs the alert and returns nil.
func (n *NoopSender) Send(_ context.Context, to []string, subject, body string) error {
	n.logger.Info("alert (noop, not sent)",
		zap.Strings("to", to),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
