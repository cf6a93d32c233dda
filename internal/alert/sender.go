// Package alert notifies operators about high-risk detections.
package alert

import "context"

// Sender delivers a plain-text message.
type Sender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}
