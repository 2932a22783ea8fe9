package notify

import (
	"context"
	"time"
)

// AlertMessage represents a notification payload.
type AlertMessage struct {
	Source              string            `json:"source"`
	Summary             string            `json:"summary"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastError           string            `json:"last_error"`
	Cooldown            time.Duration     `json:"cooldown"`
	ResumeAt            time.Time         `json:"resume_at"`
	Meta                map[string]string `json:"meta,omitempty"`
}

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, msg AlertMessage) error
}
