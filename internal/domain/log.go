package domain

import (
	"errors"
	"strings"
	"time"
)

const DefaultProvider = "postmark"

// LogEntry is the durable record of one logical send and its outcome.
type LogEntry struct {
	ID                int64        `json:"id"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	Recipients        []string     `json:"recipients"`
	Subject           string       `json:"subject"`
	Message           string       `json:"message,omitempty"`
	Headers           []string     `json:"headers,omitempty"`
	Attachments       []string     `json:"attachments,omitempty"`
	Status            Status       `json:"status"`
	Provider          string       `json:"provider"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	HTTPStatus        int          `json:"http_status,omitempty"`
	ErrorMessage      string       `json:"error_message,omitempty"`
	RequestPayload    string       `json:"request_payload,omitempty"`
	ResponseBody      string       `json:"response_body,omitempty"`
	AttemptCount      int          `json:"attempt_count"`
	NextAttemptAt     *time.Time   `json:"next_attempt_at,omitempty"`
	LastErrorCode     string       `json:"last_error_code,omitempty"`
	DeliveryMode      DeliveryMode `json:"delivery_mode"`
	WebhookEventType  string       `json:"webhook_event_type,omitempty"`
}

// NewLogEntry validates the required fields of a new log row.
func NewLogEntry(recipients []string, subject string, status Status, mode DeliveryMode, now time.Time) (*LogEntry, error) {
	if !status.Valid() {
		return nil, errors.New("log entry status is not a known status")
	}
	if !mode.Valid() {
		mode = ModeImmediate
	}
	clean := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			clean = append(clean, r)
		}
	}
	return &LogEntry{
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
		Recipients:   clean,
		Subject:      subject,
		Status:       status,
		Provider:     DefaultProvider,
		DeliveryMode: mode,
	}, nil
}

// Retried reports whether the message needed more than one attempt.
func (e *LogEntry) Retried() bool { return e.AttemptCount > 1 }
