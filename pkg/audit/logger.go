package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *Event) error

	// Close flushes and releases the logger
	Close() error
}

// NewEvent builds an event with the timestamp and common fields populated
func NewEvent(eventType EventType, status EventStatus, orgID *uuid.UUID, email string) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		OrgID:     orgID,
		Email:     email,
		Metadata:  make(map[string]interface{}),
	}
}

// NopLogger discards all events; used when auditing is not configured
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, event *Event) error { return nil }
func (NopLogger) Close() error                                { return nil }
