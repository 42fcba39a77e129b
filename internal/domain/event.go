package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType classifies a security event.
type EventType string

const (
	// Authentication
	EventLoginSuccess  EventType = "LOGIN_SUCCESS"
	EventLoginFailure  EventType = "LOGIN_FAILURE"
	EventLogout        EventType = "LOGOUT"
	EventSignupSuccess EventType = "SIGNUP_SUCCESS"

	// Account
	EventAccountLocked     EventType = "ACCOUNT_LOCKED"
	EventPasswordChanged   EventType = "PASSWORD_CHANGED"
	EventPermissionChanged EventType = "PERMISSION_CHANGED"

	// Abuse
	EventUnauthorizedAccess EventType = "UNAUTHORIZED_ACCESS"
	EventRateLimitExceeded  EventType = "RATE_LIMIT_EXCEEDED"
	EventSuspiciousActivity EventType = "SUSPICIOUS_ACTIVITY"
)

// MaxEventTypeLength bounds the event_type column.
const MaxEventTypeLength = 64

// KnownEventTypes lists the event types raised by this service's producers.
// Other non-empty types are accepted from external producers.
var KnownEventTypes = []EventType{
	EventLoginSuccess,
	EventLoginFailure,
	EventLogout,
	EventSignupSuccess,
	EventAccountLocked,
	EventPasswordChanged,
	EventPermissionChanged,
	EventUnauthorizedAccess,
	EventRateLimitExceeded,
	EventSuspiciousActivity,
}

// Severity is an operational classifier. It is stored but not hashed.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether s is empty or one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case "", SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// SecurityEvent is the queued payload a producer submits for appending.
type SecurityEvent struct {
	// EventID is stamped at enqueue time and makes redelivery idempotent.
	EventID   string          `json:"eventId"`
	EventType EventType       `json:"eventType"`
	UserID    *string         `json:"userId,omitempty"`
	IPAddress *string         `json:"ipAddress,omitempty"`
	UserAgent *string         `json:"userAgent,omitempty"`
	SessionID *string         `json:"sessionId,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Severity  Severity        `json:"severity,omitempty"`
}

// Validation failures, matched with errors.Is.
var (
	ErrInvalidEventType = errors.New("invalid event type")
	ErrInvalidSeverity  = errors.New("invalid severity")
	ErrInvalidMetadata  = errors.New("invalid metadata")
)

// Validate checks the fields the appender depends on.
func (e SecurityEvent) Validate() error {
	if strings.TrimSpace(string(e.EventType)) == "" {
		return fmt.Errorf("%w: eventType is required", ErrInvalidEventType)
	}
	if len(e.EventType) > MaxEventTypeLength {
		return fmt.Errorf("%w: eventType exceeds %d characters", ErrInvalidEventType, MaxEventTypeLength)
	}
	if !e.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidSeverity, e.Severity)
	}
	return ValidateMetadata(e.Metadata)
}

// ValidateMetadata accepts an absent value, JSON null, or a JSON object.
func ValidateMetadata(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("%w: metadata must be a JSON object", ErrInvalidMetadata)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return nil
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
