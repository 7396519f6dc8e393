package models

import (
	"encoding/json"
	"strings"
)

// EventType is the kind of row change carried by a ChangeEvent
type EventType string

const (
	EventInsert  EventType = "INSERT"
	EventUpdate  EventType = "UPDATE"
	EventDelete  EventType = "DELETE"
	EventUnknown EventType = "UNKNOWN"
)

// ParseEventType normalises the casing used by the different change sources
func ParseEventType(s string) EventType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT", "CREATE", "C":
		return EventInsert
	case "UPDATE", "U":
		return EventUpdate
	case "DELETE", "D":
		return EventDelete
	default:
		return EventUnknown
	}
}

// SubscriptionStatus mirrors the states a realtime channel reports
type SubscriptionStatus string

const (
	StatusSubscribed   SubscriptionStatus = "SUBSCRIBED"
	StatusChannelError SubscriptionStatus = "CHANNEL_ERROR"
	StatusTimedOut     SubscriptionStatus = "TIMED_OUT"
	StatusClosed       SubscriptionStatus = "CLOSED"
)

// Handler receives every change event a subscription delivers
type Handler func(event ChangeEvent)

// StatusHandler receives subscription status transitions
type StatusHandler func(status SubscriptionStatus, err error)

// Subscription is a live change feed that can be torn down
type Subscription interface {
	Unsubscribe() error
}

// ChangeEvent represents a database change event
type ChangeEvent struct {
	Type            EventType              `json:"eventType"` // INSERT, UPDATE, DELETE
	Schema          string                 `json:"schema"`
	Table           string                 `json:"table"`
	Timestamp       int64                  `json:"timestamp"`
	CommitTimestamp string                 `json:"commit_timestamp,omitempty"`
	Record          map[string]interface{} `json:"new"`
	OldRecord       map[string]interface{} `json:"old,omitempty"` // For UPDATE and DELETE events

	// Raw is the payload exactly as the source delivered it
	Raw json.RawMessage `json:"-"`
}

// Verbatim returns the event as it was received, falling back to the decoded form
func (e *ChangeEvent) Verbatim() string {
	if len(e.Raw) > 0 {
		return string(e.Raw)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return string(data)
}
