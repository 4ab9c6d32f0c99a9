package domain

import "time"

// EventType names a session lifecycle event.
type EventType string

const (
	EventSessionCreated EventType = "SessionCreated"
	EventSessionDeleted EventType = "SessionDeleted"
)

// LifecycleEvent is delivered to dashboard observers.
type LifecycleEvent struct {
	Seq  int64     `json:"seq"`
	Type EventType `json:"type"`
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}
