// Package events publishes scraper run lifecycle events to a Redis stream.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StreamName is the default stream run events are appended to.
const StreamName = "storelocator:runs"

// Type identifies a lifecycle transition.
type Type string

const (
	RunStarted   Type = "run.started"
	RunStopped   Type = "run.stopped"
	RunFinished  Type = "run.finished"
	RunRecovered Type = "run.recovered"
	RunFailed    Type = "run.failed"
)

// Event is one lifecycle record.
type Event struct {
	EventID   uuid.UUID `json:"event_id"`
	Type      Type      `json:"event_type"`
	Retailer  string    `json:"retailer"`
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Noop discards events.
type Noop struct{}

// Publish does nothing.
func (Noop) Publish(context.Context, Event) error { return nil }
