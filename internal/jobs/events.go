package jobs

import (
	"sync"
	"time"

	"stem-separator/internal/domain"
)

// EventType classifies messages published for UI subscribers.
type EventType string

const (
	EventTypeProgress EventType = "progress"
	EventTypeStatus   EventType = "status"
	EventTypeResult   EventType = "result"
	EventTypeError    EventType = "error"
)

// Event is a sequenced payload consumed by UI subscribers.
type Event struct {
	Seq         int64            `json:"seq"`
	Timestamp   time.Time        `json:"timestamp"`
	JobID       string           `json:"jobId"`
	Type        EventType        `json:"type"`
	Status      domain.JobStatus `json:"status,omitempty"`
	Stage       domain.Stage     `json:"stage,omitempty"`
	Percent     float64          `json:"percent"`
	Message     string           `json:"message,omitempty"`
	ETASeconds  *float64         `json:"etaSeconds,omitempty"`
	ResultRef   string           `json:"resultRef,omitempty"`
	ErrorDetail string           `json:"errorDetail,omitempty"`
}

// Terminal reports whether the event closes its job.
func (e Event) Terminal() bool {
	return e.Status.IsTerminal()
}

// EventFromSnapshot describes an applied snapshot as a UI event.
func EventFromSnapshot(job domain.Job, snap domain.Snapshot) Event {
	event := Event{
		JobID:      job.ID,
		Type:       EventTypeProgress,
		Status:     job.Status,
		Stage:      job.CurrentStage,
		Percent:    job.ProgressPercent,
		Message:    snap.Message,
		ETASeconds: job.ETASeconds,
	}
	if !snap.Terminal {
		return event
	}

	switch job.Status {
	case domain.JobStatusCompleted:
		event.Type = EventTypeResult
		event.ResultRef = job.ResultRef
	case domain.JobStatusFailed:
		event.Type = EventTypeError
		event.ErrorDetail = job.ErrorDetail
	default:
		event.Type = EventTypeStatus
	}
	return event
}

// EventBus stores recent events and provides incremental reads.
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
	}
}

// Publish appends one event and assigns sequence and timestamp.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}
