package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a job lifecycle step.
type EventType string

const (
	EventTypeJobSubmitted    EventType = "job.submitted"
	EventTypeJobStateChanged EventType = "job.state_changed"
	EventTypeJobCompleted    EventType = "job.completed"
	EventTypeJobFailed       EventType = "job.failed"
	EventTypeInputStaged     EventType = "job.input_staged"
	EventTypeCleanupFailed   EventType = "job.cleanup_failed"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Event is a job lifecycle notification emitted by the orchestrator.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	JobID     string                 `json:"job_id"`
	Locator   string                 `json:"locator,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventSubscriber handles a delivered event.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber receives.
type EventFilter func(event Event) bool

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full, event dropped")
)

// EventPublisher fans job events out to subscribers. In synchronous mode
// subscribers run on the publishing goroutine, in order of subscription;
// in async mode a single goroutine delivers from a bounded buffer and a
// full buffer drops the event instead of stalling the run.
type EventPublisher struct {
	enabled bool
	buffer  chan Event
	done    chan struct{}
	stop    context.CancelFunc
	stopped context.Context

	mu          sync.RWMutex
	subscribers []subscription
}

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// NewEventPublisher creates a publisher. A disabled configuration yields a
// publisher that drops every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{enabled: cfg.Enabled}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep.stopped, ep.stop = context.WithCancel(context.Background())
	ep.buffer = make(chan Event, cfg.BufferSize)
	ep.done = make(chan struct{})
	go ep.run()
	return ep, nil
}

// Subscribe registers fn. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subscribers = append(ep.subscribers, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish stamps event with an id and time when missing and delivers it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.buffer == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.stopped.Done():
		return errPublisherStopped
	default:
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return errBufferFull
	}
}

func (ep *EventPublisher) PublishJobSubmitted(jobID, process, queue string) error {
	return ep.Publish(Event{
		Type:    EventTypeJobSubmitted,
		JobID:   jobID,
		Locator: process,
		Message: fmt.Sprintf("Job %s submitted to queue %q", jobID, queue),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"queue": queue},
	})
}

func (ep *EventPublisher) PublishJobStateChanged(jobID, from, to string) error {
	return ep.Publish(Event{
		Type:    EventTypeJobStateChanged,
		JobID:   jobID,
		Message: fmt.Sprintf("Job %s moved from %s to %s", jobID, from, to),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"from": from, "to": to},
	})
}

func (ep *EventPublisher) PublishJobCompleted(jobID, status string, outputs int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeJobCompleted,
		JobID:   jobID,
		Message: fmt.Sprintf("Job %s finished %s with %d outputs", jobID, status, outputs),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"status": status, "outputs": outputs, "duration": duration.Seconds()},
	})
}

func (ep *EventPublisher) PublishJobFailed(jobID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeJobFailed,
		JobID:   jobID,
		Message: fmt.Sprintf("Job %s failed: %s", jobID, reason),
		Level:   EventLevelError,
	})
}

func (ep *EventPublisher) PublishInputStaged(jobID, locator string, size int) error {
	return ep.Publish(Event{
		Type:    EventTypeInputStaged,
		JobID:   jobID,
		Locator: locator,
		Message: "Staged input " + locator,
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"bytes": size},
	})
}

// PublishCleanupFailed reports a temp resource left behind by a job.
func (ep *EventPublisher) PublishCleanupFailed(jobID, locator, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeCleanupFailed,
		JobID:   jobID,
		Locator: locator,
		Message: fmt.Sprintf("Temp resource %s was not deleted: %s", locator, reason),
		Level:   EventLevelWarning,
	})
}

func (ep *EventPublisher) run() {
	defer close(ep.done)
	for {
		select {
		case event := <-ep.buffer:
			ep.deliver(event)
		case <-ep.stopped.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subscribers {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits until buffered ones have been
// delivered or ctx expires.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.buffer == nil {
		return nil
	}
	ep.stop()
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

func levelRank(level string) int {
	switch level {
	case EventLevelWarning:
		return 1
	case EventLevelError:
		return 2
	}
	return 0
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank(minLevel)
	return func(event Event) bool { return levelRank(event.Level) >= floor }
}

// FilterByType accepts events of the given types.
func FilterByType(types ...EventType) EventFilter {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool { return set[event.Type] }
}

func FilterByJobID(jobID string) EventFilter {
	return func(event Event) bool { return event.JobID == jobID }
}
