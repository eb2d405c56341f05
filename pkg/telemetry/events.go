package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one entry of the experiment timeline.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         string         `json:"type"`
	Source       string         `json:"source"`
	ExperimentID string         `json:"exp_id,omitempty"`
	GUID         int            `json:"guid,omitempty"`
	TaskID       int64          `json:"task_id,omitempty"`
	Message      string         `json:"message"`
	Level        string         `json:"level"`
	Data         map[string]any `json:"data,omitempty"`
}

const (
	EventTypeResourceStateChanged = "resource.state_changed"
	EventTypeResourceFailed       = "resource.failed"
	EventTypeTaskFailed           = "task.failed"
	EventTypeExperimentDeployed   = "experiment.deployed"
	EventTypeExperimentReleased   = "experiment.released"
	EventTypeExperimentTerminated = "experiment.terminated"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

func levelRank(level string) int {
	switch level {
	case EventLevelError:
		return 2
	case EventLevelWarning:
		return 1
	}
	return 0
}

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber receives delivered events. Subscribers run on the
// delivery goroutine and must not block for long.
type EventSubscriber func(event Event)

// EventFilter reports whether an event passes.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher delivers events to subscribers in publish order. With
// EnableAsync a single goroutine delivers them in batches of up to
// MaxBatchSize; otherwise Publish delivers inline.
type EventPublisher struct {
	cfg EventsConfig

	mu      sync.RWMutex
	subs    []subscription
	filters []EventFilter

	queue    chan Event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewEventPublisher returns a publisher for cfg. A disabled publisher
// accepts and discards every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{cfg: cfg, stop: make(chan struct{}), done: make(chan struct{})}
	if !cfg.Enabled {
		return ep, nil
	}
	if ep.cfg.MaxBatchSize <= 0 {
		ep.cfg.MaxBatchSize = 1
	}

	if cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
		}
		ep.queue = make(chan Event, cfg.BufferSize)
		go ep.run()
	} else {
		close(ep.done)
	}
	return ep, nil
}

// Subscribe registers fn for the events filter accepts. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter drops events filter rejects before any subscriber sees them.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

// Publish stamps the event and hands it to the subscribers. A full buffer
// drops the event with an error.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.cfg.Enabled {
		return nil
	}
	select {
	case <-ep.stop:
		return ErrPublisherStopped
	default:
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}
	if !ep.accepts(event) {
		return nil
	}

	if ep.queue == nil {
		ep.deliver([]Event{event})
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	case <-ep.stop:
		return ErrPublisherStopped
	default:
		return fmt.Errorf("event buffer full, %s event dropped", event.Type)
	}
}

func (ep *EventPublisher) accepts(event Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, f := range ep.filters {
		if !f(event) {
			return false
		}
	}
	return true
}

func (ep *EventPublisher) run() {
	defer close(ep.done)

	batch := make([]Event, 0, ep.cfg.MaxBatchSize)
	for {
		select {
		case e := <-ep.queue:
			batch = append(batch[:0], e)
			for len(batch) < ep.cfg.MaxBatchSize && len(ep.queue) > 0 {
				batch = append(batch, <-ep.queue)
			}
			ep.deliver(batch)
		case <-ep.stop:
			for len(ep.queue) > 0 {
				ep.deliver([]Event{<-ep.queue})
			}
			return
		}
	}
}

func (ep *EventPublisher) deliver(batch []Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, e := range batch {
		for _, s := range ep.subs {
			if s.filter == nil || s.filter(e) {
				s.fn(e)
			}
		}
	}
}

// Shutdown stops accepting events and waits for the buffered ones to be
// delivered, or for ctx.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.cfg.Enabled {
		return nil
	}
	ep.stopOnce.Do(func() { close(ep.stop) })
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event delivery did not finish: %w", ctx.Err())
	}
}

// PublishStateChanged records a resource transition.
func (ep *EventPublisher) PublishStateChanged(expID string, guid int, rtype, from, to string) error {
	return ep.Publish(Event{
		Type:         EventTypeResourceStateChanged,
		Source:       "resource",
		ExperimentID: expID,
		GUID:         guid,
		Message:      fmt.Sprintf("%s %d: %s -> %s", rtype, guid, from, to),
		Data:         map[string]any{"rtype": rtype, "from": from, "to": to},
	})
}

// PublishResourceFailed records a resource entering FAILED.
func (ep *EventPublisher) PublishResourceFailed(expID string, guid int, rtype, code, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypeResourceFailed,
		Source:       "resource",
		ExperimentID: expID,
		GUID:         guid,
		Level:        EventLevelError,
		Message:      fmt.Sprintf("%s %d failed: %s", rtype, guid, reason),
		Data:         map[string]any{"rtype": rtype, "code": code, "reason": reason},
	})
}

// PublishTaskFailed records a scheduled callback that errored or panicked.
func (ep *EventPublisher) PublishTaskFailed(expID string, taskID int64, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypeTaskFailed,
		Source:       "controller",
		ExperimentID: expID,
		TaskID:       taskID,
		Level:        EventLevelError,
		Message:      fmt.Sprintf("task %d failed: %s", taskID, reason),
		Data:         map[string]any{"reason": reason},
	})
}

// PublishExperiment records deploy, release or termination of size
// resources.
func (ep *EventPublisher) PublishExperiment(expID, eventType string, size int, took time.Duration) error {
	return ep.Publish(Event{
		Type:         eventType,
		Source:       "controller",
		ExperimentID: expID,
		Message:      fmt.Sprintf("experiment %s: %s (%d resources)", expID, eventType, size),
		Data:         map[string]any{"resources": size, "duration": took.Seconds()},
	})
}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank(minLevel)
	return func(e Event) bool { return levelRank(e.Level) >= floor }
}

// FilterByType passes events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// FilterByGUID passes events of one resource.
func FilterByGUID(guid int) EventFilter {
	return func(e Event) bool { return e.GUID == guid }
}

// FilterByExperiment passes events of one experiment.
func FilterByExperiment(expID string) EventFilter {
	return func(e Event) bool { return e.ExperimentID == expID }
}
