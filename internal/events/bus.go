package events

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published.
type EventType string

const (
	AgentStarted       EventType = "AGENT_STARTED"
	AgentPaused        EventType = "AGENT_PAUSED"
	AgentResumed       EventType = "AGENT_RESUMED"
	AgentStepCompleted EventType = "AGENT_STEP_COMPLETED"
	AgentWaiting       EventType = "AGENT_WAITING"
	AgentCompleted     EventType = "AGENT_COMPLETED"
	AgentFailed        EventType = "AGENT_FAILED"

	CheckpointOpened   EventType = "CHECKPOINT_OPENED"
	CheckpointApproved EventType = "CHECKPOINT_APPROVED"
	CheckpointRejected EventType = "CHECKPOINT_REJECTED"
	CheckpointModified EventType = "CHECKPOINT_MODIFIED"

	ControlTransferred EventType = "CONTROL_TRANSFERRED"
	ContextCompacted   EventType = "CONTEXT_COMPACTED"
	ContextThreshold   EventType = "CONTEXT_THRESHOLD"

	ResourceCreated EventType = "RESOURCE_CREATED"
	ResourceUpdated EventType = "RESOURCE_UPDATED"
	ResourceDeleted EventType = "RESOURCE_DELETED"
)

// Event represents a lifecycle event of one session. ID is unique per event
// and stays the same across redeliveries; Seq orders events within a session.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Filter selects events by session and type. Empty fields match everything.
type Filter struct {
	SessionID string
	Types     []EventType
}

func (f Filter) Match(e Event) bool {
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, e.Type)
}

// Journal durably records events before they are delivered. AppendEvent
// assigns e.Seq.
type Journal interface {
	AppendEvent(ctx context.Context, e *Event) error
	EventsAfter(ctx context.Context, sessionID string, afterSeq int64) ([]Event, error)
}

// Bus is an in-process publish/subscribe hub partitioned by session.
// Each subscriber owns an unbounded mailbox drained by its own goroutine, so a
// slow subscriber never blocks publishers and never loses events.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	seq     map[string]int64
	journal Journal
	logger  *slog.Logger
	closed  bool
}

type Option func(*Bus)

func WithJournal(j Journal) Option {
	return func(b *Bus) { b.journal = j }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBus creates a new event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		seq:    make(map[string]int64),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type subscription struct {
	filter Filter
	fn     Subscriber

	mu      sync.Mutex
	queue   []Event
	notify  chan struct{}
	done    chan struct{}
	stopped bool
}

func (s *subscription) push(e Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

func (s *subscription) run(logger *slog.Logger) {
	defer close(s.done)
	for range s.notify {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.deliver(e, logger)
		}
	}
}

func (s *subscription) deliver(e Event, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event subscriber panicked", "type", e.Type, "session", e.SessionID, "panic", fmt.Sprint(r))
		}
	}()
	s.fn(e)
}

func (s *subscription) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.notify)
	s.mu.Unlock()
}

// Subscribe registers fn for events matching filter. Events are delivered in
// publish order on a dedicated goroutine. Returns an unsubscribe function;
// events already queued are still delivered before the goroutine exits.
func (b *Bus) Subscribe(filter Filter, fn Subscriber) func() {
	s := &subscription{
		filter: filter,
		fn:     fn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run(b.logger)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		return func() {}
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.subs = slices.DeleteFunc(b.subs, func(x *subscription) bool { return x == s })
		b.mu.Unlock()
		s.stop()
	}
}

// Publish journals the event (when a journal is configured) and fans it out.
// A journal failure is logged and the event is still delivered to in-process
// subscribers.
func (b *Bus) Publish(sessionID string, eventType EventType, data map[string]any) Event {
	e := Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return e
	}
	if b.journal != nil {
		if err := b.journal.AppendEvent(context.Background(), &e); err != nil {
			b.logger.Warn("event journal append failed", "type", eventType, "session", sessionID, "error", err)
		}
	}
	if e.Seq == 0 {
		b.seq[sessionID]++
		e.Seq = b.seq[sessionID]
	} else if e.Seq > b.seq[sessionID] {
		b.seq[sessionID] = e.Seq
	}
	for _, s := range b.subs {
		if s.filter.Match(e) {
			s.push(e)
		}
	}
	b.mu.Unlock()
	return e
}

// Replay redelivers journaled events of a session after afterSeq to fn,
// synchronously and in order. Consumers see the original event IDs.
func (b *Bus) Replay(ctx context.Context, sessionID string, afterSeq int64, fn Subscriber) (int, error) {
	if b.journal == nil {
		return 0, fmt.Errorf("replay: bus has no journal")
	}
	evs, err := b.journal.EventsAfter(ctx, sessionID, afterSeq)
	if err != nil {
		return 0, fmt.Errorf("replay %s: %w", sessionID, err)
	}
	for _, e := range evs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		fn(e)
	}
	return len(evs), nil
}

// Close stops every subscription and waits for queued events to be delivered
// or ctx to end.
func (b *Bus) Close(ctx context.Context) {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	for _, s := range subs {
		select {
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}
