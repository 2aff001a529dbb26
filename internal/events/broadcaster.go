// Package events delivers core events to UI collaborators.
//
// Every subscriber owns a queue drained by its own goroutine, so a slow
// consumer never blocks a publisher. Progress events for the same task are
// coalesced in the queue while they wait; all other events are delivered in
// publish order.
package events

import (
	"sync"
	"time"

	"github.com/yzhelezko/thermic-core/internal/metrics"
)

// Type names an event.
type Type string

const (
	SessionState     Type = "session.state"
	TransferState    Type = "transfer.state"
	TransferProgress Type = "transfer.progress"
	TerminalOpened   Type = "terminal.opened"
	TerminalClosed   Type = "terminal.closed"
	SyncState        Type = "sync.state"
)

// Event is a single notification from the core.
type Event struct {
	Type       Type      `json:"type"`
	SessionID  string    `json:"sessionId,omitempty"`
	TaskID     string    `json:"taskId,omitempty"`
	TerminalID string    `json:"terminalId,omitempty"`
	Path       string    `json:"path,omitempty"`
	State      string    `json:"state,omitempty"`
	Direction  string    `json:"direction,omitempty"`
	FileName   string    `json:"fileName,omitempty"`

	Transferred int64   `json:"transferred,omitempty"`
	Total       int64   `json:"total,omitempty"`
	Percent     float64 `json:"percent,omitempty"`
	BytesPerSec int64   `json:"bytesPerSec,omitempty"`

	ErrorKind string `json:"errorKind,omitempty"`
	Error     string `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Publisher is implemented by anything that accepts events.
type Publisher interface {
	Publish(Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

// Broadcaster fans events out to subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	closed      bool
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Subscription is one consumer's view of the event stream.
type Subscription struct {
	b     *Broadcaster
	out   chan Event
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	queue []Event
}

// Subscribe adds a new subscriber. The caller must call Close when done.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{
		b:    b,
		out:  make(chan Event, 64),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go s.pump()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		return s
	}
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Events returns the channel events are delivered on. It is closed after
// Close or after the broadcaster shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close removes the subscriber.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	delete(s.b.subscribers, s)
	s.b.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if ev.Type == TransferProgress {
		for i := len(s.queue) - 1; i >= 0; i-- {
			q := s.queue[i]
			if q.TaskID != ev.TaskID {
				continue
			}
			if q.Type == TransferProgress {
				s.queue[i] = ev
				s.mu.Unlock()
				metrics.RecordCoalesced()
				return
			}
			break
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// Publish queues an event for every subscriber. It never blocks on a slow
// consumer.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		s.push(event)
	}
	metrics.RecordEvent(string(event.Type))
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.subscribers = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}
