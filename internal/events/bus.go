// Package events provides an in-process event bus for decoupled communication.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type represents the type of event.
type Type string

// Event types for the download pipeline.
const (
	// SystemStarted indicates the engine has started.
	SystemStarted Type = "system.started"
	// BackendConnected indicates a torrent backend passed its health check.
	BackendConnected Type = "backend.connected"

	// TitleDiscovered indicates a chart title entered the catalog.
	TitleDiscovered Type = "title.discovered"
	// TitleSkipped indicates a title was excluded from processing.
	TitleSkipped Type = "title.skipped"
	// TitleInLibrary indicates a title was found in the media library.
	TitleInLibrary Type = "title.in_library"

	// DownloadStarted indicates a magnet was handed to a backend.
	DownloadStarted Type = "download.started"
	// DownloadProgress indicates a transfer snapshot was taken.
	DownloadProgress Type = "download.progress"
	// DownloadCompleted indicates a transfer finished.
	DownloadCompleted Type = "download.completed"
	// DownloadFailed indicates every candidate for a title is exhausted.
	DownloadFailed Type = "download.failed"

	// FailoverTriggered indicates a stalled transfer was replaced.
	FailoverTriggered Type = "failover.triggered"
	// FailoverProbe indicates an alternate candidate was probed.
	FailoverProbe Type = "failover.probe"

	// PassStarted indicates an orchestration pass began.
	PassStarted Type = "pass.started"
	// PassCompleted indicates an orchestration pass finished with a summary.
	PassCompleted Type = "pass.completed"
)

// Event is one occurrence in the pipeline. Subject is the primary entity the
// event is about (a *catalog.Title, backend.TransferSnapshot, pass summary).
// Data carries extra details not available on the Subject.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Subject   any            `json:"-"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription is a channel that receives events.
type Subscription <-chan Event

type subscriberEntry struct {
	ch     chan Event
	types  map[Type]bool // nil means all events
	closed bool
}

// Bus is an in-process event bus that supports pub/sub.
type Bus struct {
	subscribers []*subscriberEntry
	mu          sync.RWMutex
	logger      zerolog.Logger
	bufferSize  int
}

// Option is a functional option for configuring the bus.
type Option func(*Bus)

// WithLogger sets the logger for the bus.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		b.bufferSize = size
	}
}

const defaultBufferSize = 100

// New creates a new event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:     zerolog.Nop(),
		bufferSize: defaultBufferSize,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe creates a subscription for specific event types.
// If no types are provided, the subscription receives all events.
func (b *Bus) Subscribe(types ...Type) Subscription {
	ch := make(chan Event, b.bufferSize)

	entry := &subscriberEntry{
		ch: ch,
	}

	if len(types) > 0 {
		entry.types = make(map[Type]bool, len(types))
		for _, t := range types {
			entry.types[t] = true
		}
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, entry)
	b.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.subscribers {
		if entry.ch == sub {
			if !entry.closed {
				close(entry.ch)
				entry.closed = true
			}
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends an event to all matching subscribers. Sends never block; a
// subscriber with a full buffer loses the event.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, entry := range b.subscribers {
		if entry.closed {
			continue
		}

		if entry.types != nil && !entry.types[event.Type] {
			continue
		}

		select {
		case entry.ch <- event:
		default:
			b.logger.Warn().
				Str("type", string(event.Type)).
				Msg("event dropped - subscriber buffer full")
		}
	}

	b.logger.Debug().
		Str("type", string(event.Type)).
		Msg("event published")
}

// Close closes all subscriber channels and cleans up.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, entry := range b.subscribers {
		if !entry.closed {
			close(entry.ch)
			entry.closed = true
		}
	}
	b.subscribers = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
