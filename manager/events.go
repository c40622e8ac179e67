package manager

import "time"

// EventKind identifies a lifecycle event.
type EventKind int

const (
	// EventServerStarted fires when a server finishes its handshake.
	EventServerStarted EventKind = iota

	// EventServerStopped fires when a server's process goes away,
	// whether stopped deliberately or crashed.
	EventServerStopped

	// EventServerError fires when a server fails to start.
	EventServerError

	// EventToolCalled fires after every successful tool call.
	EventToolCalled

	// EventToolsChanged fires when a server's tool list is refreshed.
	EventToolsChanged
)

// String returns a human-readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventServerStarted:
		return "server:started"
	case EventServerStopped:
		return "server:stopped"
	case EventServerError:
		return "server:error"
	case EventToolCalled:
		return "tool:called"
	case EventToolsChanged:
		return "server:toolsChanged"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification from the manager.
type Event struct {
	Kind   EventKind
	Server string
	// Tool and Duration are set for EventToolCalled.
	Tool     string
	Duration time.Duration
	// Err is set for EventServerError, and for EventServerStopped when
	// the server exited rather than being stopped.
	Err  error
	Time time.Time
}

// EventSink receives lifecycle events. Implementations must be safe
// for concurrent use and must not block: events are published from
// the manager's internal goroutines.
type EventSink interface {
	Publish(Event)
}

// ChanSink adapts a channel to the EventSink interface for consumers
// that prefer ranging over events. Publishing never blocks; when the
// buffer is full the event is dropped.
type ChanSink struct {
	ch chan Event
}

var _ EventSink = (*ChanSink)(nil)

// NewChanSink creates a ChanSink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{ch: make(chan Event, buffer)}
}

// Events returns the delivery channel.
func (s *ChanSink) Events() <-chan Event {
	return s.ch
}

// Publish delivers e if the buffer has room and drops it otherwise.
func (s *ChanSink) Publish(e Event) {
	select {
	case s.ch <- e:
	default:
	}
}
