package progress

import (
	"sync"
	"time"

	"snapsync/internal/logger"
)

// Event is emitted on every per-pair state transition.
type Event struct {
	SessionID   string    `json:"session_id"`
	Digest      string    `json:"digest"`
	Destination string    `json:"destination"`
	Status      string    `json:"status"`
	Path        string    `json:"path,omitempty"`
	Err         string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Observer consumes events. Implementations must tolerate bursts but
// are never allowed to block the engine; the Notifier enforces that.
type Observer interface {
	Notify(ev Event)
}

const queueSize = 256

// Notifier fans events out to observers from a single goroutine fed by
// a buffered channel. When the queue is full the event is dropped and
// counted, never waited on.
type Notifier struct {
	observers []Observer
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once

	// closeMu serializes Publish against Close so a late event can
	// never hit the closed channel.
	closeMu sync.RWMutex
	closed  bool

	mu      sync.Mutex
	dropped uint64
}

func NewNotifier(observers ...Observer) *Notifier {
	n := &Notifier{
		observers: observers,
		ch:        make(chan Event, queueSize),
		done:      make(chan struct{}),
	}
	go n.loop()
	return n
}

func (n *Notifier) loop() {
	defer close(n.done)
	for ev := range n.ch {
		for _, o := range n.observers {
			o.Notify(ev)
		}
	}
}

// Publish enqueues the event, dropping it when the consumers lag.
// Events published after Close are dropped.
func (n *Notifier) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	n.closeMu.RLock()
	defer n.closeMu.RUnlock()
	if n.closed {
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		return
	}
	select {
	case n.ch <- ev:
	default:
		n.mu.Lock()
		n.dropped++
		d := n.dropped
		n.mu.Unlock()
		logger.Warnf("progress backpressure, dropped event for %s (%d total)", ev.Digest, d)
	}
}

// Dropped reports how many events were discarded under backpressure.
func (n *Notifier) Dropped() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Close drains the queue and stops the fan-out goroutine.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		n.closeMu.Lock()
		n.closed = true
		n.closeMu.Unlock()
		close(n.ch)
		<-n.done
	})
}

// LogObserver mirrors transitions into the structured log.
type LogObserver struct{}

func (LogObserver) Notify(ev Event) {
	logger.L.Debug().
		Str("session", ev.SessionID).
		Str("digest", ev.Digest).
		Str("destination", ev.Destination).
		Str("status", ev.Status).
		Str("error", ev.Err).
		Msg("progress")
}

// FuncObserver adapts a function to the Observer interface.
type FuncObserver func(Event)

func (f FuncObserver) Notify(ev Event) { f(ev) }
