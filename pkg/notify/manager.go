package notify

import (
	"context"
	"sync"
	"time"

	"github.com/credkeeper/core/internal/obs"
)

// DefaultQueueSize bounds how many events a Manager will buffer before
// dropping the newest arrival.
const DefaultQueueSize = 100

// Manager fans events out to every registered Notifier from a single
// background worker, so a slow or unreachable notification channel never
// adds latency to a Store/Rotate call. The queue is bounded: under
// sustained overload, the manager drops events rather than growing without
// limit or blocking its caller.
type Manager struct {
	mu        sync.RWMutex
	notifiers []Notifier
	queue     chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	running   bool
	logger    obs.Logger

	droppedMu sync.Mutex
	dropped   int64
}

// NewManager constructs a Manager with the given queue capacity (falling
// back to DefaultQueueSize for n <= 0).
func NewManager(n int, logger obs.Logger) *Manager {
	if n <= 0 {
		n = DefaultQueueSize
	}
	if logger == nil {
		logger = obs.NopLogger{}
	}
	return &Manager{
		queue:  make(chan Event, n),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Register adds a Notifier. Safe to call before or after Start.
func (m *Manager) Register(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Start launches the background dispatch worker. Calling Start twice is a
// no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.worker(ctx)
}

// Stop drains any queued events and shuts the worker down. Blocks until the
// drain completes.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

// Send enqueues event for delivery. Never blocks: if the queue is full the
// event is dropped and counted. Sending before Start or after Stop also
// drops silently, since nothing would ever drain the queue.
func (m *Manager) Send(event Event) {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if !running {
		return
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case m.queue <- event:
	default:
		m.droppedMu.Lock()
		m.dropped++
		m.droppedMu.Unlock()
		m.logger.Warn("notification queue full, dropping event", obs.Fields{
			"event_kind": string(event.Kind),
			"operation":  "notify:send",
			"outcome":    "dropped",
		})
	}
}

// Dropped reports how many events have been discarded due to queue
// overflow since construction.
func (m *Manager) Dropped() int64 {
	m.droppedMu.Lock()
	defer m.droppedMu.Unlock()
	return m.dropped
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case <-m.done:
			m.drain()
			return
		case event := <-m.queue:
			m.dispatch(ctx, event)
		}
	}
}

func (m *Manager) drain() {
	for {
		select {
		case event := <-m.queue:
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.dispatch(drainCtx, event)
			cancel()
		default:
			return
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, event Event) {
	m.mu.RLock()
	notifiers := make([]Notifier, len(m.notifiers))
	copy(notifiers, m.notifiers)
	m.mu.RUnlock()

	for _, n := range notifiers {
		if !n.SupportsKind(event.Kind) {
			continue
		}
		if err := n.Send(ctx, event); err != nil {
			m.logger.Warn("notifier delivery failed", obs.Fields{
				"notifier":   n.Name(),
				"event_kind": string(event.Kind),
				"operation":  "notify:dispatch",
				"outcome":    "error",
			})
		}
	}
}
