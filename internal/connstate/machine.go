package connstate

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/site-monitor/internal/ring"
)

// HistorySize is the number of transitions kept per machine.
const HistorySize = 50

// Listener is notified synchronously after each successful transition.
// Listeners must not call TransitionTo or Reset on the same machine.
type Listener func(from, to State, meta Metadata)

// Machine enforces the transition table for one site.
type Machine struct {
	siteID string
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	current    State
	previous   State
	changedAt  time.Time
	history    *ring.Buffer[Transition]
	listeners  map[int]Listener
	listenerID int

	// notifyMu serializes listener delivery so observers see transitions
	// in the order they were applied.
	notifyMu sync.Mutex
}

// NewMachine creates a machine in the Disconnected state.
func NewMachine(siteID string, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Machine{
		siteID:    siteID,
		logger:    logger.With("site", siteID),
		now:       time.Now,
		current:   Disconnected,
		previous:  Disconnected,
		changedAt: time.Now(),
		history:   ring.New[Transition](HistorySize),
		listeners: make(map[int]Listener),
	}
}

// SiteID returns the site this machine belongs to.
func (m *Machine) SiteID() string {
	return m.siteID
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Previous returns the state before the last applied transition.
func (m *Machine) Previous() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// TimeInState returns how long the machine has been in its current state.
func (m *Machine) TimeInState() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.changedAt)
}

// IsConnected reports whether the current state is connected, summary/full or paused.
func (m *Machine) IsConnected() bool {
	return m.State().IsConnected()
}

// CanReceiveData reports whether the current state processes data frames.
func (m *Machine) CanReceiveData() bool {
	return m.State().CanReceiveData()
}

// CanTransitionTo reports whether TransitionTo(target) would succeed.
func (m *Machine) CanTransitionTo(target State) bool {
	return Allowed(m.State(), target)
}

// TransitionTo moves the machine to target. A disallowed transition returns
// a *TransitionError and leaves the state unchanged. A same-state transition
// succeeds without changing state or history, but listeners still fire.
func (m *Machine) TransitionTo(target State, meta Metadata) error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	from := m.current
	if !Allowed(from, target) {
		m.mu.Unlock()
		return &TransitionError{SiteID: m.siteID, From: from, To: target}
	}

	if from != target {
		m.applyLocked(from, target, meta)
	}
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.logger.Debug("state transition", "from", from, "to", target)
	m.notify(listeners, from, target, meta)
	return nil
}

// Reset forces the machine into Disconnected, bypassing the table.
func (m *Machine) Reset() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	meta := Metadata{MetaReason: "reset"}

	m.mu.Lock()
	from := m.current
	m.applyLocked(from, Disconnected, meta)
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.logger.Debug("state reset", "from", from)
	m.notify(listeners, from, Disconnected, meta)
}

// OnTransition registers a listener and returns a function removing it.
func (m *Machine) OnTransition(fn Listener) func() {
	m.mu.Lock()
	m.listenerID++
	id := m.listenerID
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// History returns recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.Items()
}

// applyLocked updates state and history. Must be called with mu held.
func (m *Machine) applyLocked(from, to State, meta Metadata) {
	now := m.now()
	m.previous = from
	m.current = to
	m.changedAt = now
	m.history.Push(Transition{
		From:     from,
		To:       to,
		Metadata: meta,
		At:       now,
	})
}

// snapshotListenersLocked copies listeners in registration order.
func (m *Machine) snapshotListenersLocked() []Listener {
	out := make([]Listener, 0, len(m.listeners))
	for id := 1; id <= m.listenerID; id++ {
		if fn, ok := m.listeners[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// notify calls each listener, isolating panics.
func (m *Machine) notify(listeners []Listener, from, to State, meta Metadata) {
	for _, fn := range listeners {
		m.safeCall(fn, from, to, meta)
	}
}

func (m *Machine) safeCall(fn Listener, from, to State, meta Metadata) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("state listener panicked",
				"from", from,
				"to", to,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn(from, to, meta)
}
