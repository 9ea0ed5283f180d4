// Package status tracks the daemon lifecycle as an explicit state
// machine and announces every change on the bus.
package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/tgmirror/tgmirror/internal/bus"
)

// State is a daemon lifecycle phase.
type State string

const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
	Error        State = "ERROR"
)

// next enumerates the legal moves out of each state. CONNECTING falls
// back to RECONNECTING when an attempt fails; repeated failures park the
// daemon in DEGRADED, which keeps retrying toward CONNECTING.
var next = map[State]map[State]bool{
	Booting:      allow(AuthRequired, Connecting, Error),
	AuthRequired: allow(Connecting, Error),
	Connecting:   allow(Syncing, AuthRequired, Reconnecting, Error),
	Syncing:      allow(Ready, Reconnecting, Degraded, Error),
	Ready:        allow(Reconnecting, Degraded, AuthRequired, Error),
	Reconnecting: allow(Connecting, Degraded, Error),
	Degraded:     allow(Connecting, Reconnecting, Ready, Error),
	Error:        allow(Booting),
}

func allow(states ...State) map[State]bool {
	m := make(map[State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// Machine holds the daemon's current lifecycle state. Every successful
// transition is published as a session.status_changed event.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a machine in BOOTING.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, since: time.Now(), bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since reports when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// CanTransition reports whether a move to the given state is legal from
// the current one.
func (m *Machine) CanTransition(to State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return next[m.current][to]
}

// Transition moves to a new state, or fails without side effects when
// the move is not legal.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if !next[m.current][to] {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("cannot leave %s for %s", from, to)
	}
	change := StatusChange{From: m.current, To: to}
	m.current = to
	m.since = time.Now()
	b := m.bus
	m.mu.Unlock()

	if b != nil {
		b.Publish(bus.Event{Kind: bus.KindStatusChanged, Payload: change})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
