// Package statemachine validates that a guarded operation's lifecycle follows
// a fixed transition graph.
//
// Every sensitive operation walks the same 10-state graph. Transitions not in
// the static adjacency table are rejected outright, a transition attempted
// while another is in flight is treated as reentrancy, and states that
// overstay their configured timeout are redirected to Error. Violations are
// always fatal to the call; recovery is a separate, explicit administrative
// action (InitiateRecovery / CompleteRecovery).
package statemachine

import (
	"errors"
	"fmt"
	"time"
)

// State is one node of the operation lifecycle graph.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateReady
	StateExecuting
	StateCallback
	StateCompleting
	StateFinalizing
	StateError
	StatePaused
	StateRecovering

	stateCount = 10
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateCallback:
		return "callback"
	case StateCompleting:
		return "completing"
	case StateFinalizing:
		return "finalizing"
	case StateError:
		return "error"
	case StatePaused:
		return "paused"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Lifecycle violations. All are fatal to the enclosing call.
var (
	ErrInvalidTransition    = errors.New("statemachine: invalid transition")
	ErrConcurrentTransition = errors.New("statemachine: concurrent transition")
	ErrGuardCondition       = errors.New("statemachine: guard condition not satisfied")
	ErrInvalidRollback      = errors.New("statemachine: invalid rollback")
	ErrNotInError           = errors.New("statemachine: recovery requires error state")
	ErrNotRecovering        = errors.New("statemachine: not recovering")
)

// adjacency is the static transition table. A transition is legal only if
// adjacency[from][to] is true. Error→Recovering→Idle is the only sanctioned
// path out of Error.
var adjacency = [stateCount][stateCount]bool{
	StateIdle:         {StateInitializing: true},
	StateInitializing: {StateReady: true, StateError: true},
	StateReady:        {StateExecuting: true, StatePaused: true, StateError: true},
	StateExecuting:    {StateCallback: true, StateCompleting: true, StateError: true},
	StateCallback:     {StateExecuting: true, StateCompleting: true, StateError: true},
	StateCompleting:   {StateFinalizing: true, StateError: true},
	StateFinalizing:   {StateIdle: true, StateError: true},
	StateError:        {StateRecovering: true},
	StatePaused:       {StateReady: true, StateError: true},
	StateRecovering:   {StateIdle: true, StateError: true},
}

// CanTransition reports whether from→to is in the adjacency table.
func CanTransition(from, to State) bool {
	if from < 0 || from >= stateCount || to < 0 || to >= stateCount {
		return false
	}
	return adjacency[from][to]
}

// guardCondition is a one-shot precondition for a specific transition.
// It is consumed (reset to unsatisfied) on use regardless of outcome.
type guardCondition struct {
	conditionHash [32]byte
	required      bool
	satisfied     bool
}

// Timeouts maps states to their maximum dwell time. A zero duration means
// the state never times out.
type Timeouts map[State]time.Duration

// DefaultTimeouts returns the dwell limits used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		StateInitializing: 30 * time.Second,
		StateExecuting:    2 * time.Minute,
		StateCallback:     30 * time.Second,
		StateCompleting:   time.Minute,
		StateFinalizing:   time.Minute,
		StateRecovering:   5 * time.Minute,
	}
}

// Machine tracks the lifecycle of one guarded operation.
//
// Machine is not safe for concurrent use by multiple goroutines; the guard
// holding it serializes access. The transitioning flag exists to catch
// recursive re-entry from within a transition on a single call stack, not
// to synchronize threads.
type Machine struct {
	current       State
	previous      State
	enteredAt     time.Time
	transitioning bool
	guard         *guardCondition
	history       *History

	// now is swappable for tests.
	now func() time.Time
}

// New creates a machine in Idle with an empty 50-entry history.
func New() *Machine {
	return &Machine{
		current:   StateIdle,
		previous:  StateIdle,
		enteredAt: time.Now(),
		history:   NewHistory(historyCapacity),
		now:       time.Now,
	}
}

// Current returns the current state.
func (m *Machine) Current() State { return m.current }

// Previous returns the state before the last committed transition.
func (m *Machine) Previous() State { return m.previous }

// EnteredAt returns when the current state was entered.
func (m *Machine) EnteredAt() time.Time { return m.enteredAt }

// History returns the machine's transition history.
func (m *Machine) History() *History { return m.history }

// Transition moves the machine to next. It fails with ErrInvalidTransition
// if (current, next) is not in the adjacency table and with
// ErrConcurrentTransition if another transition is already in flight. On
// success previous/current/enteredAt are updated together and the
// transitioning flag is cleared.
func (m *Machine) Transition(next State, caller, reason string) error {
	if m.transitioning {
		return fmt.Errorf("%w: re-entered while moving out of %s", ErrConcurrentTransition, m.current)
	}
	m.transitioning = true
	defer func() { m.transitioning = false }()

	if !CanTransition(m.current, next) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, m.current, next)
	}

	m.commit(next, caller, reason)
	return nil
}

// SetGuard arms a one-shot precondition that must be satisfied before the
// next guarded transition.
func (m *Machine) SetGuard(conditionHash [32]byte) {
	m.guard = &guardCondition{conditionHash: conditionHash, required: true}
}

// SatisfyGuard marks the armed precondition as satisfied. Returns false if
// no guard is armed or the hash does not match.
func (m *Machine) SatisfyGuard(conditionHash [32]byte) bool {
	if m.guard == nil || m.guard.conditionHash != conditionHash {
		return false
	}
	m.guard.satisfied = true
	return true
}

// TransitionWithGuard is Transition plus a precondition check. The armed
// guard is consumed whether or not the transition succeeds.
func (m *Machine) TransitionWithGuard(next State, caller, reason string) error {
	g := m.guard
	m.guard = nil // one-shot: consumed regardless of outcome

	if g != nil && g.required && !g.satisfied {
		return fmt.Errorf("%w: transition to %s", ErrGuardCondition, next)
	}
	return m.Transition(next, caller, reason)
}

// SafeTransition is Transition with timeout supervision: if the current
// state has overstayed its configured limit the machine is redirected to
// Error instead of the requested target. Timeout beats caller intent.
func (m *Machine) SafeTransition(timeouts Timeouts, next State, caller, reason string) error {
	if limit, ok := timeouts[m.current]; ok && limit > 0 {
		if m.now().Sub(m.enteredAt) > limit {
			return m.Transition(StateError, caller,
				fmt.Sprintf("timeout in %s (limit %s), wanted %s", m.current, limit, next))
		}
	}
	return m.Transition(next, caller, reason)
}

// Rollback reverses the last transition. The reverse edge must itself be
// legal in the adjacency table.
func (m *Machine) Rollback(caller, reason string) error {
	if m.transitioning {
		return fmt.Errorf("%w: rollback during transition", ErrConcurrentTransition)
	}
	if !CanTransition(m.current, m.previous) {
		return fmt.Errorf("%w: %s → %s not a legal edge", ErrInvalidRollback, m.current, m.previous)
	}
	m.commit(m.previous, caller, reason)
	return nil
}

// InitiateRecovery starts the Error→Recovering→Idle path.
func (m *Machine) InitiateRecovery(caller, reason string) error {
	if m.current != StateError {
		return fmt.Errorf("%w: current state %s", ErrNotInError, m.current)
	}
	return m.Transition(StateRecovering, caller, reason)
}

// CompleteRecovery finishes recovery, returning the machine to Idle.
func (m *Machine) CompleteRecovery(caller, reason string) error {
	if m.current != StateRecovering {
		return fmt.Errorf("%w: current state %s", ErrNotRecovering, m.current)
	}
	return m.Transition(StateIdle, caller, reason)
}

// commit applies a validated transition and records it.
func (m *Machine) commit(next State, caller, reason string) {
	from := m.current
	m.previous = m.current
	m.current = next
	m.enteredAt = m.now()
	m.history.Record(TransitionEntry{
		From:      from,
		To:        next,
		Timestamp: m.enteredAt,
		Caller:    caller,
		Reason:    reason,
	})
}
