// Package layers runs N independent binary detectors per guarded call and
// aggregates their verdicts by quorum vote.
//
// Eight fixed detector slots each run a pluggable predicate. A call is
// blocked only when at least requiredQuorum detectors fail — a single noisy
// detector cannot deny service on its own. Disabled layers always pass:
// partial protection is preferred over a total denial of service.
package layers

import "errors"

// Slot identifies one of the 8 fixed detector positions. Slots 0–3 are the
// critical set consulted by QuickCheck on the hot path.
type Slot int

const (
	SlotBasicGuard Slot = iota
	SlotFunctionGuard
	SlotCallDepth
	SlotGasMonitor
	SlotValueMonitor
	SlotPatternDetector
	SlotRateLimiter
	SlotCircuitBreaker

	slotCount        = 8
	criticalSlotEnd  = 4 // slots [0, criticalSlotEnd) are hot-path critical
	defaultQuorum    = 3
)

// String returns the slot name.
func (s Slot) String() string {
	switch s {
	case SlotBasicGuard:
		return "basic_guard"
	case SlotFunctionGuard:
		return "function_guard"
	case SlotCallDepth:
		return "call_depth"
	case SlotGasMonitor:
		return "gas_monitor"
	case SlotValueMonitor:
		return "value_monitor"
	case SlotPatternDetector:
		return "pattern_detector"
	case SlotRateLimiter:
		return "rate_limiter"
	case SlotCircuitBreaker:
		return "circuit_breaker"
	default:
		return "unknown"
	}
}

// Status is the operational state of a single layer.
type Status int

const (
	StatusActive Status = iota
	StatusTriggered
	StatusDisabled
	StatusMaintenance
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusTriggered:
		return "triggered"
	case StatusDisabled:
		return "disabled"
	case StatusMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// AlertLevel is the severity a layer reports when its predicate fails.
type AlertLevel int

const (
	AlertNone AlertLevel = iota
	AlertLow
	AlertMedium
	AlertHigh
	AlertCritical
)

// String returns the alert level name.
func (a AlertLevel) String() string {
	switch a {
	case AlertNone:
		return "none"
	case AlertLow:
		return "low"
	case AlertMedium:
		return "medium"
	case AlertHigh:
		return "high"
	case AlertCritical:
		return "critical"
	default:
		return "unknown"
	}
}

var (
	// ErrCascadeActive is returned while a cascade lockdown is in force.
	ErrCascadeActive = errors.New("layers: cascade lockdown active")
	// ErrLayerDisabled is returned when an admin operation targets a
	// disabled slot that it cannot act on.
	ErrLayerDisabled = errors.New("layers: layer disabled")
	// ErrUnknownSlot is returned for slot indexes outside [0, 8).
	ErrUnknownSlot = errors.New("layers: unknown slot")
)

// Checker is a layer predicate. It returns ok=true when the input looks
// clean, and the alert severity to raise otherwise. The reference predicate
// passes on empty input and raises High on anything else.
type Checker func(slot Slot, data []byte) (ok bool, alert AlertLevel)

// defaultChecker is the reference predicate.
func defaultChecker(_ Slot, data []byte) (bool, AlertLevel) {
	if len(data) == 0 {
		return true, AlertNone
	}
	return false, AlertHigh
}

// Layer is one detector slot.
type Layer struct {
	Slot         Slot       `json:"slot"`
	Status       Status     `json:"status"`
	Alert        AlertLevel `json:"alertLevel"`
	TriggerCount uint64     `json:"triggerCount"`
	BlockCount   uint64     `json:"blockCount"`
	Enabled      bool       `json:"enabled"`

	successes uint64
	failures  uint64
	check     Checker
}

// HealthScore is successes/(successes+failures)×100, or 100 when the layer
// has never been checked.
func (l *Layer) HealthScore() int {
	total := l.successes + l.failures
	if total == 0 {
		return 100
	}
	return int(l.successes * 100 / total)
}
