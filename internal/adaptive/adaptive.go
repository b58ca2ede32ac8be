// Package adaptive owns the dynamic half of the defense: thresholds that
// tighten under attack and relax during calm, a lazily-decaying risk score,
// exponential cooldowns, a per-operation circuit breaker with caller-driven
// half-open probing, and a learning loop that turns observed false-positive
// rates into threshold recommendations.
//
// Nothing here ticks in the background. Decay and window resets are computed
// from elapsed time on access, so the engine needs no scheduler and behaves
// deterministically under a swapped clock.
package adaptive

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Enforcement failures. All abort the enclosing guarded operation.
var (
	ErrThresholdExceeded = errors.New("adaptive: threshold exceeded")
	ErrCooldownActive    = errors.New("adaptive: cooldown active")
	ErrCircuitOpen       = errors.New("adaptive: circuit open")
	ErrGasAnomaly        = errors.New("adaptive: gas anomaly")
)

const (
	// Threshold adjustment factors. Raises are deliberately larger than
	// lowers so sustained good behavior recovers capacity faster than
	// isolated violations remove it.
	raiseNum = 105 // ×1.05
	lowerNum = 98  // ×0.98
	adjDen   = 100

	// Risk score decay.
	decayPeriod  = time.Hour
	decayFactor  = 0.99
	maxRiskScore = 10000

	// Cooldown bounds.
	minCooldown = time.Minute
	maxCooldown = 24 * time.Hour

	defaultBaseCooldown        = time.Minute
	defaultMaxHalfOpenAttempts = 3
	defaultWindowDuration      = time.Minute

	// Learning bands. The gap between them is a deliberate dead zone:
	// accuracy in [80%, 95%] recommends no change.
	raiseAccuracy   = 0.95
	raiseMinSamples = 100
	lowerAccuracy   = 0.80
	lowerMinSamples = 50
)

// CircuitState is the logical state of a per-operation circuit.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal, calls flow
	CircuitOpen                         // deny all until a probe closes it
	CircuitHalfOpen                     // probe in flight
)

// String returns the state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Adjustment is the learning loop's advisory recommendation.
type Adjustment int

const (
	AdjustNone  Adjustment = iota
	AdjustRaise            // over-blocking benign traffic, loosen
	AdjustLower            // under-blocking attacks, tighten
)

// String returns the adjustment name.
func (a Adjustment) String() string {
	switch a {
	case AdjustRaise:
		return "raise"
	case AdjustLower:
		return "lower"
	default:
		return "none"
	}
}

var (
	thresholdAdjustments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "adaptive",
		Name:      "threshold_adjustments_total",
		Help:      "Threshold adjustments by direction.",
	}, []string{"direction"})

	cooldownActivations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "adaptive",
		Name:      "cooldown_activations_total",
		Help:      "Cooldown activations across all operation keys.",
	})

	circuitTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bastion",
		Subsystem: "adaptive",
		Name:      "circuit_transitions_total",
		Help:      "Circuit state transitions by operation key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})
)

func init() {
	prometheus.MustRegister(thresholdAdjustments, cooldownActivations, circuitTransitions)
}
