package adaptive

import (
	"fmt"
	"math/big"
	"sync"
	"time"
)

// opState is the lazily-created per-operation-key state.
type opState struct {
	metrics  *OperationMetrics
	cooldown Cooldown
	circuit  Circuit
}

// Engine holds the shared thresholds, risk score, and learning counters plus
// the per-key cooldowns, circuits, and metric windows.
type Engine struct {
	mu         sync.Mutex
	thresholds Thresholds
	risk       DecayingRiskScore
	learning   LearningState
	ops        map[string]*opState

	baseCooldown        time.Duration
	maxHalfOpenAttempts int
	window              time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithBaseCooldown sets the first-violation cooldown duration.
func WithBaseCooldown(d time.Duration) Option {
	return func(e *Engine) { e.baseCooldown = d }
}

// WithMaxHalfOpenAttempts sets the probe budget for open circuits.
func WithMaxHalfOpenAttempts(n int) Option {
	return func(e *Engine) { e.maxHalfOpenAttempts = n }
}

// WithWindow sets the rolling metrics window duration.
func WithWindow(d time.Duration) Option {
	return func(e *Engine) { e.window = d }
}

// WithThresholds overrides the starting thresholds.
func WithThresholds(t Thresholds) Option {
	return func(e *Engine) {
		e.thresholds = t
		if e.thresholds.Value == nil {
			e.thresholds.Value = new(big.Int).Set(defaultValueThreshold)
		}
	}
}

// NewEngine creates an adaptive engine with learning active.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		thresholds:          defaultThresholds(),
		learning:            LearningState{Active: true},
		ops:                 make(map[string]*opState),
		baseCooldown:        defaultBaseCooldown,
		maxHalfOpenAttempts: defaultMaxHalfOpenAttempts,
		window:              defaultWindowDuration,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// op returns or creates the state for a key. Caller holds mu.
func (e *Engine) op(key string) *opState {
	s, ok := e.ops[key]
	if !ok {
		s = &opState{
			metrics:  newOperationMetrics(e.window),
			cooldown: Cooldown{Base: e.baseCooldown},
			circuit:  Circuit{MaxAttempts: e.maxHalfOpenAttempts},
		}
		e.ops[key] = s
	}
	return s
}

// EnforceCallThreshold fails if one more call in the current window would
// exceed the dynamic call threshold. Read-only; the window is committed
// separately by RecordOperation.
func (e *Engine) EnforceCallThreshold(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.op(key)
	if s.metrics.effectiveCalls(e.now())+1 > e.thresholds.Call {
		return fmt.Errorf("%w: call rate above %d per window", ErrThresholdExceeded, e.thresholds.Call)
	}
	return nil
}

// EnforceGasThreshold fails if a single call's gas exceeds the dynamic gas
// threshold.
func (e *Engine) EnforceGasThreshold(key string, gas uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gas > e.thresholds.Gas {
		return fmt.Errorf("%w: gas %d above %d", ErrGasAnomaly, gas, e.thresholds.Gas)
	}
	return nil
}

// EnforceValueThreshold fails if this call would push the window's moved
// value over the dynamic value threshold.
func (e *Engine) EnforceValueThreshold(key string, value *big.Int) error {
	if value == nil || value.Sign() <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.op(key)
	total := s.metrics.effectiveValue(e.now())
	total.Add(total, value)
	if total.Cmp(e.thresholds.Value) > 0 {
		return fmt.Errorf("%w: value %s above %s per window", ErrThresholdExceeded, total, e.thresholds.Value)
	}
	return nil
}

// RecordOperation commits one completed call into the key's rolling window.
func (e *Engine) RecordOperation(key string, gas uint64, value *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op(key).metrics.record(gas, value, e.now())
}

// IncreaseThresholds raises all thresholds by 5%.
func (e *Engine) IncreaseThresholds() {
	e.mu.Lock()
	e.thresholds.raise()
	e.mu.Unlock()
	thresholdAdjustments.WithLabelValues("raise").Inc()
}

// DecreaseThresholds lowers all thresholds by 2%, respecting the floors.
func (e *Engine) DecreaseThresholds() {
	e.mu.Lock()
	e.thresholds.lower()
	e.mu.Unlock()
	thresholdAdjustments.WithLabelValues("lower").Inc()
}

// Thresholds returns a snapshot of the current thresholds.
func (e *Engine) Thresholds() Thresholds {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thresholds.copy()
}

// DecayedScore returns the engine risk score as of now.
func (e *Engine) DecayedScore() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.risk.Decayed(e.now())
}

// UpdateRiskScore decays then adds delta to the engine risk score and
// returns the new value.
func (e *Engine) UpdateRiskScore(delta float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.risk.Update(delta, e.now())
}

// RiskPeak returns the all-time peak score and when it was reached.
func (e *Engine) RiskPeak() (float64, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.risk.Peak, e.risk.PeakAt
}

// ActivateCooldown records a violation for the key and starts its backoff,
// returning the applied duration.
func (e *Engine) ActivateCooldown(key string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.op(key).cooldown.Activate(e.now())
}

// EnforceCooldown fails with ErrCooldownActive while the key is cooling down.
func (e *Engine) EnforceCooldown(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.op(key).cooldown.Enforce(e.now())
}

// ResetCooldown clears the key's violations and deadline (admin surface).
func (e *Engine) ResetCooldown(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op(key).cooldown.Reset()
}

// OpenCircuit trips the key's circuit with a reason.
func (e *Engine) OpenCircuit(key, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op(key).circuit.open(key, reason, e.now())
}

// AttemptHalfOpen requests one probe slot on an open circuit. The caller
// runs the probe and reports the outcome via CloseCircuit or ReopenCircuit.
func (e *Engine) AttemptHalfOpen(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.op(key).circuit.attemptHalfOpen(key)
}

// ReleaseHalfOpen returns a probe slot that was granted but denied before
// the probe could run. The budget only measures probes that executed.
func (e *Engine) ReleaseHalfOpen(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op(key).circuit.releaseHalfOpen(key)
}

// CloseCircuit resets the key's circuit after a successful probe or an
// operator action.
func (e *Engine) CloseCircuit(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op(key).circuit.close(key)
}

// ReopenCircuit returns a half-open circuit to fully open after a failed
// probe.
func (e *Engine) ReopenCircuit(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op(key).circuit.reopen(key)
}

// EnforceCircuit fails with ErrCircuitOpen unless the key's circuit is
// closed.
func (e *Engine) EnforceCircuit(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.op(key).circuit.enforce()
}

// CircuitState returns the key's circuit state. Unknown keys are closed.
func (e *Engine) CircuitState(key string) CircuitState {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.ops[key]
	if !ok {
		return CircuitClosed
	}
	return s.circuit.State
}

// RecordAttempt feeds one guarded call into the learning counters.
func (e *Engine) RecordAttempt(blocked, wasActualAttack bool) {
	e.mu.Lock()
	e.learning.recordAttempt(blocked, wasActualAttack)
	e.mu.Unlock()
}

// ShouldAdjustFromLearning returns the learning loop's current advisory
// recommendation. Applying it is the caller's explicit decision.
func (e *Engine) ShouldAdjustFromLearning() Adjustment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.learning.shouldAdjust()
}

// SetLearningActive toggles the learning loop (admin surface).
func (e *Engine) SetLearningActive(active bool) {
	e.mu.Lock()
	e.learning.Active = active
	e.mu.Unlock()
}

// Status is the engine snapshot exposed on the read surface.
type Status struct {
	Thresholds Thresholds    `json:"thresholds"`
	RiskScore  float64       `json:"riskScore"`
	RiskPeak   float64       `json:"riskPeak"`
	Learning   LearningState `json:"learning"`
	Accuracy   float64       `json:"accuracy"`
	OpenKeys   []string      `json:"openCircuits"`
}

// Status returns a point-in-time snapshot for dashboards.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Thresholds: e.thresholds.copy(),
		RiskScore:  e.risk.Decayed(e.now()),
		RiskPeak:   e.risk.Peak,
		Learning:   e.learning,
		Accuracy:   e.learning.accuracy(),
	}
	for key, s := range e.ops {
		if s.circuit.State != CircuitClosed {
			st.OpenKeys = append(st.OpenKeys, key)
		}
	}
	return st
}
