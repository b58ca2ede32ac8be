// Package guard is the composition root of the defense engine. It wires the
// lifecycle state machine, the detector layers, the behavioral predictor,
// and the adaptive engine into a single Enter/Exit pair that surrounding
// protocol logic wraps around each sensitive operation.
//
// Enter runs every check before any mutation, so a denial leaves no partial
// state. Exit never fails; outcomes recorded after the operation completed
// are best-effort by design.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/bastion/internal/adaptive"
	"github.com/mbd888/bastion/internal/layers"
	"github.com/mbd888/bastion/internal/metrics"
	"github.com/mbd888/bastion/internal/predictor"
	"github.com/mbd888/bastion/internal/statemachine"
	"github.com/mbd888/bastion/internal/traces"
)

// Denial reasons produced by the guard itself. Subsystem denials keep their
// own sentinels and are wrapped unchanged.
var (
	ErrUnknownOperation     = errors.New("guard: unknown operation")
	ErrReentrantCall        = errors.New("guard: reentrant call")
	ErrForbiddenCombination = errors.New("guard: forbidden operation combination")
	ErrRiskBlocked          = errors.New("guard: blocked by risk assessment")
	ErrQuorumBlocked        = errors.New("guard: blocked by layer quorum")
	ErrLifecycle            = errors.New("guard: lifecycle state not ready")
)

const (
	// Engine risk-score deltas fed into the adaptive decay on bad signals.
	quorumRiskDelta  = 100
	failureRiskDelta = 50
)

// Call describes one guarded operation. The exported fields are supplied by
// the caller; the rest is filled in by Enter and read back by Exit.
type Call struct {
	Caller    common.Address
	Operation Operation
	Selector  [4]byte
	Value     *big.Int // value leaving the protected system, nil if none
	Gas       uint64
	Data      []byte // payload handed to the detector layers

	depth      int
	outer      Operation // immediate enclosing operation when nested
	probe      bool
	enteredAt  time.Time
	assessment *predictor.Assessment
}

// Depth returns the call-stack depth assigned by Enter (1 = outermost).
func (c *Call) Depth() int { return c.depth }

// Assessment returns the risk assessment computed during Enter, if any.
func (c *Call) Assessment() *predictor.Assessment { return c.assessment }

// EventSink receives incident notifications (quorum blocks, cascades,
// circuit changes). A nil sink drops them.
type EventSink interface {
	Publish(event string, payload any)
}

// Guard owns all per-caller and per-operation defense state. It is an
// explicit registry passed by reference; nothing here is process-global.
type Guard struct {
	mu       sync.Mutex
	machines [operationCount]*statemachine.Machine
	holders  map[common.Address][]Operation

	coord *layers.Coordinator
	pred  *predictor.Engine
	adapt *adaptive.Engine

	timeouts statemachine.Timeouts
	events   EventSink
	logger   *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// Option configures the Guard.
type Option func(*Guard)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithEvents sets the incident event sink.
func WithEvents(sink EventSink) Option {
	return func(g *Guard) { g.events = sink }
}

// WithTimeouts overrides the per-state lifecycle timeouts.
func WithTimeouts(t statemachine.Timeouts) Option {
	return func(g *Guard) { g.timeouts = t }
}

// New creates a Guard over the three subsystems.
func New(coord *layers.Coordinator, pred *predictor.Engine, adapt *adaptive.Engine, opts ...Option) *Guard {
	g := &Guard{
		holders:  make(map[common.Address][]Operation),
		coord:    coord,
		pred:     pred,
		adapt:    adapt,
		timeouts: statemachine.DefaultTimeouts(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for i := range g.machines {
		g.machines[i] = statemachine.New()
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Enter runs the full check stack for one call: circuit, cooldown,
// thresholds, reentrancy, predictor, layer quorum, then the lifecycle
// transition into Executing. Any failure aborts with a typed error before
// the guard records the call as held.
func (g *Guard) Enter(ctx context.Context, call *Call) error {
	ctx, span := traces.StartSpan(ctx, "guard.enter",
		traces.CallerAddr(call.Caller.Hex()),
		traces.Operation(call.Operation.String()))
	defer span.End()

	if !call.Operation.Valid() {
		return g.deny(call, "operation", fmt.Errorf("%w: %d", ErrUnknownOperation, call.Operation))
	}
	key := call.Operation.String()

	if err := g.adapt.EnforceCircuit(key); err != nil {
		if !g.adapt.AttemptHalfOpen(key) {
			return g.deny(call, "circuit", err)
		}
		call.probe = true
		g.logger.Info("circuit probe granted", "operation", key, "caller", call.Caller.Hex())
	}
	if err := g.adapt.EnforceCooldown(key); err != nil {
		return g.deny(call, "cooldown", err)
	}
	if err := g.adapt.EnforceCallThreshold(key); err != nil {
		return g.deny(call, "threshold", err)
	}
	if err := g.adapt.EnforceGasThreshold(key, call.Gas); err != nil {
		return g.deny(call, "threshold", err)
	}
	if err := g.adapt.EnforceValueThreshold(key, call.Value); err != nil {
		return g.deny(call, "threshold", err)
	}

	g.mu.Lock()
	held := g.holders[call.Caller]
	for _, h := range held {
		if call.Operation.ForbiddenWith(h) {
			g.mu.Unlock()
			return g.deny(call, "reentrancy",
				fmt.Errorf("%w: %s while %s is held", ErrForbiddenCombination, key, h))
		}
	}
	if n := len(held); n > 0 {
		if !call.Operation.NestsUnder(held[n-1]) {
			g.mu.Unlock()
			return g.deny(call, "reentrancy",
				fmt.Errorf("%w: %s cannot nest under %s", ErrReentrantCall, key, held[n-1]))
		}
		call.outer = held[n-1]
	}
	call.depth = len(held) + 1
	g.mu.Unlock()

	in := &predictor.CallInput{
		Caller:   call.Caller,
		Selector: call.Selector,
		Value:    call.Value,
		Depth:    call.depth,
	}
	if err := g.pred.QuickCheck(in); err != nil {
		return g.deny(call, "predictor", err)
	}
	assessment := g.pred.AssessRisk(ctx, in)
	call.assessment = assessment
	metrics.RiskScore.Observe(assessment.Score)
	span.SetAttributes(traces.Score(assessment.Score), traces.Depth(call.depth))
	if assessment.ShouldBlock {
		g.adapt.ActivateCooldown(key)
		g.adapt.UpdateRiskScore(assessment.Score / 10)
		return g.deny(call, "predictor",
			fmt.Errorf("%w: score %.0f (%s)", ErrRiskBlocked, assessment.Score, assessment.Recommendation))
	}

	if !g.coord.QuickCheck() {
		return g.deny(call, "layers", fmt.Errorf("%w: critical slot failed quick check", ErrQuorumBlocked))
	}
	res := g.coord.CheckAll(call.Data)
	for _, slot := range res.Failed {
		metrics.LayerTriggersTotal.WithLabelValues(slot.String()).Inc()
	}
	if res.ShouldBlock {
		metrics.QuorumBlocksTotal.Inc()
		g.adapt.ActivateCooldown(key)
		g.adapt.UpdateRiskScore(quorumRiskDelta)
		if res.MaxAlert == layers.AlertCritical {
			g.escalate(key, res)
		}
		return g.deny(call, "quorum",
			fmt.Errorf("%w: %d layers failed (alert %s)", ErrQuorumBlocked, res.FailedCount, res.MaxAlert))
	}

	if err := g.acquire(call); err != nil {
		return g.deny(call, "lifecycle", err)
	}

	metrics.DecisionsTotal.WithLabelValues(key, "allow", "ok").Inc()
	metrics.ActiveGuardedCalls.Inc()
	g.logger.Debug("guard entered",
		"operation", key, "caller", call.Caller.Hex(),
		"depth", call.depth, "score", assessment.Score)
	return nil
}

// acquire commits the lifecycle transition and the holder record. It is the
// first mutation of Enter; everything before it is a pure check.
func (g *Guard) acquire(call *Call) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	caller := call.Caller.Hex()

	if call.depth == 1 {
		m := g.machines[call.Operation]
		if cur := m.Current(); cur != statemachine.StateIdle {
			// Staleness is detected lazily, on the next acquisition attempt:
			// a machine that overstayed its state's dwell limit (an entered
			// call that never exited) is redirected to Error so the operator
			// recovery path applies. The current call is still denied.
			if limit, ok := g.timeouts[cur]; ok && limit > 0 && g.now().Sub(m.EnteredAt()) > limit {
				if err := m.Transition(statemachine.StateError, caller,
					fmt.Sprintf("stale: overstayed %s in %s", limit, cur)); err != nil {
					g.logger.Warn("stale lifecycle redirect failed",
						"operation", call.Operation.String(), "state", cur.String(), "error", err)
				} else {
					g.logger.Warn("stale lifecycle redirected to error",
						"operation", call.Operation.String(), "state", cur.String(), "limit", limit)
				}
			}
			return fmt.Errorf("%w: machine in %s", ErrLifecycle, m.Current())
		}
		for _, next := range []statemachine.State{
			statemachine.StateInitializing,
			statemachine.StateReady,
			statemachine.StateExecuting,
		} {
			if err := m.Transition(next, caller, "enter "+call.Operation.String()); err != nil {
				return fmt.Errorf("%w: %v", ErrLifecycle, err)
			}
		}
	} else if m := g.machines[call.outer]; m.Current() == statemachine.StateExecuting {
		// The nested call shows up as a Callback excursion on the
		// enclosing operation's lifecycle.
		if err := m.Transition(statemachine.StateCallback, caller, "nested "+call.Operation.String()); err != nil {
			return fmt.Errorf("%w: %v", ErrLifecycle, err)
		}
	}

	g.holders[call.Caller] = append(g.holders[call.Caller], call.Operation)
	call.enteredAt = g.now()
	return nil
}

// Exit releases the guard and records the outcome. It never fails; problems
// here are logged and absorbed because the primary operation has already
// completed.
func (g *Guard) Exit(ctx context.Context, call *Call, callErr error) {
	_, span := traces.StartSpan(ctx, "guard.exit",
		traces.CallerAddr(call.Caller.Hex()),
		traces.Operation(call.Operation.String()),
		traces.Depth(call.depth))
	defer span.End()

	key := call.Operation.String()
	success := callErr == nil

	g.mu.Lock()
	held := g.holders[call.Caller]
	if n := len(held); n > 0 && held[n-1] == call.Operation {
		if n == 1 {
			delete(g.holders, call.Caller)
		} else {
			g.holders[call.Caller] = held[:n-1]
		}
	} else {
		g.logger.Warn("exit without matching enter", "operation", key, "caller", call.Caller.Hex())
	}
	g.release(call, success, callErr)
	g.mu.Unlock()

	metrics.ActiveGuardedCalls.Dec()

	g.pred.RecordCall(call.Caller, call.Selector, call.depth)
	g.pred.UpdateProfile(call.Caller, success, call.Value)
	g.adapt.RecordOperation(key, call.Gas, call.Value)
	g.adapt.RecordAttempt(false, false)
	if !success {
		g.adapt.UpdateRiskScore(failureRiskDelta)
	}

	if call.probe && call.depth == 1 {
		if success {
			g.adapt.CloseCircuit(key)
			g.publish("circuit_closed", map[string]any{"operation": key})
			g.logger.Info("circuit closed after successful probe", "operation", key)
		} else {
			g.adapt.ReopenCircuit(key)
			g.logger.Warn("circuit probe failed, reopening", "operation", key, "error", callErr)
		}
	}

	g.logger.Debug("guard exited",
		"operation", key, "caller", call.Caller.Hex(),
		"depth", call.depth, "success", success,
		"held", g.now().Sub(call.enteredAt))
}

// release walks the lifecycle machine out of the executing states. Caller
// holds mu.
func (g *Guard) release(call *Call, success bool, callErr error) {
	caller := call.Caller.Hex()

	if call.depth > 1 {
		if m := g.machines[call.outer]; call.depth == 2 && m.Current() == statemachine.StateCallback {
			if err := m.Transition(statemachine.StateExecuting, caller, "callback returned"); err != nil {
				g.logger.Warn("callback return transition failed", "operation", call.Operation.String(), "error", err)
			}
		}
		return
	}

	m := g.machines[call.Operation]

	if !success {
		reason := "operation failed"
		if callErr != nil {
			reason = callErr.Error()
		}
		if err := m.Transition(statemachine.StateError, caller, reason); err != nil {
			g.logger.Warn("error transition failed", "operation", call.Operation.String(), "error", err)
		}
		return
	}

	// SafeTransition redirects to Error if the operation overstayed the
	// Executing timeout; the walk stops there and waits for recovery.
	if err := m.SafeTransition(g.timeouts, statemachine.StateCompleting, caller, "exit"); err != nil {
		g.logger.Warn("completing transition failed", "operation", call.Operation.String(), "error", err)
		return
	}
	if m.Current() != statemachine.StateCompleting {
		g.logger.Warn("lifecycle redirected on timeout",
			"operation", call.Operation.String(), "state", m.Current().String())
		return
	}
	for _, next := range []statemachine.State{statemachine.StateFinalizing, statemachine.StateIdle} {
		if err := m.Transition(next, caller, "exit"); err != nil {
			g.logger.Warn("exit transition failed",
				"operation", call.Operation.String(), "target", next.String(), "error", err)
			return
		}
	}
}

// escalate handles a critical-alert quorum: cascade lockdown plus an open
// circuit on the operation, both requiring explicit admin resets.
func (g *Guard) escalate(key string, res layers.Result) {
	// TriggerCascade returns the terminal ErrCascadeActive for the current
	// call; the quorum denial already carries the failure upward.
	_ = g.coord.TriggerCascade("critical alert quorum")
	metrics.CascadeActivationsTotal.Inc()
	g.adapt.OpenCircuit(key, "cascade lockdown")
	g.publish("cascade_triggered", map[string]any{
		"operation": key,
		"failed":    res.FailedCount,
		"alert":     res.MaxAlert.String(),
	})
	g.logger.Error("cascade lockdown triggered", "operation", key, "failed_layers", res.FailedCount)
}

// deny records and reports a blocked entry. A probe slot granted earlier in
// the same Enter is returned: the probe never ran, so it proves nothing
// about the circuit.
func (g *Guard) deny(call *Call, reason string, err error) error {
	key := call.Operation.String()
	if call.probe {
		g.adapt.ReleaseHalfOpen(key)
		call.probe = false
	}
	metrics.DecisionsTotal.WithLabelValues(key, "deny", reason).Inc()
	g.publish("call_blocked", map[string]any{
		"operation": key,
		"caller":    call.Caller.Hex(),
		"reason":    reason,
		"error":     err.Error(),
	})
	g.logger.Warn("guard denied call",
		"operation", key, "caller", call.Caller.Hex(), "reason", reason, "error", err)
	return err
}

func (g *Guard) publish(event string, payload any) {
	if g.events == nil {
		return
	}
	g.events.Publish(event, payload)
}
