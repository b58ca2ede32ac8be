package guard

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/bastion/internal/adaptive"
	"github.com/mbd888/bastion/internal/layers"
	"github.com/mbd888/bastion/internal/predictor"
	"github.com/mbd888/bastion/internal/statemachine"
)

// Admin surface. These are the explicit reset/tuning operations; the engine
// never heals itself mid-call.

// EnableLayer re-enables a detector slot.
func (g *Guard) EnableLayer(slot layers.Slot) error { return g.coord.EnableLayer(slot) }

// DisableLayer disables a detector slot (it fails open while disabled).
func (g *Guard) DisableLayer(slot layers.Slot) error { return g.coord.DisableLayer(slot) }

// ResetLayer clears a triggered slot back to Active.
func (g *Guard) ResetLayer(slot layers.Slot) error { return g.coord.ResetLayer(slot) }

// SetQuorum overrides the triggered-layer quorum.
func (g *Guard) SetQuorum(q int) error { return g.coord.SetQuorum(q) }

// ResetCascade lifts a cascade lockdown.
func (g *Guard) ResetCascade() {
	g.coord.ResetCascade()
	g.publish("cascade_reset", nil)
	g.logger.Info("cascade reset")
}

// SetSensitivity recalibrates the predictor. Valid range is (0, 100].
func (g *Guard) SetSensitivity(v int) error { return g.pred.Calibrate(v) }

// BlockCaller sets or clears the hard block flag on a caller.
func (g *Guard) BlockCaller(caller common.Address, blocked bool) {
	g.pred.BlockCaller(caller, blocked)
	g.publish("caller_block_changed", map[string]any{
		"caller":  caller.Hex(),
		"blocked": blocked,
	})
}

// ResetCooldown clears an operation's violation counter and deadline.
func (g *Guard) ResetCooldown(op Operation) {
	g.adapt.ResetCooldown(op.String())
	g.logger.Info("cooldown reset", "operation", op.String())
}

// OpenCircuit manually trips an operation's circuit.
func (g *Guard) OpenCircuit(op Operation, reason string) {
	g.adapt.OpenCircuit(op.String(), reason)
	g.publish("circuit_opened", map[string]any{"operation": op.String(), "reason": reason})
}

// CloseCircuit manually closes an operation's circuit.
func (g *Guard) CloseCircuit(op Operation) {
	g.adapt.CloseCircuit(op.String())
	g.publish("circuit_closed", map[string]any{"operation": op.String()})
}

// Recover walks an operation's lifecycle machine out of the Error state:
// Error → Recovering → Idle is the only sanctioned path.
func (g *Guard) Recover(op Operation) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	m := g.machines[op]
	if err := m.InitiateRecovery("admin", "operator recovery"); err != nil {
		return err
	}
	if err := m.CompleteRecovery("admin", "operator recovery"); err != nil {
		return err
	}
	g.logger.Info("lifecycle recovered", "operation", op.String())
	return nil
}

// RaiseThresholds manually raises the adaptive thresholds by one step.
func (g *Guard) RaiseThresholds() {
	g.adapt.IncreaseThresholds()
	g.logger.Info("thresholds raised by operator")
}

// LowerThresholds manually lowers the adaptive thresholds by one step,
// bounded by the hard floors.
func (g *Guard) LowerThresholds() {
	g.adapt.DecreaseThresholds()
	g.logger.Info("thresholds lowered by operator")
}

// RecordBlockOutcome is the feedback path for blocked calls: the operator
// (or an audit job) reports whether a block caught a real attack. False
// positives also feed the predictor's sensitivity loop.
func (g *Guard) RecordBlockOutcome(wasActualAttack bool) {
	g.adapt.RecordAttempt(true, wasActualAttack)
	if !wasActualAttack {
		g.pred.RecordFalsePositive()
	}
}

// ApplyLearning reads the learning loop's recommendation and, if it has
// one, applies the threshold adjustment. Returns what was applied.
func (g *Guard) ApplyLearning() adaptive.Adjustment {
	rec := g.adapt.ShouldAdjustFromLearning()
	switch rec {
	case adaptive.AdjustRaise:
		g.adapt.IncreaseThresholds()
		g.logger.Info("thresholds raised from learning")
	case adaptive.AdjustLower:
		g.adapt.DecreaseThresholds()
		g.logger.Info("thresholds lowered from learning")
	}
	return rec
}

// Read surface. All getters are side-effect-free.

// Status is the aggregate engine snapshot for dashboards.
type Status struct {
	Operations map[string]string        `json:"operations"` // operation → lifecycle state
	Layers     layers.CoordinatorStatus `json:"layers"`
	Adaptive   adaptive.Status          `json:"adaptive"`
	Predictor  predictor.Stats          `json:"predictor"`
}

// Status returns a point-in-time snapshot across all subsystems.
func (g *Guard) Status() Status {
	g.mu.Lock()
	ops := make(map[string]string, operationCount)
	for op, m := range g.machines {
		ops[Operation(op).String()] = m.Current().String()
	}
	g.mu.Unlock()

	return Status{
		Operations: ops,
		Layers:     g.coord.Status(),
		Adaptive:   g.adapt.Status(),
		Predictor:  g.pred.Stats(),
	}
}

// MachineState returns an operation's current lifecycle state.
func (g *Guard) MachineState(op Operation) statemachine.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.machines[op].Current()
}

// History returns an operation's most recent lifecycle transitions, newest
// first.
func (g *Guard) History(op Operation, n int) []statemachine.TransitionEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.machines[op].History().Recent(n)
}

// Profile returns a copy of a caller's behavioral profile, or nil.
func (g *Guard) Profile(caller common.Address) *predictor.CallerProfile {
	return g.pred.Profile(caller)
}

// LayerSnapshot returns a copy of all detector slots.
func (g *Guard) LayerSnapshot() []layers.Layer { return g.coord.Snapshot() }

// CircuitState returns an operation's circuit state.
func (g *Guard) CircuitState(op Operation) adaptive.CircuitState {
	return g.adapt.CircuitState(op.String())
}
