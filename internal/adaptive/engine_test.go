package adaptive

import (
	"errors"
	"math"
	"math/big"
	"testing"
	"time"
)

func TestDecayedScoreNoElapsedPeriods(t *testing.T) {
	e := NewEngine()
	e.UpdateRiskScore(1000)

	if got := e.DecayedScore(); got != 1000 {
		t.Errorf("score with no elapsed periods = %f, want 1000", got)
	}
}

func TestDecayedScoreAfterFivePeriods(t *testing.T) {
	e := NewEngine()
	base := time.Now()
	e.now = func() time.Time { return base }
	e.UpdateRiskScore(1000)

	e.now = func() time.Time { return base.Add(5 * time.Hour) }
	want := 1000 * math.Pow(0.99, 5) // ≈ 951
	if got := e.DecayedScore(); math.Abs(got-want) > 0.001 {
		t.Errorf("score after 5 periods = %f, want %f", got, want)
	}
}

func TestDecayedScoreMonotone(t *testing.T) {
	e := NewEngine()
	base := time.Now()
	e.now = func() time.Time { return base }
	e.UpdateRiskScore(5000)

	prev := e.DecayedScore()
	for h := 1; h <= 48; h++ {
		e.now = func() time.Time { return base.Add(time.Duration(h) * time.Hour) }
		got := e.DecayedScore()
		if got > prev {
			t.Fatalf("score increased from %f to %f at hour %d", prev, got, h)
		}
		prev = got
	}
}

func TestRiskScoreCapAndPeak(t *testing.T) {
	e := NewEngine()
	e.UpdateRiskScore(8000)
	e.UpdateRiskScore(8000)

	if got := e.DecayedScore(); got != maxRiskScore {
		t.Errorf("score = %f, want cap %d", got, maxRiskScore)
	}
	peak, at := e.RiskPeak()
	if peak != maxRiskScore || at.IsZero() {
		t.Errorf("peak = %f at %v, want %d at a real timestamp", peak, at, maxRiskScore)
	}
}

func TestUpdateDecaysBeforeAdding(t *testing.T) {
	e := NewEngine()
	base := time.Now()
	e.now = func() time.Time { return base }
	e.UpdateRiskScore(1000)

	e.now = func() time.Time { return base.Add(time.Hour) }
	got := e.UpdateRiskScore(100)
	want := 1000*0.99 + 100
	if math.Abs(got-want) > 0.001 {
		t.Errorf("score = %f, want %f (decay applied first)", got, want)
	}
}

func TestCooldownDoublesPerViolation(t *testing.T) {
	e := NewEngine(WithBaseCooldown(time.Minute))

	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, w := range want {
		if got := e.ActivateCooldown("transfer"); got != w {
			t.Errorf("violation %d: duration = %s, want %s", i+1, got, w)
		}
	}
}

func TestCooldownNeverExceedsMaximum(t *testing.T) {
	e := NewEngine(WithBaseCooldown(time.Hour))
	for i := 0; i < 100; i++ {
		if got := e.ActivateCooldown("transfer"); got > maxCooldown {
			t.Fatalf("violation %d: duration %s exceeds 24h", i+1, got)
		}
	}
	if got := e.ActivateCooldown("transfer"); got != maxCooldown {
		t.Errorf("saturated duration = %s, want %s", got, maxCooldown)
	}
}

func TestCooldownEnforceAndReset(t *testing.T) {
	e := NewEngine(WithBaseCooldown(time.Minute))
	e.ActivateCooldown("transfer")

	if err := e.EnforceCooldown("transfer"); !errors.Is(err, ErrCooldownActive) {
		t.Errorf("expected ErrCooldownActive, got %v", err)
	}
	// Other keys are unaffected.
	if err := e.EnforceCooldown("withdraw"); err != nil {
		t.Errorf("unrelated key should not be cooling down: %v", err)
	}

	e.ResetCooldown("transfer")
	if err := e.EnforceCooldown("transfer"); err != nil {
		t.Errorf("reset should clear the deadline: %v", err)
	}
	// Reset also clears the backoff ladder.
	if got := e.ActivateCooldown("transfer"); got != time.Minute {
		t.Errorf("post-reset duration = %s, want base", got)
	}
}

func TestCooldownFloorsAtOneMinute(t *testing.T) {
	e := NewEngine(WithBaseCooldown(time.Second))
	if got := e.ActivateCooldown("transfer"); got != time.Minute {
		t.Errorf("duration = %s, want 1m floor", got)
	}
}

func TestCircuitProbeBudget(t *testing.T) {
	e := NewEngine(WithMaxHalfOpenAttempts(3))
	e.OpenCircuit("transfer", "cascade lockdown")

	for i := 1; i <= 3; i++ {
		if !e.AttemptHalfOpen("transfer") {
			t.Fatalf("probe %d should be granted", i)
		}
	}
	// The 4th attempt is refused and does not increment the counter.
	if e.AttemptHalfOpen("transfer") {
		t.Error("4th probe should be refused")
	}
	if e.AttemptHalfOpen("transfer") {
		t.Error("5th probe should still be refused")
	}
}

func TestReleaseHalfOpenReturnsSlot(t *testing.T) {
	e := NewEngine(WithMaxHalfOpenAttempts(1))
	e.OpenCircuit("transfer", "cascade lockdown")

	if !e.AttemptHalfOpen("transfer") {
		t.Fatal("probe should be granted")
	}
	if e.AttemptHalfOpen("transfer") {
		t.Fatal("budget of 1 should be spent")
	}

	// The probe never ran: returning its slot drops back to open and
	// restores the budget.
	e.ReleaseHalfOpen("transfer")
	if got := e.CircuitState("transfer"); got != CircuitOpen {
		t.Errorf("state after release = %s, want open", got)
	}
	if !e.AttemptHalfOpen("transfer") {
		t.Error("released slot should be grantable again")
	}
}

func TestReleaseHalfOpenNoopOutsideHalfOpen(t *testing.T) {
	e := NewEngine()

	e.ReleaseHalfOpen("transfer") // closed: nothing to return
	if got := e.CircuitState("transfer"); got != CircuitClosed {
		t.Errorf("state = %s, want closed", got)
	}

	e.OpenCircuit("transfer", "manual")
	e.ReleaseHalfOpen("transfer") // open with no outstanding probes
	if got := e.CircuitState("transfer"); got != CircuitOpen {
		t.Errorf("state = %s, want open", got)
	}
}

func TestCircuitLifecycle(t *testing.T) {
	e := NewEngine()

	if got := e.CircuitState("transfer"); got != CircuitClosed {
		t.Fatalf("fresh key state = %s, want closed", got)
	}
	if err := e.EnforceCircuit("transfer"); err != nil {
		t.Fatalf("closed circuit should pass: %v", err)
	}

	e.OpenCircuit("transfer", "quorum reached")
	if err := e.EnforceCircuit("transfer"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}

	if !e.AttemptHalfOpen("transfer") {
		t.Fatal("probe should be granted")
	}
	if got := e.CircuitState("transfer"); got != CircuitHalfOpen {
		t.Errorf("state = %s, want half_open", got)
	}

	// Failed probe goes back to open.
	e.ReopenCircuit("transfer")
	if got := e.CircuitState("transfer"); got != CircuitOpen {
		t.Errorf("state after failed probe = %s, want open", got)
	}

	// Successful probe closes and resets the budget.
	e.AttemptHalfOpen("transfer")
	e.CloseCircuit("transfer")
	if got := e.CircuitState("transfer"); got != CircuitClosed {
		t.Errorf("state after close = %s, want closed", got)
	}
	if err := e.EnforceCircuit("transfer"); err != nil {
		t.Errorf("closed circuit should pass again: %v", err)
	}
}

func TestAttemptHalfOpenOnClosedCircuit(t *testing.T) {
	e := NewEngine()
	if e.AttemptHalfOpen("transfer") {
		t.Error("closed circuit has nothing to probe")
	}
}

func TestThresholdAdjustments(t *testing.T) {
	e := NewEngine()
	start := e.Thresholds()

	e.IncreaseThresholds()
	got := e.Thresholds()
	if got.Call != start.Call*105/100 {
		t.Errorf("call threshold after raise = %d, want %d", got.Call, start.Call*105/100)
	}
	if got.Gas != start.Gas*105/100 {
		t.Errorf("gas threshold after raise = %d, want %d", got.Gas, start.Gas*105/100)
	}
	if got.AdjustmentCount != 1 {
		t.Errorf("adjustment count = %d, want 1", got.AdjustmentCount)
	}

	e.DecreaseThresholds()
	lowered := e.Thresholds()
	if lowered.Call != got.Call*98/100 {
		t.Errorf("call threshold after lower = %d, want %d", lowered.Call, got.Call*98/100)
	}
}

func TestThresholdFloors(t *testing.T) {
	e := NewEngine(WithThresholds(Thresholds{
		Call:  minCallThreshold,
		Gas:   minGasThreshold,
		Value: new(big.Int).Set(minValueThreshold),
	}))

	for i := 0; i < 50; i++ {
		e.DecreaseThresholds()
	}
	got := e.Thresholds()
	if got.Call != minCallThreshold || got.Gas != minGasThreshold {
		t.Errorf("thresholds collapsed below floors: call=%d gas=%d", got.Call, got.Gas)
	}
	if got.Value.Cmp(minValueThreshold) != 0 {
		t.Errorf("value threshold collapsed to %s", got.Value)
	}
}

func TestEnforceCallThreshold(t *testing.T) {
	e := NewEngine(WithThresholds(Thresholds{Call: 2, Gas: DefaultGasThreshold, Value: big.NewInt(1_000_000)}))

	if err := e.EnforceCallThreshold("transfer"); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	e.RecordOperation("transfer", 21_000, nil)
	e.RecordOperation("transfer", 21_000, nil)

	if err := e.EnforceCallThreshold("transfer"); !errors.Is(err, ErrThresholdExceeded) {
		t.Errorf("third call in window should exceed, got %v", err)
	}
}

func TestCallThresholdWindowExpiry(t *testing.T) {
	e := NewEngine(WithThresholds(Thresholds{Call: 1, Gas: DefaultGasThreshold, Value: big.NewInt(1)}), WithWindow(time.Minute))
	base := time.Now()
	e.now = func() time.Time { return base }
	e.RecordOperation("transfer", 0, nil)

	if err := e.EnforceCallThreshold("transfer"); !errors.Is(err, ErrThresholdExceeded) {
		t.Fatalf("window full, expected ErrThresholdExceeded, got %v", err)
	}

	// A lapsed window counts as empty before any write resets it.
	e.now = func() time.Time { return base.Add(2 * time.Minute) }
	if err := e.EnforceCallThreshold("transfer"); err != nil {
		t.Errorf("expired window should pass: %v", err)
	}
}

func TestEnforceGasThreshold(t *testing.T) {
	e := NewEngine()

	if err := e.EnforceGasThreshold("transfer", 21_000); err != nil {
		t.Errorf("normal gas should pass: %v", err)
	}
	if err := e.EnforceGasThreshold("transfer", DefaultGasThreshold+1); !errors.Is(err, ErrGasAnomaly) {
		t.Errorf("expected ErrGasAnomaly, got %v", err)
	}
}

func TestEnforceValueThresholdCumulative(t *testing.T) {
	e := NewEngine(WithThresholds(Thresholds{Call: DefaultCallThreshold, Gas: DefaultGasThreshold, Value: big.NewInt(1000)}))

	if err := e.EnforceValueThreshold("transfer", big.NewInt(800)); err != nil {
		t.Fatalf("800 of 1000 should pass: %v", err)
	}
	e.RecordOperation("transfer", 0, big.NewInt(800))

	if err := e.EnforceValueThreshold("transfer", big.NewInt(300)); !errors.Is(err, ErrThresholdExceeded) {
		t.Errorf("800+300 over 1000, expected ErrThresholdExceeded, got %v", err)
	}
	if err := e.EnforceValueThreshold("transfer", big.NewInt(200)); err != nil {
		t.Errorf("800+200 at the limit should pass: %v", err)
	}
	if err := e.EnforceValueThreshold("transfer", nil); err != nil {
		t.Errorf("nil value should pass: %v", err)
	}
}

func TestLearningRecommendations(t *testing.T) {
	// Near-perfect accuracy over a big sample: raise.
	e := NewEngine()
	for i := 0; i < 100; i++ {
		e.RecordAttempt(true, true)
	}
	e.RecordAttempt(true, true) // 101 blocks, accuracy 1.0
	if got := e.ShouldAdjustFromLearning(); got != AdjustRaise {
		t.Errorf("recommendation = %s, want raise", got)
	}

	// Poor accuracy over a modest sample: lower.
	e = NewEngine()
	for i := 0; i < 50; i++ {
		e.RecordAttempt(true, i%2 == 0) // 50% accuracy
	}
	if got := e.ShouldAdjustFromLearning(); got != AdjustLower {
		t.Errorf("recommendation = %s, want lower", got)
	}

	// Accuracy between the bands recommends nothing.
	e = NewEngine()
	for i := 0; i < 100; i++ {
		e.RecordAttempt(true, i%10 != 0) // 90% accuracy
	}
	if got := e.ShouldAdjustFromLearning(); got != AdjustNone {
		t.Errorf("recommendation = %s, want none in the dead band", got)
	}
}

func TestLearningNeedsSamples(t *testing.T) {
	e := NewEngine()
	for i := 0; i < 99; i++ {
		e.RecordAttempt(true, true) // perfect but under the raise sample floor
	}
	if got := e.ShouldAdjustFromLearning(); got != AdjustNone {
		t.Errorf("recommendation = %s, want none below sample minimum", got)
	}
}

func TestLearningInactive(t *testing.T) {
	e := NewEngine()
	e.SetLearningActive(false)
	for i := 0; i < 200; i++ {
		e.RecordAttempt(true, true)
	}
	if got := e.ShouldAdjustFromLearning(); got != AdjustNone {
		t.Errorf("inactive learning should recommend nothing, got %s", got)
	}
}

func TestStatusSnapshot(t *testing.T) {
	e := NewEngine()
	e.UpdateRiskScore(500)
	e.OpenCircuit("transfer", "manual")
	e.RecordAttempt(false, false)

	st := e.Status()
	if st.RiskScore != 500 {
		t.Errorf("status risk score = %f, want 500", st.RiskScore)
	}
	if len(st.OpenKeys) != 1 || st.OpenKeys[0] != "transfer" {
		t.Errorf("open circuits = %v, want [transfer]", st.OpenKeys)
	}
	if st.Learning.TotalAttempts != 1 {
		t.Errorf("learning attempts = %d, want 1", st.Learning.TotalAttempts)
	}
}
