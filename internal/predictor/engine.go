package predictor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/bastion/internal/idgen"
)

// Stats are the engine-wide counters exposed on the read surface.
type Stats struct {
	TotalAnalyzed   uint64    `json:"totalAnalyzed"`
	TotalBlocked    uint64    `json:"totalBlocked"`
	FalsePositives  uint64    `json:"falsePositives"`
	Sensitivity     int       `json:"sensitivity"`
	Active          bool      `json:"active"`
	LastCalibration time.Time `json:"lastCalibration"`
}

// Engine scores calls against lazily-created per-caller profiles and
// pattern windows.
type Engine struct {
	mu       sync.Mutex
	profiles map[common.Address]*CallerProfile
	trackers map[common.Address]*PatternTracker
	stats    Stats
	store    Store

	// now is swappable for tests.
	now func() time.Time
}

// NewEngine creates a predictor backed by the given audit store. A nil
// store disables the audit trail.
func NewEngine(store Store) *Engine {
	return &Engine{
		profiles: make(map[common.Address]*CallerProfile),
		trackers: make(map[common.Address]*PatternTracker),
		stats:    Stats{Sensitivity: 100, Active: true},
		store:    store,
		now:      time.Now,
	}
}

// profile returns or creates the profile for a caller. Caller holds mu.
func (e *Engine) profile(addr common.Address) *CallerProfile {
	p, ok := e.profiles[addr]
	if !ok {
		p = newProfile(addr, e.now())
		e.profiles[addr] = p
	}
	return p
}

// tracker returns or creates the pattern tracker for a caller. Caller holds mu.
func (e *Engine) tracker(addr common.Address) *PatternTracker {
	t, ok := e.trackers[addr]
	if !ok {
		t = &PatternTracker{}
		e.trackers[addr] = t
	}
	return t
}

// AssessRisk computes the composite risk score for one call and the
// block/allow recommendation. The assessment is persisted asynchronously as
// a best-effort audit record.
func (e *Engine) AssessRisk(ctx context.Context, in *CallInput) *Assessment {
	e.mu.Lock()

	now := e.now()
	p := e.profile(in.Caller)
	t := e.tracker(in.Caller)

	var score float64
	var factors []string

	if in.Depth > nestingBudget {
		score += float64(in.Depth-nestingBudget) * depthPenaltyPerLevel
		factors = append(factors, "deep_nesting")
	}
	if t.RapidRepeat(in.Selector, now) {
		score += rapidRepeatPenalty
		factors = append(factors, "rapid_repeat")
	}
	if extractsValue(p, in.Value) {
		score += valueExtractPenalty
		factors = append(factors, "value_extraction")
	}
	if t.Circular() {
		score += circularPenalty
		factors = append(factors, "circular_pattern")
	}
	if p.RiskScore > 0 {
		score += p.RiskScore / 10
		factors = append(factors, "caller_history")
	}

	score = score * float64(e.stats.Sensitivity) / 100
	if score > maxRiskScore {
		score = maxRiskScore
	}

	block := score >= BlockThreshold || p.Blocked

	e.stats.TotalAnalyzed++
	if block {
		e.stats.TotalBlocked++
	}
	e.mu.Unlock()

	a := &Assessment{
		ID:             idgen.WithPrefix("risk_"),
		Caller:         in.Caller.Hex(),
		Score:          score,
		Factors:        factors,
		ShouldBlock:    block,
		Recommendation: recommendation(score),
		EvaluatedAt:    now,
	}

	if e.store != nil {
		go func() {
			_ = e.store.Record(context.WithoutCancel(ctx), a)
		}()
	}
	return a
}

// QuickCheck is the O(1) gate run before the full assessment: a blocked
// caller, depth beyond the hard ceiling, or an accumulated risk score at the
// critical level all deny immediately.
func (e *Engine) QuickCheck(in *CallInput) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.profiles[in.Caller]
	if ok && p.Blocked {
		return fmt.Errorf("%w: %s", ErrBlockedCaller, in.Caller.Hex())
	}
	if in.Depth > maxQuickDepth {
		return fmt.Errorf("%w: depth %d", ErrKnownAttackPattern, in.Depth)
	}
	if ok && p.RiskScore >= quickRiskCeiling {
		return fmt.Errorf("%w: accumulated score %.0f", ErrHighRisk, p.RiskScore)
	}
	return nil
}

// RecordCall commits one executed call into the caller's pattern window.
func (e *Engine) RecordCall(caller common.Address, selector [4]byte, depth int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.tracker(caller)
	t.Record(selector, e.now())
	t.Depth = depth
}

// UpdateProfile records a call outcome. Success decays the risk score by 1%;
// failure adds a flat penalty. Cumulative totals update regardless.
func (e *Engine) UpdateProfile(caller common.Address, success bool, value *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.profile(caller)
	p.LastSeen = e.now()
	p.TotalCalls++
	if value != nil {
		p.TotalValue.Add(p.TotalValue, value)
	}

	if success {
		p.SuccessfulCalls++
		p.RiskScore *= successDecay
	} else {
		p.FailedCalls++
		p.RiskScore += failurePenalty
		if p.RiskScore > maxRiskScore {
			p.RiskScore = maxRiskScore
		}
	}
}

// DetectAnomalies returns the first matching anomaly in priority order, or
// AnomalyNone.
func (e *Engine) DetectAnomalies(in *CallInput) Anomaly {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.tracker(in.Caller)
	p := e.profile(in.Caller)

	switch {
	case t.RapidRepeat(in.Selector, e.now()):
		return AnomalyRapidCall
	case in.Depth > nestingBudget:
		return AnomalyDeepNesting
	case t.Circular():
		return AnomalyCircularPattern
	case extractsValue(p, in.Value):
		return AnomalyValueExtraction
	default:
		return AnomalyNone
	}
}

// Calibrate sets the sensitivity. Valid range is (0, 100].
func (e *Engine) Calibrate(sensitivity int) error {
	if sensitivity <= 0 || sensitivity > 100 {
		return fmt.Errorf("%w: %d", ErrSensitivityRange, sensitivity)
	}
	e.mu.Lock()
	e.stats.Sensitivity = sensitivity
	e.stats.LastCalibration = e.now()
	e.mu.Unlock()
	return nil
}

// RecordFalsePositive notes a block later judged benign. Once false
// positives exceed 10% of total blocks, sensitivity is stepped down by 5
// (floor 10) — a negative-feedback loop against over-blocking.
func (e *Engine) RecordFalsePositive() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.FalsePositives++
	if e.stats.TotalBlocked == 0 {
		return
	}
	if e.stats.FalsePositives*10 > e.stats.TotalBlocked {
		e.stats.Sensitivity -= 5
		if e.stats.Sensitivity < 10 {
			e.stats.Sensitivity = 10
		}
		e.stats.LastCalibration = e.now()
	}
}

// BlockCaller sets or clears the hard block flag on a caller (admin surface).
func (e *Engine) BlockCaller(caller common.Address, blocked bool) {
	e.mu.Lock()
	e.profile(caller).Blocked = blocked
	e.mu.Unlock()
}

// Profile returns a copy of a caller's profile, or nil if never seen.
func (e *Engine) Profile(caller common.Address) *CallerProfile {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.profiles[caller]
	if !ok {
		return nil
	}
	cp := *p
	cp.TotalValue = new(big.Int).Set(p.TotalValue)
	return &cp
}

// Stats returns the engine-wide counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// extractsValue reports whether a call would move more than 50% of the
// value the caller has historically been seen with. Callers with no value
// history are treated as cold-start safe.
func extractsValue(p *CallerProfile, value *big.Int) bool {
	if value == nil || value.Sign() <= 0 || p.TotalValue.Sign() == 0 {
		return false
	}
	doubled := new(big.Int).Lsh(value, 1)
	return doubled.Cmp(p.TotalValue) > 0
}
