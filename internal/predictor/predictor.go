// Package predictor maintains per-caller behavioral profiles and scores the
// risk of each guarded call.
//
// Every call is evaluated against 5 weighted signals: call depth beyond the
// nesting budget, rapid repeat invocations, disproportionate value
// extraction, circular selector patterns, and the caller's accumulated risk
// history. Scores range from 0 (clean) to 10,000; calls at or above the
// block threshold are rejected before the operation runs.
package predictor

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Score thresholds for the recommendation tiers and the block decision.
const (
	BlockThreshold    = 700
	CriticalThreshold = 900
	MediumThreshold   = 400
	LowThreshold      = 100

	// QuickCheck limits.
	maxQuickDepth     = 10
	quickRiskCeiling  = 900

	// Signal weights.
	depthPenaltyPerLevel = 100 // per level beyond nestingBudget
	nestingBudget        = 3
	rapidRepeatPenalty   = 200
	valueExtractPenalty  = 300
	circularPenalty      = 400

	// Profile adjustments.
	failurePenalty = 10   // flat riskScore increase per failed call
	successDecay   = 0.99 // riskScore multiplier per successful call

	maxRiskScore = 10000

	rapidRepeatWindow = 10 * time.Second
)

// Veto reasons. All abort the enclosing guarded operation.
var (
	ErrBlockedCaller      = errors.New("predictor: caller is blocked")
	ErrHighRisk           = errors.New("predictor: high-risk call")
	ErrKnownAttackPattern = errors.New("predictor: known attack pattern")
	ErrSensitivityRange   = errors.New("predictor: sensitivity out of range (0, 100]")
)

// Anomaly classifies the first matching behavioral anomaly, in priority
// order: rapid-call, deep-nesting, circular-pattern, value-extraction.
type Anomaly int

const (
	AnomalyNone Anomaly = iota
	AnomalyRapidCall
	AnomalyDeepNesting
	AnomalyCircularPattern
	AnomalyValueExtraction
)

// String returns the anomaly name.
func (a Anomaly) String() string {
	switch a {
	case AnomalyNone:
		return "none"
	case AnomalyRapidCall:
		return "rapid_call"
	case AnomalyDeepNesting:
		return "deep_nesting"
	case AnomalyCircularPattern:
		return "circular_pattern"
	case AnomalyValueExtraction:
		return "value_extraction"
	default:
		return "unknown"
	}
}

// CallInput carries the data needed to score one guarded call. Populated by
// the guard from its call context — no extra lookups.
type CallInput struct {
	Caller   common.Address
	Selector [4]byte
	Value    *big.Int // value leaving the protected system in this call
	Depth    int      // current recursion depth including this call
}

// Assessment is the result of evaluating a single call.
type Assessment struct {
	ID             string    `json:"id"`
	Caller         string    `json:"caller"`
	Score          float64   `json:"score"`
	Factors        []string  `json:"factors"`
	ShouldBlock    bool      `json:"shouldBlock"`
	Recommendation string    `json:"recommendation"`
	EvaluatedAt    time.Time `json:"evaluatedAt"`
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByCaller(ctx context.Context, caller string, limit int) ([]*Assessment, error)
}

// recommendation maps a score to its human-readable tier.
func recommendation(score float64) string {
	switch {
	case score >= CriticalThreshold:
		return "critical: block caller and open an incident"
	case score >= BlockThreshold:
		return "high: block this call"
	case score >= MediumThreshold:
		return "medium: throttle and watch closely"
	case score >= LowThreshold:
		return "low: monitor"
	default:
		return "minimal: no action"
	}
}
