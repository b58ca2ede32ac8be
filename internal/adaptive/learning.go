package adaptive

// LearningState tracks how often blocks turned out to be real attacks. The
// accuracy ratio feeds ShouldAdjust, which only ever recommends; applying an
// adjustment is a separate explicit call.
type LearningState struct {
	TotalAttempts    uint64 `json:"totalAttempts"`
	BlockedAttempts  uint64 `json:"blockedAttempts"`
	SuccessfulBlocks uint64 `json:"successfulBlocks"`
	FalsePositives   uint64 `json:"falsePositives"`
	Active           bool   `json:"learningActive"`
}

// recordAttempt counts one guarded call; blocked calls also record whether
// the block caught a real attack.
func (l *LearningState) recordAttempt(blocked, wasActualAttack bool) {
	l.TotalAttempts++
	if !blocked {
		return
	}
	l.BlockedAttempts++
	if wasActualAttack {
		l.SuccessfulBlocks++
	} else {
		l.FalsePositives++
	}
}

// accuracy is successfulBlocks/blockedAttempts, or 1 with no blocks yet.
func (l *LearningState) accuracy() float64 {
	if l.BlockedAttempts == 0 {
		return 1
	}
	return float64(l.SuccessfulBlocks) / float64(l.BlockedAttempts)
}

// shouldAdjust recommends raising thresholds when blocks are almost always
// correct over a large sample (the engine is likely also catching benign
// traffic it never needed to block), and lowering them when too many blocks
// are wrong. Accuracy between the two bands recommends nothing.
func (l *LearningState) shouldAdjust() Adjustment {
	if !l.Active {
		return AdjustNone
	}
	acc := l.accuracy()
	switch {
	case l.BlockedAttempts >= raiseMinSamples && acc > raiseAccuracy:
		return AdjustRaise
	case l.BlockedAttempts >= lowerMinSamples && acc < lowerAccuracy:
		return AdjustLower
	default:
		return AdjustNone
	}
}
