package adaptive

import (
	"math"
	"time"
)

// DecayingRiskScore is a risk accumulator that loses 1% of its value per
// elapsed hour, computed lazily on access. Writes first apply the pending
// decay, then add, capping at maxRiskScore and tracking the all-time peak.
type DecayingRiskScore struct {
	Base       float64   `json:"base"`
	LastUpdate time.Time `json:"lastUpdate"`
	Peak       float64   `json:"peak"`
	PeakAt     time.Time `json:"peakAt"`
}

// Decayed returns the score as of now without mutating anything. It is a
// pure function of the stored base and the elapsed whole decay periods, so
// repeated reads at advancing times are non-increasing.
func (r *DecayingRiskScore) Decayed(now time.Time) float64 {
	if r.Base == 0 || r.LastUpdate.IsZero() {
		return r.Base
	}
	periods := int(now.Sub(r.LastUpdate) / decayPeriod)
	if periods <= 0 {
		return r.Base
	}
	return r.Base * math.Pow(decayFactor, float64(periods))
}

// Update folds the pending decay into the base, adds delta, and re-stamps
// LastUpdate. The result is clamped to [0, maxRiskScore].
func (r *DecayingRiskScore) Update(delta float64, now time.Time) float64 {
	r.Base = r.Decayed(now)
	r.LastUpdate = now

	r.Base += delta
	if r.Base < 0 {
		r.Base = 0
	}
	if r.Base > maxRiskScore {
		r.Base = maxRiskScore
	}
	if r.Base > r.Peak {
		r.Peak = r.Base
		r.PeakAt = now
	}
	return r.Base
}
