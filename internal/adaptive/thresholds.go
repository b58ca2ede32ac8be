package adaptive

import "math/big"

// Default and floor values for the dynamic thresholds. Floors stop a
// sustained attack from ratcheting a threshold down to zero and locking the
// system shut.
const (
	DefaultCallThreshold = 100       // calls per metrics window
	DefaultGasThreshold  = 5_000_000 // gas per single call

	minCallThreshold = 10
	minGasThreshold  = 100_000
)

var (
	defaultValueThreshold = big.NewInt(1_000_000) // value moved per window
	minValueThreshold     = big.NewInt(1_000)
)

// Thresholds are the three independently-scaled upper bounds the engine
// enforces per operation key.
type Thresholds struct {
	Call            uint64   `json:"call"`
	Gas             uint64   `json:"gas"`
	Value           *big.Int `json:"value"`
	AdjustmentCount uint64   `json:"adjustmentCount"`
}

func defaultThresholds() Thresholds {
	return Thresholds{
		Call:  DefaultCallThreshold,
		Gas:   DefaultGasThreshold,
		Value: new(big.Int).Set(defaultValueThreshold),
	}
}

// raise scales all three thresholds up by 5%.
func (t *Thresholds) raise() {
	t.Call = t.Call * raiseNum / adjDen
	t.Gas = t.Gas * raiseNum / adjDen
	t.Value.Mul(t.Value, big.NewInt(raiseNum))
	t.Value.Div(t.Value, big.NewInt(adjDen))
	t.AdjustmentCount++
}

// lower scales all three thresholds down by 2%, never below the floors.
func (t *Thresholds) lower() {
	t.Call = t.Call * lowerNum / adjDen
	if t.Call < minCallThreshold {
		t.Call = minCallThreshold
	}
	t.Gas = t.Gas * lowerNum / adjDen
	if t.Gas < minGasThreshold {
		t.Gas = minGasThreshold
	}
	t.Value.Mul(t.Value, big.NewInt(lowerNum))
	t.Value.Div(t.Value, big.NewInt(adjDen))
	if t.Value.Cmp(minValueThreshold) < 0 {
		t.Value.Set(minValueThreshold)
	}
	t.AdjustmentCount++
}

// copy returns an independent snapshot.
func (t *Thresholds) copy() Thresholds {
	cp := *t
	cp.Value = new(big.Int).Set(t.Value)
	return cp
}
