package adaptive

import (
	"math/big"
	"time"
)

// OperationMetrics is a rolling window of call count, gas used, and value
// moved for one operation key. The window resets lazily on the first write
// after expiry; reads treat an expired window as empty without mutating it.
type OperationMetrics struct {
	WindowStart time.Time     `json:"windowStart"`
	Window      time.Duration `json:"windowDuration"`
	CallCount   uint64        `json:"callCount"`
	GasUsed     uint64        `json:"gasUsed"`
	ValueMoved  *big.Int      `json:"valueMoved"`
}

func newOperationMetrics(window time.Duration) *OperationMetrics {
	return &OperationMetrics{Window: window, ValueMoved: new(big.Int)}
}

// expired reports whether the current window has lapsed as of now.
func (m *OperationMetrics) expired(now time.Time) bool {
	return m.WindowStart.IsZero() || now.Sub(m.WindowStart) >= m.Window
}

// record accumulates one completed call, resetting the window first if it
// has expired.
func (m *OperationMetrics) record(gas uint64, value *big.Int, now time.Time) {
	if m.expired(now) {
		m.WindowStart = now
		m.CallCount = 0
		m.GasUsed = 0
		m.ValueMoved.SetInt64(0)
	}
	m.CallCount++
	m.GasUsed += gas
	if value != nil && value.Sign() > 0 {
		m.ValueMoved.Add(m.ValueMoved, value)
	}
}

// effectiveCalls returns the in-window call count, treating an expired
// window as zero.
func (m *OperationMetrics) effectiveCalls(now time.Time) uint64 {
	if m.expired(now) {
		return 0
	}
	return m.CallCount
}

// effectiveValue returns the in-window value moved, treating an expired
// window as zero.
func (m *OperationMetrics) effectiveValue(now time.Time) *big.Int {
	if m.expired(now) {
		return new(big.Int)
	}
	return new(big.Int).Set(m.ValueMoved)
}
