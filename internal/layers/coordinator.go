package layers

import (
	"fmt"
	"sync"
)

// Result is the aggregate outcome of a full layer sweep.
type Result struct {
	FailedCount int        `json:"failedCount"`
	MaxAlert    AlertLevel `json:"maxAlert"`
	ShouldBlock bool       `json:"shouldBlock"`
	Failed      []Slot     `json:"failed,omitempty"`
}

// Coordinator owns the 8 detector slots and the quorum vote.
//
// Quorum is a hard ≥ comparison: a sweep blocks iff failedCount >=
// requiredQuorum. A cascade, once active, forces every enabled layer to
// Triggered/Critical until ResetCascade is called.
type Coordinator struct {
	mu             sync.Mutex
	slots          [slotCount]*Layer
	activeCount    int
	requiredQuorum int
	currentAlert   AlertLevel
	cascadeActive  bool

	// onQuorum is invoked (outside the lock) when a sweep reaches quorum.
	onQuorum func(Result)
}

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithChecker replaces the predicate for one slot.
func WithChecker(slot Slot, c Checker) Option {
	return func(co *Coordinator) {
		if slot >= 0 && slot < slotCount {
			co.slots[slot].check = c
		}
	}
}

// WithQuorumSignal registers a callback fired whenever a sweep reaches quorum.
func WithQuorumSignal(fn func(Result)) Option {
	return func(co *Coordinator) { co.onQuorum = fn }
}

// NewCoordinator initializes all 8 slots enabled and Active with the
// reference predicate, and recomputes the quorum as min(activeCount, 3).
func NewCoordinator(opts ...Option) *Coordinator {
	co := &Coordinator{}
	for i := range co.slots {
		co.slots[i] = &Layer{
			Slot:    Slot(i),
			Status:  StatusActive,
			Enabled: true,
			check:   defaultChecker,
		}
	}
	co.activeCount = slotCount
	co.recomputeQuorum()
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// recomputeQuorum sets requiredQuorum = min(activeCount, 3). Caller holds mu
// or is still constructing.
func (co *Coordinator) recomputeQuorum() {
	q := co.activeCount
	if q > defaultQuorum {
		q = defaultQuorum
	}
	co.requiredQuorum = q
}

// CheckLayer runs one slot's predicate. Disabled layers always pass. On
// failure the trigger count and alert level are updated, and the layer flips
// to Triggered once the alert reaches High.
func (co *Coordinator) CheckLayer(slot Slot, data []byte) (bool, error) {
	if slot < 0 || slot >= slotCount {
		return false, fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.checkLocked(co.slots[slot], data), nil
}

// checkLocked runs one layer's predicate and applies its bookkeeping.
// Caller holds mu.
func (co *Coordinator) checkLocked(l *Layer, data []byte) bool {
	if !l.Enabled || l.Status == StatusDisabled {
		return true // fail-open
	}

	ok, alert := l.check(l.Slot, data)
	if ok {
		l.successes++
		return true
	}

	l.failures++
	l.TriggerCount++
	l.Alert = alert
	if alert > co.currentAlert {
		co.currentAlert = alert
	}
	if alert >= AlertHigh {
		l.Status = StatusTriggered
	}
	return false
}

// CheckAll sweeps all 8 slots and takes the quorum vote.
func (co *Coordinator) CheckAll(data []byte) Result {
	co.mu.Lock()

	var res Result
	for _, l := range co.slots {
		if co.checkLocked(l, data) {
			continue
		}
		res.FailedCount++
		res.Failed = append(res.Failed, l.Slot)
		if l.Alert > res.MaxAlert {
			res.MaxAlert = l.Alert
		}
	}
	res.ShouldBlock = res.FailedCount >= co.requiredQuorum
	if res.ShouldBlock {
		for _, s := range res.Failed {
			co.slots[s].BlockCount++
		}
	}
	onQuorum := co.onQuorum
	co.mu.Unlock()

	if res.ShouldBlock && onQuorum != nil {
		onQuorum(res)
	}
	return res
}

// QuickCheck is a read-only pre-filter over the critical slots (0–3) for the
// hot path. It reports false when any critical slot is already Triggered or
// holds a High-or-worse alert. No counters are touched.
func (co *Coordinator) QuickCheck() bool {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.cascadeActive {
		return false
	}
	for i := 0; i < criticalSlotEnd; i++ {
		l := co.slots[i]
		if !l.Enabled {
			continue
		}
		if l.Status == StatusTriggered || l.Alert >= AlertHigh {
			return false
		}
	}
	return true
}

// TriggerCascade forces every enabled, currently-Active layer to
// Triggered/Critical and returns ErrCascadeActive as the terminal failure
// for the current call. Normal operation resumes only after ResetCascade.
func (co *Coordinator) TriggerCascade(reason string) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	co.cascadeActive = true
	co.currentAlert = AlertCritical
	for _, l := range co.slots {
		if l.Enabled && l.Status == StatusActive {
			l.Status = StatusTriggered
			l.Alert = AlertCritical
		}
	}
	return fmt.Errorf("%w: %s", ErrCascadeActive, reason)
}

// ResetCascade clears a cascade lockdown, restoring every enabled layer to
// Active with no alert. Calling it on an already-reset coordinator is a
// no-op.
func (co *Coordinator) ResetCascade() {
	co.mu.Lock()
	defer co.mu.Unlock()

	co.cascadeActive = false
	co.currentAlert = AlertNone
	for _, l := range co.slots {
		if l.Enabled {
			l.Status = StatusActive
			l.Alert = AlertNone
		}
	}
}

// ResetLayer restores a single enabled slot to Active/None.
func (co *Coordinator) ResetLayer(slot Slot) error {
	if slot < 0 || slot >= slotCount {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	co.mu.Lock()
	defer co.mu.Unlock()

	l := co.slots[slot]
	if !l.Enabled {
		return fmt.Errorf("%w: %s", ErrLayerDisabled, slot)
	}
	l.Status = StatusActive
	l.Alert = AlertNone
	return nil
}

// EnableLayer re-enables a slot and bumps the active count.
func (co *Coordinator) EnableLayer(slot Slot) error {
	if slot < 0 || slot >= slotCount {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	co.mu.Lock()
	defer co.mu.Unlock()

	l := co.slots[slot]
	if l.Enabled {
		return nil
	}
	l.Enabled = true
	l.Status = StatusActive
	l.Alert = AlertNone
	co.activeCount++
	co.recomputeQuorum()
	return nil
}

// DisableLayer takes a slot out of service. Disabled layers pass all checks.
func (co *Coordinator) DisableLayer(slot Slot) error {
	if slot < 0 || slot >= slotCount {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	co.mu.Lock()
	defer co.mu.Unlock()

	l := co.slots[slot]
	if !l.Enabled {
		return nil
	}
	l.Enabled = false
	l.Status = StatusDisabled
	co.activeCount--
	co.recomputeQuorum()
	return nil
}

// SetQuorum overrides the computed quorum requirement (admin surface).
func (co *Coordinator) SetQuorum(q int) error {
	if q < 1 || q > slotCount {
		return fmt.Errorf("layers: quorum %d out of range [1, %d]", q, slotCount)
	}
	co.mu.Lock()
	co.requiredQuorum = q
	co.mu.Unlock()
	return nil
}

// Snapshot returns a copy of all layer states for the read surface.
func (co *Coordinator) Snapshot() []Layer {
	co.mu.Lock()
	defer co.mu.Unlock()

	out := make([]Layer, slotCount)
	for i, l := range co.slots {
		out[i] = *l
	}
	return out
}

// CoordinatorStatus is the aggregate coordinator state.
type CoordinatorStatus struct {
	ActiveLayers    int        `json:"activeLayers"`
	TriggeredLayers int        `json:"triggeredLayers"`
	RequiredQuorum  int        `json:"requiredQuorum"`
	CurrentAlert    AlertLevel `json:"currentAlert"`
	CascadeActive   bool       `json:"cascadeActive"`
}

// Status returns the aggregate state for dashboards.
func (co *Coordinator) Status() CoordinatorStatus {
	co.mu.Lock()
	defer co.mu.Unlock()

	st := CoordinatorStatus{
		ActiveLayers:   co.activeCount,
		RequiredQuorum: co.requiredQuorum,
		CurrentAlert:   co.currentAlert,
		CascadeActive:  co.cascadeActive,
	}
	for _, l := range co.slots {
		if l.Status == StatusTriggered {
			st.TriggeredLayers++
		}
	}
	return st
}

// HealthScore returns the health of one slot.
func (co *Coordinator) HealthScore(slot Slot) (int, error) {
	if slot < 0 || slot >= slotCount {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.slots[slot].HealthScore(), nil
}
