package adaptive

import (
	"fmt"
	"time"
)

// Circuit is a per-operation breaker. Unlike a time-based breaker the probe
// is caller-driven: while open, AttemptHalfOpen hands out up to
// MaxHalfOpenAttempts probe slots, and the caller reports the outcome by
// closing the circuit or leaving it open.
type Circuit struct {
	State            CircuitState `json:"state"`
	OpenedAt         time.Time    `json:"openedAt"`
	Reason           string       `json:"reason"`
	HalfOpenAttempts int          `json:"halfOpenAttempts"`
	MaxAttempts      int          `json:"maxHalfOpenAttempts"`
}

// open trips the circuit. Opening an already-open circuit only refreshes
// the reason.
func (c *Circuit) open(key, reason string, now time.Time) {
	if c.State == CircuitClosed {
		c.transition(key, CircuitOpen)
		c.OpenedAt = now
		c.HalfOpenAttempts = 0
	}
	c.Reason = reason
}

// attemptHalfOpen requests a probe slot. It returns false once the attempt
// budget is spent, without incrementing further.
func (c *Circuit) attemptHalfOpen(key string) bool {
	if c.State == CircuitClosed {
		return false
	}
	if c.HalfOpenAttempts >= c.MaxAttempts {
		return false
	}
	c.HalfOpenAttempts++
	if c.State == CircuitOpen {
		c.transition(key, CircuitHalfOpen)
	}
	return true
}

// releaseHalfOpen returns a granted probe slot that never executed. When no
// probes remain outstanding the circuit drops back to fully open.
func (c *Circuit) releaseHalfOpen(key string) {
	if c.State != CircuitHalfOpen || c.HalfOpenAttempts == 0 {
		return
	}
	c.HalfOpenAttempts--
	if c.HalfOpenAttempts == 0 {
		c.transition(key, CircuitOpen)
	}
}

// close resets the circuit after a successful probe or an operator action.
func (c *Circuit) close(key string) {
	if c.State == CircuitClosed {
		return
	}
	c.transition(key, CircuitClosed)
	c.Reason = ""
	c.HalfOpenAttempts = 0
}

// reopen returns a half-open circuit to fully open after a failed probe.
func (c *Circuit) reopen(key string) {
	if c.State == CircuitHalfOpen {
		c.transition(key, CircuitOpen)
	}
}

// enforce fails unless the circuit is closed.
func (c *Circuit) enforce() error {
	if c.State == CircuitClosed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCircuitOpen, c.Reason)
}

func (c *Circuit) transition(key string, to CircuitState) {
	from := c.State
	if from == to {
		return
	}
	c.State = to
	circuitTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
}
