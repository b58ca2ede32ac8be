package adaptive

import (
	"fmt"
	"time"
)

// Cooldown applies exponential backoff per consecutive violation. The first
// violation costs the base duration; each further consecutive violation
// doubles it, clamped to [1 minute, 24 hours]. Good behavior does not clear
// the counter automatically — that is an explicit reset.
type Cooldown struct {
	Base       time.Duration `json:"base"`
	Current    time.Duration `json:"current"`
	End        time.Time     `json:"end"`
	Violations int           `json:"violations"`
}

// Activate records a violation and starts (or extends) the cooldown,
// returning the applied duration.
func (c *Cooldown) Activate(now time.Time) time.Duration {
	c.Violations++

	d := c.Base
	if d < minCooldown {
		d = minCooldown
	}
	for i := 1; i < c.Violations; i++ {
		d *= 2
		if d >= maxCooldown {
			break
		}
	}
	if d > maxCooldown {
		d = maxCooldown
	}

	c.Current = d
	c.End = now.Add(d)
	cooldownActivations.Inc()
	return d
}

// Enforce fails with ErrCooldownActive while the deadline has not passed.
func (c *Cooldown) Enforce(now time.Time) error {
	if now.Before(c.End) {
		return fmt.Errorf("%w: %s remaining", ErrCooldownActive, c.End.Sub(now).Round(time.Second))
	}
	return nil
}

// Reset clears the violation counter and any pending deadline.
func (c *Cooldown) Reset() {
	c.Current = 0
	c.End = time.Time{}
	c.Violations = 0
}
