package laser

import "time"

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a consistent copy of the controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	s := Snapshot{
		State:             c.state,
		Armed:             c.armed.Load(),
		Active:            c.lineOn,
		KillSwitch:        c.killed,
		Faulted:           c.faulted,
		CooldownRemaining: c.cooldownRemainingLocked(now),
	}
	if c.lineOn {
		s.OnTime = now.Sub(c.activatedAt)
	}
	return s
}

// IsArmed reports the arm flag without taking the lock.
func (c *Controller) IsArmed() bool {
	return c.armed.Load()
}

// IsActive reports whether the line is asserted.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lineOn
}

// IsKillSwitchEngaged reports the kill switch latch.
func (c *Controller) IsKillSwitchEngaged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

// IsFaulted reports a latched drive failure.
func (c *Controller) IsFaulted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faulted
}

// InCooldown reports whether a new activation would be refused for cooldown.
func (c *Controller) InCooldown() bool {
	return c.CooldownRemaining() > 0
}

// CooldownRemaining returns the time left before the next activation.
func (c *Controller) CooldownRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooldownRemainingLocked(c.now())
}

// OnTime returns how long the laser has been on, or 0 when off.
func (c *Controller) OnTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lineOn {
		return 0
	}
	return c.now().Sub(c.activatedAt)
}

// OnTimeRemaining returns the time left before the backstop trips.
func (c *Controller) OnTimeRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lineOn {
		return c.cfg.MaxOnTime
	}
	remaining := c.cfg.MaxOnTime - c.now().Sub(c.activatedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Stats returns a copy of the counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
