package safety

import "time"

// State returns the current state.
func (l *Layer) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// IsSafeMode reports whether activations are blocked pending a reset.
func (l *Layer) IsSafeMode() bool {
	return l.State() == StateSafeMode
}

// SafeModeReason returns why safe mode was entered, or "".
func (l *Layer) SafeModeReason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// IsInitialized reports whether Init has been called.
func (l *Layer) IsInitialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initialized
}

// IsArmed reports whether both the laser and the button are armed.
func (l *Layer) IsArmed() bool {
	return l.read().armed
}

// IsEmergencyStop reports whether the physical emergency stop is engaged.
func (l *Layer) IsEmergencyStop() bool {
	return l.button != nil && l.button.IsEmergencyStop()
}

// IsDetectionActive reports the last SetDetectionActive value.
func (l *Layer) IsDetectionActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.detection
}

// WatchdogRemaining returns the time left before the watchdog expires.
func (l *Layer) WatchdogRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return 0
	}
	return l.watchdogRemainingLocked(l.now())
}

// IsWatchdogWarning reports whether the watchdog is past its warning
// threshold.
func (l *Layer) IsWatchdogWarning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initialized && l.now().Sub(l.lastFeed) >= l.cfg.WatchdogWarning
}

// Voltage returns the last recorded supply voltage in millivolts.
func (l *Layer) Voltage() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.voltageMV
}

// IsBrownout reports a supply below the minimum.
func (l *Layer) IsBrownout() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.brownoutLocked()
}

// IsVoltageWarning reports a supply below the warning level.
func (l *Layer) IsVoltageWarning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.voltageMV > 0 && l.voltageMV < l.cfg.WarningVoltageMV
}

// Stats returns a copy of the counters.
func (l *Layer) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
