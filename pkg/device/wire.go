package device

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/apis-edge/pkg/button"
	"github.com/teslashibe/apis-edge/pkg/eventlog"
	"github.com/teslashibe/apis-edge/pkg/laser"
	"github.com/teslashibe/apis-edge/pkg/safety"
	"github.com/teslashibe/apis-edge/pkg/servo"
	"github.com/teslashibe/apis-edge/pkg/targeting"
)

// wire registers the callbacks that feed the audit log, the LED and the
// event stream. Every callback runs after the raising controller has
// released its lock, so calling back into controllers here is allowed.
func (d *Device) wire() {
	d.laser.OnStateChange(func(old, new laser.State) {
		switch {
		case new == laser.StateOn:
			d.emit(eventlog.KindLaserOn, "", true)
		case old == laser.StateOn:
			d.emit(eventlog.KindLaserOff, "now "+new.String(), false)
		}
	})
	d.laser.OnTimeout(func(onTime time.Duration) {
		d.log.Warn("laser forced off at max on-time", "on_time", onTime)
		d.emit(eventlog.KindLaserTimeout, onTime.String(), true)
	})
	d.laser.OnFault(func(err error) {
		d.log.Error("laser line fault", "error", err)
		d.emit(eventlog.KindSafetyState, "laser fault: "+err.Error(), false)
	})

	d.safety.OnStateChange(func(old, new safety.State) {
		detail := fmt.Sprintf("%s -> %s", old, new)
		if new == safety.StateSafeMode {
			detail += ": " + d.safety.SafeModeReason()
		}
		d.emit(eventlog.KindSafetyState, detail, false)
		d.refreshLED()
	})
	d.safety.OnCheckFailure(func(r safety.Result) {
		d.emit(eventlog.KindCheckFailed,
			fmt.Sprintf("%s (failed %s, tilt %.1f)", r.Status, r.Failed, r.TiltDeg), false)
	})
	d.safety.OnWatchdogWarning(func(remaining time.Duration) {
		d.log.Warn("safety watchdog starving", "remaining", remaining)
	})

	d.button.OnModeChange(func(old, new button.Mode) {
		d.emit(eventlog.KindMode, fmt.Sprintf("%s -> %s", old, new), false)
		d.refreshLED()
	})

	d.servo.OnFailure(func(f servo.Failure) {
		d.emit(eventlog.KindServoFault,
			fmt.Sprintf("%s: %s (%d failures)", f.Axis, f.Reason, f.Failures), false)
		d.refreshLED()
	})

	d.targeting.OnAcquired(func(t targeting.Target) {
		d.emit(eventlog.KindTargetAcquired,
			fmt.Sprintf("pan %.1f tilt %.1f conf %.2f", t.Pan, t.Tilt, t.Confidence), false)
	})
	d.targeting.OnLost(func(t targeting.Target, reason targeting.LostReason) {
		d.emit(eventlog.KindTargetLost,
			fmt.Sprintf("%s after %s", reason, t.Tracked().Round(time.Millisecond)), false)
	})
}

// emit queues an audit event and pushes it to event stream clients.
func (d *Device) emit(kind eventlog.Kind, detail string, fired bool) {
	e := eventlog.Event{
		ID:         uuid.New().String(),
		At:         time.Now().UTC(),
		Kind:       kind,
		Detail:     detail,
		LaserFired: fired,
	}
	if d.events != nil {
		e.Session = d.events.Session()
		if !d.events.Enqueue(e) {
			d.log.Debug("audit event dropped", "kind", kind)
		}
	}
	d.web.PublishEvent(e)
}
