package procedure

import (
	"math"
	"time"

	"github.com/nasa-jpl/nanoprep/pore"
	"github.com/nasa-jpl/nanoprep/util"
)

// PulseSpec describes a square pulse.  The minimums floor the adaptive
// variants; a plain square pulse ignores them.
type PulseSpec struct {
	Voltage     float64
	Duration    time.Duration
	MinVoltage  float64
	MinDuration time.Duration
}

// SquarePulse sources the pulse voltage once and records until the duration
// has elapsed
func (b *Bench) SquarePulse(p PulseSpec, state State) (Outcome, error) {
	return b.Hold(p.Voltage, For(p.Duration), state)
}

// Wait is a square pulse at 0 V
func (b *Bench) Wait(d time.Duration, state State) (Outcome, error) {
	return b.Hold(0, For(d), state)
}

// AmplitudeScale is the factor an adaptive pulse scales by: one minus the
// progress from initial toward target, clamped to [0, 1].  target must
// exceed initial.
func AmplitudeScale(initial, current, target float64) (float64, error) {
	if !(target > initial) {
		return 0, &pore.PreconditionError{Param: "target", Value: target, Want: "greater than the initial size"}
	}
	p := (current - initial) / (target - initial)
	return util.Clamp(1-p, 0, 1), nil
}

// Scaled returns the pulse scaled by s: the voltage magnitude is floored at
// |MinVoltage| and keeps the sign of Voltage; the duration is floored at
// MinDuration.  amplitude and period select which of the two are scaled.
func (p PulseSpec) Scaled(s float64, amplitude, period bool) PulseSpec {
	out := p
	if amplitude {
		v := s * p.Voltage
		if math.Abs(v) < math.Abs(p.MinVoltage) {
			v = util.SignOf(math.Abs(p.MinVoltage), p.Voltage)
		}
		out.Voltage = v
	}
	if period {
		d := time.Duration(s * float64(p.Duration))
		if d < p.MinDuration {
			d = p.MinDuration
		}
		out.Duration = d
	}
	return out
}

func (b *Bench) adaptive(p PulseSpec, initial, current, target float64, amplitude, period bool, state State) (Outcome, error) {
	s, err := AmplitudeScale(initial, current, target)
	if err != nil {
		return Failed, err
	}
	scaled := p.Scaled(s, amplitude, period)
	b.Log.Debug("adaptive pulse", "scale", s, "voltage", scaled.Voltage, "duration", scaled.Duration)
	return b.SquarePulse(scaled, state)
}

// AdaptiveAmplitudePulse scales the pulse voltage by the remaining progress
// toward target.  The duration is fixed.
func (b *Bench) AdaptiveAmplitudePulse(p PulseSpec, initial, current, target float64, state State) (Outcome, error) {
	return b.adaptive(p, initial, current, target, true, false, state)
}

// AdaptivePeriodPulse scales the pulse duration by the remaining progress
// toward target.  The voltage is fixed.
func (b *Bench) AdaptivePeriodPulse(p PulseSpec, initial, current, target float64, state State) (Outcome, error) {
	return b.adaptive(p, initial, current, target, false, true, state)
}

// AdaptivePulse scales both the voltage and the duration
func (b *Bench) AdaptivePulse(p PulseSpec, initial, current, target float64, state State) (Outcome, error) {
	return b.adaptive(p, initial, current, target, true, true, state)
}
