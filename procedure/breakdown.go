package procedure

import (
	"time"
)

// BreakdownResult is where a breakdown tripped
type BreakdownResult struct {
	Voltage float64
	Current float64
	Elapsed time.Duration
	Tripped bool
}

func (b *Bench) breakdown(voltage float64, ramp func(time.Duration) float64, cutoff float64, delay time.Duration, state State) (BreakdownResult, Outcome, error) {
	var res BreakdownResult
	_, out, err := b.run(loop{
		state:   state,
		voltage: voltage,
		ramp:    ramp,
		observe: func(elapsed time.Duration, current float64) {
			res.Elapsed, res.Current = elapsed, current
			res.Voltage = voltage
			if ramp != nil {
				res.Voltage = ramp(elapsed)
			}
			if elapsed > delay && current >= cutoff {
				res.Tripped = true
			}
		},
		until: Until(func() bool { return res.Tripped }),
	})
	if res.Tripped {
		b.Log.Info("breakdown", "voltage", res.Voltage, "current", res.Current, "elapsed", res.Elapsed)
	}
	return res, out, err
}

// FlatBreakdown holds voltage until the current reaches cutoff.  The cutoff
// is not checked during the first delay, while the membrane charges.
func (b *Bench) FlatBreakdown(voltage, cutoff float64, delay time.Duration, state State) (BreakdownResult, Outcome, error) {
	return b.breakdown(voltage, nil, cutoff, delay, state)
}

// RampBreakdown sources start + rate*elapsed (V, V/s) until the current
// reaches cutoff, with the same delay as FlatBreakdown
func (b *Bench) RampBreakdown(start, rate, cutoff float64, delay time.Duration, state State) (BreakdownResult, Outcome, error) {
	ramp := func(elapsed time.Duration) float64 {
		return start + elapsed.Seconds()*rate
	}
	return b.breakdown(start, ramp, cutoff, delay, state)
}
