package procedure

import (
	"math"
	"time"

	"github.com/nasa-jpl/nanoprep/pore"
)

// LeakResult is the largest current magnitude seen above the leak threshold
type LeakResult struct {
	Leaky   bool
	Voltage float64
	Current float64
}

// LeakTest ramps from -peak to +peak over ramp and reports a leak if any
// current magnitude exceeds leak
func (b *Bench) LeakTest(peak float64, ramp time.Duration, leak float64, state State) (LeakResult, Outcome, error) {
	var res LeakResult
	if ramp <= 0 {
		return res, Failed, &pore.PreconditionError{Param: "ramp time", Value: ramp.Seconds(), Want: "> 0"}
	}
	rate := 2 * peak / ramp.Seconds()
	v := func(elapsed time.Duration) float64 {
		return -peak + elapsed.Seconds()*rate
	}
	_, out, err := b.run(loop{
		state: state,
		ramp:  v,
		observe: func(elapsed time.Duration, current float64) {
			if math.Abs(current) > leak && math.Abs(current) > math.Abs(res.Current) {
				res = LeakResult{Leaky: true, Voltage: v(elapsed), Current: current}
			}
		},
		until: For(ramp),
	})
	if res.Leaky {
		b.Log.Error("leaky", "current", res.Current, "voltage", res.Voltage)
	}
	return res, out, err
}
