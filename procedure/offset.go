package procedure

import (
	"math"
	"time"

	"github.com/nasa-jpl/nanoprep/mathx"
	"github.com/nasa-jpl/nanoprep/pore"
)

// OffsetSpec configures pipette offset nulling.  Each measurement holds a
// voltage for Hold and averages the current after Settle.
type OffsetSpec struct {
	Hold       time.Duration
	Settle     time.Duration
	Threshold  float64
	Max        float64
	Iterations int
}

// DefaultOffsetSpec holds 3 s, settles 1 s, accepts 1 nA and searches
// +/-0.25 V over 15 rounds
var DefaultOffsetSpec = OffsetSpec{
	Hold:       3 * time.Second,
	Settle:     time.Second,
	Threshold:  1e-9,
	Max:        0.25,
	Iterations: 15,
}

// window holds v for hold and returns the currents read after settle
func (b *Bench) window(v float64, hold, settle time.Duration, state State) ([]float64, Outcome, error) {
	var kept []float64
	_, out, err := b.run(loop{
		state:   state,
		voltage: v,
		observe: func(elapsed time.Duration, current float64) {
			if elapsed > settle {
				kept = append(kept, current)
			}
		},
		until: For(hold),
	})
	return kept, out, err
}

// settled holds v for hold and returns the mean current after settle, NaN if
// nothing was read after it
func (b *Bench) settled(v float64, hold, settle time.Duration, state State) (float64, Outcome, error) {
	kept, out, err := b.window(v, hold, settle, state)
	if out != Completed {
		return 0, out, err
	}
	return mathx.Mean(kept), out, nil
}

// sign is -1 for negative x, else 1
func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}

// PipetteOffset searches for the voltage that nulls the current by bisection.
// The bench offset should be zero while it runs.  If the search does not
// converge the last trial is returned with a warning.
func (b *Bench) PipetteOffset(s OffsetSpec, state State) (float64, Outcome, error) {
	if s.Hold <= s.Settle {
		return 0, Failed, &pore.PreconditionError{Param: "hold", Value: s.Hold.Seconds(), Want: "longer than the settle time"}
	}
	baseline, out, err := b.settled(0, s.Hold, s.Settle, state)
	if out != Completed {
		return 0, out, err
	}
	if math.Abs(baseline) <= s.Threshold {
		b.Log.Info("no pipette offset needed", "current", baseline)
		return 0, Completed, nil
	}
	trial := -sign(baseline) * s.Max / 2
	for round := 0; round < s.Iterations; round++ {
		b.Progress(0, float64(s.Iterations), float64(round))
		i, out, err := b.settled(trial, s.Hold, s.Settle, state)
		if out != Completed {
			return trial, out, err
		}
		if math.Abs(i) <= s.Threshold {
			b.Log.Info("pipette offset", "voltage", trial, "current", i, "rounds", round+1)
			return trial, Completed, nil
		}
		trial -= sign(i) * s.Max / math.Pow(2, float64(round+2))
	}
	b.Log.Warn("pipette offset did not converge, using last trial", "voltage", trial, "rounds", s.Iterations)
	return trial, Completed, nil
}
