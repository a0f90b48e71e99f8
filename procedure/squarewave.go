package procedure

import (
	"fmt"
	"math"
	"time"
)

// SquareWavePass applies +amplitude then -amplitude, each for half, and
// returns the rectification ratio mean(I+)/|mean(I-)|, inverted if below 1
func (b *Bench) SquareWavePass(amplitude float64, half time.Duration, state State) (float64, Outcome, error) {
	pos, out, err := b.settled(amplitude, half, 0, state)
	if out != Completed {
		return 0, out, err
	}
	neg, out, err := b.settled(-amplitude, half, 0, state)
	if out != Completed {
		return 0, out, err
	}
	ratio := math.Abs(pos / neg)
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio == 0 {
		return 0, Failed, fmt.Errorf("%w: rectification undefined for currents %g and %g", ErrEstimation, pos, neg)
	}
	if ratio < 1 {
		ratio = 1 / ratio
	}
	return ratio, Completed, nil
}

// SquareWave applies full square wave periods until total has elapsed
func (b *Bench) SquareWave(amplitude float64, half, total time.Duration, state State) (Outcome, error) {
	start := b.Elapsed()
	for {
		for _, v := range []float64{amplitude, -amplitude} {
			if out, err := b.Hold(v, For(half), state); out != Completed {
				return out, err
			}
		}
		if b.Elapsed()-start >= total {
			return Completed, nil
		}
	}
}
