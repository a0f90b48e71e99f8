package protocol

import (
	"errors"
	"time"

	"github.com/nasa-jpl/nanoprep/opt"
	"github.com/nasa-jpl/nanoprep/pore"
	"github.com/nasa-jpl/nanoprep/procedure"
)

// ControlLoopState is the state of one closed loop.  Diameters are in m.
type ControlLoopState struct {
	Initial             float64
	Diameter            float64
	Target              float64
	TargetRectification float64
	Rectification       float64
	Elapsed             time.Duration
	Cycles              int
}

// EstimateFunc measures the pore and returns its diameter, m
type EstimateFunc func() (float64, procedure.Outcome, error)

// PulseFunc applies one conditioning step given the loop's progress
type PulseFunc func(initial, current, target float64) (procedure.Outcome, error)

// PassFunc applies one symmetrizing step and returns the rectification ratio
type PassFunc func() (float64, procedure.Outcome, error)

// reestimate applies an estimate to st.  An estimation failure keeps the
// previous diameter; anything else that is not Completed ends the loop.
func reestimate(b *procedure.Bench, est EstimateFunc, st *ControlLoopState) (procedure.Outcome, error) {
	d, out, err := est()
	switch {
	case out == procedure.Completed:
		st.Diameter = d
	case out == procedure.Failed && errors.Is(err, procedure.ErrEstimation):
		b.Log.Warn("estimate failed, keeping previous diameter", "diameter_nm", pore.ToNM(st.Diameter), "err", err)
	default:
		return out, err
	}
	return procedure.Completed, nil
}

// GrowthLoop grows a pore until it reaches Target or a cutoff.  A zero Target
// relies on the cutoffs alone.
type GrowthLoop struct {
	Estimate EstimateFunc
	Pulse    PulseFunc
	Target   float64
	Cutoffs  Cutoffs
}

// Run executes the loop.  The initial estimate must succeed.  Every cycle
// checks the target and cutoffs, reports progress, checks for cancellation,
// pulses, then re-estimates.
func (g GrowthLoop) Run(b *procedure.Bench) (ControlLoopState, procedure.Outcome, error) {
	d, out, err := g.Estimate()
	if out != procedure.Completed {
		if out == procedure.Failed {
			b.Log.Error("initial estimate failed", "err", err)
		}
		return ControlLoopState{}, out, err
	}
	st := ControlLoopState{Initial: d, Diameter: d, Target: g.Target}
	progressTarget := g.Target
	if progressTarget == 0 {
		progressTarget = g.Cutoffs.Diameter.Or(0)
	}
	for {
		st.Elapsed = b.Elapsed()
		if g.Target > 0 && st.Diameter >= g.Target {
			b.Log.Info("target diameter reached", "diameter_nm", pore.ToNM(st.Diameter), "cycles", st.Cycles)
			return st, procedure.Completed, nil
		}
		if why, hit := g.Cutoffs.Reached(b, opt.Some(st.Diameter)); hit {
			b.Log.Info(why, "cycles", st.Cycles)
			return st, procedure.Completed, nil
		}
		if progressTarget > 0 {
			b.Progress(st.Initial, progressTarget, st.Diameter)
		}
		if b.Cancelled() {
			return st, procedure.Aborted, nil
		}
		if out, err := g.Pulse(st.Initial, st.Diameter, progressTarget); out != procedure.Completed {
			return st, out, err
		}
		st.Cycles++
		if out, err := reestimate(b, g.Estimate, &st); out != procedure.Completed {
			return st, out, err
		}
	}
}

// SymmetrizeLoop applies square wave passes until the rectification ratio
// falls to TargetRatio, or the pore grows to MaxDiameter (if set), or a
// cutoff is reached.  Estimate may be nil when MaxDiameter is zero.
type SymmetrizeLoop struct {
	Pass        PassFunc
	Estimate    EstimateFunc
	TargetRatio float64
	MaxDiameter float64
	Cutoffs     Cutoffs
}

// Run executes the loop
func (s SymmetrizeLoop) Run(b *procedure.Bench) (ControlLoopState, procedure.Outcome, error) {
	st := ControlLoopState{Target: s.MaxDiameter, TargetRectification: s.TargetRatio}
	diameter := opt.None[float64]()
	if s.Estimate != nil {
		d, out, err := s.Estimate()
		if out != procedure.Completed {
			return st, out, err
		}
		st.Initial, st.Diameter = d, d
		diameter = opt.Some(d)
	}
	var first, ratio opt.Value[float64]
	for {
		st.Elapsed = b.Elapsed()
		if r, ok := ratio.Get(); ok && r <= s.TargetRatio {
			b.Log.Info("target rectification reached", "ratio", r, "cycles", st.Cycles)
			return st, procedure.Completed, nil
		}
		if d, ok := diameter.Get(); ok && s.MaxDiameter > 0 && d >= s.MaxDiameter {
			b.Log.Info("maximum diameter reached", "diameter_nm", pore.ToNM(d), "cycles", st.Cycles)
			return st, procedure.Completed, nil
		}
		if why, hit := s.Cutoffs.Reached(b, diameter); hit {
			b.Log.Info(why, "cycles", st.Cycles)
			return st, procedure.Completed, nil
		}
		if f, ok := first.Get(); ok {
			b.Progress(f, s.TargetRatio, ratio.Or(f))
		}
		if b.Cancelled() {
			return st, procedure.Aborted, nil
		}
		r, out, err := s.Pass()
		switch {
		case out == procedure.Completed:
			ratio = opt.Some(r)
			first = first.Else(ratio)
			st.Rectification = r
		case out == procedure.Failed && errors.Is(err, procedure.ErrEstimation):
			b.Log.Warn("rectification undefined, keeping previous ratio", "err", err)
		default:
			return st, out, err
		}
		st.Cycles++
		if s.Estimate != nil {
			if out, err := reestimate(b, s.Estimate, &st); out != procedure.Completed {
				return st, out, err
			}
			diameter = opt.Some(st.Diameter)
		}
	}
}
