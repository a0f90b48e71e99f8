package procedure

import (
	"fmt"
	"time"

	"github.com/nasa-jpl/nanoprep/mathx"
	"github.com/nasa-jpl/nanoprep/pore"
	"github.com/nasa-jpl/nanoprep/util"
)

// MaxSweepLevels is the most levels a sweep may have
const MaxSweepLevels = 10000

// SweepSpec describes an IV sweep.  Levels are Start + i*Step for i < Count,
// each held for Duration.  The first Discard fraction of every level is
// recorded but excluded from the fit.  Stacked stamps samples with the sweep
// start plus the time into their level, so every level spans the same times.
type SweepSpec struct {
	Start          float64
	Step           float64
	Count          int
	Duration       time.Duration
	Discard        float64
	Stacked        bool
	ReportProgress bool
}

// Levels returns the voltages of the sweep
func (s SweepSpec) Levels() []float64 {
	return util.Steps(s.Start, s.Step, s.Count)
}

func (s SweepSpec) validate() error {
	if s.Count < 1 || s.Count > MaxSweepLevels {
		return &pore.PreconditionError{Param: "count", Value: float64(s.Count), Want: fmt.Sprintf("in [1, %d]", MaxSweepLevels)}
	}
	if s.Discard < 0 || s.Discard >= 1 {
		return &pore.PreconditionError{Param: "discard", Value: s.Discard, Want: "in [0, 1)"}
	}
	return nil
}

// SweepResult is the analysis of a completed sweep.  Diameter and its error
// are in m.  Offset is the voltage at which the fit crosses zero current.
type SweepResult struct {
	Conductance    float64
	ConductanceErr float64
	Intercept      float64
	Offset         float64
	Diameter       float64
	DiameterErr    float64

	// Levels and Means are the sampled voltages and their mean retained current
	Levels []float64
	Means  []float64
}

// FitSweep fits I = G V + b to the per level mean currents and estimates
// the diameter from G.  Failures wrap ErrEstimation.
func FitSweep(levels, means []float64, model pore.Model) (SweepResult, error) {
	res := SweepResult{Levels: levels, Means: means}
	line, err := mathx.FitLine(levels, means)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrEstimation, err)
	}
	res.Conductance = line.Slope
	res.ConductanceErr = line.SlopeErr
	res.Intercept = line.Intercept
	res.Offset = line.Root()
	res.Diameter, res.DiameterErr, err = model.Diameter(line.Slope, line.SlopeErr)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrEstimation, err)
	}
	return res, nil
}

// Sweep runs an IV sweep, fits it and reports the diameter with the report
// state.  Cancellation returns a zero result and Aborted without fitting.  A
// degenerate fit returns Failed and an error wrapping ErrEstimation.
func (b *Bench) Sweep(s SweepSpec, model pore.Model, estimate, report State) (SweepResult, Outcome, error) {
	if err := s.validate(); err != nil {
		return SweepResult{}, Failed, err
	}
	var (
		levels, means []float64
		settle        = time.Duration(s.Discard * float64(s.Duration))
		origin        *time.Duration
	)
	if s.Stacked {
		start := time.Duration(-1)
		origin = &start
	}
	for i, v := range s.Levels() {
		var sum float64
		var n int
		_, out, err := b.run(loop{
			state:   estimate,
			voltage: v,
			origin:  origin,
			observe: func(elapsed time.Duration, current float64) {
				if elapsed > settle {
					sum += current
					n++
				}
			},
			until: For(s.Duration),
		})
		if out != Completed {
			return SweepResult{}, out, err
		}
		if s.ReportProgress {
			b.Progress(0, float64(s.Count), float64(i+1))
		}
		if n > 0 {
			levels = append(levels, v)
			means = append(means, sum/float64(n))
		}
	}
	res, err := FitSweep(levels, means, model)
	if err != nil {
		b.Log.Error("sweep estimate failed", "err", err)
		return res, Failed, err
	}
	b.Log.Info("sweep estimate",
		"conductance", res.Conductance,
		"diameter_nm", pore.ToNM(res.Diameter),
		"error_nm", pore.ToNM(res.DiameterErr),
		"offset", res.Offset)
	b.Report(res.Diameter, report)
	return res, Completed, nil
}
