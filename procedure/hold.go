package procedure

import (
	"fmt"
	"math"
	"time"

	"github.com/nasa-jpl/nanoprep/mathx"
	"github.com/nasa-jpl/nanoprep/pore"
)

// HoldSpec configures a holding estimate: hold Voltage for Hold and average
// the current over the final Window
type HoldSpec struct {
	Voltage float64
	Hold    time.Duration
	Window  time.Duration
}

// HoldEstimate estimates the diameter, m, from the conductance I/V at a
// single holding voltage and reports it with the report state
func (b *Bench) HoldEstimate(s HoldSpec, model pore.Model, estimate, report State) (float64, Outcome, error) {
	if s.Voltage == 0 {
		return 0, Failed, &pore.PreconditionError{Param: "voltage", Value: 0, Want: "nonzero"}
	}
	if s.Window <= 0 || s.Window > s.Hold {
		return 0, Failed, &pore.PreconditionError{Param: "window", Value: s.Window.Seconds(), Want: "in (0, hold]"}
	}
	kept, out, err := b.window(s.Voltage, s.Hold, s.Hold-s.Window, estimate)
	if out != Completed {
		return 0, out, err
	}
	d, dErr, err := FitHold(s.Voltage, kept, model)
	if err != nil {
		b.Log.Error("hold estimate failed", "voltage", s.Voltage, "err", err)
		return 0, Failed, err
	}
	b.Log.Info("hold estimate", "diameter_nm", pore.ToNM(d), "error_nm", pore.ToNM(dErr))
	b.Report(d, report)
	return d, Completed, nil
}

// FitHold estimates the diameter and its error, m, from the currents read at
// voltage v.  The conductance error is the standard error of their mean.
// Failures wrap ErrEstimation.
func FitHold(v float64, currents []float64, model pore.Model) (d, dErr float64, err error) {
	if len(currents) == 0 {
		return 0, 0, fmt.Errorf("%w: %w", ErrEstimation, mathx.ErrTooFewPoints)
	}
	g := mathx.Mean(currents) / v
	gErr := 0.
	if se := mathx.StdErr(currents); !math.IsNaN(se) {
		gErr = se / math.Abs(v)
	}
	d, dErr, err = model.Diameter(g, gErr)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrEstimation, err)
	}
	return d, dErr, nil
}
