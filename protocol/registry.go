package protocol

import (
	"errors"

	"github.com/nasa-jpl/nanoprep/opt"
	"github.com/nasa-jpl/nanoprep/pore"
	"github.com/nasa-jpl/nanoprep/procedure"
)

// sweep declares the parameters of an IV sweep
func sweep(b *ParamBuilder, start, step float64, count int, dur, discard float64, stacked bool) *ParamBuilder {
	return b.
		Float("start", "First sweep voltage", "V", start).
		Float("step", "Sweep step", "V", step).
		Int("count", "Number of sweep steps", count, AtLeast(1), AtMost(procedure.MaxSweepLevels)).
		Seconds("duration", "Sweep step duration", dur, AtLeast(0)).
		Float("discard", "Fraction of each step excluded from the fit", "", discard, AtLeast(0)).
		Bool("stacked", "Stack sweep steps in time", stacked)
}

func sweepSpec(v Values, report bool) procedure.SweepSpec {
	return procedure.SweepSpec{
		Start:          v.Float("start"),
		Step:           v.Float("step"),
		Count:          v.Int("count"),
		Duration:       v.Duration("duration"),
		Discard:        v.Float("discard"),
		Stacked:        v.Bool("stacked"),
		ReportProgress: report,
	}
}

// holdEstimate declares the parameters of a holding voltage estimate
func holdEstimate(b *ParamBuilder) *ParamBuilder {
	return b.
		Float("measurement_voltage", "Measurement voltage", "V", 0.4).
		Seconds("hold", "Holding time", 5, AtLeast(0)).
		Seconds("window", "Averaging window at the end of the hold", 1, AtLeast(0))
}

func holdSpec(v Values) procedure.HoldSpec {
	return procedure.HoldSpec{
		Voltage: v.Float("measurement_voltage"),
		Hold:    v.Duration("hold"),
		Window:  v.Duration("window"),
	}
}

// adaptive declares the parameters shared by the grow to dimension loops
func adaptive(b *ParamBuilder, voltage, dur, minV, minDur float64) *ParamBuilder {
	return b.
		Float("voltage", "Conditioning voltage", "V", voltage).
		Seconds("pulse", "Pulse time", dur, AtLeast(0)).
		Bool("adaptive_voltage", "Adaptive conditioning voltage", false).
		Bool("adaptive_time", "Adaptive pulse time", false).
		Float("min_voltage", "Minimum adaptive voltage", "V", minV).
		Seconds("min_pulse", "Minimum adaptive pulse time", minDur, AtLeast(0)).
		Float("target_diameter", "Target pore diameter", "nm", 20, AtLeast(0))
}

func pulseSpec(v Values) procedure.PulseSpec {
	return procedure.PulseSpec{
		Voltage:     v.Float("voltage"),
		Duration:    v.Duration("pulse"),
		MinVoltage:  v.Float("min_voltage"),
		MinDuration: v.Duration("min_pulse"),
	}
}

// scaler returns a function that scales p by the loop's progress according to
// the adaptive flags
func scaler(v Values) func(p procedure.PulseSpec, initial, current, target float64) (procedure.PulseSpec, error) {
	amp, period := v.Bool("adaptive_voltage"), v.Bool("adaptive_time")
	return func(p procedure.PulseSpec, initial, current, target float64) (procedure.PulseSpec, error) {
		if !amp && !period {
			return p, nil
		}
		s, err := procedure.AmplitudeScale(initial, current, target)
		if err != nil {
			return p, err
		}
		return p.Scaled(s, amp, period), nil
	}
}

func ivCurve() Protocol {
	return Protocol{
		Name:        "IV Curve",
		Description: "Sweep the voltage, fit the IV curve and estimate the pore diameter.",
		Params:      sweep(NewParams(), -0.2, 0.02, 21, 5, 0.75, true).MustBuild(),
		Run: func(b *procedure.Bench, s Settings, v Values) (procedure.Outcome, error) {
			res, out, err := b.Sweep(sweepSpec(v, true), s.Model, procedure.StateEstimate, procedure.StateReport)
			if out == procedure.Completed {
				b.Log.Info("suggested pipette offset", "mV", res.Offset*1e3)
			}
			return out, err
		},
	}
}

func bigIVCurve() Protocol {
	p := ivCurve()
	p.Name = "Big IV Curve"
	p.Description = "Sweep from -2 V to 2 V in 50 mV steps and estimate the pore diameter."
	p.Params = sweep(NewParams(), -2, 0.05, 81, 3, 2./3, true).MustBuild()
	return p
}

func estimatePore() Protocol {
	return Protocol{
		Name:        "Estimate Pore Diameter",
		Description: "Hold the measurement voltage and estimate the diameter from the final second of current.",
		Params:      holdEstimate(NewParams()).MustBuild(),
		Run: func(b *procedure.Bench, s Settings, v Values) (procedure.Outcome, error) {
			_, out, err := b.HoldEstimate(holdSpec(v), s.Model, procedure.StateEstimate, procedure.StateReport)
			return out, err
		},
	}
}

func pipetteOffset() Protocol {
	return Protocol{
		Name:        "Pipette Offset",
		Description: "Binary search for the voltage that nulls the baseline current.",
		Params: NewParams().
			Seconds("hold", "Holding time per trial", 3, AtLeast(0)).
			Seconds("settle", "Settling time excluded from each trial", 1, AtLeast(0)).
			Float("threshold", "Acceptable current", "nA", 1, AtLeast(0)).
			Float("max_offset", "Maximum offset", "V", 0.25, AtLeast(0)).
			Int("iterations", "Bisection rounds", 15, AtLeast(1), AtMost(64)).
			MustBuild(),
		Run: func(b *procedure.Bench, s Settings, v Values) (procedure.Outcome, error) {
			prev := b.Offset
			b.Offset = 0
			defer func() { b.Offset = prev }()
			off, out, err := b.PipetteOffset(procedure.OffsetSpec{
				Hold:       v.Duration("hold"),
				Settle:     v.Duration("settle"),
				Threshold:  v.Float("threshold") * 1e-9,
				Max:        v.Float("max_offset"),
				Iterations: v.Int("iterations"),
			}, procedure.StateOffset)
			if out == procedure.Completed {
				b.Log.Info("set pipette offset", "mV", off*1e3)
			}
			return out, err
		},
	}
}

func holdingVoltage() Protocol {
	return Protocol{
		Name:        "Holding Voltage",
		Description: "Hold a constant voltage and record the current.",
		Params: NewParams().
			Float("voltage", "Holding voltage", "V", 0.4).
			Seconds("hold", "Holding time", 5, AtLeast(0)).
			MustBuild(),
		Run: func(b *procedure.Bench, s Settings, v Values) (procedure.Outcome, error) {
			return b.Hold(v.Float("voltage"), procedure.For(v.Duration("hold")), procedure.StateHold)
		},
	}
}

func leakTest() Protocol {
	return Protocol{
		Name:        "Leak Test",
		Description: "Ramp from -peak to +peak and report any current above the leak threshold.",
		Params: NewParams().
			Float("peak", "Peak voltage", "V", 1).
			Seconds("ramp", "Ramp time", 5, AtLeast(0)).
			Float("leak", "Leak current", "nA", 1, AtLeast(0)).
			MustBuild(),
		Run: func(b *procedure.Bench, s Settings, v Values) (procedure.Outcome, error) {
			res, out, err := b.LeakTest(v.Float("peak"), v.Duration("ramp"), v.Float("leak")*1e-9, procedure.StateLeak)
			if out == procedure.Completed && !res.Leaky {
				b.Log.Info("no leak detected")
			}
			return out, err
		},
	}
}

func conditionGrow() Protocol {
	return Protocol{
		Name:        "Condition/Grow",
		Description: "Apply a single conditioning pulse.",
		Params: NewParams().
			Float("voltage", "Conditioning voltage", "V", 6).
			Seconds("pulse", "Pulse time", 0.5, AtLeast(0)).
			MustBuild(),
		Run: func(b *procedure.Bench, s Settings, v Values) (procedure.Outcome, error) {
			return b.SquarePulse(procedure.PulseSpec{Voltage: v.Float("voltage"), Duration: v.Duration("pulse")}, procedure.StatePulse)
		},
	}
}

func growToDimension() Protocol {
	params := sweep(NewParams(), -0.2, 0.08, 5, 3, 0.75, false)
	return Protocol{
		Name:        "Grow to Dimension",
		Description: "Alternate conditioning pulses and IV estimates until the pore reaches the target diameter.",
		Params:      adaptive(params, 10, 0.5, 3, 0.2).MustBuild(),
		Run: func(b *procedure.Bench, s Settings, v Values) (procedure.Outcome, error) {
			spec := sweepSpec(v, false)
			scale := scaler(v)
			loop := GrowthLoop{
				Estimate: func() (float64, procedure.Outcome, error) {
					res, out, err := b.Sweep(spec, s.Model, procedure.StateEstimate, procedure.StateReport)
					return res.Diameter, out, err
				},
				Pulse: func(initial, current, target float64) (procedure.Outcome, error) {
					p, err := scale(pulseSpec(v), initial, current, target)
					if err != nil {
						return procedure.Failed, err
					}
					return b.SquarePulse(p, procedure.StatePulse)
				},
				Target:  pore.NM(v.Float("target_diameter")),
				Cutoffs: s.Cutoffs,
			}
			_, out, err := loop.Run(b)
			return out, err
		},
	}
}

func squareWaveGrow() Protocol {
	return Protocol{
		Name:        "Square Wave Condition/Grow",
		Description: "Apply one square wave period and report the rectification ratio.",
		Params: NewParams().
			Float("voltage", "Square wave amplitude", "V", 6).
			Seconds("pulse", "Half period", 0.5, AtLeast(0)).
			MustBuild(),
		Run: func(b *procedure.Bench, s Settings, v Values) (procedure.Outcome, error) {
			r, out, err := b.SquareWavePass(v.Float("voltage"), v.Duration("pulse"), procedure.StatePulse)
			if out == procedure.Completed {
				b.Log.Info("rectification ratio", "ratio", r)
			}
			return out, err
		},
	}
}

func squareWaveForTime() Protocol {
	return Protocol{
		Name:        "Square Wave for Time",
		Description: "Apply a square wave for a fixed time.",
		Params: NewParams().
			Float("voltage", "Square wave amplitude", "V", 6).
			Seconds("pulse", "Half period", 0.5, AtLeast(0)).
			Seconds("total", "Total time", 60, AtLeast(0)).
			MustBuild(),
		Run: func(b *procedure.Bench, s Settings, v Values) (procedure.Outcome, error) {
			return b.SquareWave(v.Float("voltage"), v.Duration("pulse"), v.Duration("total"), procedure.StatePulse)
		},
	}
}

func squareWaveGrowToDimension() Protocol {
	return Protocol{
		Name:        "Square Wave Grow to Dimension",
		Description: "Alternate square wave periods and holding estimates until the pore reaches the target diameter.",
		Params:      adaptive(holdEstimate(NewParams()), 6, 0.5, 3, 0.2).MustBuild(),
		Run: func(b *procedure.Bench, s Settings, v Values) (procedure.Outcome, error) {
			hold := holdSpec(v)
			scale := scaler(v)
			loop := GrowthLoop{
				Estimate: func() (float64, procedure.Outcome, error) {
					return b.HoldEstimate(hold, s.Model, procedure.StateEstimate, procedure.StateReport)
				},
				Pulse: func(initial, current, target float64) (procedure.Outcome, error) {
					p, err := scale(pulseSpec(v), initial, current, target)
					if err != nil {
						return procedure.Failed, err
					}
					r, out, err := b.SquareWavePass(p.Voltage, p.Duration, procedure.StatePulse)
					if out == procedure.Completed {
						b.Log.Info("rectification ratio", "ratio", r)
					}
					if errors.Is(err, procedure.ErrEstimation) {
						return procedure.Completed, nil
					}
					return out, err
				},
				Target:  pore.NM(v.Float("target_diameter")),
				Cutoffs: s.Cutoffs,
			}
			_, out, err := loop.Run(b)
			return out, err
		},
	}
}

func squareWaveSymmetrize() Protocol {
	return Protocol{
		Name:        "Square Wave Symmetrize",
		Description: "Apply square wave periods until the rectification ratio falls to the target or the pore reaches its maximum size.",
		Params: holdEstimate(NewParams()).
			Float("voltage", "Square wave amplitude", "V", 6).
			Seconds("pulse", "Half period", 0.5, AtLeast(0)).
			Float("target_rectification", "Target rectification ratio", "", 1.1, AtLeast(1)).
			Float("max_diameter", "Maximum pore diameter, 0 for none", "nm", 0, AtLeast(0)).
			MustBuild(),
		Run: func(b *procedure.Bench, s Settings, v Values) (procedure.Outcome, error) {
			hold := holdSpec(v)
			loop := SymmetrizeLoop{
				Pass: func() (float64, procedure.Outcome, error) {
					return b.SquareWavePass(v.Float("voltage"), v.Duration("pulse"), procedure.StatePulse)
				},
				Estimate: func() (float64, procedure.Outcome, error) {
					return b.HoldEstimate(hold, s.Model, procedure.StateEstimate, procedure.StateReport)
				},
				TargetRatio: v.Float("target_rectification"),
				MaxDiameter: pore.NM(v.Float("max_diameter")),
				Cutoffs:     s.Cutoffs,
			}
			_, out, err := loop.Run(b)
			return out, err
		},
	}
}

// breakdownParams declares the cutoff, delay and settling wait shared by the
// breakdown protocols
func breakdownParams(b *ParamBuilder) *ParamBuilder {
	return b.
		Float("cutoff", "Breakdown current", "nA", 200, AtLeast(0)).
		Seconds("delay", "Capacitance delay", 10, AtLeast(0)).
		Seconds("wait", "Wait at 0 V after breakdown", 10, AtLeast(0.1))
}

func flatCBD() Protocol {
	return Protocol{
		Name:        "Flat CBD",
		Description: "Controlled dielectric breakdown at a fixed voltage.",
		Params: breakdownParams(NewParams().
			Float("voltage", "Breakdown voltage", "V", 8)).
			MustBuild(),
		Run: func(b *procedure.Bench, s Settings, v Values) (procedure.Outcome, error) {
			_, out, err := b.FlatBreakdown(v.Float("voltage"), v.Float("cutoff")*1e-9, v.Duration("delay"), procedure.StateBreakdown)
			if out != procedure.Completed {
				return out, err
			}
			return b.Wait(v.Duration("wait"), procedure.StateWait)
		},
	}
}

func rampCBDThenIV() Protocol {
	params := breakdownParams(NewParams().
		Float("ramp_start", "Ramp start", "V", 0).
		Float("ramp_rate", "Ramp rate", "V/s", 0.1, AtLeast(0)))
	params = sweep(params, -0.2, 0.02, 21, 5, 0.75, true).
		Int("sweeps", "Number of IV curves after breakdown", 1, AtLeast(1), AtMost(1000))
	return Protocol{
		Name:        "Ramp CBD and then IV",
		Description: "Ramp until dielectric breakdown, let the membrane settle, then characterize with IV curves.",
		Params:      params.MustBuild(),
		Run: func(b *procedure.Bench, s Settings, v Values) (procedure.Outcome, error) {
			_, out, err := b.RampBreakdown(v.Float("ramp_start"), v.Float("ramp_rate"), v.Float("cutoff")*1e-9, v.Duration("delay"), procedure.StateBreakdown)
			if out != procedure.Completed {
				return out, err
			}
			if out, err = b.Wait(v.Duration("wait"), procedure.StateWait); out != procedure.Completed {
				return out, err
			}
			diameter := opt.None[float64]()
			for i := 0; i < v.Int("sweeps"); i++ {
				if why, hit := s.Cutoffs.Reached(b, diameter); hit {
					b.Log.Info(why)
					return procedure.Completed, nil
				}
				res, out, err := b.Sweep(sweepSpec(v, true), s.Model, procedure.StateEstimate, procedure.StateReport)
				if out != procedure.Completed {
					return out, err
				}
				diameter = opt.Some(res.Diameter)
			}
			return procedure.Completed, nil
		},
	}
}

// Default returns the built in protocols
func Default() *Registry {
	r, err := NewRegistry(
		ivCurve(),
		bigIVCurve(),
		estimatePore(),
		pipetteOffset(),
		holdingVoltage(),
		leakTest(),
		conditionGrow(),
		growToDimension(),
		squareWaveGrow(),
		squareWaveForTime(),
		squareWaveGrowToDimension(),
		squareWaveSymmetrize(),
		flatCBD(),
		rampCBDThenIV(),
	)
	if err != nil {
		panic(err)
	}
	return r
}
