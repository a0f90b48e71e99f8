// Package procedure contains the primitives that drive a sourcemeter: pulses,
// sweeps, breakdowns, offset nulling and the like.
//
// Every primitive is a loop of the same shape, run by a Bench: read the
// current, record a sample, poll for cancellation, then ask a Condition
// whether to keep going.  There are no sleeps; the sampling cadence is
// whatever the instrument yields.
package procedure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nasa-jpl/nanoprep/opt"
	"github.com/nasa-jpl/nanoprep/pore"
	"github.com/nasa-jpl/nanoprep/record"
	"github.com/nasa-jpl/nanoprep/timer"
)

var (
	// ErrEstimation is returned when a diameter or ratio cannot be computed
	// from the data a primitive gathered
	ErrEstimation = errors.New("estimation failed")

	// ErrPrecondition is matched by invalid primitive arguments
	ErrPrecondition = pore.ErrPrecondition
)

// State tags the samples a primitive produces
type State int

const (
	// StateEstimate marks sweep and hold samples used to estimate the pore
	StateEstimate State = iota
	// StateReport marks the single sample carrying an estimate
	StateReport
	// StatePulse marks conditioning pulses
	StatePulse
	// StateBreakdown marks dielectric breakdown
	StateBreakdown
	// StateWait marks 0 V settling
	StateWait
	// StateOffset marks pipette offset nulling
	StateOffset
	// StateHold marks a holding voltage
	StateHold
	// StateLeak marks a leak test ramp
	StateLeak
)

var stateNames = [...]string{"estimate", "report", "pulse", "breakdown", "wait", "offset", "hold", "leak"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is how a primitive or protocol ended
type Outcome int

const (
	// Completed means the stop condition was reached
	Completed Outcome = iota
	// Aborted means cancellation was observed
	Aborted
	// Failed means a device or estimation error ended the run
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// SourceMeter is the capability the primitives need from an instrument
type SourceMeter interface {
	SetSourceVoltage(float64) error
	ReadCurrent() (float64, error)
}

// Aborter polls an external stop predicate
type Aborter struct {
	pred   func() bool
	log    *slog.Logger
	warned atomic.Bool
}

// NewAborter wraps pred.  A nil log uses slog.Default.
func NewAborter(pred func() bool, log *slog.Logger) *Aborter {
	if log == nil {
		log = slog.Default()
	}
	return &Aborter{pred: pred, log: log}
}

// FromContext returns an Aborter that fires once ctx is done
func FromContext(ctx context.Context, log *slog.Logger) *Aborter {
	return NewAborter(func() bool { return ctx.Err() != nil }, log)
}

// ShouldAbort evaluates the predicate once.  The first true result is logged.
// A nil Aborter never aborts.
func (a *Aborter) ShouldAbort() bool {
	if a == nil || a.pred == nil {
		return false
	}
	stop := a.pred()
	if stop && a.warned.CompareAndSwap(false, true) {
		a.log.Warn("caught stop command in procedure")
	}
	return stop
}

// Verdict is the answer of a Condition
type Verdict int

const (
	// Continue the loop
	Continue Verdict = iota
	// Stop the loop
	Stop
)

// Condition decides, once per iteration, whether a loop continues.  elapsed is
// the time since the loop began.
type Condition func(elapsed time.Duration, cancelled bool) Verdict

// For continues until d has elapsed or the loop is cancelled
func For(d time.Duration) Condition {
	return func(elapsed time.Duration, cancelled bool) Verdict {
		if cancelled || elapsed >= d {
			return Stop
		}
		return Continue
	}
}

// Until continues until the loop is cancelled or done returns true
func Until(done func() bool) Condition {
	return func(_ time.Duration, cancelled bool) Verdict {
		if cancelled || done() {
			return Stop
		}
		return Continue
	}
}

// Bench is what a procedure runs on: an instrument, a clock, a place to put
// samples and a way to be stopped.  A Bench belongs to one run.
type Bench struct {
	SMU   SourceMeter
	Clock *timer.Clock
	Sink  record.Sink
	Abort *Aborter
	Log   *slog.Logger

	// Offset is added to every voltage sourced.  Recorded voltages exclude it.
	Offset float64

	last opt.Value[float64]
}

// NewBench returns a Bench with a fresh clock.  sink and log may be nil.
func NewBench(smu SourceMeter, sink record.Sink, abort *Aborter, log *slog.Logger) *Bench {
	if sink == nil {
		sink = record.NewEmitter(nil, record.Transient, record.Absolute)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bench{SMU: smu, Clock: timer.New(), Sink: sink, Abort: abort, Log: log}
}

// LastCurrent is the most recent current read by any primitive
func (b *Bench) LastCurrent() opt.Value[float64] {
	return b.last
}

// Elapsed is the time since the bench clock started, zero if it has not
func (b *Bench) Elapsed() time.Duration {
	_, total, err := b.Clock.Check()
	if err != nil {
		return 0
	}
	return total
}

// Cancelled polls the aborter
func (b *Bench) Cancelled() bool {
	return b.Abort.ShouldAbort()
}

func (b *Bench) source(v float64) error {
	if err := b.SMU.SetSourceVoltage(v + b.Offset); err != nil {
		return fmt.Errorf("setting source voltage to %g V: %w", v, err)
	}
	return nil
}

// Report records a sample carrying an estimated diameter, in m
func (b *Bench) Report(diameter float64, state State) {
	b.Sink.Record(record.Sample{
		Time:     opt.Some(b.Elapsed().Seconds()),
		Diameter: opt.Some(pore.ToNM(diameter)),
		State:    opt.Some(int(state)),
	})
}

// Progress forwards to the sink and logs when the fraction is undefined
func (b *Bench) Progress(initial, target, current float64) {
	if err := b.Sink.Progress(initial, target, current); err != nil {
		b.Log.Debug("progress not reported", "initial", initial, "target", target, "err", err)
	}
}

// loop describes one run of the uniform sampling loop
type loop struct {
	state   State
	voltage float64

	// ramp, if not nil, replaces voltage and is re-sourced every iteration
	ramp func(elapsed time.Duration) float64

	// origin, if not nil, stamps samples with *origin plus the loop's elapsed
	// time instead of the bench's.  A negative *origin is set to the bench
	// time when the loop starts.
	origin *time.Duration

	// observe sees every reading after it is recorded
	observe func(elapsed time.Duration, current float64)

	until Condition
}

// run executes l and returns the loop's elapsed time at the last iteration.
// Device errors end the loop as Failed; cancellation ends it as Aborted.
func (b *Bench) run(l loop) (time.Duration, Outcome, error) {
	if !b.Clock.Running() {
		if err := b.Clock.Start(); err != nil {
			return 0, Failed, err
		}
	}
	_, t0, err := b.Clock.Check()
	if err != nil {
		return 0, Failed, err
	}
	if l.origin != nil && *l.origin < 0 {
		*l.origin = t0
	}
	if l.ramp == nil {
		if err = b.source(l.voltage); err != nil {
			return 0, Failed, err
		}
	}
	for {
		_, total, err := b.Clock.Check()
		if err != nil {
			return 0, Failed, err
		}
		elapsed := total - t0
		v := l.voltage
		if l.ramp != nil {
			v = l.ramp(elapsed)
			if err = b.source(v); err != nil {
				return elapsed, Failed, err
			}
		}
		i, err := b.SMU.ReadCurrent()
		if err != nil {
			return elapsed, Failed, fmt.Errorf("reading current: %w", err)
		}
		b.last = opt.Some(i)
		stamp := total
		if l.origin != nil {
			stamp = *l.origin + elapsed
		}
		b.Sink.Record(record.Sample{
			Time:    opt.Some(stamp.Seconds()),
			Voltage: opt.Some(v),
			Current: opt.Some(i),
			State:   opt.Some(int(l.state)),
		})
		if l.observe != nil {
			l.observe(elapsed, i)
		}
		cancelled := b.Abort.ShouldAbort()
		if l.until(elapsed, cancelled) == Stop {
			if cancelled {
				return elapsed, Aborted, nil
			}
			return elapsed, Completed, nil
		}
	}
}

// Hold sources v until the condition stops the loop
func (b *Bench) Hold(v float64, until Condition, state State) (Outcome, error) {
	_, out, err := b.run(loop{state: state, voltage: v, until: until})
	return out, err
}
