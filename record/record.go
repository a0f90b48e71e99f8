// Package record carries samples from a running procedure to whoever is
// watching it.
//
// Procedures talk to a Sink.  The Emitter is the Sink implementation; it
// completes partial samples according to its Mode, turns progress triples
// into fractions, and forwards both to a Consumer.  Consumers are the
// outside world: files, databases, metrics, terminals.
package record

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nasa-jpl/nanoprep/opt"
)

// ErrUndefinedProgress is returned by Progress when the fraction has no value,
// for example when the target equals the initial value
var ErrUndefinedProgress = errors.New("progress is undefined for this initial and target")

// Sample is one point of the run output.  Time is in seconds, voltage in
// volts, current in amps and diameter in nanometers.  Any field may be absent.
type Sample struct {
	Time     opt.Value[float64] `json:"time"`
	Voltage  opt.Value[float64] `json:"voltage"`
	Current  opt.Value[float64] `json:"current"`
	Diameter opt.Value[float64] `json:"diameter"`
	State    opt.Value[int]     `json:"state"`
}

// Sink is the capability procedures use to publish data
type Sink interface {
	// Record publishes a (possibly partial) sample
	Record(Sample)

	// Progress publishes the progress of a closed loop from initial toward target
	Progress(initial, target, current float64) error
}

// Consumer receives completed samples and progress fractions from an Emitter.
// Progress is a fraction, 1 is done.
type Consumer interface {
	Sample(Sample)
	Progress(float64)
}

// Mode selects how an Emitter fills fields a sample did not supply
type Mode int

const (
	// Transient emits unsupplied fields as absent
	Transient Mode = iota

	// Sustained fills unsupplied fields with the last value seen for them
	Sustained
)

func (m Mode) String() string {
	if m == Sustained {
		return "sustained"
	}
	return "transient"
}

// ProgressStyle selects how progress fractions are computed
type ProgressStyle int

const (
	// Absolute progress is current/target
	Absolute ProgressStyle = iota

	// Relative progress is (current-initial)/(target-initial)
	Relative
)

func (p ProgressStyle) String() string {
	if p == Relative {
		return "relative"
	}
	return "absolute"
}

// ParseProgressStyle converts "absolute" or "relative" to a ProgressStyle
func ParseProgressStyle(s string) (ProgressStyle, error) {
	switch s {
	case "absolute", "Absolute", "":
		return Absolute, nil
	case "relative", "Relative":
		return Relative, nil
	default:
		return Absolute, fmt.Errorf("unknown progress style %q, must be absolute or relative", s)
	}
}

// Fraction computes the progress fraction for the style
func (p ProgressStyle) Fraction(initial, target, current float64) (float64, error) {
	switch p {
	case Relative:
		if target == initial {
			return 0, ErrUndefinedProgress
		}
		return (current - initial) / (target - initial), nil
	default:
		if target == 0 {
			return 0, ErrUndefinedProgress
		}
		return current / target, nil
	}
}

// Emitter is a Sink that forwards to a Consumer.  It is safe for concurrent
// use, though a run has only one producer.
type Emitter struct {
	mu    sync.Mutex
	mode  Mode
	style ProgressStyle
	last  Sample
	out   Consumer
}

// NewEmitter returns an Emitter feeding out.  A nil out discards.
func NewEmitter(out Consumer, mode Mode, style ProgressStyle) *Emitter {
	if out == nil {
		out = Discard
	}
	return &Emitter{out: out, mode: mode, style: style}
}

// Record completes s according to the mode and forwards it
func (e *Emitter) Record(s Sample) {
	e.mu.Lock()
	e.last = Sample{
		Time:     s.Time.Else(e.last.Time),
		Voltage:  s.Voltage.Else(e.last.Voltage),
		Current:  s.Current.Else(e.last.Current),
		Diameter: s.Diameter.Else(e.last.Diameter),
		State:    s.State.Else(e.last.State),
	}
	if e.mode == Sustained {
		s = e.last
	}
	e.mu.Unlock()
	e.out.Sample(s)
}

// Progress forwards the fraction of progress made from initial to target
func (e *Emitter) Progress(initial, target, current float64) error {
	f, err := e.style.Fraction(initial, target, current)
	if err != nil {
		return err
	}
	e.out.Progress(f)
	return nil
}

// Last returns the last known value of every field
func (e *Emitter) Last() Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Mode returns the fill mode of the emitter
func (e *Emitter) Mode() Mode {
	return e.mode
}
