// Package protocol composes procedure primitives into named, closed loop
// experiments and runs them one at a time.
package protocol

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nasa-jpl/nanoprep/opt"
	"github.com/nasa-jpl/nanoprep/pore"
	"github.com/nasa-jpl/nanoprep/procedure"
)

// Cutoffs are optional run level guards, checked between primitives.
// Reaching one completes the run.
type Cutoffs struct {
	Time     opt.Value[time.Duration]
	Current  opt.Value[float64] // A
	Diameter opt.Value[float64] // m
}

// Reached returns a description of the first cutoff reached, if any.
// diameter is the latest estimate, in m.
func (c Cutoffs) Reached(b *procedure.Bench, diameter opt.Value[float64]) (string, bool) {
	if t, ok := c.Time.Get(); ok {
		if e := b.Elapsed(); e >= t {
			return fmt.Sprintf("time cutoff %v reached after %v", t, e), true
		}
	}
	if lim, ok := c.Current.Get(); ok {
		if i, ok := b.LastCurrent().Get(); ok && i >= lim {
			return fmt.Sprintf("current cutoff %g A reached with %g A", lim, i), true
		}
	}
	if lim, ok := c.Diameter.Get(); ok {
		if d, ok := diameter.Get(); ok && d >= lim {
			return fmt.Sprintf("diameter cutoff %g nm reached with %g nm", pore.ToNM(lim), pore.ToNM(d)), true
		}
	}
	return "", false
}

// Settings are the run wide values every protocol receives
type Settings struct {
	Model   pore.Model
	Cutoffs Cutoffs
}

// RunFunc is the body of a protocol.  It holds no state between calls.
type RunFunc func(b *procedure.Bench, s Settings, v Values) (procedure.Outcome, error)

// Protocol is a named experiment
type Protocol struct {
	Name        string
	Description string
	Params      ParamSet
	Run         RunFunc
}

// ErrUnknownProtocol is returned when a registry lookup fails
var ErrUnknownProtocol = errors.New("unknown protocol")

// Registry maps protocol names to protocols.  It is built once and then only
// read.
type Registry struct {
	byName map[string]Protocol
	order  []string
}

// NewRegistry builds a registry, rejecting duplicate or empty names
func NewRegistry(ps ...Protocol) (*Registry, error) {
	r := &Registry{byName: make(map[string]Protocol, len(ps))}
	for _, p := range ps {
		if p.Name == "" || p.Run == nil {
			return nil, fmt.Errorf("protocol %q must have a name and a run function", p.Name)
		}
		if _, dup := r.byName[p.Name]; dup {
			return nil, fmt.Errorf("protocol %q registered twice", p.Name)
		}
		r.byName[p.Name] = p
		r.order = append(r.order, p.Name)
	}
	return r, nil
}

// Get returns the protocol called name
func (r *Registry) Get(name string) (Protocol, error) {
	p, ok := r.byName[name]
	if !ok {
		return Protocol{}, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}
	return p, nil
}

// Names returns the protocol names in registration order
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Sorted returns the protocols sorted by name
func (r *Registry) Sorted() []Protocol {
	out := make([]Protocol, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
