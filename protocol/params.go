package protocol

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/nasa-jpl/nanoprep/opt"
	"github.com/nasa-jpl/nanoprep/util"
)

// Kind is the type of a parameter
type Kind int

const (
	// Float is a real number
	Float Kind = iota
	// Int is an integer
	Int
	// Bool is a flag
	Bool
	// Seconds is a duration given in seconds
	Seconds
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "int"
	case Bool:
		return "bool"
	case Seconds:
		return "seconds"
	default:
		return "float"
	}
}

// MarshalText encodes the kind by name
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Param describes one protocol parameter.  Every kind is held as a float64;
// bools are 0 or 1.
type Param struct {
	Key     string             `json:"key"`
	Label   string             `json:"label"`
	Units   string             `json:"units,omitempty"`
	Kind    Kind               `json:"kind"`
	Default float64            `json:"default"`
	Min     opt.Value[float64] `json:"min"`
	Max     opt.Value[float64] `json:"max"`
}

// ParamOption modifies a Param as it is declared
type ParamOption func(*Param)

// AtLeast sets the minimum allowed value
func AtLeast(lo float64) ParamOption {
	return func(p *Param) {
		p.Min = opt.Some(lo)
	}
}

// AtMost sets the maximum allowed value
func AtMost(hi float64) ParamOption {
	return func(p *Param) {
		p.Max = opt.Some(hi)
	}
}

// ParamBuilder accumulates parameter declarations.  Build freezes them.
type ParamBuilder struct {
	params []Param
	err    error
}

// NewParams begins a parameter declaration
func NewParams() *ParamBuilder {
	return &ParamBuilder{}
}

func (b *ParamBuilder) add(p Param, opts []ParamOption) *ParamBuilder {
	for _, o := range opts {
		o(&p)
	}
	for _, q := range b.params {
		if q.Key == p.Key && b.err == nil {
			b.err = fmt.Errorf("parameter %q declared twice", p.Key)
		}
	}
	if lo, ok := p.Min.Get(); ok && p.Default < lo && b.err == nil {
		b.err = fmt.Errorf("parameter %q default %g is below its minimum %g", p.Key, p.Default, lo)
	}
	if hi, ok := p.Max.Get(); ok && p.Default > hi && b.err == nil {
		b.err = fmt.Errorf("parameter %q default %g is above its maximum %g", p.Key, p.Default, hi)
	}
	b.params = append(b.params, p)
	return b
}

// Float declares a real parameter
func (b *ParamBuilder) Float(key, label, units string, def float64, opts ...ParamOption) *ParamBuilder {
	return b.add(Param{Key: key, Label: label, Units: units, Kind: Float, Default: def}, opts)
}

// Int declares an integer parameter
func (b *ParamBuilder) Int(key, label string, def int, opts ...ParamOption) *ParamBuilder {
	return b.add(Param{Key: key, Label: label, Kind: Int, Default: float64(def)}, opts)
}

// Bool declares a flag
func (b *ParamBuilder) Bool(key, label string, def bool) *ParamBuilder {
	p := Param{Key: key, Label: label, Kind: Bool}
	if def {
		p.Default = 1
	}
	return b.add(p, nil)
}

// Seconds declares a duration parameter
func (b *ParamBuilder) Seconds(key, label string, def float64, opts ...ParamOption) *ParamBuilder {
	return b.add(Param{Key: key, Label: label, Units: "s", Kind: Seconds, Default: def}, opts)
}

// Build returns the immutable parameter set
func (b *ParamBuilder) Build() (ParamSet, error) {
	if b.err != nil {
		return ParamSet{}, b.err
	}
	return ParamSet{params: append([]Param(nil), b.params...)}, nil
}

// MustBuild is Build for static tables; it panics on a declaration error
func (b *ParamBuilder) MustBuild() ParamSet {
	ps, err := b.Build()
	if err != nil {
		panic(err)
	}
	return ps
}

// ParamSet is an immutable, ordered collection of parameter declarations
type ParamSet struct {
	params []Param
}

// List returns a copy of the declarations in order
func (ps ParamSet) List() []Param {
	return append([]Param(nil), ps.params...)
}

// Lookup finds a declaration by key
func (ps ParamSet) Lookup(key string) (Param, bool) {
	for _, p := range ps.params {
		if p.Key == key {
			return p, true
		}
	}
	return Param{}, false
}

// Defaults returns the values with no overrides
func (ps ParamSet) Defaults() Values {
	v := Values{set: ps, vals: make(map[string]float64, len(ps.params))}
	for _, p := range ps.params {
		v.vals[p.Key] = p.Default
	}
	return v
}

// Resolve applies overrides to the defaults.  Unknown keys, values of the
// wrong kind and values outside a parameter's bounds are errors.
func (ps ParamSet) Resolve(overrides map[string]any) (Values, error) {
	v := ps.Defaults()
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p, ok := ps.Lookup(k)
		if !ok {
			return Values{}, fmt.Errorf("unknown parameter %q", k)
		}
		f, err := coerce(p, overrides[k])
		if err != nil {
			return Values{}, fmt.Errorf("parameter %q: %w", k, err)
		}
		if lo, ok := p.Min.Get(); ok && f < lo {
			return Values{}, fmt.Errorf("parameter %q: %g is below the minimum %g", k, f, lo)
		}
		if hi, ok := p.Max.Get(); ok && f > hi {
			return Values{}, fmt.Errorf("parameter %q: %g is above the maximum %g", k, f, hi)
		}
		v.vals[k] = f
	}
	return v, nil
}

// coerce converts a decoded YAML/JSON/flag value to the parameter's kind
func coerce(p Param, raw any) (float64, error) {
	var f float64
	switch x := raw.(type) {
	case bool:
		if p.Kind != Bool {
			return 0, fmt.Errorf("expected %s, got bool", p.Kind)
		}
		if x {
			return 1, nil
		}
		return 0, nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint64:
		f = float64(x)
	case string:
		if p.Kind == Bool {
			b, err := strconv.ParseBool(x)
			if err != nil {
				return 0, err
			}
			return coerce(p, b)
		}
		if p.Kind == Seconds {
			if d, err := time.ParseDuration(x); err == nil {
				return d.Seconds(), nil
			}
		}
		var err error
		if f, err = strconv.ParseFloat(x, 64); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("unsupported value %v of type %T", raw, raw)
	}
	if p.Kind == Bool {
		return 0, fmt.Errorf("expected bool, got %v", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%g is not a valid parameter", f)
	}
	if p.Kind == Int && f != math.Trunc(f) {
		return 0, fmt.Errorf("expected an integer, got %g", f)
	}
	if p.Kind == Int && math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%g is out of the integer range", f)
	}
	return f, nil
}

// Values are resolved parameters.  Asking for a key the set does not declare
// is a programming error and panics.
type Values struct {
	set  ParamSet
	vals map[string]float64
}

func (v Values) get(key string) float64 {
	f, ok := v.vals[key]
	if !ok {
		panic(fmt.Sprintf("protocol parameter %q is not declared", key))
	}
	return f
}

// Float returns a real parameter
func (v Values) Float(key string) float64 { return v.get(key) }

// Int returns an integer parameter
func (v Values) Int(key string) int { return int(v.get(key)) }

// Bool returns a flag
func (v Values) Bool(key string) bool { return v.get(key) != 0 }

// Duration returns a seconds parameter as a duration
func (v Values) Duration(key string) time.Duration { return util.SecsToDuration(v.get(key)) }

// Map returns the values keyed by parameter, bools as bool
func (v Values) Map() map[string]any {
	out := make(map[string]any, len(v.vals))
	for _, p := range v.set.params {
		if p.Kind == Bool {
			out[p.Key] = v.vals[p.Key] != 0
		} else {
			out[p.Key] = v.vals[p.Key]
		}
	}
	return out
}

// Describe returns "label: value units" lines in declaration order, used as
// results file comments
func (v Values) Describe() []string {
	out := make([]string, 0, len(v.set.params))
	for _, p := range v.set.params {
		val := strconv.FormatFloat(v.vals[p.Key], 'g', -1, 64)
		if p.Kind == Bool {
			val = strconv.FormatBool(v.vals[p.Key] != 0)
		}
		line := p.Label + ": " + val
		if p.Units != "" {
			line += " " + p.Units
		}
		out = append(out, line)
	}
	return out
}
