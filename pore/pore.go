// Package pore converts electrical measurements of a nanopore into its size.
//
// The model treats the pore as a cylinder with access resistance, after
// Kowalczyk et al., Nanotechnology 22 315101 (2011).  All quantities are SI:
// S/m for conductivity, m for lengths and S for conductances.
package pore

import (
	"errors"
	"fmt"
	"math"
)

// DNADiameter is the diameter of dsDNA, m
const DNADiameter = 2.2e-9

// ErrPrecondition is matched by every PreconditionError
var ErrPrecondition = errors.New("precondition violated")

// PreconditionError is returned when an input is outside the domain of the model
type PreconditionError struct {
	Param string
	Value float64
	Want  string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s must be %s, got %g", e.Param, e.Want, e.Value)
}

// Is makes errors.Is(err, ErrPrecondition) true
func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}

func positive(name string, v float64) error {
	if !(v > 0) || math.IsInf(v, 1) {
		return &PreconditionError{Param: name, Value: v, Want: "> 0"}
	}
	return nil
}

func nonNegative(name string, v float64) error {
	if !(v >= 0) || math.IsInf(v, 1) {
		return &PreconditionError{Param: name, Value: v, Want: ">= 0"}
	}
	return nil
}

// Model holds the properties of the solution and membrane.  The *Err fields
// are standard errors of the quantity they follow.
type Model struct {
	// Conductivity of the electrolyte, S/m
	Conductivity    float64
	ConductivityErr float64

	// Length is the effective pore length, m.  The membrane thickness is a
	// good estimate when the pore is wider than the membrane is thick.
	Length    float64
	LengthErr float64

	// Channel is the port-to-port conductance of the fluidic channel, S.
	// Zero for an open pore without channel access resistance.
	Channel    float64
	ChannelErr float64

	// DoubleElectrode selects a branch factor of 4 rather than 2
	DoubleElectrode bool
}

func (m Model) validate() error {
	return errors.Join(
		positive("conductivity", m.Conductivity),
		nonNegative("conductivity error", m.ConductivityErr),
		positive("length", m.Length),
		nonNegative("length error", m.LengthErr),
		nonNegative("channel conductance", m.Channel),
		nonNegative("channel conductance error", m.ChannelErr),
	)
}

// PoreConductance isolates the conductance of the pore from a measured total
// conductance g with error gErr.  When the model has a channel, the channel
// branch (2 or 4 times the channel conductance) is in series with the pore.
func (m Model) PoreConductance(g, gErr float64) (gp, gpErr float64, err error) {
	if err = errors.Join(m.validate(), positive("conductance", g), nonNegative("conductance error", gErr)); err != nil {
		return 0, 0, err
	}
	if m.Channel == 0 {
		return g, gErr, nil
	}
	factor := 2.
	if m.DoubleElectrode {
		factor = 4
	}
	b := factor * m.Channel
	bErr := factor * m.ChannelErr
	if g >= b {
		return 0, 0, &PreconditionError{Param: "conductance", Value: g, Want: fmt.Sprintf("< channel branch conductance %g", b)}
	}
	gp = 1 / (1/g - 1/b)
	gpErr = gp * gp * math.Hypot(gErr/(g*g), bErr/(b*b))
	return gp, gpErr, nil
}

// Diameter estimates the pore diameter and its propagated error, in m, from a
// measured conductance g with error gErr
func (m Model) Diameter(g, gErr float64) (d, dErr float64, err error) {
	gp, gpErr, err := m.PoreConductance(g, gErr)
	if err != nil {
		return 0, 0, err
	}
	s, l := m.Conductivity, m.Length
	k := math.Sqrt(1 + 16*s*l/(math.Pi*gp))
	d = gp / (2 * s) * (1 + k)

	dGp := (1+k)/(2*s) - 4*l/(math.Pi*gp*k)
	dS := 4*l/(math.Pi*s*k) - gp*(1+k)/(2*s*s)
	dL := 4 / (math.Pi * k)
	dErr = math.Sqrt(sq(dGp*gpErr) + sq(dS*m.ConductivityErr) + sq(dL*m.LengthErr))
	return d, dErr, nil
}

func sq(x float64) float64 { return x * x }

// Conductance is the forward model: the total conductance, S, of a pore of
// diameter d, m, in series with the channel branch when the model has one
func (m Model) Conductance(d float64) float64 {
	if d <= 0 {
		return 0
	}
	gp := m.Conductivity / (4*m.Length/(math.Pi*d*d) + 1/d)
	if m.Channel == 0 {
		return gp
	}
	factor := 2.
	if m.DoubleElectrode {
		factor = 4
	}
	return 1 / (1/gp + 1/(factor*m.Channel))
}

// EstimateLength estimates the effective length of a pore, m, from the mean
// conductance blockade deltaG (S) of single-file dsDNA translocations of
// diameter dna (m) in a solution of conductivity sigma (S/m).  It is only
// reasonable for pores narrower than the membrane is thick.
func EstimateLength(sigma, dna, deltaG float64) (float64, error) {
	if err := errors.Join(positive("conductivity", sigma), positive("DNA diameter", dna), positive("conductance blockade", deltaG)); err != nil {
		return 0, err
	}
	return sigma * math.Pi * dna * dna / (4 * deltaG), nil
}

// NM converts nanometers to meters
func NM(nm float64) float64 { return nm * 1e-9 }

// ToNM converts meters to nanometers
func ToNM(m float64) float64 { return m * 1e9 }

// MilliSiemensPerCm converts mS/cm to S/m
func MilliSiemensPerCm(c float64) float64 { return c / 10 }

// PicoAmpPerMilliVolt converts pA/mV to S
func PicoAmpPerMilliVolt(g float64) float64 { return g * 1e-12 * 1e3 }

// NanoAmpPerMilliVolt converts nA/mV to S
func NanoAmpPerMilliVolt(g float64) float64 { return g * 1e-9 * 1e3 }
