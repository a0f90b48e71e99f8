package pore_test

import (
	"errors"
	"math"
	"testing"

	"github.com/nasa-jpl/nanoprep/pore"
)

// conductanceOf is the forward model: the conductance of a cylindrical pore
// of diameter d with access resistance
func conductanceOf(sigma, l, d float64) float64 {
	return sigma / (4*l/(math.Pi*d*d) + 1/d)
}

func TestDiameterInvertsForwardModel(t *testing.T) {
	m := pore.Model{Conductivity: 11.53, Length: 12e-9}
	for _, d := range []float64{1e-9, 5e-9, 20e-9, 100e-9} {
		g := conductanceOf(m.Conductivity, m.Length, d)
		got, _, err := m.Diameter(g, 0)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(got-d)/d > 1e-9 {
			t.Errorf("expected %g, got %g", d, got)
		}
	}
}

func TestDiameterPositiveOverDomain(t *testing.T) {
	for _, s := range []float64{0.1, 11.53, 50} {
		for _, l := range []float64{1e-9, 2e-8, 1e-6} {
			for _, g := range []float64{1e-12, 1e-9, 1e-6} {
				for _, gc := range []float64{0, 1e-3} {
					m := pore.Model{Conductivity: s, Length: l, Channel: gc}
					d, e, err := m.Diameter(g, 0)
					if err != nil {
						t.Fatalf("s=%g l=%g g=%g gc=%g: %v", s, l, g, gc, err)
					}
					if !(d > 0) || e != 0 {
						t.Errorf("s=%g l=%g g=%g gc=%g: d=%g err=%g", s, l, g, gc, d, e)
					}
				}
			}
		}
	}
}

func TestZeroChannelIsPoreOnly(t *testing.T) {
	m := pore.Model{Conductivity: 11.53, Length: 12e-9}
	gp, gpErr, err := m.PoreConductance(5e-9, 1e-10)
	if err != nil || gp != 5e-9 || gpErr != 1e-10 {
		t.Errorf("expected the measured conductance to pass through, got %g±%g (%v)", gp, gpErr, err)
	}
}

func TestChannelSeriesCorrection(t *testing.T) {
	m := pore.Model{Conductivity: 11.53, Length: 12e-9, Channel: 1e-7}
	gp, _, err := m.PoreConductance(5e-8, 0)
	if err != nil {
		t.Fatal(err)
	}
	// 1/gp = 1/5e-8 - 1/2e-7
	want := 1 / (1/5e-8 - 1/2e-7)
	if math.Abs(gp-want)/want > 1e-12 {
		t.Errorf("expected %g, got %g", want, gp)
	}
	m.DoubleElectrode = true
	gp, _, _ = m.PoreConductance(5e-8, 0)
	want = 1 / (1/5e-8 - 1/4e-7)
	if math.Abs(gp-want)/want > 1e-12 {
		t.Errorf("double electrode: expected %g, got %g", want, gp)
	}
}

func TestPoreConductanceErrorPropagation(t *testing.T) {
	m := pore.Model{Conductivity: 11.53, Length: 12e-9, Channel: 1e-7, ChannelErr: 1e-9}
	g, gErr := 5e-8, 1e-9
	gp, gpErr, err := m.PoreConductance(g, gErr)
	if err != nil {
		t.Fatal(err)
	}
	b, bErr := 2e-7, 2e-9
	want := gp * gp * math.Sqrt(math.Pow(gErr/(g*g), 2)+math.Pow(bErr/(b*b), 2))
	if math.Abs(gpErr-want)/want > 1e-12 {
		t.Errorf("expected %g, got %g", want, gpErr)
	}
}

func TestDiameterErrorMatchesFiniteDifference(t *testing.T) {
	m := pore.Model{Conductivity: 11.53, Length: 12e-9}
	g := 5e-8
	d0, _, _ := m.Diameter(g, 0)
	h := g * 1e-6
	d1, _, _ := m.Diameter(g+h, 0)
	slope := (d1 - d0) / h

	gErr := 1e-10
	_, dErr, _ := m.Diameter(g, gErr)
	if math.Abs(dErr-math.Abs(slope)*gErr)/dErr > 1e-4 {
		t.Errorf("propagated error %g does not match numerical %g", dErr, math.Abs(slope)*gErr)
	}

	ml := m
	ml.LengthErr = 1e-9
	_, dErrL, _ := ml.Diameter(g, 0)
	ml.Length += 1e-15
	d2, _, _ := ml.Diameter(g, 0)
	numL := math.Abs(d2-d0) / 1e-15 * 1e-9
	if math.Abs(dErrL-numL)/dErrL > 1e-4 {
		t.Errorf("length error %g does not match numerical %g", dErrL, numL)
	}
}

func TestPreconditions(t *testing.T) {
	cases := []struct {
		name string
		m    pore.Model
		g    float64
	}{
		{"zero conductivity", pore.Model{Length: 1e-8}, 1e-9},
		{"zero length", pore.Model{Conductivity: 1}, 1e-9},
		{"zero conductance", pore.Model{Conductivity: 1, Length: 1e-8}, 0},
		{"negative channel", pore.Model{Conductivity: 1, Length: 1e-8, Channel: -1}, 1e-9},
		{"conductance above branch", pore.Model{Conductivity: 1, Length: 1e-8, Channel: 1e-9}, 1e-8},
	}
	for _, c := range cases {
		_, _, err := c.m.Diameter(c.g, 0)
		if !errors.Is(err, pore.ErrPrecondition) {
			t.Errorf("%s: expected a precondition error, got %v", c.name, err)
		}
		var pe *pore.PreconditionError
		if !errors.As(err, &pe) {
			t.Errorf("%s: expected a *PreconditionError", c.name)
		}
	}
}

func TestEstimateLength(t *testing.T) {
	sigma, dG := 11.53, 2e-9
	l, err := pore.EstimateLength(sigma, pore.DNADiameter, dG)
	if err != nil {
		t.Fatal(err)
	}
	want := sigma * math.Pi * pore.DNADiameter * pore.DNADiameter / (4 * dG)
	if l != want {
		t.Errorf("expected %g, got %g", want, l)
	}
	if _, err = pore.EstimateLength(sigma, pore.DNADiameter, 0); !errors.Is(err, pore.ErrPrecondition) {
		t.Errorf("expected a precondition error, got %v", err)
	}
}

func TestUnits(t *testing.T) {
	if pore.MilliSiemensPerCm(115.3) != 11.53 {
		t.Error("mS/cm conversion")
	}
	if math.Abs(pore.NanoAmpPerMilliVolt(1)-1e-6) > 1e-20 {
		t.Error("nA/mV conversion")
	}
	if math.Abs(pore.PicoAmpPerMilliVolt(1)-1e-9) > 1e-23 {
		t.Error("pA/mV conversion")
	}
	if math.Abs(pore.ToNM(pore.NM(20))-20) > 1e-12 {
		t.Error("nm round trip")
	}
}

func TestConductanceRoundTripsThroughChannel(t *testing.T) {
	m := pore.Model{Conductivity: 11.53, Length: 12e-9, Channel: 1e-6, DoubleElectrode: true}
	d := 15e-9
	got, _, err := m.Diameter(m.Conductance(d), 0)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-d)/d > 1e-9 {
		t.Errorf("expected %g, got %g", d, got)
	}
	if m.Conductance(0) != 0 {
		t.Error("a closed pore should not conduct")
	}
}
