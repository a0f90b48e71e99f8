package keithley

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nasa-jpl/nanoprep/pore"
	"github.com/nasa-jpl/nanoprep/util"
)

// ErrOutputOff is returned by the mock when reading with the output disabled
var ErrOutputOff = errors.New("output is off")

// Mock is a simulated sourcemeter connected to a nanopore in a membrane.
// With no pore the membrane leaks; holding |V| at or above BreakdownVoltage
// for BreakdownAfter opens a pore of InitialDiameter.  Above GrowthThreshold
// the pore grows at GrowthRate per volt of excess per second.
type Mock struct {
	Model pore.Model

	// Diameter is the current pore diameter, m.  Zero is an intact membrane.
	Diameter float64

	Leak             float64 // membrane conductance, S
	Offset           float64 // electrode offset, V
	Noise            float64 // rms current noise, A
	BreakdownVoltage float64 // V
	BreakdownAfter   time.Duration
	InitialDiameter  float64 // m
	GrowthThreshold  float64 // V
	GrowthRate       float64 // m/(V s)

	now func() time.Time

	mu         sync.Mutex
	v          float64
	on         bool
	compliance float64
	last       time.Time
	stressed   time.Duration
}

// NewMock returns a mock with a typical KCl filled pore of diameter d, m
func NewMock(d float64) *Mock {
	return &Mock{
		Model:            pore.Model{Conductivity: pore.MilliSiemensPerCm(115.3), Length: 12e-9},
		Diameter:         d,
		Leak:             1e-11,
		Noise:            5e-12,
		BreakdownVoltage: 6,
		BreakdownAfter:   2 * time.Second,
		InitialDiameter:  2e-9,
		GrowthThreshold:  2,
		GrowthRate:       1e-9,
		now:              time.Now,
	}
}

// advance evolves the pore from the last call to now.  m.mu must be held.
func (m *Mock) advance() {
	t := m.now()
	if m.last.IsZero() {
		m.last = t
		return
	}
	dt := t.Sub(m.last)
	m.last = t
	if !m.on {
		return
	}
	stress := math.Abs(m.v)
	if m.Diameter == 0 {
		if m.BreakdownVoltage > 0 && stress >= m.BreakdownVoltage {
			m.stressed += dt
			if m.stressed >= m.BreakdownAfter {
				m.Diameter = m.InitialDiameter
			}
		}
		return
	}
	if excess := stress - m.GrowthThreshold; excess > 0 {
		m.Diameter += m.GrowthRate * excess * dt.Seconds()
	}
}

// Prepare enables the output within compliance, A
func (m *Mock) Prepare(compliance float64) error {
	if !(compliance > 0) {
		return ErrBadCompliance
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	m.compliance = compliance
	m.on = true
	return nil
}

// SetSourceVoltage sets the output voltage
func (m *Mock) SetSourceVoltage(v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	m.v = v
	return nil
}

// SourceVoltage returns the programmed output voltage
func (m *Mock) SourceVoltage() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v, nil
}

// ReadCurrent returns the simulated current, clipped at compliance
func (m *Mock) ReadCurrent() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.on {
		return 0, ErrOutputOff
	}
	m.advance()
	g := m.Leak + m.Model.Conductance(m.Diameter)
	i := g * (m.v - m.Offset)
	if m.Noise > 0 {
		i += rand.NormFloat64() * m.Noise
	}
	if m.compliance > 0 {
		i = util.Clamp(i, -m.compliance, m.compliance)
	}
	return i, nil
}

// SetOutput turns the output on or off
func (m *Mock) SetOutput(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	m.on = on
	return nil
}

// Output reports whether the output is on
func (m *Mock) Output() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on, nil
}

// Identify returns a fixed *IDN? string
func (m *Mock) Identify() (string, error) {
	return "KEITHLEY INSTRUMENTS INC.,MODEL 2400,MOCK,nanoprep", nil
}

// Shutdown returns the output to 0 V and disables it
func (m *Mock) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	m.v = 0
	m.on = false
	return nil
}

// PoreDiameter returns the simulated pore diameter, m
func (m *Mock) PoreDiameter() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Diameter
}
