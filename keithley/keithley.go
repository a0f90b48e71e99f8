// Package keithley provides an interface to Keithley 2400 series sourcemeters
// and a simulated sourcemeter wired to a nanopore.
package keithley

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tarm/serial"

	"github.com/nasa-jpl/nanoprep/comm"
	"github.com/nasa-jpl/nanoprep/scpi"
	"github.com/nasa-jpl/nanoprep/usbtmc"
)

const (
	// overflow is the reading the 2400 returns when a measurement is out of range
	overflow = 9.9e37

	// settle is how long the output takes to come up after it is enabled
	settle = 100 * time.Millisecond
)

// ErrBadCompliance is returned by Prepare for a non-positive compliance
var ErrBadCompliance = errors.New("compliance current must be positive")

func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        9600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 3 * time.Second}
}

// SourceMeter is a Keithley 2400 sourcing voltage and measuring current
type SourceMeter struct {
	scpi.SCPI
}

// New makes a new sourcemeter at addr, a host:port of a GPIB or serial to
// ethernet gateway, or a serial device when connectSerial is true
func New(addr string, connectSerial bool) *SourceMeter {
	var maker comm.CreationFunc
	if connectSerial {
		maker = comm.SerialConnMaker(makeSerConf(addr))
	} else {
		maker = comm.BackingOffTCPConnMaker(addr, 1*time.Second)
	}
	return NewWithMaker(maker)
}

// NewUSB makes a new sourcemeter on a USBTMC adapter
func NewUSB(vid, pid uint16) *SourceMeter {
	return NewWithMaker(usbtmc.ConnMaker(vid, pid))
}

// NewWithMaker makes a new sourcemeter reached through maker
func NewWithMaker(maker comm.CreationFunc) *SourceMeter {
	pool := comm.NewPool(1, time.Hour, maker)
	return &SourceMeter{scpi.SCPI{Pool: pool, Handshaking: true}}
}

// Identify returns the *IDN? string of the instrument
func (s *SourceMeter) Identify() (string, error) {
	return s.ReadString("*IDN?")
}

// Reset restores the power on defaults and clears the status system
func (s *SourceMeter) Reset() error {
	return s.Write("*RST", ":STAT:PRES")
}

// Prepare resets the instrument, configures it to source voltage on the
// front terminals and measure current within compliance, A, and enables the
// output
func (s *SourceMeter) Prepare(compliance float64) error {
	if !(compliance > 0) {
		return ErrBadCompliance
	}
	if err := s.Reset(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	err := s.Write(
		":ROUT:TERM FRON",
		`:SENS:FUNC "CURR"`,
		":SENS:CURR:RANG:AUTO ON",
		":SENS:CURR:NPLC 1",
		":FORM:ELEM CURR",
		":SOUR:FUNC VOLT",
		":SOUR:VOLT:MODE FIX",
		fmt.Sprintf(":SENS:CURR:PROT %g", compliance))
	if err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	if err = s.SetOutput(true); err != nil {
		return err
	}
	time.Sleep(settle)
	return nil
}

// SetSourceVoltage sets the output voltage
func (s *SourceMeter) SetSourceVoltage(v float64) error {
	return s.Write(fmt.Sprintf(":SOUR:VOLT:LEV %g", v))
}

// SourceVoltage returns the programmed output voltage
func (s *SourceMeter) SourceVoltage() (float64, error) {
	return s.ReadFloat(":SOUR:VOLT:LEV?")
}

// ReadCurrent triggers a measurement and returns the current, A.  An out of
// range measurement is NaN.
func (s *SourceMeter) ReadCurrent() (float64, error) {
	fs, err := s.ReadFloats(":READ?")
	if err != nil {
		return 0, err
	}
	return currentOf(fs)
}

// currentOf picks the current out of a reading.  With :FORM:ELEM CURR there
// is one element, otherwise the default VOLT,CURR,RES,TIME,STAT order applies.
func currentOf(fs []float64) (float64, error) {
	var i float64
	switch len(fs) {
	case 0:
		return 0, errors.New("empty reading")
	case 1:
		i = fs[0]
	default:
		i = fs[1]
	}
	if math.Abs(i) >= overflow {
		return math.NaN(), nil
	}
	return i, nil
}

// SetOutput turns the output on or off
func (s *SourceMeter) SetOutput(on bool) error {
	if on {
		return s.Write(":OUTP ON")
	}
	return s.Write(":OUTP OFF")
}

// Output reports whether the output is on
func (s *SourceMeter) Output() (bool, error) {
	return s.ReadBool(":OUTP?")
}

// Shutdown returns the output to 0 V and disables it
func (s *SourceMeter) Shutdown() error {
	return errors.Join(s.SetSourceVoltage(0), s.SetOutput(false))
}

// Close releases the connection to the instrument
func (s *SourceMeter) Close() error {
	return s.Pool.Close()
}
