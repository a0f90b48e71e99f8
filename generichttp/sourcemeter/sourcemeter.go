// Package sourcemeter provides an HTTP interface to voltage sourcing,
// current measuring instruments
package sourcemeter

import (
	"net/http"

	"github.com/nasa-jpl/nanoprep/generichttp"
	"github.com/nasa-jpl/nanoprep/server"
)

// SourceMeter sources voltage and measures current
type SourceMeter interface {
	// Identify returns the make and model of the instrument
	Identify() (string, error)

	// SetSourceVoltage sets the output voltage
	SetSourceVoltage(float64) error

	// SourceVoltage returns the output voltage
	SourceVoltage() (float64, error)

	// ReadCurrent measures the current
	ReadCurrent() (float64, error)

	// SetOutput enables or disables the output
	SetOutput(bool) error

	// Output returns true if the output is enabled
	Output() (bool, error)
}

// HTTPSourceMeter wraps a sourcemeter in an HTTP interface
type HTTPSourceMeter struct {
	SM SourceMeter

	RouteTable server.RouteTable
}

// NewHTTPSourceMeter returns a new HTTP wrapper with the route table
// pre-populated
func NewHTTPSourceMeter(sm SourceMeter) HTTPSourceMeter {
	w := HTTPSourceMeter{SM: sm, RouteTable: server.RouteTable{}}
	HTTPSourceMeterRoutes(sm, w.RouteTable)
	return w
}

// RT satisfies server.HTTPer
func (h HTTPSourceMeter) RT() server.RouteTable {
	return h.RouteTable
}

// HTTPSourceMeterRoutes binds the routes of a sourcemeter to the table
func HTTPSourceMeterRoutes(sm SourceMeter, table server.RouteTable) {
	table[server.MethodPath{Method: http.MethodGet, Path: "/identity"}] = generichttp.GetString(sm.Identify)
	table[server.MethodPath{Method: http.MethodGet, Path: "/voltage"}] = generichttp.GetFloat(sm.SourceVoltage)
	table[server.MethodPath{Method: http.MethodPost, Path: "/voltage"}] = generichttp.SetFloat(sm.SetSourceVoltage)
	table[server.MethodPath{Method: http.MethodGet, Path: "/current"}] = generichttp.GetFloat(sm.ReadCurrent)
	table[server.MethodPath{Method: http.MethodGet, Path: "/output"}] = generichttp.GetBool(sm.Output)
	table[server.MethodPath{Method: http.MethodPost, Path: "/output"}] = generichttp.SetBool(sm.SetOutput)
}
