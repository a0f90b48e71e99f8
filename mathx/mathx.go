// Package mathx contains the small amount of numerics nanoprep needs:
// averages, an ordinary least squares line fit, and rounding.
package mathx

import (
	"errors"
	"math"
)

var (
	// ErrTooFewPoints is returned when a fit is attempted with fewer than two points
	ErrTooFewPoints = errors.New("at least two points are required")

	// ErrSingular is returned when the abscissa of a fit has no spread
	ErrSingular = errors.New("fit is singular, all x values are equal")
)

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// Mean returns the arithmetic mean of x, NaN for an empty slice
func Mean(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	return sum / float64(len(x))
}

// StdErr returns the standard error of the mean of x, NaN for fewer than two
// values
func StdErr(x []float64) float64 {
	if len(x) < 2 {
		return math.NaN()
	}
	m := Mean(x)
	var ss float64
	for _, v := range x {
		ss += (v - m) * (v - m)
	}
	n := float64(len(x))
	return math.Sqrt(ss / (n - 1) / n)
}

// Line is y = Slope*x + Intercept.  SlopeErr is the standard error of the
// slope from the fit residuals, zero for an exact two point fit.
type Line struct {
	Slope, Intercept float64
	SlopeErr         float64
}

// Eval returns the line at x
func (l Line) Eval(x float64) float64 {
	return l.Slope*x + l.Intercept
}

// Root returns the x intercept, -Intercept/Slope
func (l Line) Root() float64 {
	return -l.Intercept / l.Slope
}

// FitLine fits y = m x + b by ordinary least squares.  x and y must have the
// same length; extra elements of the longer are ignored.
func FitLine(x, y []float64) (Line, error) {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	if n < 2 {
		return Line{}, ErrTooFewPoints
	}
	x, y = x[:n], y[:n]
	mx, my := Mean(x), Mean(y)
	var sxx, sxy float64
	for i := range x {
		dx := x[i] - mx
		sxx += dx * dx
		sxy += dx * (y[i] - my)
	}
	if sxx == 0 || math.IsNaN(sxx) {
		return Line{}, ErrSingular
	}
	m := sxy / sxx
	l := Line{Slope: m, Intercept: my - m*mx}
	if n > 2 {
		var ssr float64
		for i := range x {
			r := y[i] - l.Eval(x[i])
			ssr += r * r
		}
		l.SlopeErr = math.Sqrt(ssr / float64(n-2) / sxx)
	}
	return l, nil
}
