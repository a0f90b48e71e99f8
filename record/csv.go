package record

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/nasa-jpl/nanoprep/opt"
)

// Header is the column layout of a results file
var Header = []string{"Time (s)", "Voltage (V)", "Current (A)", "Estimated diameter (nm)", "State"}

// CSVWriter is a Consumer that writes results files.  Absent fields are empty
// cells; a present NaN is written as NaN.  Progress is not written.
type CSVWriter struct {
	mu  sync.Mutex
	w   *csv.Writer
	c   io.Closer
	err error
}

// NewCSVWriter writes the comment lines, each prefixed with "# ", and the
// header to w.  If w is an io.Closer, Close closes it.
func NewCSVWriter(w io.Writer, comments ...string) (*CSVWriter, error) {
	for _, c := range comments {
		if _, err := fmt.Fprintf(w, "# %s\n", c); err != nil {
			return nil, err
		}
	}
	cw := &CSVWriter{w: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		cw.c = c
	}
	if err := cw.w.Write(Header); err != nil {
		return nil, err
	}
	return cw, nil
}

func formatFloat(v opt.Value[float64]) string {
	f, ok := v.Get()
	if !ok {
		return ""
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Row formats a sample as a results file row
func Row(s Sample) []string {
	state := ""
	if st, ok := s.State.Get(); ok {
		state = strconv.Itoa(st)
	}
	return []string{
		formatFloat(s.Time),
		formatFloat(s.Voltage),
		formatFloat(s.Current),
		formatFloat(s.Diameter),
		state,
	}
}

// Sample writes one row.  The first write error is kept and returned by Close.
func (c *CSVWriter) Sample(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = c.w.Write(Row(s))
}

// Progress does nothing
func (c *CSVWriter) Progress(float64) {}

// Flush writes buffered rows to the underlying writer
func (c *CSVWriter) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	if c.err == nil {
		c.err = c.w.Error()
	}
	return c.err
}

// Close flushes, then closes the underlying writer if it is closeable
func (c *CSVWriter) Close() error {
	err := c.Flush()
	if c.c != nil {
		if cerr := c.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
