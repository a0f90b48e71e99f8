package record_test

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/nasa-jpl/nanoprep/opt"
	"github.com/nasa-jpl/nanoprep/record"
)

// collector keeps everything it is given
type collector struct {
	mu       sync.Mutex
	samples  []record.Sample
	progress []float64
}

func (c *collector) Sample(s record.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
}

func (c *collector) Progress(p float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = append(c.progress, p)
}

func TestSustainedCarriesLastValue(t *testing.T) {
	c := &collector{}
	e := record.NewEmitter(c, record.Sustained, record.Absolute)
	e.Record(record.Sample{Voltage: opt.Some(5.)})
	e.Record(record.Sample{Current: opt.Some(1e-9)})
	second := c.samples[1]
	if v, ok := second.Voltage.Get(); !ok || v != 5 {
		t.Errorf("expected carried voltage 5, got %v", second.Voltage)
	}
	if i, ok := second.Current.Get(); !ok || i != 1e-9 {
		t.Errorf("expected fresh current 1e-9, got %v", second.Current)
	}
}

func TestTransientLeavesUnsuppliedAbsent(t *testing.T) {
	c := &collector{}
	e := record.NewEmitter(c, record.Transient, record.Absolute)
	e.Record(record.Sample{Voltage: opt.Some(5.)})
	e.Record(record.Sample{Current: opt.Some(1e-9)})
	if c.samples[1].Voltage.Present() {
		t.Errorf("expected second voltage to be absent, got %v", c.samples[1].Voltage)
	}
}

func TestMeasuredNaNIsCarriedAndDistinctFromAbsent(t *testing.T) {
	c := &collector{}
	e := record.NewEmitter(c, record.Sustained, record.Absolute)
	e.Record(record.Sample{Time: opt.Some(0.), Current: opt.Some(math.NaN())})
	e.Record(record.Sample{Time: opt.Some(1.)})
	i, ok := c.samples[1].Current.Get()
	if !ok || !math.IsNaN(i) {
		t.Errorf("expected a present NaN current to be carried, got %v", c.samples[1].Current)
	}
	if c.samples[1].Diameter.Present() {
		t.Error("diameter was never supplied and should be absent")
	}

	var buf bytes.Buffer
	w, err := record.NewCSVWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	w.Sample(c.samples[1])
	if err = w.Close(); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if lines[1] != "1,,NaN,," {
		t.Errorf("expected row 1,,NaN,, got %q", lines[1])
	}
}

func TestProgressStyles(t *testing.T) {
	c := &collector{}
	abs := record.NewEmitter(c, record.Transient, record.Absolute)
	rel := record.NewEmitter(c, record.Transient, record.Relative)
	abs.Progress(10, 20, 15)
	rel.Progress(10, 20, 15)
	if c.progress[0] != 0.75 || c.progress[1] != 0.5 {
		t.Errorf("expected 0.75 and 0.5, got %v", c.progress)
	}
}

func TestProgressUndefined(t *testing.T) {
	rel := record.NewEmitter(nil, record.Transient, record.Relative)
	if err := rel.Progress(10, 10, 10); !errors.Is(err, record.ErrUndefinedProgress) {
		t.Errorf("expected ErrUndefinedProgress, got %v", err)
	}
	abs := record.NewEmitter(nil, record.Transient, record.Absolute)
	if err := abs.Progress(0, 0, 1); !errors.Is(err, record.ErrUndefinedProgress) {
		t.Errorf("expected ErrUndefinedProgress, got %v", err)
	}
}

func TestCSVCommentsAndHeader(t *testing.T) {
	var buf bytes.Buffer
	w, _ := record.NewCSVWriter(&buf, "protocol: IV Curve", "Start: -0.2")
	w.Sample(record.Sample{
		Time: opt.Some(0.5), Voltage: opt.Some(-0.2), Current: opt.Some(-1e-9),
		Diameter: opt.Some(12.5), State: opt.Some(1),
	})
	w.Close()
	want := "# protocol: IV Curve\n# Start: -0.2\n" +
		"Time (s),Voltage (V),Current (A),Estimated diameter (nm),State\n" +
		"0.5,-0.2,-1e-09,12.5,1\n"
	if buf.String() != want {
		t.Errorf("expected\n%s\ngot\n%s", want, buf.String())
	}
}

func TestAsyncDeliversInOrder(t *testing.T) {
	c := &collector{}
	a := record.NewAsync(c, 64)
	for i := 0; i < 10; i++ {
		a.Sample(record.Sample{Time: opt.Some(float64(i))})
	}
	a.Progress(1)
	a.Close()
	if len(c.samples)+int(a.Dropped()) != 10 {
		t.Fatalf("expected 10 samples delivered or dropped, got %d + %d", len(c.samples), a.Dropped())
	}
	for i := 1; i < len(c.samples); i++ {
		if c.samples[i].Time.Or(0) <= c.samples[i-1].Time.Or(0) {
			t.Errorf("samples out of order at %d", i)
		}
	}
}

func TestThrottlePassesSignificantSamples(t *testing.T) {
	c := &collector{}
	th := record.NewThrottle(c, 1e-9, record.Transient) // effectively one token, ever
	th.Sample(record.Sample{State: opt.Some(0)})
	th.Sample(record.Sample{State: opt.Some(0)})
	th.Sample(record.Sample{State: opt.Some(0)})
	th.Sample(record.Sample{State: opt.Some(0), Diameter: opt.Some(10.)})
	th.Sample(record.Sample{State: opt.Some(0), Diameter: opt.Some(10.)})
	th.Sample(record.Sample{State: opt.Some(1)})
	// the second sample spends the burst token, the third is dropped, and a
	// repeated report still passes
	if len(c.samples) != 5 {
		t.Errorf("expected 5 samples to pass the throttle, got %d", len(c.samples))
	}
	if d, _ := c.samples[3].Diameter.Get(); d != 10 {
		t.Errorf("expected the repeated report to pass, got %v", c.samples[3])
	}
}

func TestThrottleSustainedPassesOnlyNewDiameters(t *testing.T) {
	c := &collector{}
	th := record.NewThrottle(c, 1e-9, record.Sustained)
	th.Sample(record.Sample{State: opt.Some(0), Diameter: opt.Some(10.)})
	th.Sample(record.Sample{State: opt.Some(0), Diameter: opt.Some(10.)})
	th.Sample(record.Sample{State: opt.Some(0), Diameter: opt.Some(10.)})
	th.Sample(record.Sample{State: opt.Some(0), Diameter: opt.Some(11.)})
	// first, burst token, dropped, new diameter
	if len(c.samples) != 3 {
		t.Errorf("expected 3 samples to pass the throttle, got %d", len(c.samples))
	}
}

func TestTeeFansOut(t *testing.T) {
	a, b := &collector{}, &collector{}
	tee := record.Tee{a, b}
	tee.Sample(record.Sample{})
	tee.Progress(0.5)
	if len(a.samples) != 1 || len(b.samples) != 1 || len(a.progress) != 1 || len(b.progress) != 1 {
		t.Error("tee did not deliver to every consumer")
	}
}
