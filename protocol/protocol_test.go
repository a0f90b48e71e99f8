package protocol_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/nasa-jpl/nanoprep/opt"
	"github.com/nasa-jpl/nanoprep/procedure"
	"github.com/nasa-jpl/nanoprep/protocol"
	"github.com/nasa-jpl/nanoprep/record"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// instrument is a sourcemeter that reads a constant current
type instrument struct {
	mu                  sync.Mutex
	prepared, shutdowns int
	prepareErr          error
	v                   float64
}

func (i *instrument) SetSourceVoltage(v float64) error {
	i.mu.Lock()
	i.v = v
	i.mu.Unlock()
	return nil
}

func (i *instrument) ReadCurrent() (float64, error) { return 1e-9, nil }

func (i *instrument) Prepare(float64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.prepared++
	return i.prepareErr
}

func (i *instrument) Shutdown() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.shutdowns++
	return nil
}

func bench() *procedure.Bench {
	return procedure.NewBench(&instrument{}, nil, nil, quiet)
}

// estimates returns an EstimateFunc yielding ds in turn
func estimates(ds ...float64) (protocol.EstimateFunc, *int) {
	n := 0
	return func() (float64, procedure.Outcome, error) {
		d := ds[n]
		n++
		return d, procedure.Completed, nil
	}, &n
}

func TestGrowthLoopStopsAtDiameterCutoff(t *testing.T) {
	est, _ := estimates(0, 5e-9, 10e-9, 15e-9, 20e-9, 25e-9)
	pulses := 0
	loop := protocol.GrowthLoop{
		Estimate: est,
		Pulse: func(initial, current, target float64) (procedure.Outcome, error) {
			pulses++
			return procedure.Completed, nil
		},
		Cutoffs: protocol.Cutoffs{Diameter: opt.Some(20e-9)},
	}
	st, out, err := loop.Run(bench())
	if err != nil || out != procedure.Completed {
		t.Fatalf("expected Completed, got %v (%v)", out, err)
	}
	if pulses != 4 || st.Cycles != 4 {
		t.Errorf("expected exactly 4 cycles, got %d pulses and %d cycles", pulses, st.Cycles)
	}
	if st.Diameter != 20e-9 {
		t.Errorf("expected a final diameter of 20 nm, got %g", st.Diameter)
	}
}

func TestGrowthLoopKeepsDiameterWhenEstimateFails(t *testing.T) {
	calls := 0
	loop := protocol.GrowthLoop{
		Estimate: func() (float64, procedure.Outcome, error) {
			calls++
			switch calls {
			case 1:
				return 10e-9, procedure.Completed, nil
			case 2:
				return 0, procedure.Failed, procedure.ErrEstimation
			default:
				return 30e-9, procedure.Completed, nil
			}
		},
		Pulse: func(initial, current, target float64) (procedure.Outcome, error) {
			if calls == 2 && current != 10e-9 {
				t.Errorf("expected the previous diameter to be kept, got %g", current)
			}
			return procedure.Completed, nil
		},
		Target: 20e-9,
	}
	st, out, err := loop.Run(bench())
	if out != procedure.Completed || err != nil || st.Cycles != 2 {
		t.Errorf("expected completion after 2 cycles, got %v after %d (%v)", out, st.Cycles, err)
	}
}

func TestGrowthLoopInitialEstimateIsFatal(t *testing.T) {
	loop := protocol.GrowthLoop{
		Estimate: func() (float64, procedure.Outcome, error) {
			return 0, procedure.Failed, procedure.ErrEstimation
		},
		Pulse: func(float64, float64, float64) (procedure.Outcome, error) {
			t.Error("pulsed without an initial estimate")
			return procedure.Completed, nil
		},
		Target: 20e-9,
	}
	_, out, err := loop.Run(bench())
	if out != procedure.Failed || !errors.Is(err, procedure.ErrEstimation) {
		t.Errorf("expected Failed, got %v (%v)", out, err)
	}
}

func TestGrowthLoopCancelledBeforePulse(t *testing.T) {
	est, _ := estimates(0, 5e-9)
	b := bench()
	b.Abort = procedure.NewAborter(func() bool { return true }, quiet)
	loop := protocol.GrowthLoop{
		Estimate: est,
		Pulse: func(float64, float64, float64) (procedure.Outcome, error) {
			t.Error("pulsed after cancellation")
			return procedure.Completed, nil
		},
		Target: 20e-9,
	}
	if _, out, _ := loop.Run(b); out != procedure.Aborted {
		t.Errorf("expected Aborted, got %v", out)
	}
}

func TestSymmetrizeLoopStopsAtTargetRatio(t *testing.T) {
	ratios := []float64{3, 2, 1.05, 1}
	n := 0
	var progress []float64
	b := procedure.NewBench(&instrument{}, record.NewEmitter(record.Funcs{
		OnProgress: func(p float64) { progress = append(progress, p) },
	}, record.Transient, record.Relative), nil, quiet)
	loop := protocol.SymmetrizeLoop{
		Pass: func() (float64, procedure.Outcome, error) {
			r := ratios[n]
			n++
			return r, procedure.Completed, nil
		},
		TargetRatio: 1.1,
	}
	st, out, err := loop.Run(b)
	if err != nil || out != procedure.Completed {
		t.Fatal(out, err)
	}
	if st.Cycles != 3 || st.Rectification != 1.05 {
		t.Errorf("expected 3 passes ending at 1.05, got %d at %g", st.Cycles, st.Rectification)
	}
	// progress from 3 toward 1.1: 0 after the first pass, then (2-3)/(1.1-3)
	if len(progress) != 2 || progress[0] != 0 {
		t.Errorf("unexpected progress %v", progress)
	}
}

func TestSymmetrizeLoopStopsAtMaxDiameter(t *testing.T) {
	est, calls := estimates(10e-9, 20e-9, 30e-9)
	loop := protocol.SymmetrizeLoop{
		Pass:        func() (float64, procedure.Outcome, error) { return 2, procedure.Completed, nil },
		Estimate:    est,
		TargetRatio: 1.1,
		MaxDiameter: 25e-9,
	}
	st, out, _ := loop.Run(bench())
	if out != procedure.Completed || *calls != 3 || st.Cycles != 2 {
		t.Errorf("expected completion at the maximum after 2 passes, got %v after %d", out, st.Cycles)
	}
}

func TestParamResolve(t *testing.T) {
	ps := protocol.NewParams().
		Float("voltage", "Voltage", "V", 1).
		Int("count", "Count", 3, protocol.AtLeast(1), protocol.AtMost(10)).
		Bool("stacked", "Stacked", false).
		Seconds("hold", "Hold", 2, protocol.AtLeast(0)).
		MustBuild()

	v, err := ps.Resolve(map[string]any{"count": 5, "stacked": "true", "hold": "500ms"})
	if err != nil {
		t.Fatal(err)
	}
	if v.Int("count") != 5 || !v.Bool("stacked") || v.Duration("hold").Seconds() != 0.5 || v.Float("voltage") != 1 {
		t.Errorf("unexpected values %v", v.Map())
	}

	bad := []map[string]any{
		{"nope": 1},
		{"count": 0},
		{"count": 1.5},
		{"count": 1e15},
		{"count": 11},
		{"voltage": math.Inf(1)},
		{"voltage": "NaN"},
		{"voltage": true},
		{"stacked": 2.},
	}
	for _, o := range bad {
		if _, err := ps.Resolve(o); err == nil {
			t.Errorf("expected %v to be rejected", o)
		}
	}
}

func TestParamBuilderRejectsDuplicates(t *testing.T) {
	_, err := protocol.NewParams().Float("a", "A", "", 0).Float("a", "A", "", 0).Build()
	if err == nil {
		t.Error("expected a duplicate key error")
	}
	_, err = protocol.NewParams().Float("a", "A", "", -1, protocol.AtLeast(0)).Build()
	if err == nil {
		t.Error("expected a default below minimum error")
	}
	_, err = protocol.NewParams().Int("n", "N", 5, protocol.AtMost(4)).Build()
	if err == nil {
		t.Error("expected a default above maximum error")
	}
}

func TestParamSetIsImmutable(t *testing.T) {
	ps := protocol.NewParams().Float("a", "A", "V", 1).MustBuild()
	l := ps.List()
	l[0].Default = 99
	if p, _ := ps.Lookup("a"); p.Default != 1 {
		t.Error("modifying List changed the set")
	}
	if d := ps.Defaults().Describe(); len(d) != 1 || d[0] != "A: 1 V" {
		t.Errorf("unexpected description %v", d)
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := protocol.Default()
	if n := len(r.Names()); n != 14 {
		t.Errorf("expected 14 protocols, got %d", n)
	}
	for _, p := range r.Sorted() {
		if _, err := p.Params.Resolve(nil); err != nil {
			t.Errorf("%s: defaults do not resolve: %v", p.Name, err)
		}
	}
	if _, err := r.Get("Self Destruct"); !errors.Is(err, protocol.ErrUnknownProtocol) {
		t.Errorf("expected ErrUnknownProtocol, got %v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	run := func(*procedure.Bench, protocol.Settings, protocol.Values) (procedure.Outcome, error) {
		return procedure.Completed, nil
	}
	p := protocol.Protocol{Name: "x", Run: run}
	if _, err := protocol.NewRegistry(p, p); err == nil {
		t.Error("expected a duplicate name error")
	}
}

// forever holds 0 V until cancelled
func forever() protocol.Protocol {
	return protocol.Protocol{
		Name:   "Forever",
		Params: protocol.NewParams().MustBuild(),
		Run: func(b *procedure.Bench, s protocol.Settings, v protocol.Values) (procedure.Outcome, error) {
			return b.Hold(0, procedure.Until(func() bool { return false }), procedure.StateHold)
		},
	}
}

func TestRunnerSerializesAndShutsDown(t *testing.T) {
	reg, _ := protocol.NewRegistry(forever())
	inst := &instrument{}
	r := &protocol.Runner{Instrument: inst, Registry: reg, Log: quiet}
	if _, err := r.Start(protocol.Request{Protocol: "Forever"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start(protocol.Request{Protocol: "Forever"}); !errors.Is(err, protocol.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if !r.Stop() {
		t.Error("expected Stop to find the run")
	}
	r.Wait()
	st := r.Status()
	if st.Phase != protocol.Aborted {
		t.Errorf("expected the run to be aborted, got %s", st.Phase)
	}
	if inst.prepared != 1 || inst.shutdowns != 1 {
		t.Errorf("expected one prepare and one shutdown, got %d and %d", inst.prepared, inst.shutdowns)
	}
	if _, ok := st.Last.Current.Get(); !ok {
		t.Error("expected the status board to hold the last sample")
	}
	if !strings.HasSuffix(st.ID, "-forever") {
		t.Errorf("unexpected run id %q", st.ID)
	}
}

func TestRunnerShutsDownAfterFailedPrepare(t *testing.T) {
	reg, _ := protocol.NewRegistry(forever())
	inst := &instrument{prepareErr: errors.New("no instrument")}
	var finished []protocol.Result
	r := &protocol.Runner{Instrument: inst, Registry: reg, Log: quiet,
		OnFinish: func(res protocol.Result) { finished = append(finished, res) }}
	res, err := r.Run(context.Background(), protocol.Request{Protocol: "Forever"})
	if len(finished) != 1 || finished[0].Phase != protocol.Failed {
		t.Errorf("expected OnFinish to see the failed run, got %v", finished)
	}
	if err == nil || res.Phase != protocol.Failed {
		t.Errorf("expected a failed run, got %s (%v)", res.Phase, err)
	}
	if inst.shutdowns != 1 {
		t.Errorf("expected a shutdown, got %d", inst.shutdowns)
	}
	if r.Busy() {
		t.Error("runner still busy after the run")
	}
}

func TestRunnerRunsRegisteredProtocol(t *testing.T) {
	inst := &instrument{}
	var rows int
	r := &protocol.Runner{
		Instrument: inst,
		Registry:   protocol.Default(),
		Log:        quiet,
		Consumers: func(protocol.Run) (record.Consumer, error) {
			return record.Funcs{OnSample: func(record.Sample) { rows++ }}, nil
		},
	}
	res, err := r.Run(context.Background(), protocol.Request{
		Protocol: "Holding Voltage",
		Params:   map[string]any{"hold": 0.01},
	})
	if err != nil || res.Outcome != procedure.Completed {
		t.Fatalf("expected completion, got %v (%v)", res.Outcome, err)
	}
	if rows == 0 {
		t.Error("expected samples to reach the run consumer")
	}
}

func TestRunnerRejectsHugeSweepCount(t *testing.T) {
	r := &protocol.Runner{Instrument: &instrument{}, Registry: protocol.Default(), Log: quiet}
	for _, count := range []any{1e15, "1e15", procedure.MaxSweepLevels + 1} {
		_, err := r.Start(protocol.Request{Protocol: "IV Curve", Params: map[string]any{"count": count}})
		if err == nil || !strings.Contains(err.Error(), "count") {
			t.Errorf("expected count %v to be rejected, got %v", count, err)
		}
	}
	if r.Busy() {
		t.Error("a rejected request left the runner busy")
	}
}

func TestRunnerAppliesSiteDefaults(t *testing.T) {
	var holds []float64
	r := &protocol.Runner{
		Instrument: &instrument{},
		Registry:   protocol.Default(),
		Log:        quiet,
		Defaults:   map[string]map[string]any{"Holding Voltage": {"hold": 0.01}},
		Consumers: func(run protocol.Run) (record.Consumer, error) {
			holds = append(holds, run.Values.Float("hold"))
			return record.Funcs{}, nil
		},
	}
	if _, err := r.Run(context.Background(), protocol.Request{Protocol: "Holding Voltage"}); err != nil {
		t.Fatal(err)
	}
	req := protocol.Request{Protocol: "Holding Voltage", Params: map[string]any{"hold": 0.02}}
	if _, err := r.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if len(holds) != 2 || holds[0] != 0.01 || holds[1] != 0.02 {
		t.Errorf("expected the site default then the override, got %v", holds)
	}
}
