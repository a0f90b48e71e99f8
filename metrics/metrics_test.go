package metrics_test

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nasa-jpl/nanoprep/metrics"
	"github.com/nasa-jpl/nanoprep/opt"
	"github.com/nasa-jpl/nanoprep/record"
)

func TestCollectorMirrorsSamples(t *testing.T) {
	reg := prometheus.NewRegistry()
	busy := true
	c, err := metrics.New(reg, func() bool { return busy })
	if err != nil {
		t.Fatal(err)
	}
	c.Sample(record.Sample{Voltage: opt.Some(0.4), Current: opt.Some(2e-9), State: opt.Some(6)})
	c.Sample(record.Sample{Diameter: opt.Some(12.5)})
	c.Progress(0.25)

	w := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if body := w.Body.String(); !strings.Contains(body, "nanoprep_run_active 1") {
		t.Errorf("expected the active gauge in\n%s", body)
	}
	for name, want := range map[string]float64{
		"nanoprep_run_voltage_volts":        0.4,
		"nanoprep_run_current_amperes":      2e-9,
		"nanoprep_run_pore_diameter_meters": 12.5e-9,
		"nanoprep_run_state":                6,
		"nanoprep_run_progress_ratio":       0.25,
		"nanoprep_run_samples_total":        2,
	} {
		got := value(t, reg, name)
		if math.Abs(got-want) > 1e-9*math.Abs(want) {
			t.Errorf("%s: expected %g, got %g", name, want, got)
		}
	}
}

// value gathers the single series of a gauge or counter
func value(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name || len(mf.GetMetric()) != 1 {
			continue
		}
		m := mf.GetMetric()[0]
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue()
		}
		return m.GetGauge().GetValue()
	}
	t.Fatalf("no single series named %s", name)
	return 0
}

func TestCollectorCarriesNaN(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := metrics.New(reg, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Sample(record.Sample{Current: opt.Some(math.NaN())})
	if n, err := testutil.GatherAndCount(reg, "nanoprep_run_current_amperes"); err != nil || n != 1 {
		t.Errorf("expected the current gauge, got %d series", n)
	}
	if _, err := metrics.New(reg, nil); err == nil {
		t.Error("expected registering twice to fail")
	}
}
