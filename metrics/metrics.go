// Package metrics exposes the live state of protocol runs to Prometheus
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nasa-jpl/nanoprep/pore"
	"github.com/nasa-jpl/nanoprep/record"
)

const namespace = "nanoprep"

// Collector is a record.Consumer that mirrors the latest sample into gauges.
// It lives for the whole process; the same gauges follow every run.
type Collector struct {
	voltage  prometheus.Gauge
	current  prometheus.Gauge
	diameter prometheus.Gauge
	state    prometheus.Gauge
	progress prometheus.Gauge
	samples  prometheus.Counter
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "run", Name: name, Help: help})
}

// New registers the run gauges with reg.  busy, if not nil, backs a gauge that
// is 1 while a protocol is running.
func New(reg prometheus.Registerer, busy func() bool) (*Collector, error) {
	c := &Collector{
		voltage:  gauge("voltage_volts", "Commanded voltage of the latest sample, without pipette offset."),
		current:  gauge("current_amperes", "Measured current of the latest sample."),
		diameter: gauge("pore_diameter_meters", "Latest pore diameter estimate."),
		state:    gauge("state", "State tag of the latest sample."),
		progress: gauge("progress_ratio", "Progress of the active protocol, 0 to 1."),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "run", Name: "samples_total",
			Help: "Samples recorded by all runs.",
		}),
	}
	cs := []prometheus.Collector{c.voltage, c.current, c.diameter, c.state, c.progress, c.samples}
	if busy != nil {
		cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "run", Name: "active",
			Help: "1 while a protocol owns the instrument.",
		}, func() float64 {
			if busy() {
				return 1
			}
			return 0
		}))
	}
	for _, col := range cs {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Sample updates the gauges of the fields present in s
func (c *Collector) Sample(s record.Sample) {
	c.samples.Inc()
	if v, ok := s.Voltage.Get(); ok {
		c.voltage.Set(v)
	}
	if i, ok := s.Current.Get(); ok {
		c.current.Set(i)
	}
	if d, ok := s.Diameter.Get(); ok {
		c.diameter.Set(pore.NM(d))
	}
	if st, ok := s.State.Get(); ok {
		c.state.Set(float64(st))
	}
}

// Progress updates the progress gauge
func (c *Collector) Progress(p float64) {
	c.progress.Set(p)
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
