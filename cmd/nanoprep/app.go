package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nasa-jpl/nanoprep/archive"
	"github.com/nasa-jpl/nanoprep/generichttp/protocolhttp"
	"github.com/nasa-jpl/nanoprep/generichttp/sourcemeter"
	"github.com/nasa-jpl/nanoprep/keithley"
	"github.com/nasa-jpl/nanoprep/metrics"
	"github.com/nasa-jpl/nanoprep/pore"
	"github.com/nasa-jpl/nanoprep/protocol"
	"github.com/nasa-jpl/nanoprep/record"
	"github.com/nasa-jpl/nanoprep/server"
	"github.com/nasa-jpl/nanoprep/server/middleware/locker"
	"github.com/nasa-jpl/nanoprep/store"
)

const (
	// asyncBuf is the queue depth between a run and each I/O consumer
	asyncBuf = 4096

	uploadTimeout = time.Minute
)

// Instrument is a sourcemeter usable both by protocols and over HTTP
type Instrument interface {
	protocol.Instrument
	sourcemeter.SourceMeter
}

// openInstrument connects to the configured sourcemeter, or makes a mock
func openInstrument(c Config) (Instrument, error) {
	if c.Mock {
		return keithley.NewMock(pore.NM(c.MockDiameter)), nil
	}
	var sm *keithley.SourceMeter
	if c.Instrument.USB {
		vid, pid, err := parseUSB(c.Instrument.Addr)
		if err != nil {
			return nil, err
		}
		sm = keithley.NewUSB(vid, pid)
	} else {
		sm = keithley.New(c.Instrument.Addr, c.Instrument.Serial)
	}
	sm.Timeout = c.InstrumentTimeout()
	return sm, nil
}

// App is the instrument, the runner and everything that records runs
type App struct {
	Config     Config
	Log        *slog.Logger
	Instrument Instrument
	Runner     *protocol.Runner
	Registry   *prometheus.Registry
	Metrics    *metrics.Collector
	DB         *store.Store
	Archive    *archive.Archive

	// Extra, if not nil, adds a consumer to every run
	Extra func(protocol.Run) record.Consumer
}

// NewApp wires the application described by c
func NewApp(ctx context.Context, c Config, log *slog.Logger) (*App, error) {
	style, err := record.ParseProgressStyle(c.Experiment.Progress)
	if err != nil {
		return nil, err
	}
	inst, err := openInstrument(c)
	if err != nil {
		return nil, err
	}
	a := &App{Config: c, Log: log, Instrument: inst, Registry: prometheus.NewRegistry()}
	a.Runner = &protocol.Runner{
		Instrument: inst,
		Registry:   protocol.Default(),
		Settings:   protocol.Settings{Model: c.Model(), Cutoffs: c.RunCutoffs()},
		Offset:     c.Experiment.Offset / 1e3,
		Compliance: c.Instrument.Compliance,
		Defaults:   c.Protocols,
		Mode:       c.Mode(),
		Style:      style,
		Consumers:  a.consumers,
		OnFinish:   a.finish,
		Log:        log,
	}
	a.Metrics, err = metrics.New(a.Registry, a.Runner.Busy)
	if err != nil {
		return nil, err
	}
	if c.Output.Database != "" {
		if a.DB, err = store.Open(c.Output.Database); err != nil {
			return nil, err
		}
	}
	if c.Archive.Bucket != "" {
		if a.Archive, err = archive.New(ctx, c.ArchiveConfig()); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// ResultsFile is the CSV file of run id
func (a *App) ResultsFile(id string) string {
	return filepath.Join(a.Config.Output.Dir, id+".csv")
}

// consumers opens the outputs of a run
func (a *App) consumers(run protocol.Run) (c record.Consumer, err error) {
	var out record.Tee
	defer func() {
		if err != nil {
			_ = out.Close()
		}
	}()
	if err := os.MkdirAll(a.Config.Output.Dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(a.ResultsFile(run.ID))
	if err != nil {
		return nil, err
	}
	csv, err := record.NewCSVWriter(f, append([]string{"Protocol: " + run.Protocol}, run.Values.Describe()...)...)
	if err != nil {
		f.Close()
		return nil, err
	}
	out = append(out, record.NewAsync(csv, asyncBuf))
	if a.DB != nil {
		rec, err := a.DB.Begin(run)
		if err != nil {
			return nil, err
		}
		out = append(out, record.NewAsync(rec, asyncBuf))
	}
	out = append(out, a.Metrics)
	if a.Extra != nil {
		out = append(out, a.Extra(run))
	}
	return out, nil
}

// finish archives a finished run
func (a *App) finish(res protocol.Result) {
	log := a.Log.With("run", res.ID)
	if a.DB != nil {
		if err := a.DB.Finish(res); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Error("recording run end", "err", err)
		}
	}
	if a.Archive == nil {
		return
	}
	fn := a.ResultsFile(res.ID)
	if _, err := os.Stat(fn); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()
	meta := map[string]string{"protocol": res.Protocol, "phase": string(res.Phase)}
	key, err := a.Archive.UploadFile(ctx, fn, meta)
	if err != nil {
		log.Error("archiving results", "err", err)
		return
	}
	log.Info("archived results", "key", key)
}

// Router is the HTTP interface to the app.  The sourcemeter is locked while
// a protocol runs.
func (a *App) Router() chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}
	mount := func(stem string, h server.HTTPer, mw ...func(http.Handler) http.Handler) {
		r := chi.NewRouter()
		r.Use(mw...)
		h.RT().Bind(r)
		root.Mount(stem, r)
		supergraph[stem] = h.RT().Endpoints()
	}

	sm := sourcemeter.NewHTTPSourceMeter(a.Instrument)
	lock := locker.New()
	lock.Busy = a.Runner.Busy
	locker.Inject(sm, lock)
	mount("/sourcemeter", sm, lock.Check)
	mount("/runner", protocolhttp.NewHTTPRunner(a.Runner, a.Config.Output.Dir))
	if a.DB != nil {
		mount("/archive", a.DB)
	}
	root.Handle("/metrics", metrics.Handler(a.Registry))
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(supergraph); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}

// Close stops any run and releases the instrument and database
func (a *App) Close() error {
	a.Runner.Stop()
	a.Runner.Wait()
	var errs []error
	if cl, ok := a.Instrument.(io.Closer); ok {
		errs = append(errs, cl.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing: %w", err)
	}
	return nil
}
