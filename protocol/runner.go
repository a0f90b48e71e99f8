package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/nanoprep/procedure"
	"github.com/nasa-jpl/nanoprep/record"
)

// ErrBusy is returned when a run is requested while another is active
var ErrBusy = errors.New("a protocol is already running")

// Instrument is a sourcemeter the runner can set up and tear down
type Instrument interface {
	procedure.SourceMeter

	// Prepare readies the instrument to source voltage within compliance, A
	Prepare(compliance float64) error

	// Shutdown returns the instrument to a safe state
	Shutdown() error
}

// Phase is the state of the runner
type Phase string

// Phases of the runner.  A run moves from Running to one of the outcomes.
const (
	Idle      Phase = "idle"
	Running   Phase = "running"
	Completed Phase = "completed"
	Aborted   Phase = "aborted"
	Failed    Phase = "failed"
)

func phaseOf(o procedure.Outcome) Phase {
	switch o {
	case procedure.Completed:
		return Completed
	case procedure.Aborted:
		return Aborted
	default:
		return Failed
	}
}

// Request names a protocol and overrides some of its parameters
type Request struct {
	Protocol string         `json:"protocol"`
	Params   map[string]any `json:"params,omitempty"`
}

// Run describes one protocol execution
type Run struct {
	ID       string    `json:"id"`
	Protocol string    `json:"protocol"`
	Values   Values    `json:"-"`
	Started  time.Time `json:"started"`
}

// Result is the end of a run
type Result struct {
	Run
	Outcome  procedure.Outcome `json:"-"`
	Phase    Phase             `json:"phase"`
	Finished time.Time         `json:"finished"`
	Err      error             `json:"-"`
}

// Status is a snapshot of the runner
type Status struct {
	Phase    Phase         `json:"phase"`
	ID       string        `json:"id,omitempty"`
	Protocol string        `json:"protocol,omitempty"`
	Started  time.Time     `json:"started,omitempty"`
	Finished time.Time     `json:"finished,omitempty"`
	Progress float64       `json:"progress"`
	Last     record.Sample `json:"last"`
	Error    string        `json:"error,omitempty"`
}

// ConsumerFactory opens the consumers for a run.  A returned consumer that is
// an io.Closer is closed when the run ends.
type ConsumerFactory func(Run) (record.Consumer, error)

// Runner executes protocols on an instrument one at a time
type Runner struct {
	Instrument Instrument
	Registry   *Registry
	Settings   Settings

	// Offset is the pipette offset, V, applied to every run
	Offset float64

	// Compliance is the current limit passed to Prepare, A
	Compliance float64

	// Defaults holds site parameter values per protocol name.  Request
	// parameters take precedence.
	Defaults map[string]map[string]any

	Mode      record.Mode
	Style     record.ProgressStyle
	Consumers ConsumerFactory
	Log       *slog.Logger

	// OnFinish, if not nil, is called with every result after the runner is
	// released and before Wait returns
	OnFinish func(Result)

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
	done   chan struct{}
	status Status
}

// Status returns a snapshot of the runner
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Phase == "" {
		return Status{Phase: Idle}
	}
	return r.status
}

// Busy is true while a run is active
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

var unsafeID = regexp.MustCompile(`[^a-z0-9]+`)

func runID(name string, t time.Time) string {
	slug := strings.Trim(unsafeID.ReplaceAllString(strings.ToLower(name), "-"), "-")
	return t.Format("20060102-150405") + "-" + slug
}

// prepare resolves a request and claims the runner.  cancel aborts the run.
func (r *Runner) prepare(req Request, cancel context.CancelFunc) (Protocol, Run, error) {
	p, err := r.Registry.Get(req.Protocol)
	if err != nil {
		return Protocol{}, Run{}, err
	}
	params := req.Params
	if site := r.Defaults[p.Name]; len(site) > 0 {
		params = make(map[string]any, len(site)+len(req.Params))
		for k, v := range site {
			params[k] = v
		}
		for k, v := range req.Params {
			params[k] = v
		}
	}
	vals, err := p.Params.Resolve(params)
	if err != nil {
		return Protocol{}, Run{}, fmt.Errorf("%s: %w", p.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return Protocol{}, Run{}, ErrBusy
	}
	now := time.Now()
	run := Run{ID: runID(p.Name, now), Protocol: p.Name, Values: vals, Started: now}
	r.busy = true
	r.cancel = cancel
	r.done = make(chan struct{})
	r.status = Status{Phase: Running, ID: run.ID, Protocol: p.Name, Started: now}
	return p, run, nil
}

// board keeps the status current as samples arrive
type board struct {
	r *Runner
}

func (b board) Sample(s record.Sample) {
	b.r.mu.Lock()
	b.r.status.Last = s
	b.r.mu.Unlock()
}

func (b board) Progress(p float64) {
	b.r.mu.Lock()
	b.r.status.Progress = p
	b.r.mu.Unlock()
}

func (r *Runner) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

// execute runs a claimed protocol to the end and releases the runner
func (r *Runner) execute(ctx context.Context, p Protocol, run Run) (res Result) {
	log := r.logger().With("run", run.ID, "protocol", p.Name)
	res = Result{Run: run}
	defer func() {
		res.Finished = time.Now()
		res.Phase = phaseOf(res.Outcome)
		r.mu.Lock()
		r.status.Phase = res.Phase
		r.status.Finished = res.Finished
		if res.Err != nil {
			r.status.Error = res.Err.Error()
		}
		r.busy = false
		r.cancel = nil
		done := r.done
		r.mu.Unlock()
		log.Info("run finished", "outcome", res.Outcome, "elapsed", res.Finished.Sub(run.Started), "err", res.Err)
		if r.OnFinish != nil {
			r.OnFinish(res)
		}
		close(done)
	}()

	consumers := record.Tee{board{r}}
	if r.Consumers != nil {
		c, err := r.Consumers(run)
		if err != nil {
			res.Outcome, res.Err = procedure.Failed, fmt.Errorf("opening run output: %w", err)
			return
		}
		consumers = append(consumers, c)
	}
	defer func() {
		if err := consumers.Close(); err != nil {
			log.Error("closing run output", "err", err)
			if res.Err == nil {
				res.Err = err
			}
		}
	}()

	if err := r.Instrument.Prepare(r.Compliance); err != nil {
		res.Outcome, res.Err = procedure.Failed, fmt.Errorf("preparing instrument: %w", err)
		// a partially prepared instrument still needs to be made safe
		if serr := r.Instrument.Shutdown(); serr != nil {
			log.Error("shutting down instrument", "err", serr)
		}
		return
	}
	defer func() {
		if err := r.Instrument.Shutdown(); err != nil {
			log.Error("shutting down instrument", "err", err)
			if res.Err == nil {
				res.Outcome, res.Err = procedure.Failed, fmt.Errorf("shutting down instrument: %w", err)
			}
		}
	}()

	emitter := record.NewEmitter(consumers, r.Mode, r.Style)
	bench := procedure.NewBench(r.Instrument, emitter, procedure.FromContext(ctx, log), log)
	bench.Offset = r.Offset
	log.Info("run started", "offset", r.Offset)
	res.Outcome, res.Err = p.Run(bench, r.Settings, run.Values)
	return
}

// Run executes a protocol and blocks until it ends.  Cancelling ctx aborts it.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p, run, err := r.prepare(req, cancel)
	if err != nil {
		return Result{}, err
	}
	res := r.execute(ctx, p, run)
	return res, res.Err
}

// Start executes a protocol in the background and returns its run
func (r *Runner) Start(req Request) (Run, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p, run, err := r.prepare(req, cancel)
	if err != nil {
		cancel()
		return Run{}, err
	}
	go func() {
		defer cancel()
		r.execute(ctx, p, run)
	}()
	return run, nil
}

// Stop requests that the active run abort.  It returns false if nothing is
// running.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}

// Wait blocks until the active run, if any, has ended
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}
