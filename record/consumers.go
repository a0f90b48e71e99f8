package record

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/nasa-jpl/nanoprep/opt"
)

type discard struct{}

func (discard) Sample(Sample)    {}
func (discard) Progress(float64) {}

// Discard is a Consumer that drops everything
var Discard Consumer = discard{}

// Funcs adapts a pair of functions to a Consumer.  Either may be nil.
type Funcs struct {
	OnSample   func(Sample)
	OnProgress func(float64)
}

// Sample calls OnSample
func (f Funcs) Sample(s Sample) {
	if f.OnSample != nil {
		f.OnSample(s)
	}
}

// Progress calls OnProgress
func (f Funcs) Progress(p float64) {
	if f.OnProgress != nil {
		f.OnProgress(p)
	}
}

// Tee fans out to every consumer in order
type Tee []Consumer

// Sample forwards s to every consumer
func (t Tee) Sample(s Sample) {
	for _, c := range t {
		c.Sample(s)
	}
}

// Progress forwards p to every consumer
func (t Tee) Progress(p float64) {
	for _, c := range t {
		c.Progress(p)
	}
}

// Close closes every consumer that is an io.Closer and returns the joined errors
func (t Tee) Close() error {
	var errs []error
	for _, c := range t {
		if cl, ok := c.(io.Closer); ok {
			errs = append(errs, cl.Close())
		}
	}
	return errors.Join(errs...)
}

type event struct {
	s        Sample
	p        float64
	progress bool
}

// Async moves delivery to a consumer onto its own goroutine.  Sample and
// Progress never block; when the buffer is full the event is dropped and
// counted.  Close must be called to flush and stop the goroutine.
type Async struct {
	next    Consumer
	events  chan event
	done    chan struct{}
	dropped atomic.Uint64
	once    sync.Once
}

// NewAsync starts delivering to next through a buffer of size buf
func NewAsync(next Consumer, buf int) *Async {
	a := &Async{
		next:   next,
		events: make(chan event, buf),
		done:   make(chan struct{}),
	}
	go a.drain()
	return a
}

func (a *Async) drain() {
	defer close(a.done)
	for ev := range a.events {
		if ev.progress {
			a.next.Progress(ev.p)
		} else {
			a.next.Sample(ev.s)
		}
	}
}

func (a *Async) push(ev event) {
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Sample enqueues s
func (a *Async) Sample(s Sample) {
	a.push(event{s: s})
}

// Progress enqueues p
func (a *Async) Progress(p float64) {
	a.push(event{p: p, progress: true})
}

// Dropped is the number of events lost to a full buffer
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close waits for the buffer to drain, then closes the wrapped consumer if
// it is an io.Closer.  Nothing may be sent after Close.
func (a *Async) Close() error {
	var err error
	a.once.Do(func() {
		close(a.events)
		<-a.done
		if cl, ok := a.next.(io.Closer); ok {
			err = cl.Close()
		}
	})
	return err
}

// Throttle limits the rate of samples reaching a consumer.  Progress and
// samples changing the state tag always pass.  Samples from a transient
// emitter that carry a diameter always pass; a sustained emitter repeats the
// last diameter on every sample, so from one only a new diameter passes.
type Throttle struct {
	next Consumer
	lim  *rate.Limiter
	mode Mode
	mu   sync.Mutex
	last Sample
}

// NewThrottle passes at most perSecond ordinary samples per second to next.
// mode is that of the emitter feeding the throttle.
func NewThrottle(next Consumer, perSecond float64, mode Mode) *Throttle {
	return &Throttle{next: next, lim: rate.NewLimiter(rate.Limit(perSecond), 1), mode: mode}
}

// Sample forwards s if it is significant or the rate allows
func (t *Throttle) Sample(s Sample) {
	t.mu.Lock()
	significant := changed(s.State, t.last.State) || changed(s.Diameter, t.last.Diameter)
	if t.mode == Transient && s.Diameter.Present() {
		significant = true
	}
	t.last.State = s.State.Else(t.last.State)
	t.last.Diameter = s.Diameter.Else(t.last.Diameter)
	t.mu.Unlock()
	if significant || t.lim.Allow() {
		t.next.Sample(s)
	}
}

// changed is true if v is present and differs from a previous value
func changed[T comparable](v, prev opt.Value[T]) bool {
	x, ok := v.Get()
	if !ok {
		return false
	}
	y, had := prev.Get()
	return !had || x != y
}

// Progress always forwards
func (t *Throttle) Progress(p float64) {
	t.next.Progress(p)
}

// Close closes the wrapped consumer if it is an io.Closer
func (t *Throttle) Close() error {
	if cl, ok := t.next.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
