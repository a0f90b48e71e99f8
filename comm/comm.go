/*Package comm provides pooled connections to lab hardware and wrappers that
frame and time out the traffic on them.

Most usages of this package will boil down to:
 1. choose a CreationFunc, e.g. BackingOffTCPConnMaker or SerialConnMaker
 2. make a Pool from it with NewPool
 3. for each exchange, Get a connection, wrap it in a Terminator (and
    optionally a Timeout), talk, then ReturnWithError

A minimal example for a sourcemeter that replies to ":READ?" with a reading:

	pool := comm.NewPool(1, time.Minute, comm.BackingOffTCPConnMaker(addr, time.Second))
	conn, err := pool.Get()
	if err != nil {
		return 0, err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	wrap := comm.NewTerminator(conn, '\n', '\n')
	if _, err = io.WriteString(wrap, ":READ?"); err != nil {
		return 0, err
	}
	buf := make([]byte, 64)
	n, err := wrap.Read(buf)
*/
package comm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrTerminatorNotFound is generated when the connection ends before the
	// termination byte of a response
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrBadTimeout is generated when a Timeout is made with a non-positive duration
	ErrBadTimeout = errors.New("timeout must be positive")
)

// CreationFunc is a function which returns a new "connection" to something.
// A closure should be used to encapsulate the variables needed.
type CreationFunc func() (io.ReadWriteCloser, error)

// deadliner is satisfied by net.Conn and anything wrapping one
type deadliner interface {
	SetDeadline(time.Time) error
}

// Terminator appends Tx to every write and reads up to and excluding Rx.
// It is meant to live for one exchange on a leased connection.
type Terminator struct {
	rw     io.ReadWriter
	br     *bufio.Reader
	rx, tx byte
}

// NewTerminator wraps rw with receive terminator rx and transmit terminator tx
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, br: bufio.NewReader(rw), rx: rx, tx: tx}
}

// Write sends p followed by the transmit terminator.  The returned count
// excludes the terminator.
func (t *Terminator) Write(p []byte) (int, error) {
	buf := make([]byte, len(p)+1)
	copy(buf, p)
	buf[len(p)] = t.tx
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// Read reads one message up to the receive terminator and copies it, without
// the terminator, into p.  A message longer than p is an io.ErrShortBuffer.
func (t *Terminator) Read(p []byte) (int, error) {
	msg, err := t.br.ReadBytes(t.rx)
	if err != nil {
		if errors.Is(err, io.EOF) && len(msg) > 0 {
			err = ErrTerminatorNotFound
		}
		return copy(p, msg), err
	}
	msg = msg[:len(msg)-1]
	n := copy(p, msg)
	if n < len(msg) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// SetDeadline forwards to the wrapped connection when it supports deadlines
func (t *Terminator) SetDeadline(d time.Time) error {
	if dl, ok := t.rw.(deadliner); ok {
		return dl.SetDeadline(d)
	}
	return nil
}

// Timeout bounds every Read and Write by a fixed duration.  Connections that
// cannot take deadlines (serial ports, which carry their own ReadTimeout, and
// USB) pass through unbounded.
type Timeout struct {
	rw io.ReadWriter
	d  time.Duration
}

// NewTimeout wraps rw so each operation must finish within d
func NewTimeout(rw io.ReadWriter, d time.Duration) (*Timeout, error) {
	if d <= 0 {
		return nil, ErrBadTimeout
	}
	return &Timeout{rw: rw, d: d}, nil
}

func (t *Timeout) arm() error {
	if dl, ok := t.rw.(deadliner); ok {
		return dl.SetDeadline(time.Now().Add(t.d))
	}
	return nil
}

func (t *Timeout) Read(p []byte) (int, error) {
	if err := t.arm(); err != nil {
		return 0, err
	}
	return t.rw.Read(p)
}

func (t *Timeout) Write(p []byte) (int, error) {
	if err := t.arm(); err != nil {
		return 0, err
	}
	return t.rw.Write(p)
}

// IsConnError reports whether err means the connection itself is no good, as
// opposed to the device rejecting a command
func IsConnError(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.ErrShortBuffer) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, ErrTerminatorNotFound)
}

// TCPSetup opens a new TCP connection with a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr, retrying with
// an exponential backoff for a few seconds.  Instruments behind serial to
// ethernet gateways do not like being connection thrashed.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			return err
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", addr, err)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc that opens the serial port in conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		port, err := serial.OpenPort(conf)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", conf.Name, err)
		}
		return port, nil
	}
}
