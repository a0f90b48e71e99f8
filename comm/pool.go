package comm

import (
	"io"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// It is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maker   CreationFunc
	timeout time.Duration // idle time after all connections return before they are closed

	// lease holds one token per connection given out; a full channel blocks Get
	lease chan struct{}

	mu      sync.Mutex
	idle    []io.ReadWriteCloser
	onLease int
	reclaim *time.Timer
}

// NewPool creates a pool of at most maxSize connections made by maker.  A
// zero timeout keeps idle connections open until Close.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maker:   maker,
		timeout: timeout,
		lease:   make(chan struct{}, maxSize),
	}
}

// Get retrieves a connection, blocking until one is available if all are in
// use.  It is guaranteed that there is no contention for the ReadWriter.
//
// When done with the connection, return it with Put, or discard it with
// Destroy if it has become no good.  ReturnWithError chooses between the two.
//
// If the error from Get is not nil, you must not return the connection.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.lease <- struct{}{}
	p.mu.Lock()
	if p.reclaim != nil {
		p.reclaim.Stop()
		p.reclaim = nil
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.onLease++
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.maker()
	if err != nil {
		<-p.lease
		return nil, err
	}
	p.mu.Lock()
	p.onLease++
	p.mu.Unlock()
	return c, nil
}

// Put restores a connection to the pool.  It may be reused, or will be
// closed after all connections are returned and the timeout has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	p.mu.Lock()
	p.idle = append(p.idle, rw.(io.ReadWriteCloser))
	p.onLease--
	if p.onLease == 0 && p.timeout > 0 {
		p.reclaim = time.AfterFunc(p.timeout, p.closeIdle)
	}
	p.mu.Unlock()
	<-p.lease
}

// Destroy immediately closes a connection leased from the pool.  This should
// be used instead of Put if the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rw.(io.ReadWriteCloser).Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	<-p.lease
}

// ReturnWithError returns a connection with Put, or with Destroy if err says
// the connection is broken
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if IsConnError(err) {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// closeIdle closes the connections sitting in the pool
func (p *Pool) closeIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, c := range idle {
		c.Close()
	}
}

// Close closes every idle connection.  Leased connections are unaffected and
// may still be returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.reclaim != nil {
		p.reclaim.Stop()
		p.reclaim = nil
	}
	p.mu.Unlock()
	p.closeIdle()
	return nil
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.onLease
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}
