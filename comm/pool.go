package comm

import (
	"io"
	"sync"
	"time"
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
//
// A pool of size 1 is an exclusive session: at most one command sequence is
// in flight against the instrument at a time.
type Pool struct {
	maxSize int
	timeout time.Duration           // time after all conns are returned to free them
	leases  chan struct{}           // one token per connection given out
	idle    chan io.ReadWriteCloser // connections waiting to be reused
	maker   CreationFunc

	mu    sync.Mutex
	timer *time.Timer // reclaims idle connections, nil when not armed
}

// NewPool creates a pool holding at most maxSize connections, which are freed
// timeout after the last one is returned
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		leases:  make(chan struct{}, maxSize),
		idle:    make(chan io.ReadWriteCloser, maxSize),
		maker:   maker,
	}
}

// Get retrieves a communicator from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contention
// for the ReadWriter.  The consumer should not attempt to cast it to its
// concrete type and use it outside this interface.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).  ReturnWithError
// picks between the two.
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.leases <- struct{}{}
	p.disarm()
	select {
	case c := <-p.idle:
		return c, nil
	default:
	}
	c, err := p.maker()
	if err != nil {
		<-p.leases
		return nil, err
	}
	return c, nil
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	p.idle <- rw.(io.ReadWriteCloser)
	<-p.leases
	if len(p.leases) == 0 {
		p.arm()
	}
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rw.(io.ReadWriteCloser).Close()
	<-p.leases
}

// ReturnWithError returns the connection to the pool if err is nil,
// and destroys it otherwise.  It is meant to be deferred:
//
//	defer func() { pool.ReturnWithError(conn, err) }()
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	return len(p.idle) + len(p.leases)
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	return len(p.leases)
}

// Close frees all idle connections
func (p *Pool) Close() error {
	p.disarm()
	return p.drain()
}

func (p *Pool) arm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.timeout, func() {
		if len(p.leases) == 0 {
			p.drain()
		}
	})
}

func (p *Pool) disarm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Pool) drain() error {
	var first error
	for {
		select {
		case c := <-p.idle:
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		default:
			return first
		}
	}
}
