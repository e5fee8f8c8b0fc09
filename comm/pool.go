package comm

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Get after Close
var ErrPoolClosed = errors.New("pool is closed")

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
//
// A pool of size one makes a device an exclusively owned resource: every
// caller of Get waits until the previous holder returns the connection.
type Pool struct {
	maxSize int
	timeout time.Duration // idle time after which all connections are freed; <= 0 never frees
	maker   CreationFunc

	lease chan struct{}           // one token per connection given out
	idle  chan io.ReadWriteCloser // connections not on lease

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewPool creates a new pool that will open up to maxSize connections with
// maker.  Once every connection has been returned and timeout has elapsed,
// they are closed.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		maker:   maker,
		lease:   make(chan struct{}, maxSize),
		idle:    make(chan io.ReadWriteCloser, maxSize),
	}
}

// Get retrieves a communicator from the pool, blocking until one is
// available or ctx is done.  It is guaranteed that there is no contention
// for the ReadWriter.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good.  ReturnWithError picks between the two.
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get(ctx context.Context) (io.ReadWriter, error) {
	select {
	case p.lease <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.lease
		return nil, ErrPoolClosed
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	select {
	case c := <-p.idle:
		return c, nil
	default:
	}
	c, err := p.maker()
	if err != nil {
		<-p.lease
		return nil, err
	}
	return c, nil
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		rwc.Close()
		<-p.lease
		return
	}
	p.idle <- rwc
	<-p.lease
	if len(p.lease) == 0 && p.timeout > 0 {
		p.startReclaim()
	}
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	if rwc, ok := rw.(io.ReadWriteCloser); ok {
		rwc.Close()
	}
	<-p.lease
}

// ReturnWithError returns rw with Put when err is nil and with Destroy
// otherwise.  It is meant to be deferred with a named error:
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
	return len(p.idle) + len(p.lease)
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	return len(p.lease)
}

// Close frees all idle connections.  Connections on lease are closed when
// they are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	return p.drain()
}

// startReclaim arms the timer that frees idle connections.  mu must be held.
func (p *Pool) startReclaim() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.timeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.lease) != 0 {
			return
		}
		p.drain()
		p.timer = nil
	})
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
