/*Package comm provides connection plumbing for talking to lab hardware.

A Maker produces connections (TCP or serial), a Pool keeps a bounded set of
them alive and hands them out one at a time, and the wrappers in wrap.go
take care of message terminators and I/O deadlines.  Devices in this suite
are strictly request/reply, so a pool of size one is the common case; the
pool exists so that a connection which has gone bad can be thrown away and
remade without the caller owning any dial logic.
*/
package comm

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// ErrPoolClosed is returned by Get after Close has been called
var ErrPoolClosed = errors.New("comm: pool is closed")

// Maker produces a new connection to a device.  Use a closure to bake in
// the address and any per-device settings.
type Maker func() (io.ReadWriteCloser, error)

// BackoffTCP returns a Maker that dials addr over TCP with exponential
// backoff.  Some devices (notably laser mainframes) refuse connections when
// thrashed, so the first refusal is not fatal; the dial is retried for up
// to maxWait before giving up.
func BackoffTCP(addr string, timeout, maxWait time.Duration) Maker {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = net.DialTimeout("tcp", addr, timeout)
			if err != nil && strings.Contains(strings.ToLower(err.Error()), "refused") {
				return err
			}
			if err != nil {
				// timeouts do not improve with retries, bail
				return backoff.Permanent(err)
			}
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         time.Second,
			MaxElapsedTime:      maxWait,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Serial returns a Maker that opens a serial port with the given config
func Serial(cfg *serial.Config) Maker {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(cfg)
	}
}

// Pool holds up to size connections to one device and lends them out one
// caller at a time.  Return healthy connections with Put and broken ones
// with Destroy.  Concurrent safe.
type Pool struct {
	mu     sync.Mutex
	idle   []io.ReadWriteCloser
	leased int
	size   int
	maker  Maker
	closed bool
	wait   chan struct{}
	done   chan struct{}
}

// NewPool creates a Pool of at most size connections produced by maker
func NewPool(size int, maker Maker) *Pool {
	return &Pool{
		size:  size,
		maker: maker,
		wait:  make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// Get returns a connection, dialing a fresh one if none are idle and the
// pool is not at capacity, or blocking until one is returned if it is.
// A connection obtained from Get must be given back via Put or Destroy.
func (p *Pool) Get() (io.ReadWriteCloser, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.leased++
			p.mu.Unlock()
			return conn, nil
		}
		if p.leased < p.size {
			p.leased++
			p.mu.Unlock()
			conn, err := p.maker()
			if err != nil {
				p.mu.Lock()
				p.leased--
				p.mu.Unlock()
			}
			return conn, err
		}
		p.mu.Unlock()
		// Close wakes blocked waiters through done; the loop re-checks
		// p.closed on the way around
		select {
		case <-p.wait:
		case <-p.done:
		}
	}
}

// Put returns a healthy connection to the pool
func (p *Pool) Put(conn io.ReadWriteCloser) {
	p.mu.Lock()
	p.leased--
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	select {
	case p.wait <- struct{}{}:
	default:
	}
}

// Destroy closes and discards a connection that has gone bad
func (p *Pool) Destroy(conn io.ReadWriteCloser) {
	p.mu.Lock()
	p.leased--
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	select {
	case p.wait <- struct{}{}:
	default:
	}
}

// ReturnWithError routes conn back to the pool, destroying it if err is
// non-nil.  Intended for use in a defer alongside a named error return.
func (p *Pool) ReturnWithError(conn io.ReadWriteCloser, err error) {
	if err != nil {
		p.Destroy(conn)
		return
	}
	p.Put(conn)
}

// Close closes all idle connections, marks the pool unusable, and unblocks
// any Get waiting on capacity
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	var err error
	for _, c := range p.idle {
		if cerr := c.Close(); cerr != nil {
			err = cerr
		}
	}
	p.idle = nil
	return err
}
