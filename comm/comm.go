/*Package comm provides connection pooling and line-discipline wrappers for
communication with lab hardware.

Device packages hold a Pool and take connections from it around each
transaction.  The pool re-opens connections on demand and frees them after a
period of disuse, which keeps serial ports and single-socket instruments from
being held open forever by an idle server.
*/
package comm

import (
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// CreationFunc returns a new "connection" to something.  Use a closure to
// encapsulate the address, serial config, and so on.
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool holds one or more connections to a device.  Connections are created
// lazily, recycled with Put, discarded with Destroy, and all of them are
// closed after the pool has been full (nothing on lease) for the timeout.
// Pools are concurrent safe and must be created with NewPool.
type Pool struct {
	maxSize int
	onLease int
	timeout time.Duration
	conns   chan io.ReadWriteCloser
	freed   chan struct{}
	timer   *time.Timer
	maker   CreationFunc

	reclaiming bool
	mu         sync.Mutex
}

// NewPool creates a new pool of up to maxSize connections, which is drained
// after timeout of disuse.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		freed:   make(chan struct{}, 1),
		timer:   time.NewTimer(timeout),
		maker:   maker,
	}
	p.timer.Stop() // nothing to reclaim yet
	return p
}

// Get retrieves a connection from the pool, creating one if none are idle and
// the pool is not yet at capacity, or blocking until one is returned if it is.
// Return the connection with Put, ReturnWithError, or Destroy.  If the error
// is non-nil the connection must not be returned to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	// stopping an expired timer is allowed to fail; the reclaim goroutine
	// handles a drained channel without issue
	p.timer.Stop()

	for {
		p.mu.Lock()
		select {
		case c := <-p.conns:
			p.onLease++
			p.mu.Unlock()
			return c, nil
		default:
		}
		if p.onLease < p.maxSize {
			c, err := p.maker()
			if err == nil {
				p.onLease++
			}
			p.mu.Unlock()
			return c, err
		}
		// everything is out; wait without the lock so the holders can Put
		// or Destroy
		p.mu.Unlock()
		select {
		case c := <-p.conns:
			p.mu.Lock()
			p.onLease++
			p.mu.Unlock()
			return c, nil
		case <-p.freed:
			// capacity opened up; loop around and make a fresh connection
		}
	}
}

// Put restores a healthy connection to the pool for reuse.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.conns <- rwc
	p.mu.Lock()
	p.onLease--
	full := len(p.conns)+p.onLease == p.maxSize && p.onLease == 0
	p.mu.Unlock()
	if full {
		p.startReclaim()
	}
}

// Destroy closes a connection and removes it from the pool's accounting.
// Use it instead of Put when the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	if rwc, ok := rw.(io.ReadWriteCloser); ok {
		rwc.Close()
	}
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	// wake a waiter, if any, so it can replace the dead connection
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// ReturnWithError puts the connection back if err is nil and destroys it
// otherwise.  It exists so device code can clean up in a one-line defer.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if rw == nil {
		return
	}
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections owned by the pool, idle or leased.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections currently leased out.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Drain closes every idle connection immediately.  Leased connections are
// untouched; they are closed by their holders via Destroy.
func (p *Pool) Drain() error {
	var err error
	for {
		select {
		case c := <-p.conns:
			err = multierr.Append(err, c.Close())
		default:
			return err
		}
	}
}

// startReclaim arms the timer and ensures the reclaim goroutine is running.
// The goroutine lives for the life of the pool and closes every idle
// connection each time the timer fires; a Get between arms just stops the
// timer and the next full Put re-arms it.
func (p *Pool) startReclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer.Reset(p.timeout)
	if p.reclaiming {
		return
	}
	p.reclaiming = true
	go func() {
		for range p.timer.C {
			p.Drain()
		}
	}()
}
