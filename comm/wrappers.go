package comm

import (
	"bufio"
	"bytes"
	"io"
	"time"
)

// Terminator wraps a ReadWriter with transmit and receive termination bytes.
// Writes have the Tx terminator appended if absent; reads consume through the
// Rx terminator and strip it.
type Terminator struct {
	rw     io.ReadWriter
	rxTerm byte
	txTerm byte
}

// NewTerminator returns a Terminator around rw using the given bytes.
func NewTerminator(rw io.ReadWriter, rxTerm, txTerm byte) *Terminator {
	return &Terminator{rw: rw, rxTerm: rxTerm, txTerm: txTerm}
}

func (t *Terminator) Write(b []byte) (int, error) {
	if len(b) == 0 || b[len(b)-1] != t.txTerm {
		b = append(b, t.txTerm)
	}
	return t.rw.Write(b)
}

// Read consumes through the Rx terminator and strips it.  Anything buffered
// past the terminator is dropped with the transient reader, so callers must
// issue exactly one query per read.
func (t *Terminator) Read(b []byte) (int, error) {
	buf, err := bufio.NewReader(t.rw).ReadBytes(t.rxTerm)
	if err != nil {
		return 0, err
	}
	buf = bytes.TrimSuffix(buf, []byte{t.rxTerm})
	n := copy(b, buf)
	return n, nil
}

// deadliner is the subset of net.Conn used for timeouts.
type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// SetReadDeadline forwards to the underlying connection if it supports
// deadlines.
func (t *Terminator) SetReadDeadline(d time.Time) error {
	if dl, ok := t.rw.(deadliner); ok {
		return dl.SetReadDeadline(d)
	}
	return nil
}

// SetWriteDeadline forwards to the underlying connection if it supports
// deadlines.
func (t *Terminator) SetWriteDeadline(d time.Time) error {
	if dl, ok := t.rw.(deadliner); ok {
		return dl.SetWriteDeadline(d)
	}
	return nil
}

// Timeout wraps a ReadWriter, refreshing I/O deadlines before each read and
// write.
type Timeout struct {
	rw      io.ReadWriter
	dl      deadliner
	timeout time.Duration
}

// NewTimeout returns a Timeout around rw.  If rw does not support deadlines
// (serial ports configure a read timeout at open instead), rw is returned
// unchanged.
func NewTimeout(rw io.ReadWriter, timeout time.Duration) (io.ReadWriter, error) {
	dl, ok := rw.(deadliner)
	if !ok {
		return rw, nil
	}
	return &Timeout{rw: rw, dl: dl, timeout: timeout}, nil
}

func (t *Timeout) Read(b []byte) (int, error) {
	if err := t.dl.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.rw.Read(b)
}

func (t *Timeout) Write(b []byte) (int, error) {
	if err := t.dl.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.rw.Write(b)
}
