package comm

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// TCPSetup opens a new TCP connection and sets a deadline on connect, read,
// and write.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// backoffPolicy is the retry schedule used when opening connections.  Some
// instruments do not appreciate being connection thrashed, so the interval
// doubles from a small start and gives up after a few seconds.
func backoffPolicy() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock,
	}
}

// BackingOffTCPConnMaker returns a CreationFunc which dials addr over TCP,
// retrying with exponential backoff.  Connection-refused errors are retried;
// anything else aborts immediately.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					return err // retryable
				}
				return backoff.Permanent(err)
			}
			return nil
		}
		err := backoff.Retry(op, backoffPolicy())
		if err != nil {
			return nil, fmt.Errorf("connection to %s failed: %w", addr, err)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc which opens the serial port described
// by conf, retrying with the same backoff as the TCP maker.  The port's
// ReadTimeout stands in for deadlines, which serial connections lack.
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var port *serial.Port
		op := func() error {
			var err error
			port, err = serial.OpenPort(conf)
			return err
		}
		err := backoff.Retry(op, backoffPolicy())
		if err != nil {
			return nil, fmt.Errorf("opening serial port %s failed: %w", conf.Name, err)
		}
		return port, nil
	}
}
