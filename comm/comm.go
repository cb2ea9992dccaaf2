/*Package comm provides the connection plumbing used to talk to lab hardware.

Most usages of this package will boil down to:
	1.  pick a CreationFunc for the physical link (TCP, serial, USBTMC), usually
		with MakerFor(ParseResource("TCPIP0::192.168.1.20::inst0::INSTR"))
	2.  hand it to NewPool; instruments that cannot handle concurrent
		sessions get a pool of size 1
	3.  for every transaction, Get a connection, wrap it with NewTimeout and
		NewTerminator, and give it back with ReturnWithError

A minimal example for a device that responds to "*IDN?":

	pool := comm.NewPool(1, time.Minute, comm.BackingOffTCPConnMaker("scope:5025", 3*time.Second))
	conn, err := pool.Get()
	if err != nil {
		return err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	tw, _ := comm.NewTimeout(conn, 5*time.Second)
	term := comm.NewTerminator(tw, '\n', '\n')
	_, err = io.WriteString(term, "*IDN?")
	if err != nil {
		return err
	}
	idn, err := term.ReadMessage()
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when a wrapper is used without a connection
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// deadliner is satisfied by net.Conn and anything else that supports I/O deadlines
type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Timeout wraps a ReadWriter and refreshes the read and write deadline before every
// call.  If the wrapped value does not support deadlines, Timeout is a pass-through
// and the link's own transfer timeout governs.
type Timeout struct {
	rw io.ReadWriter
	dl deadliner
	d  time.Duration
}

// NewTimeout wraps rw in a Timeout with duration d.  d must be positive.
func NewTimeout(rw io.ReadWriter, d time.Duration) (*Timeout, error) {
	if rw == nil {
		return nil, ErrNotConnected
	}
	if d <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %v", d)
	}
	t := &Timeout{rw: rw, d: d}
	if dl, ok := rw.(deadliner); ok {
		t.dl = dl
	}
	return t, nil
}

// SetTimeout changes the duration used for subsequent calls
func (t *Timeout) SetTimeout(d time.Duration) {
	t.d = d
}

// Read calls Read on the wrapped value with a fresh deadline
func (t *Timeout) Read(p []byte) (int, error) {
	if t.dl != nil {
		if err := t.dl.SetReadDeadline(time.Now().Add(t.d)); err != nil {
			return 0, err
		}
	}
	return t.rw.Read(p)
}

// Write calls Write on the wrapped value with a fresh deadline
func (t *Timeout) Write(p []byte) (int, error) {
	if t.dl != nil {
		if err := t.dl.SetWriteDeadline(time.Now().Add(t.d)); err != nil {
			return 0, err
		}
	}
	return t.rw.Write(p)
}

// Terminator appends a transmit terminator to every write and splits reads on the
// receive terminator.  It buffers reads, so one Terminator should be used for a
// whole transaction.
type Terminator struct {
	w      io.Writer
	br     *bufio.Reader
	tx, rx byte
}

// NewTerminator wraps rw with tx/rx termination bytes
func NewTerminator(rw io.ReadWriter, tx, rx byte) *Terminator {
	return &Terminator{w: rw, br: bufio.NewReader(rw), tx: tx, rx: rx}
}

// Write sends p followed by the Tx terminator, unless p already ends with it.
// The returned count excludes the terminator.
func (t *Terminator) Write(p []byte) (int, error) {
	if len(p) > 0 && p[len(p)-1] == t.tx {
		return t.w.Write(p)
	}
	buf := make([]byte, len(p)+1)
	copy(buf, p)
	buf[len(p)] = t.tx
	n, err := t.w.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// Read reads up to and including the Rx terminator.  If p fills first,
// the remainder of the message is returned by the next call.
func (t *Terminator) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		b, err := t.br.ReadByte()
		if err != nil {
			return n, err
		}
		p[n] = b
		n++
		if b == t.rx {
			break
		}
	}
	return n, nil
}

// ReadMessage reads one message and strips the Rx terminator and any
// trailing carriage return
func (t *Terminator) ReadMessage() ([]byte, error) {
	buf, err := t.br.ReadBytes(t.rx)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	buf = bytes.TrimSuffix(buf, []byte{t.rx})
	buf = bytes.TrimSuffix(buf, []byte{'\r'})
	return buf, nil
}

// Buffered exposes the underlying buffered reader, for binary
// payloads that may legitimately contain the Rx terminator
func (t *Terminator) Buffered() *bufio.Reader {
	return t.br
}

// TCPSetup opens a new TCP connection with a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr with an exponential
// backoff.  Refused connections fail immediately; anything else is retried until
// the backoff gives up.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			c, err := TCPSetup(addr, timeout)
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					return backoff.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		}
		// instruments do not like being connection thrashed
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

// SerialConnMaker returns a CreationFunc that opens a serial port
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}
