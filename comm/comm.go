/*Package comm provides the transport layer shared by the lab hardware drivers.

Drivers do not hold connections themselves.  They hold a *Pool built from a
CreationFunc (SerialConnMaker or BackingOffTCPConnMaker), lease a connection
for the duration of one exchange, and wrap it in a Terminator to speak a line
oriented protocol:

	conn, err := pool.Get(ctx)
	if err != nil {
		return err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	wrap := comm.NewTerminator(conn, '\n', '\n')
	_, err = io.WriteString(wrap, "1500")
	if err != nil {
		return err
	}
	line, err := wrap.ReadLine()

The lease gives the caller exclusive use of the connection until it is
returned.
*/
package comm

import (
	"bufio"
	"context"
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
	// ErrNotConnected is generated when a nil connection is used
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the stream ends before the
	// termination byte is seen
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// MaxSerialReadTimeout is the longest read timeout a serial port honors.
// tarm/serial holds it in deciseconds in a single byte (VTIME) on posix.
const MaxSerialReadTimeout = 25500 * time.Millisecond

// SerialConf builds an 8N1 serial configuration.  readTimeout bounds each
// read; zero blocks forever, which the stage protocol does not want.  Values
// above MaxSerialReadTimeout are cut to it by the port.
func SerialConf(addr string, baud int, readTimeout time.Duration) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: readTimeout}
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
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

// SerialConnMaker returns a CreationFunc that opens the serial port described
// by conf, retrying with backoff
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return openWithBackoff(conf.Name, func() (io.ReadWriteCloser, error) {
			return serial.OpenPort(conf)
		})
	}
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr, retrying with
// backoff.  timeout is used for the dial and the initial deadlines.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return openWithBackoff(addr, func() (io.ReadWriteCloser, error) {
			return TCPSetup(addr, timeout)
		})
	}
}

// openWithBackoff calls open until it succeeds, it reports a refused
// connection, or the backoff expires
func openWithBackoff(addr string, open func() (io.ReadWriteCloser, error)) (io.ReadWriteCloser, error) {
	var (
		conn    io.ReadWriteCloser
		lastErr error
		refused bool
	)
	op := func() error {
		c, err := open()
		if err != nil {
			lastErr = err
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				refused = true
				return nil // stop retrying; nobody is listening
			}
			return err
		}
		conn = c
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if refused {
		return nil, lastErr
	}
	if err != nil {
		return nil, fmt.Errorf("connection timeout to %s: %w", addr, err)
	}
	return conn, nil
}

// Deadliner is implemented by connections that support I/O deadlines
type Deadliner interface {
	SetDeadline(time.Time) error
}

// SetDeadline applies a deadline of now+d to rw if it supports deadlines.
// Connections that do not (serial ports) are left untouched, they carry
// their timeout in their configuration.
func SetDeadline(rw io.ReadWriter, d time.Duration) error {
	if dl, ok := rw.(Deadliner); ok {
		return dl.SetDeadline(time.Now().Add(d))
	}
	return nil
}

// SetContextDeadline is SetDeadline using the deadline of ctx, if it has one
func SetContextDeadline(ctx context.Context, rw io.ReadWriter) error {
	dl, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	if d, ok := rw.(Deadliner); ok {
		return d.SetDeadline(dl)
	}
	return nil
}

// Terminator wraps a ReadWriter with line termination.  Writes have the Tx
// terminator appended; reads return one message at a time with the Rx
// terminator stripped.
type Terminator struct {
	rw io.ReadWriter
	br *bufio.Reader
	rx byte
	tx byte
}

// NewTerminator returns a Terminator wrapping rw
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, br: bufio.NewReader(rw), rx: rx, tx: tx}
}

// Write sends p followed by the Tx terminator in a single write
func (t *Terminator) Write(p []byte) (int, error) {
	if t.rw == nil {
		return 0, ErrNotConnected
	}
	buf := make([]byte, len(p), len(p)+1)
	copy(buf, p)
	buf = append(buf, t.tx)
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// Read reads through the next Rx terminator and copies the message, without
// the terminator, into p.  Messages longer than p are truncated.
func (t *Terminator) Read(p []byte) (int, error) {
	msg, err := t.readMessage()
	n := copy(p, msg)
	return n, err
}

// ReadLine reads one message and returns it as a string, without the
// terminator
func (t *Terminator) ReadLine() (string, error) {
	msg, err := t.readMessage()
	return string(msg), err
}

func (t *Terminator) readMessage() ([]byte, error) {
	if t.rw == nil {
		return nil, ErrNotConnected
	}
	buf, err := t.br.ReadBytes(t.rx)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return buf, err
	}
	return buf[:len(buf)-1], nil
}
