// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/plasmalab/probelab/comm"
)

const (
	// DefaultTimeout bounds one exchange when the context has no deadline
	DefaultTimeout = 5 * time.Second

	// maxBlockDigits is the largest length-of-length an IEEE 488.2
	// definite length block header can have
	maxBlockDigits = 9

	// MaxBlockLen bounds the data of one binary block, well above the
	// largest record of a 10M point scope at one byte per point
	MaxBlockLen = 64 << 20
)

// ErrBadBlock is returned when a binary block header is malformed
var ErrBadBlock = errors.New("scpi: malformed binary block header")

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Timeout bounds each exchange, DefaultTimeout if zero
	Timeout time.Duration
}

func (s *SCPI) deadline(ctx context.Context, conn io.ReadWriter) error {
	if _, ok := ctx.Deadline(); ok {
		return comm.SetContextDeadline(ctx, conn)
	}
	to := s.Timeout
	if to == 0 {
		to = DefaultTimeout
	}
	return comm.SetDeadline(conn, to)
}

func (s *SCPI) wrapCmds(cmds []string) string {
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	return strings.Join(cmds, " ")
}

// DeviceError is an entry of the device's error queue
type DeviceError struct {
	Msg string
}

func (e *DeviceError) Error() string {
	return "scpi: device error " + e.Msg
}

func deviceError(str string) error {
	str = strings.TrimSpace(str)
	if strings.HasPrefix(str, "+0") || strings.HasPrefix(str, "0,") {
		return nil
	}
	return &DeviceError{Msg: str}
}

// release returns conn to the pool, destroying it unless err is nil or only
// an error reported by the device
func (s *SCPI) release(conn io.ReadWriter, err error) {
	var de *DeviceError
	if errors.As(err, &de) {
		err = nil
	}
	s.Pool.ReturnWithError(conn, err)
}

// Write sends a command to the device.  if f.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(ctx context.Context, cmds ...string) (err error) {
	conn, err := s.Pool.Get(ctx)
	if err != nil {
		return err
	}
	defer func() { s.release(conn, err) }()
	if err = s.deadline(ctx, conn); err != nil {
		return err
	}
	wrap := comm.NewTerminator(conn, '\n', '\n')
	_, err = io.WriteString(wrap, s.wrapCmds(cmds))
	if err != nil {
		return err
	}
	if s.Handshaking {
		var str string
		str, err = wrap.ReadLine()
		if err != nil {
			return err
		}
		return deviceError(str)
	}
	return nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(ctx context.Context, cmds ...string) (resp []byte, err error) {
	conn, err := s.Pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { s.release(conn, err) }()
	if err = s.deadline(ctx, conn); err != nil {
		return nil, err
	}
	wrap := comm.NewTerminator(conn, '\n', '\n')
	_, err = io.WriteString(wrap, s.wrapCmds(cmds))
	if err != nil {
		return nil, err
	}
	line, err := wrap.ReadLine()
	if err != nil {
		return nil, err
	}
	resp = []byte(strings.TrimSuffix(line, "\r"))
	if s.Handshaking {
		idx := strings.LastIndexByte(line, ';')
		if idx == -1 {
			return resp, fmt.Errorf("scpi: handshake missing from response %q", line)
		}
		if derr := deviceError(line[idx+1:]); derr != nil {
			return resp[:idx], derr
		}
		return resp[:idx], nil
	}
	return resp, nil
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(ctx context.Context, cmds ...string) (string, error) {
	resp, err := s.WriteRead(ctx, cmds...)
	return string(resp), err
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(ctx context.Context, cmds ...string) (float64, error) {
	resp, err := s.ReadString(ctx, cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(ctx context.Context, cmds ...string) (bool, error) {
	resp, err := s.ReadString(ctx, cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(resp))
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(ctx context.Context, cmds ...string) (int, error) {
	resp, err := s.ReadString(ctx, cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(resp))
}

// ReadBinaryBlock sends a query and reads an IEEE 488.2 definite length
// block, #<n><length><data>, in reply.  Handshaking is not applied.
func (s *SCPI) ReadBinaryBlock(ctx context.Context, cmds ...string) (data []byte, err error) {
	conn, err := s.Pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { s.release(conn, err) }()
	if err = s.deadline(ctx, conn); err != nil {
		return nil, err
	}
	wrap := comm.NewTerminator(conn, '\n', '\n')
	if _, err = io.WriteString(wrap, strings.Join(cmds, " ")); err != nil {
		return nil, err
	}
	br := bufio.NewReader(conn)
	data, err = readBlock(br)
	if err != nil {
		return nil, err
	}
	// the block is followed by the message terminator
	if b, perr := br.Peek(1); perr == nil && b[0] == '\n' {
		br.ReadByte()
	}
	return data, nil
}

func readBlock(br *bufio.Reader) ([]byte, error) {
	// skip any header such as ":CURVE " before the block
	if _, err := br.ReadBytes('#'); err != nil {
		return nil, err
	}
	c, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	n := int(c - '0')
	if n < 1 || n > maxBlockDigits {
		return nil, fmt.Errorf("%w: length of length %q", ErrBadBlock, c)
	}
	digits := make([]byte, n)
	if _, err = io.ReadFull(br, digits); err != nil {
		return nil, err
	}
	for _, d := range digits {
		if d < '0' || d > '9' {
			return nil, fmt.Errorf("%w: length %q", ErrBadBlock, digits)
		}
	}
	length, err := strconv.Atoi(string(digits))
	if err != nil || length < 0 {
		return nil, fmt.Errorf("%w: length %q", ErrBadBlock, digits)
	}
	if length > MaxBlockLen {
		return nil, fmt.Errorf("%w: length %d exceeds %d", ErrBadBlock, length, MaxBlockLen)
	}
	data := make([]byte, length)
	_, err = io.ReadFull(br, data)
	return data, err
}

// Raw sends a command to the device and returns a response if it was a query,
// else a blank string
func (s *SCPI) Raw(ctx context.Context, str string) (string, error) {
	cpy := *s
	cpy.Handshaking = false
	if strings.Contains(str, "?") {
		return cpy.ReadString(ctx, str)
	}
	return "", cpy.Write(ctx, str)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError(ctx context.Context) error {
	str, err := s.Raw(ctx, "SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return deviceError(str)
}

// AllErrors drains the error queue of the device, combining everything in it
// into one error.  It stops at the first failure to communicate.
func (s *SCPI) AllErrors(ctx context.Context) error {
	var errs error
	for {
		err := s.PopError(ctx)
		if err == nil {
			return errs
		}
		errs = multierr.Append(errs, err)
		var de *DeviceError
		if !errors.As(err, &de) {
			return errs
		}
	}
}
