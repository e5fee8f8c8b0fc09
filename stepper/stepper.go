/*Package stepper drives the probe's linear stage over its serial link.

The firmware accepts one signed step count per line and answers each with
one acknowledgement line: normal, pos_limit, or neg_limit.  A move of any
length is broken into chunks of at most ChunkSteps and sent one chunk at a
time, waiting for the acknowledgement of each before sending the next.

The controller only commits a move to its position once every chunk has been
acknowledged.  A move stopped by a limit switch or a fault leaves the
position where it was; there is no encoder, so after such a move the only
way to know where the stage is is Zero.
*/
package stepper

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/plasmalab/probelab/comm"
)

const (
	// DefaultStepsPerMM is the lead screw calibration, 150000 steps over 75.6 mm
	DefaultStepsPerMM = 150000. / 75.6

	// DefaultChunkSteps is the largest step count sent in one command
	DefaultChunkSteps = 1500

	// DefaultBaud is the firmware's serial rate
	DefaultBaud = 9600

	// DefaultZeroTravelMM is how far Zero asks to move toward the negative
	// limit.  It is far beyond the travel so the switch is always reached.
	DefaultZeroTravelMM = 1e6
)

// Config holds the calibration and pacing of a stage
type Config struct {
	// Axis is the name the stage answers to on the Mover interface
	Axis string `yaml:"Axis"`

	// StepsPerMM is the calibration between steps and millimeters
	StepsPerMM float64 `yaml:"StepsPerMM"`

	// ChunkSteps bounds the magnitude of one command
	ChunkSteps int64 `yaml:"ChunkSteps"`

	// StepsPerSecond paces the chunks for firmware that acknowledges on
	// receipt instead of on completion.  Zero disables pacing.
	StepsPerSecond float64 `yaml:"StepsPerSecond"`

	// ZeroTravelMM is the displacement Zero requests toward the negative limit
	ZeroTravelMM float64 `yaml:"ZeroTravelMM"`

	// AckTimeout bounds the wait for one acknowledgement.  On a serial port
	// it may not exceed comm.MaxSerialReadTimeout.
	AckTimeout time.Duration `yaml:"AckTimeout"`
}

// DefaultConfig returns the configuration of the bench stage
func DefaultConfig() Config {
	return Config{
		Axis:         "X",
		StepsPerMM:   DefaultStepsPerMM,
		ChunkSteps:   DefaultChunkSteps,
		ZeroTravelMM: DefaultZeroTravelMM,
		AckTimeout:   25 * time.Second,
	}
}

func (c Config) validate() error {
	if !(c.StepsPerMM > 0) || math.IsInf(c.StepsPerMM, 0) {
		return fmt.Errorf("stepper: StepsPerMM %g must be positive", c.StepsPerMM)
	}
	if c.ChunkSteps < 1 {
		return fmt.Errorf("stepper: ChunkSteps %d must be at least 1", c.ChunkSteps)
	}
	if c.StepsPerSecond < 0 {
		return fmt.Errorf("stepper: StepsPerSecond %g is negative", c.StepsPerSecond)
	}
	if !(c.ZeroTravelMM > 0) {
		return fmt.Errorf("stepper: ZeroTravelMM %g must be positive", c.ZeroTravelMM)
	}
	return nil
}

// Progress is reported after every acknowledged chunk
type Progress struct {
	Chunk          int
	AckedSteps     int64
	RequestedSteps int64
}

// Option configures a Controller
type Option func(*Controller)

// WithProgress installs a callback invoked after every normally acknowledged
// chunk.  It runs on the caller's goroutine and must not call back into the
// controller's move methods.
func WithProgress(fn func(Progress)) Option {
	return func(c *Controller) {
		c.progress = fn
	}
}

// Controller is the stage protocol state machine.  It is safe for concurrent
// use; moves are serialized on the single connection of its pool.
type Controller struct {
	cfg      Config
	pool     *comm.Pool
	limiter  *rate.Limiter
	progress func(Progress)

	mu    sync.Mutex
	state State
	pos   Position
	fault string
	limit OutcomeKind
	stop  context.CancelFunc
}

// NewController creates a controller speaking over connections from pool.
// The pool should have size one so the link is exclusively owned.
func NewController(pool *comm.Pool, cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	lim := rate.NewLimiter(rate.Inf, int(cfg.ChunkSteps))
	if cfg.StepsPerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.StepsPerSecond), int(cfg.ChunkSteps))
	}
	c := &Controller{cfg: cfg, pool: pool, limiter: lim}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewSerial creates a controller on the serial port at addr.  The port is
// opened on first use and kept open; reopening resets most Arduino boards.
func NewSerial(addr string, baud int, cfg Config, opts ...Option) (*Controller, error) {
	if baud == 0 {
		baud = DefaultBaud
	}
	if cfg.AckTimeout > comm.MaxSerialReadTimeout {
		return nil, fmt.Errorf("stepper: AckTimeout %v exceeds the serial read timeout limit of %v", cfg.AckTimeout, comm.MaxSerialReadTimeout)
	}
	conf := comm.SerialConf(addr, baud, cfg.AckTimeout)
	pool := comm.NewPool(1, 0, comm.SerialConnMaker(conf))
	return NewController(pool, cfg, opts...)
}

// Config returns the controller's configuration
func (c *Controller) Config() Config {
	return c.cfg
}

// State returns the current protocol state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Position returns the committed position
func (c *Controller) Position() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// LastFault returns the raw acknowledgement or link error that faulted the
// controller, or "" if it is not faulted
func (c *Controller) LastFault() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// Limit returns PositiveLimit or NegativeLimit, whichever switch stopped the
// last move, while the state is LimitReached.  ok is false in any other state.
func (c *Controller) Limit() (kind OutcomeKind, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != LimitReached {
		return Completed, false
	}
	return c.limit, true
}

// Reset clears a fault or limit state so commands are accepted again.  The
// position is left as it was and should be treated as unknown until Zero.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Faulted {
		log.Printf("stage: reset from fault %q", c.fault)
	}
	c.state = Idle
	c.fault = ""
}

// Close releases the serial link
func (c *Controller) Close() error {
	return c.pool.Close()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) setLimit(kind OutcomeKind) {
	c.mu.Lock()
	c.state = LimitReached
	c.limit = kind
	c.mu.Unlock()
}

func (c *Controller) setFault(msg string) {
	c.mu.Lock()
	c.state = Faulted
	c.fault = msg
	c.mu.Unlock()
}

// MoveBy moves the stage by mm millimeters.
//
// A move stopped by a limit switch returns a PositiveLimit or NegativeLimit
// outcome and a nil error.  An unrecognized acknowledgement returns a
// *FaultError and a failed read or write a *LinkError; both leave the
// controller Faulted.  In all three cases the position is not changed.
//
// ctx is only checked between chunks; a chunk in flight always runs to its
// acknowledgement.  When ctx ends a move early the acknowledged chunks are
// committed, since each of them completed, and ctx.Err() is returned.
func (c *Controller) MoveBy(ctx context.Context, mm float64) (out Outcome, err error) {
	if math.IsNaN(mm) || math.IsInf(mm, 0) {
		return Outcome{Kind: Aborted}, ErrInvalidMove
	}
	conn, err := c.pool.Get(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Kind: Cancelled, Position: c.Position()}, ctx.Err()
		}
		c.setFault(err.Error())
		return Outcome{Kind: Aborted, Position: c.Position()}, &LinkError{Op: "open", Err: err}
	}
	var linkErr error
	defer func() { c.pool.ReturnWithError(conn, linkErr) }()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	c.mu.Lock()
	if c.state == Faulted {
		c.mu.Unlock()
		return Outcome{Kind: Aborted, Position: c.Position()}, ErrFaulted
	}
	start := c.pos
	c.stop = stop
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.stop = nil
		c.mu.Unlock()
	}()

	goal := int64(math.Round(mm * c.cfg.StepsPerMM))
	out = Outcome{RequestedSteps: goal, Position: start}
	wrap := comm.NewTerminator(conn, '\n', '\n')
	for out.AckedSteps != goal {
		if cerr := ctx.Err(); cerr != nil {
			return c.cancel(out, mm, cerr), cerr
		}
		chunk := goal - out.AckedSteps
		if chunk > c.cfg.ChunkSteps {
			chunk = c.cfg.ChunkSteps
		} else if chunk < -c.cfg.ChunkSteps {
			chunk = -c.cfg.ChunkSteps
		}
		if werr := c.limiter.WaitN(ctx, int(abs(chunk))); werr != nil {
			if cerr := ctx.Err(); cerr != nil {
				return c.cancel(out, mm, cerr), cerr
			}
			return c.cancel(out, mm, werr), werr
		}

		c.setState(Commanding)
		if derr := c.deadline(ctx, conn); derr != nil {
			linkErr = derr
			c.setFault(derr.Error())
			out.Kind = Aborted
			return out, &LinkError{Op: "set deadline", Err: derr}
		}
		_, werr := io.WriteString(wrap, strconv.FormatInt(chunk, 10))
		out.Chunks++
		if werr != nil {
			linkErr = werr
			c.setFault(werr.Error())
			out.Kind = Aborted
			return out, &LinkError{Op: "write", Err: werr}
		}

		c.setState(AwaitingAck)
		line, rerr := wrap.ReadLine()
		if rerr != nil {
			linkErr = rerr
			c.setFault(rerr.Error())
			log.Printf("stage: no acknowledgement to chunk %d (%d steps): %v", out.Chunks, chunk, rerr)
			out.Kind = Aborted
			return out, &LinkError{Op: "read acknowledgement", Err: rerr}
		}

		switch ParseAck(line) {
		case AckNormal:
			out.AckedSteps += chunk
			if c.progress != nil {
				c.progress(Progress{Chunk: out.Chunks, AckedSteps: out.AckedSteps, RequestedSteps: goal})
			}
		case AckPositiveLimit:
			c.setLimit(PositiveLimit)
			out.Kind = PositiveLimit
			log.Printf("stage: hit positive limit switch on chunk %d, %d of %d steps acknowledged", out.Chunks, out.AckedSteps, goal)
			return out, nil
		case AckNegativeLimit:
			c.setLimit(NegativeLimit)
			out.Kind = NegativeLimit
			log.Printf("stage: hit negative limit switch on chunk %d, %d of %d steps acknowledged", out.Chunks, out.AckedSteps, goal)
			return out, nil
		default:
			c.setFault(line)
			log.Printf("stage: stepping blocked by unknown source, firmware said %q", line)
			out.Kind = Aborted
			return out, &FaultError{Raw: line, Chunk: out.Chunks}
		}
	}

	c.mu.Lock()
	c.pos.MM = start.MM + mm
	c.pos.Steps = start.Steps + goal
	c.state = Idle
	out.Position = c.pos
	c.mu.Unlock()
	out.Kind = Completed
	return out, nil
}

// StopMove abandons the move in progress after the chunk in flight is
// acknowledged.  It does nothing if the stage is not moving.
func (c *Controller) StopMove() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		c.stop()
	}
}

// cancel commits the acknowledged part of an abandoned move
func (c *Controller) cancel(out Outcome, mm float64, cause error) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if out.AckedSteps != 0 {
		c.pos.Steps += out.AckedSteps
		c.pos.MM += float64(out.AckedSteps) / c.cfg.StepsPerMM
		log.Printf("stage: move of %.3f mm abandoned after %d steps: %v", mm, out.AckedSteps, cause)
	}
	c.state = Idle
	out.Kind = Cancelled
	out.Position = c.pos
	return out
}

// deadline bounds the next exchange by AckTimeout and by ctx
func (c *Controller) deadline(ctx context.Context, conn io.ReadWriter) error {
	d := c.cfg.AckTimeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); d <= 0 || rem < d {
			d = rem
		}
	}
	if d <= 0 {
		return nil
	}
	return comm.SetDeadline(conn, d)
}

// Zero drives the stage into the negative limit switch and calls that the
// origin.  Any outcome other than an error resets the position to zero.
func (c *Controller) Zero(ctx context.Context) (Outcome, error) {
	out, err := c.MoveBy(ctx, -c.cfg.ZeroTravelMM)
	if err != nil {
		return out, err
	}
	if out.Kind == PositiveLimit {
		log.Println("stage: zeroing stopped on the positive limit switch, check the limit wiring")
	}
	c.mu.Lock()
	c.pos = Position{}
	c.state = Idle
	out.Position = c.pos
	c.mu.Unlock()
	return out, nil
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
