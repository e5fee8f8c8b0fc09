package stepper

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/plasmalab/probelab/comm"
)

// Simulator is an in-process stand-in for the stage firmware.  It implements
// io.ReadWriteCloser: every line written is parsed as a step count, moves
// the simulated carriage within [Min, Max], and queues one acknowledgement
// to be read back.  A reply scripted in Replies for a chunk number replaces
// the acknowledgement and suppresses the motion of that chunk; the empty
// string means no reply at all, which reads as EOF.
type Simulator struct {
	mu sync.Mutex

	// Min and Max are the limit switch positions in steps
	Min, Max int64

	// Steps is the true carriage position in steps
	Steps int64

	// Replies overrides the acknowledgement of the n'th chunk, 1-based
	Replies map[int]string

	// Commands records every step count received
	Commands []int64

	Opens int

	in     bytes.Buffer
	out    bytes.Buffer
	closed bool
}

// NewSimulator returns a simulator with limit switches at min and max steps,
// starting at start
func NewSimulator(min, max, start int64) *Simulator {
	return &Simulator{Min: min, Max: max, Steps: start, Replies: map[int]string{}}
}

// NewSimulated returns a controller wired to sim
func NewSimulated(sim *Simulator, cfg Config, opts ...Option) (*Controller, error) {
	return NewController(sim.Pool(), cfg, opts...)
}

// Script sets the reply to chunk n
func (s *Simulator) Script(n int, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Replies == nil {
		s.Replies = map[int]string{}
	}
	s.Replies[n] = reply
}

// Received returns a copy of the commands received so far
func (s *Simulator) Received() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.Commands...)
}

// Position returns the carriage position in steps
func (s *Simulator) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Steps
}

// Pool returns a single connection pool that opens the simulator
func (s *Simulator) Pool() *comm.Pool {
	return comm.NewPool(1, 0, s.open)
}

// open makes the simulator usable again after Close, like reopening a port
func (s *Simulator) open() (io.ReadWriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
	s.in.Reset()
	s.out.Reset()
	s.Opens++
	return s, nil
}

// Write accepts command lines
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.in.Write(p)
	for {
		line, err := s.in.ReadString('\n')
		if err != nil {
			// partial line, keep it for the next write
			s.in.Reset()
			s.in.WriteString(line)
			break
		}
		s.handle(strings.TrimSpace(line))
	}
	return len(p), nil
}

func (s *Simulator) handle(cmd string) {
	steps, err := strconv.ParseInt(cmd, 10, 64)
	if err != nil {
		s.out.WriteString("bad_command " + cmd + "\n")
		return
	}
	s.Commands = append(s.Commands, steps)
	if reply, ok := s.Replies[len(s.Commands)]; ok {
		if reply != "" {
			s.out.WriteString(reply + "\n")
		}
		return
	}
	target := s.Steps + steps
	switch {
	case target > s.Max:
		s.Steps = s.Max
		s.out.WriteString(tokenPosLimit + "\n")
	case target < s.Min:
		s.Steps = s.Min
		s.out.WriteString(tokenNegLimit + "\n")
	default:
		s.Steps = target
		s.out.WriteString(tokenNormal + "\n")
	}
}

// Read returns queued acknowledgements, or io.EOF if there are none
func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if s.out.Len() == 0 {
		return 0, io.EOF
	}
	return s.out.Read(p)
}

// Close closes the simulated port
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
