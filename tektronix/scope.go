// Package tektronix reads four channel records from Tektronix TDS/DPO series
// oscilloscopes over their SCPI socket
package tektronix

import (
	"context"
	"fmt"
	"time"

	"github.com/plasmalab/probelab/comm"
	"github.com/plasmalab/probelab/oscilloscope"
	"github.com/plasmalab/probelab/scpi"
)

// Scope is an interface to a tektronix oscilloscope
type Scope struct {
	scpi.SCPI

	// Sources are the scope channels that become CH1..CH4 of a Capture
	Sources [oscilloscope.NumChannels]string
}

// NewScope creates a new scope instance.  Each exchange is bounded by timeout.
func NewScope(addr string, timeout time.Duration) *Scope {
	maker := comm.BackingOffTCPConnMaker(addr, timeout)
	pool := comm.NewPool(1, time.Hour, maker)
	return &Scope{
		SCPI:    scpi.SCPI{Pool: pool, Timeout: timeout},
		Sources: [oscilloscope.NumChannels]string{"CH1", "CH2", "CH3", "CH4"},
	}
}

// XIncrement gets the time delta of the current source's data record
func (s *Scope) XIncrement(ctx context.Context) (float64, error) {
	return s.ReadFloat(ctx, "WFMPRE:XINCR?")
}

// readChannel selects src and reads its record and vertical scaling
func (s *Scope) readChannel(ctx context.Context, src string, first bool) (ch oscilloscope.Channel, dt float64, err error) {
	// one byte per point, unsigned, so the record is plain []uint8
	for _, cmd := range []string{"DATA:SOU " + src, "DATA:WIDTH 1", "DATA:ENC RPB"} {
		if err = s.Write(ctx, cmd); err != nil {
			return ch, 0, err
		}
	}
	if first {
		dt, err = s.XIncrement(ctx)
		if err != nil {
			return ch, 0, err
		}
	}
	if ch.Scale, err = s.ReadFloat(ctx, "WFMPRE:YMULT?"); err != nil {
		return ch, 0, err
	}
	if ch.Offset, err = s.ReadFloat(ctx, "WFMPRE:YZERO?"); err != nil {
		return ch, 0, err
	}
	if ch.Reference, err = s.ReadFloat(ctx, "WFMPRE:YOFF?"); err != nil {
		return ch, 0, err
	}
	buf, err := s.ReadBinaryBlock(ctx, "CURVE?")
	if err != nil {
		return ch, 0, err
	}
	ch.Data = buf
	return ch, dt, nil
}

// AcquireWaveform reads the displayed records of the four sources.  The
// horizontal increment is taken from the first source and shared.
func (s *Scope) AcquireWaveform(ctx context.Context) (oscilloscope.Waveform, error) {
	ret := oscilloscope.Waveform{Channels: map[string]oscilloscope.Channel{}}
	for i, src := range s.Sources {
		ch, dt, err := s.readChannel(ctx, src, i == 0)
		if err != nil {
			return ret, fmt.Errorf("tektronix: reading %s: %w", src, err)
		}
		if i == 0 {
			ret.DT = dt
		}
		ret.Channels[src] = ch
	}
	return ret, nil
}

// Acquire reads one shot as a Capture, satisfying oscilloscope.Acquirer
func (s *Scope) Acquire(ctx context.Context) (oscilloscope.Capture, error) {
	wav, err := s.AcquireWaveform(ctx)
	if err != nil {
		return oscilloscope.Capture{}, err
	}
	return wav.Capture(s.Sources)
}

// Close releases the connection to the scope
func (s *Scope) Close() error {
	return s.Pool.Close()
}
