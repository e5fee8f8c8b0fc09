package oscilloscope

import (
	"context"
	"errors"
	"fmt"
)

// NumChannels is the number of voltage channels in a Capture
const NumChannels = 4

var (
	// ErrShapeMismatch is generated when a table is not exactly one time row
	// and four channel rows of equal length
	ErrShapeMismatch = errors.New("capture must be 5 rows of equal length")

	// ErrEmptyCapture is generated when a capture holds no samples
	ErrEmptyCapture = errors.New("capture holds no samples")

	// ErrNonMonotonicTime is generated when the time axis decreases
	ErrNonMonotonicTime = errors.New("capture time axis is not monotonically non-decreasing")
)

// Acquirer produces one Capture per call.  Implementations serialize their
// own instrument session; at most one read is in flight at a time.
type Acquirer interface {
	Acquire(context.Context) (Capture, error)
}

// Capture is one time-aligned snapshot of the four scope channels.  The role
// of each channel is fixed by its position.
type Capture struct {
	// Time is the sample time axis, monotonically non-decreasing
	Time []float64 `json:"time"`

	// Channels holds CH1..CH4 at indices 0..3
	Channels [NumChannels][]float64 `json:"channels"`
}

// FromRows builds a Capture from a 5-row table: row 0 is time, rows 1-4 are
// CH1..CH4.  The rows are copied.
func FromRows(rows [][]float64) (Capture, error) {
	var c Capture
	if len(rows) != NumChannels+1 {
		return c, fmt.Errorf("%w: got %d rows", ErrShapeMismatch, len(rows))
	}
	c.Time = append([]float64(nil), rows[0]...)
	for i := 0; i < NumChannels; i++ {
		c.Channels[i] = append([]float64(nil), rows[i+1]...)
	}
	return c, c.Validate()
}

// Validate checks the shape invariants of the capture
func (c Capture) Validate() error {
	n := len(c.Time)
	for i, ch := range c.Channels {
		if len(ch) != n {
			return fmt.Errorf("%w: CH%d has %d samples, time has %d", ErrShapeMismatch, i+1, len(ch), n)
		}
	}
	if n == 0 {
		return ErrEmptyCapture
	}
	for i := 1; i < n; i++ {
		if c.Time[i] < c.Time[i-1] {
			return fmt.Errorf("%w: t[%d]=%g < t[%d]=%g", ErrNonMonotonicTime, i, c.Time[i], i-1, c.Time[i-1])
		}
	}
	return nil
}

// Len returns the number of samples
func (c Capture) Len() int {
	return len(c.Time)
}

// Channel returns CH n, 1-based.  It panics if n is out of range.
func (c Capture) Channel(n int) []float64 {
	return c.Channels[n-1]
}

// Rows returns the capture as a 5-row table sharing storage with c
func (c Capture) Rows() [][]float64 {
	rows := make([][]float64, 0, NumChannels+1)
	rows = append(rows, c.Time)
	for _, ch := range c.Channels {
		rows = append(rows, ch)
	}
	return rows
}

// Clone returns a deep copy of the capture
func (c Capture) Clone() Capture {
	out := Capture{Time: append([]float64(nil), c.Time...)}
	for i, ch := range c.Channels {
		out.Channels[i] = append([]float64(nil), ch...)
	}
	return out
}
