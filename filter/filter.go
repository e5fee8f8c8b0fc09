// Package filter implements the zero-phase low-pass smoothing applied to
// probe channels before analysis.
//
// Butter designs a digital Butterworth low-pass; FiltFilt runs it forward
// and backward over an odd-extended copy of the signal so that the result
// has no phase shift.  Edge handling follows the usual filtfilt convention:
// 3*max(len(a), len(b)) samples of odd extension on each end, and initial
// conditions scaled from the filter's steady state.
package filter

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"

	"github.com/plasmalab/probelab/oscilloscope"
)

var (
	// ErrInsufficientSamples is generated when a signal is too short for the
	// edge padding required by the filter order
	ErrInsufficientSamples = errors.New("insufficient samples for filter")

	// ErrInvalidDesign is generated for a filter order < 1 or a cutoff
	// outside (0, 1)
	ErrInvalidDesign = errors.New("invalid filter design")
)

// Coefficients holds the transfer function of an IIR filter with A[0] == 1
type Coefficients struct {
	B []float64 `json:"b"`
	A []float64 `json:"a"`
}

// Butter designs an order'th order digital Butterworth low-pass filter.
// cutoff is normalized to the Nyquist frequency, 0 < cutoff < 1.
func Butter(order int, cutoff float64) (Coefficients, error) {
	if order < 1 {
		return Coefficients{}, fmt.Errorf("%w: order %d < 1", ErrInvalidDesign, order)
	}
	if !(cutoff > 0 && cutoff < 1) {
		return Coefficients{}, fmt.Errorf("%w: cutoff %g not in (0, 1)", ErrInvalidDesign, cutoff)
	}
	const fs2 = 4. // 2*fs with fs = 2, so the cutoff is relative to Nyquist
	warped := fs2 * math.Tan(math.Pi*cutoff/2)

	// analog prototype poles, scaled to the pre-warped cutoff
	poles := make([]complex128, order)
	for i := range poles {
		m := float64(-order + 1 + 2*i)
		poles[i] = -cmplx.Exp(complex(0, math.Pi*m/float64(2*order))) * complex(warped, 0)
	}
	gain := math.Pow(warped, float64(order))

	// bilinear transform
	zpoles := make([]complex128, order)
	zeros := make([]complex128, order)
	den := complex(1, 0)
	for i, p := range poles {
		zpoles[i] = (fs2 + p) / (fs2 - p)
		zeros[i] = -1
		den *= fs2 - p
	}
	gain *= real(1 / den)

	b := poly(zeros)
	a := poly(zpoles)
	coef := Coefficients{B: make([]float64, len(b)), A: make([]float64, len(a))}
	for i := range b {
		coef.B[i] = gain * real(b[i])
		coef.A[i] = real(a[i])
	}
	return coef, nil
}

// poly returns the coefficients of the monic polynomial with the given roots,
// highest power first
func poly(roots []complex128) []complex128 {
	c := []complex128{1}
	for _, r := range roots {
		next := make([]complex128, len(c)+1)
		for i, v := range c {
			next[i] += v
			next[i+1] -= v * r
		}
		c = next
	}
	return c
}

// Order returns the order of the filter
func (c Coefficients) Order() int {
	n := len(c.A)
	if len(c.B) > n {
		n = len(c.B)
	}
	return n - 1
}

// PadLen is the number of samples of odd extension FiltFilt adds to each end
func (c Coefficients) PadLen() int {
	return 3 * (c.Order() + 1)
}

// MinSamples is the shortest signal FiltFilt accepts
func (c Coefficients) MinSamples() int {
	return c.PadLen() + 1
}

// normalized returns b and a padded to equal length and scaled so a[0] == 1
func (c Coefficients) normalized() ([]float64, []float64, error) {
	if len(c.A) == 0 || len(c.B) == 0 || c.A[0] == 0 {
		return nil, nil, fmt.Errorf("%w: a[0] must be nonzero", ErrInvalidDesign)
	}
	n := c.Order() + 1
	b := make([]float64, n)
	a := make([]float64, n)
	copy(b, c.B)
	copy(a, c.A)
	a0 := a[0]
	for i := range a {
		a[i] /= a0
		b[i] /= a0
	}
	return b, a, nil
}

// SteadyState returns the initial state of the direct form II transposed
// delay line for which a unit step input produces a unit step output,
// scaled by the DC gain.  Multiply by the first sample to start a filter
// without a transient.
func (c Coefficients) SteadyState() ([]float64, error) {
	b, a, err := c.normalized()
	if err != nil {
		return nil, err
	}
	m := len(a) - 1
	if m == 0 {
		return []float64{}, nil
	}
	// (I - companion(a)^T) zi = b[1:] - a[1:]*b[0]
	lhs := mat.NewDense(m, m, nil)
	rhs := mat.NewVecDense(m, nil)
	for i := 0; i < m; i++ {
		lhs.Set(i, 0, a[i+1])
		if i+1 < m {
			lhs.Set(i, i+1, -1)
		}
		lhs.Set(i, i, lhs.At(i, i)+1)
		rhs.SetVec(i, b[i+1]-a[i+1]*b[0])
	}
	var zi mat.VecDense
	if err := zi.SolveVec(lhs, rhs); err != nil {
		return nil, fmt.Errorf("solving filter steady state: %w", err)
	}
	out := make([]float64, m)
	for i := range out {
		out[i] = zi.AtVec(i)
	}
	return out, nil
}

// Lfilter filters x with the direct form II transposed structure starting
// from delay line state zi (nil for rest).  It returns the output and the
// final state.
func (c Coefficients) Lfilter(x, zi []float64) ([]float64, []float64, error) {
	b, a, err := c.normalized()
	if err != nil {
		return nil, nil, err
	}
	m := len(a) - 1
	z := make([]float64, m)
	if zi != nil {
		if len(zi) != m {
			return nil, nil, fmt.Errorf("%w: initial state has length %d, want %d", ErrInvalidDesign, len(zi), m)
		}
		copy(z, zi)
	}
	y := make([]float64, len(x))
	for n, xn := range x {
		yn := b[0] * xn
		if m > 0 {
			yn += z[0]
			for i := 0; i < m-1; i++ {
				z[i] = b[i+1]*xn + z[i+1] - a[i+1]*yn
			}
			z[m-1] = b[m]*xn - a[m]*yn
		}
		y[n] = yn
	}
	return y, z, nil
}

// FiltFilt applies the filter forward and then backward, giving a zero
// phase result of the same length as x.  x is not modified.  Signals of
// PadLen() samples or fewer fail with ErrInsufficientSamples.
func (c Coefficients) FiltFilt(x []float64) ([]float64, error) {
	pad := c.PadLen()
	if len(x) <= pad {
		return nil, fmt.Errorf("%w: %d samples, need more than %d for order %d",
			ErrInsufficientSamples, len(x), pad, c.Order())
	}
	zi, err := c.SteadyState()
	if err != nil {
		return nil, err
	}
	ext := oddExtend(x, pad)
	scaled := make([]float64, len(zi))
	for i := range zi {
		scaled[i] = zi[i] * ext[0]
	}
	y, _, err := c.Lfilter(ext, scaled)
	if err != nil {
		return nil, err
	}
	reverse(y)
	for i := range zi {
		scaled[i] = zi[i] * y[0]
	}
	y, _, err = c.Lfilter(y, scaled)
	if err != nil {
		return nil, err
	}
	reverse(y)
	out := make([]float64, len(x))
	copy(out, y[pad:pad+len(x)])
	return out, nil
}

// oddExtend reflects n samples about each endpoint of x
func oddExtend(x []float64, n int) []float64 {
	last := len(x) - 1
	ext := make([]float64, 0, len(x)+2*n)
	for i := n; i > 0; i-- {
		ext = append(ext, 2*x[0]-x[i])
	}
	ext = append(ext, x...)
	for i := 1; i <= n; i++ {
		ext = append(ext, 2*x[last]-x[last-i])
	}
	return ext
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}

// Filter is the smoothing configuration applied to every probe channel
type Filter struct {
	// Order is the Butterworth order
	Order int `yaml:"Order"`

	// Cutoff is the cutoff frequency relative to Nyquist
	Cutoff float64 `yaml:"Cutoff"`
}

// Default is the smoothing used on the probe bench, 3rd order at 0.05 Nyquist
var Default = Filter{Order: 3, Cutoff: 0.05}

// Apply returns a new capture with CH1..CH4 zero-phase filtered.  The time
// axis is copied unchanged and c is not modified.
func (f Filter) Apply(c oscilloscope.Capture) (oscilloscope.Capture, error) {
	if err := c.Validate(); err != nil {
		if errors.Is(err, oscilloscope.ErrEmptyCapture) {
			return oscilloscope.Capture{}, fmt.Errorf("%w: %v", ErrInsufficientSamples, err)
		}
		return oscilloscope.Capture{}, err
	}
	coef, err := Butter(f.Order, f.Cutoff)
	if err != nil {
		return oscilloscope.Capture{}, err
	}
	out := oscilloscope.Capture{Time: append([]float64(nil), c.Time...)}
	for i, ch := range c.Channels {
		out.Channels[i], err = coef.FiltFilt(ch)
		if err != nil {
			return oscilloscope.Capture{}, fmt.Errorf("CH%d: %w", i+1, err)
		}
	}
	return out, nil
}
