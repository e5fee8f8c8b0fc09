package filter_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasmalab/probelab/filter"
	"github.com/plasmalab/probelab/oscilloscope"
)

func TestButterReferenceCoefficients(t *testing.T) {
	cases := []struct {
		order  int
		cutoff float64
		b, a   []float64
	}{
		{2, 0.1,
			[]float64{0.020083365564211232, 0.040166731128422464, 0.020083365564211232},
			[]float64{1, -1.5610180758007182, 0.6413515380575631}},
		{3, 0.05,
			[]float64{0.0004165461390757476, 0.0012496384172272427, 0.0012496384172272427, 0.0004165461390757476},
			[]float64{1, -2.6861573965481433, 2.419655110966472, -0.7301653453057227}},
		{1, 0.5,
			[]float64{0.5, 0.5},
			[]float64{1, 0}},
	}
	for _, c := range cases {
		coef, err := filter.Butter(c.order, c.cutoff)
		require.NoError(t, err)
		assert.InDeltaSlice(t, c.b, coef.B, 1e-12, "b for order %d cutoff %g", c.order, c.cutoff)
		assert.InDeltaSlice(t, c.a, coef.A, 1e-12, "a for order %d cutoff %g", c.order, c.cutoff)
	}
}

func TestButterRejectsBadDesign(t *testing.T) {
	for _, in := range []struct {
		order  int
		cutoff float64
	}{{0, 0.1}, {3, 0}, {3, 1}, {3, -0.2}, {3, math.NaN()}} {
		_, err := filter.Butter(in.order, in.cutoff)
		assert.ErrorIs(t, err, filter.ErrInvalidDesign, "order %d cutoff %g", in.order, in.cutoff)
	}
}

func TestFiltFiltPreservesConstant(t *testing.T) {
	coef, err := filter.Butter(3, 0.05)
	require.NoError(t, err)
	for _, level := range []float64{0, 3.3, -60, 1e4} {
		x := make([]float64, 50)
		for i := range x {
			x[i] = level
		}
		y, err := coef.FiltFilt(x)
		require.NoError(t, err)
		require.Len(t, y, len(x))
		for i := range y {
			if math.Abs(y[i]-level) > 1e-9*math.Max(1, math.Abs(level)) {
				t.Errorf("level %g: sample %d filtered to %g", level, i, y[i])
			}
		}
	}
}

func TestFiltFiltInsufficientSamples(t *testing.T) {
	coef, err := filter.Butter(3, 0.05)
	require.NoError(t, err)
	assert.Equal(t, 12, coef.PadLen())

	_, err = coef.FiltFilt(make([]float64, 12))
	assert.ErrorIs(t, err, filter.ErrInsufficientSamples)

	y, err := coef.FiltFilt(make([]float64, coef.MinSamples()))
	assert.NoError(t, err)
	assert.Len(t, y, 13)
}

func TestFiltFiltZeroPhase(t *testing.T) {
	coef, err := filter.Butter(3, 0.05)
	require.NoError(t, err)
	n := 201
	x := make([]float64, n)
	for i := range x {
		d := float64(i-100) / 15
		x[i] = math.Exp(-d * d)
	}
	orig := append([]float64(nil), x...)
	y, err := coef.FiltFilt(x)
	require.NoError(t, err)
	assert.Equal(t, orig, x, "input must not be modified")

	peak := 0
	for i := range y {
		if y[i] > y[peak] {
			peak = i
		}
		assert.InDelta(t, y[i], y[n-1-i], 1e-4, "sample %d", i)
	}
	assert.Equal(t, 100, peak, "a symmetric pulse must not be shifted")
}

func TestFiltFiltPassband(t *testing.T) {
	coef, err := filter.Butter(3, 0.1)
	require.NoError(t, err)
	x := make([]float64, 200)
	for i := range x {
		x[i] = math.Sin(2 * math.Pi * float64(i) / 50)
	}
	y, err := coef.FiltFilt(x)
	require.NoError(t, err)
	// period of 50 samples is 0.04 Nyquist, well inside the passband
	assert.InDelta(t, x[60], y[60], 0.01)
}

func TestSteadyStateStep(t *testing.T) {
	coef, err := filter.Butter(4, 0.2)
	require.NoError(t, err)
	zi, err := coef.SteadyState()
	require.NoError(t, err)
	x := []float64{1, 1, 1, 1, 1, 1}
	y, _, err := coef.Lfilter(x, zi)
	require.NoError(t, err)
	assert.InDeltaSlice(t, x, y, 1e-12, "a unit step started from steady state has no transient")
}

func TestApplyDoesNotAliasCapture(t *testing.T) {
	n := 64
	rows := make([][]float64, 5)
	for r := range rows {
		rows[r] = make([]float64, n)
		for i := range rows[r] {
			rows[r][i] = float64(i*r) * 0.1
		}
	}
	c, err := oscilloscope.FromRows(rows)
	require.NoError(t, err)
	before := c.Clone()

	out, err := filter.Default.Apply(c)
	require.NoError(t, err)
	assert.Equal(t, before, c)
	assert.Equal(t, c.Time, out.Time)
	out.Time[0] = 42
	assert.Equal(t, 0., c.Time[0])

	short, _ := oscilloscope.FromRows([][]float64{{0, 1}, {0, 1}, {0, 1}, {0, 1}, {0, 1}})
	_, err = filter.Default.Apply(short)
	assert.ErrorIs(t, err, filter.ErrInsufficientSamples)
}

func ExampleButter() {
	coef, _ := filter.Butter(2, 0.1)
	fmt.Printf("%.6f\n%.6f\n", coef.B, coef.A)
	// Output:
	// [0.020083 0.040167 0.020083]
	// [1.000000 -1.561018 0.641352]
}
