package oscilloscope_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasmalab/probelab/oscilloscope"
)

func ramp(n int) oscilloscope.Capture {
	rows := make([][]float64, 5)
	for r := range rows {
		rows[r] = make([]float64, n)
		for i := 0; i < n; i++ {
			rows[r][i] = float64(i) * float64(r+1) * 0.5
		}
	}
	c, err := oscilloscope.FromRows(rows)
	if err != nil {
		panic(err)
	}
	return c
}

func TestFromRowsShape(t *testing.T) {
	_, err := oscilloscope.FromRows([][]float64{{0, 1}, {0, 1}, {0, 1}, {0, 1}})
	assert.ErrorIs(t, err, oscilloscope.ErrShapeMismatch)

	_, err = oscilloscope.FromRows([][]float64{{0, 1}, {0, 1}, {0}, {0, 1}, {0, 1}})
	assert.ErrorIs(t, err, oscilloscope.ErrShapeMismatch)

	_, err = oscilloscope.FromRows([][]float64{{}, {}, {}, {}, {}})
	assert.ErrorIs(t, err, oscilloscope.ErrEmptyCapture)

	_, err = oscilloscope.FromRows([][]float64{{0, 2, 1}, {0, 1, 2}, {0, 1, 2}, {0, 1, 2}, {0, 1, 2}})
	assert.ErrorIs(t, err, oscilloscope.ErrNonMonotonicTime)

	// repeated timestamps are allowed
	_, err = oscilloscope.FromRows([][]float64{{0, 1, 1}, {0, 1, 2}, {0, 1, 2}, {0, 1, 2}, {0, 1, 2}})
	assert.NoError(t, err)
}

func TestFromRowsCopies(t *testing.T) {
	rows := [][]float64{{0, 1}, {1, 1}, {2, 2}, {3, 3}, {4, 4}}
	c, err := oscilloscope.FromRows(rows)
	require.NoError(t, err)
	rows[1][0] = 99
	assert.Equal(t, 1., c.Channel(1)[0])

	d := c.Clone()
	d.Channels[0][0] = -1
	assert.Equal(t, 1., c.Channel(1)[0])
}

func TestTextRoundTrip(t *testing.T) {
	c := ramp(32)
	var buf bytes.Buffer
	require.NoError(t, oscilloscope.EncodeText(&buf, c))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 32)
	assert.Len(t, strings.Fields(lines[0]), 5)

	out, err := oscilloscope.DecodeText(&buf)
	require.NoError(t, err)
	assert.Equal(t, c, out)
}

func TestDecodeTextHeaderAndComments(t *testing.T) {
	src := "t ch1 ch2 ch3 ch4\n# a comment\n0 1 2 3 4\n\n1e-6,5,6,7,8\n"
	c, err := oscilloscope.DecodeText(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1e-6}, c.Time)
	assert.Equal(t, []float64{4, 8}, c.Channel(4))
}

func TestDecodeTextBadColumns(t *testing.T) {
	_, err := oscilloscope.DecodeText(strings.NewReader("0 1 2 3 4\n1 2 3 4\n"))
	assert.ErrorIs(t, err, oscilloscope.ErrShapeMismatch)
}

func TestWaveformCapture(t *testing.T) {
	mk := func(v uint8) oscilloscope.Channel {
		return oscilloscope.Channel{Data: []uint8{v, v + 1, v + 2}, Scale: 0.5, Offset: 1, Reference: 127}
	}
	wav := oscilloscope.Waveform{DT: 1e-3, Channels: map[string]oscilloscope.Channel{
		"1": mk(127), "2": mk(128), "3": mk(129), "4": mk(130)}}
	c, err := wav.Capture([4]string{"1", "2", "3", "4"})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 1e-3, 2e-3}, c.Time, 1e-15)
	assert.Equal(t, []float64{1, 1.5, 2}, c.Channel(1))
	assert.Equal(t, []float64{2.5, 3, 3.5}, c.Channel(4))

	_, err = wav.Capture([4]string{"1", "2", "3", "5"})
	assert.Error(t, err)
}

func TestWaveformEncodeCSV(t *testing.T) {
	wav := oscilloscope.Waveform{DT: 0.5, Channels: map[string]oscilloscope.Channel{
		"b": {Data: []float64{1, 2}, Scale: 1},
		"a": {Data: []float64{3, 4}, Scale: 2},
	}}
	var buf bytes.Buffer
	require.NoError(t, wav.EncodeCSV(&buf))
	assert.Equal(t, "time,a,b\n0,6,1\n0.5,8,2\n", buf.String())
}

func TestEncodeFITS(t *testing.T) {
	c := ramp(8)
	var buf bytes.Buffer
	err := oscilloscope.EncodeFITS(&buf, c, fitsio.Card{Name: "POSMM", Value: 12.5})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("SIMPLE")))
	assert.Equal(t, 0, buf.Len()%2880, "FITS files are written in 2880 byte blocks")

	f, err := fitsio.Open(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	im := f.HDU(0).(fitsio.Image)
	assert.Equal(t, []int{5, 8}, im.Header().Axes())
}

func TestFileSourceReplaysInOrder(t *testing.T) {
	dir := t.TempDir()
	paths := []string{}
	for i := 1; i <= 2; i++ {
		c := ramp(4 * i)
		p := filepath.Join(dir, "data_"+string(rune('0'+i))+".txt")
		fh, err := os.Create(p)
		require.NoError(t, err)
		require.NoError(t, oscilloscope.EncodeText(fh, c))
		fh.Close()
		paths = append(paths, p)
	}
	src := &oscilloscope.FileSource{Paths: paths}
	ctx := context.Background()
	c, err := src.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Len())
	c, err = src.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, c.Len())
	_, err = src.Acquire(ctx)
	assert.ErrorIs(t, err, oscilloscope.ErrSourceExhausted)

	src.Loop = true
	c, err = src.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Len())
}
