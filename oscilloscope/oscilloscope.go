// Package oscilloscope provides type and interface definitions for oscilloscopes,
// and the four channel Capture consumed by the probe analysis
package oscilloscope

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Waveform describes a waveform recording from a scope
type Waveform struct {
	// DT is the temporal sample spacing in seconds
	DT float64 `json:"dt"`

	// Channels holds named data streams
	Channels map[string]Channel
}

// Channel represents a stream of data from an ADC.  To convert to physical units,
// compute (data-reference)*scale+offset
type Channel struct {
	// Data is the actual buffer, []byte, []int16, []uint16, or similar
	Data Data

	// Scale is the vertical scale of the data or size of a single increment
	// in Data's native dtype
	Scale float64

	// Offset is the offset applied to the data, in physical units
	Offset float64

	// Reference is the reference value for the given channel in DN
	Reference float64
}

// Data is a moniker for an empty interface, expected to be a slice of a concrete
// numerical type
type Data interface{}

// Physical computes the data scaled to real units
func (c Channel) Physical() []float64 {
	var raw []float64
	switch v := c.Data.(type) {
	case []uint8:
		raw = make([]float64, len(v))
		for i := range v {
			raw[i] = float64(v[i])
		}
	case []int8:
		raw = make([]float64, len(v))
		for i := range v {
			raw[i] = float64(v[i])
		}
	case []uint16:
		raw = make([]float64, len(v))
		for i := range v {
			raw[i] = float64(v[i])
		}
	case []int16:
		raw = make([]float64, len(v))
		for i := range v {
			raw[i] = float64(v[i])
		}
	case []int32:
		raw = make([]float64, len(v))
		for i := range v {
			raw[i] = float64(v[i])
		}
	case []float32:
		raw = make([]float64, len(v))
		for i := range v {
			raw[i] = float64(v[i])
		}
	case []float64:
		raw = make([]float64, len(v))
		copy(raw, v)
	default:
		panic("attempt to convert non numerical data to physical units")
	}
	for i := range raw {
		raw[i] = (raw[i]-c.Reference)*c.Scale + c.Offset
	}
	return raw
}

// Capture converts a waveform into a Capture.  order names the waveform
// channels that become CH1..CH4; the time axis is i*DT.
func (wav Waveform) Capture(order [NumChannels]string) (Capture, error) {
	var c Capture
	for i, name := range order {
		ch, ok := wav.Channels[name]
		if !ok {
			return c, fmt.Errorf("waveform has no channel %q", name)
		}
		c.Channels[i] = ch.Physical()
	}
	n := len(c.Channels[0])
	c.Time = make([]float64, n)
	for i := range c.Time {
		c.Time[i] = float64(i) * wav.DT
	}
	return c, c.Validate()
}

// EncodeCSV converts the waveform data to physical units
// and writes it to a CSV in streaming fashion.  Channels are written in
// lexical order of their names.
func (wav *Waveform) EncodeCSV(w io.Writer) error {
	labels := make([]string, 0, len(wav.Channels))
	for k := range wav.Channels {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	data := make([][]float64, len(labels))
	for j, l := range labels {
		data[j] = wav.Channels[l].Physical()
	}
	if len(data) == 0 {
		return ErrEmptyCapture
	}
	bw := bufio.NewWriter(w)
	writer := csv.NewWriter(bw)
	row := append([]string{"time"}, labels...)
	if err := writer.Write(row); err != nil {
		return err
	}
	for i := 0; i < len(data[0]); i++ {
		row[0] = strconv.FormatFloat(float64(i)*wav.DT, 'G', -1, 64)
		for j := 0; j < len(data); j++ {
			row[j+1] = strconv.FormatFloat(data[j][i], 'G', -1, 64)
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return bw.Flush()
}
