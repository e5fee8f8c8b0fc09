package oscilloscope

import (
	"io"

	"github.com/astrogo/fitsio"
)

// EncodeFITS writes the capture as a single 64-bit float image with NAXIS1=5
// (t, CH1..CH4) and NAXIS2=len(t), so each image row is one sample.
// metadata is appended to the primary header.
func EncodeFITS(w io.Writer, c Capture, metadata ...fitsio.Card) error {
	if err := c.Validate(); err != nil {
		return err
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	n := c.Len()
	dims := []int{NumChannels + 1, n}
	im := fitsio.NewImage(-64, dims)
	defer im.Close()
	metadata = append(metadata,
		fitsio.Card{Name: "COL0", Value: "time", Comment: "seconds"},
		fitsio.Card{Name: "COL1", Value: "CH1", Comment: "volts"},
		fitsio.Card{Name: "COL2", Value: "CH2", Comment: "volts"},
		fitsio.Card{Name: "COL3", Value: "CH3", Comment: "volts"},
		fitsio.Card{Name: "COL4", Value: "CH4", Comment: "volts"})
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}

	data := make([]float64, 0, n*(NumChannels+1))
	for i := 0; i < n; i++ {
		data = append(data, c.Time[i])
		for _, ch := range c.Channels {
			data = append(data, ch[i])
		}
	}
	err = im.Write(data)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
