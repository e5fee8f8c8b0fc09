package oscilloscope

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// EncodeText writes the capture one sample per line, columns t CH1 CH2 CH3 CH4,
// space separated in %.18e.  This is the layout the bench scripts load with
// loadtxt(...).T
func EncodeText(w io.Writer, c Capture) error {
	if err := c.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	var sb strings.Builder
	for i := range c.Time {
		sb.Reset()
		sb.WriteString(strconv.FormatFloat(c.Time[i], 'e', 18, 64))
		for _, ch := range c.Channels {
			sb.WriteByte(' ')
			sb.WriteString(strconv.FormatFloat(ch[i], 'e', 18, 64))
		}
		sb.WriteByte('\n')
		if _, err := bw.WriteString(sb.String()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// DecodeText reads a capture written by EncodeText or savetxt.  Blank lines
// and lines starting with '#' are ignored, as is a single non-numeric header
// line at the top of the file.  Columns may be separated by whitespace or
// commas.
func DecodeText(r io.Reader) (Capture, error) {
	rows := make([][]float64, NumChannels+1)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineno := 0
	sawData := false
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		vals := make([]float64, len(fields))
		var perr error
		for i, f := range fields {
			vals[i], perr = strconv.ParseFloat(f, 64)
			if perr != nil {
				break
			}
		}
		if perr != nil {
			if !sawData && lineno == 1 {
				continue // header
			}
			return Capture{}, fmt.Errorf("line %d: %w", lineno, perr)
		}
		if len(vals) != NumChannels+1 {
			return Capture{}, fmt.Errorf("line %d: %w: got %d columns", lineno, ErrShapeMismatch, len(vals))
		}
		sawData = true
		for i, v := range vals {
			rows[i] = append(rows[i], v)
		}
	}
	if err := sc.Err(); err != nil {
		return Capture{}, err
	}
	return FromRows(rows)
}
