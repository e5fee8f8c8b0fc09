// Package record persists measurement rows: one line per shot in the text log
// the analysis scripts read, and optionally a SQLite table keyed by run
package record

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

var (
	// ErrBadLine is returned by ParseLine for a line that is not a record
	ErrBadLine = errors.New("record: malformed line")

	// ErrBadTag is returned for a tag containing a line break
	ErrBadTag = errors.New("record: tag may not contain a line break")
)

// Row is one persisted measurement
type Row struct {
	DensityMean     float64 `json:"densityMean"`
	DensityStd      float64 `json:"densityStd"`
	TemperatureMean float64 `json:"temperatureMean"`
	TemperatureStd  float64 `json:"temperatureStd"`
	Tag             string  `json:"tag"`
}

// Line formats the row as it appears in the text log, with the trailing newline
func (r Row) Line() string {
	return fmt.Sprintf("%.4e,%.4e,%.4e,%.4e,%s\n", r.DensityMean, r.DensityStd, r.TemperatureMean, r.TemperatureStd, r.Tag)
}

func (r Row) validate() error {
	if strings.ContainsAny(r.Tag, "\r\n") {
		return ErrBadTag
	}
	return nil
}

// ParseLine is the inverse of Line.  The tag is everything after the fourth
// comma, so it may itself contain commas.
func ParseLine(line string) (Row, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, ",", 5)
	if len(parts) != 5 {
		return Row{}, fmt.Errorf("%w: %q has %d fields", ErrBadLine, line, len(parts))
	}
	var (
		r   Row
		err error
	)
	dst := []*float64{&r.DensityMean, &r.DensityStd, &r.TemperatureMean, &r.TemperatureStd}
	for i, p := range dst {
		*p, err = strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return Row{}, fmt.Errorf("%w: field %d: %v", ErrBadLine, i+1, err)
		}
	}
	r.Tag = parts[4]
	return r, nil
}

// Recorder persists rows
type Recorder interface {
	Record(ctx context.Context, r Row) error
}

// Multi records to every recorder in turn.  All of them are attempted; the
// failures are combined.
type Multi []Recorder

// Record writes r to every recorder
func (m Multi) Record(ctx context.Context, r Row) error {
	var err error
	for _, rec := range m {
		err = multierr.Append(err, rec.Record(ctx, r))
	}
	return err
}

// Close closes every recorder that has a Close method
func (m Multi) Close() error {
	var err error
	for _, rec := range m {
		if c, ok := rec.(interface{ Close() error }); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
