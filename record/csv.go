package record

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"
)

// CSVLog appends rows to a text log, one line each
type CSVLog struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// NewCSVLog returns a log writing to w
func NewCSVLog(w io.Writer) *CSVLog {
	return &CSVLog{w: w}
}

// OpenCSVLog opens path for appending, creating it if needed
func OpenCSVLog(path string) (*CSVLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &CSVLog{w: f, c: f}, nil
}

// Record appends one line.  Each line is a single write so concurrent
// recorders never interleave within a line.
func (l *CSVLog) Record(ctx context.Context, r Row) error {
	if err := r.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := io.WriteString(l.w, r.Line())
	return err
}

// Close closes the underlying file, if the log opened one
func (l *CSVLog) Close() error {
	if l.c == nil {
		return nil
	}
	return l.c.Close()
}

// ReadAll parses every line of a text log.  Blank lines are skipped.
func ReadAll(r io.Reader) ([]Row, error) {
	var rows []Row
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		row, err := ParseLine(line)
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
	return rows, sc.Err()
}
