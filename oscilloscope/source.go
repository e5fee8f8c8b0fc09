package oscilloscope

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrSourceExhausted is returned by FileSource once every file has been replayed
var ErrSourceExhausted = errors.New("no more captures to replay")

// FileSource is an Acquirer that replays captures saved with EncodeText, in
// order.  It is used for offline reanalysis and for running the server
// without a scope attached.
type FileSource struct {
	Paths []string

	// Loop restarts from the first path after the last one
	Loop bool

	mu   sync.Mutex
	next int
}

// Acquire decodes the next file
func (f *FileSource) Acquire(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return Capture{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.Paths) {
		if !f.Loop || len(f.Paths) == 0 {
			return Capture{}, ErrSourceExhausted
		}
		f.next = 0
	}
	path := f.Paths[f.next]
	f.next++
	fh, err := os.Open(path)
	if err != nil {
		return Capture{}, err
	}
	defer fh.Close()
	c, err := DecodeText(fh)
	if err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
