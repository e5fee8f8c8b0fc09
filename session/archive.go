package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/astrogo/fitsio"

	"github.com/plasmalab/probelab/oscilloscope"
	"github.com/plasmalab/probelab/stepper"
)

// archive formats
const (
	FormatText = "text"
	FormatFITS = "fits"
)

// Archive saves raw captures as sequentially numbered files in Dir
type Archive struct {
	Dir string

	// Format is FormatText (the default) or FormatFITS
	Format string

	mu   sync.Mutex
	next int
}

// NewArchive creates dir if needed.  Numbering continues after any files
// already there, so an archive never overwrites a shot.
func NewArchive(dir, format string) (*Archive, error) {
	switch format {
	case "":
		format = FormatText
	case FormatText, FormatFITS:
	default:
		return nil, fmt.Errorf("unknown archive format %q", format)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	a := &Archive{Dir: dir, Format: format}
	for {
		if _, err := os.Stat(a.path(a.next)); os.IsNotExist(err) {
			break
		}
		a.next++
	}
	return a, nil
}

func (a *Archive) path(i int) string {
	ext := ".txt"
	if a.Format == FormatFITS {
		ext = ".fits"
	}
	return filepath.Join(a.Dir, fmt.Sprintf("data_%d%s", i, ext))
}

// Save writes c to the next file and returns its path
func (a *Archive) Save(c oscilloscope.Capture, pos stepper.Position, tag string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var (
		p   string
		f   *os.File
		err error
	)
	for {
		p = a.path(a.next)
		f, err = os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if !os.IsExist(err) {
			break
		}
		// written by someone else since the directory was scanned
		a.next++
	}
	if err != nil {
		return "", err
	}
	if a.Format == FormatFITS {
		err = oscilloscope.EncodeFITS(f, c,
			fitsio.Card{Name: "POSMM", Value: pos.MM, Comment: "stage position [mm]"},
			fitsio.Card{Name: "POSSTEP", Value: int(pos.Steps), Comment: "stage position [steps]"},
			fitsio.Card{Name: "TAG", Value: tag},
		)
	} else {
		err = oscilloscope.EncodeText(f, c)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(p)
		return "", err
	}
	a.next++
	return p, nil
}
