// Package session runs probe measurements: acquire a shot, analyze it, and
// record the result tagged with the stage position.  The scope, stage, and
// recorders are injected so a session can run against real instruments,
// replayed files, or simulators alike.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"go.uber.org/multierr"

	"github.com/plasmalab/probelab/langmuir"
	"github.com/plasmalab/probelab/oscilloscope"
	"github.com/plasmalab/probelab/record"
	"github.com/plasmalab/probelab/stepper"
)

// ErrNoStage is returned by the motion methods of a session without a stage
var ErrNoStage = errors.New("session has no stage")

// Stage is the motion a session needs, satisfied by *stepper.Controller
type Stage interface {
	MoveBy(ctx context.Context, mm float64) (stepper.Outcome, error)
	Zero(ctx context.Context) (stepper.Outcome, error)
	Position() stepper.Position
}

// Analyzer turns a capture into a result, satisfied by langmuir.Analyzer
type Analyzer interface {
	Analyze(c oscilloscope.Capture) (langmuir.Result, error)
}

// Shot is one recorded measurement
type Shot struct {
	Result   langmuir.Result  `json:"result"`
	Position stepper.Position `json:"position"`
	Tag      string           `json:"tag"`

	// Archived is the path the raw capture was saved to, if any
	Archived string `json:"archived,omitempty"`
}

// Session holds the collaborators of a measurement.  Stage, Recorder, and
// Archive are optional.
type Session struct {
	Scope    oscilloscope.Acquirer
	Stage    Stage
	Analyzer Analyzer
	Recorder record.Recorder
	Archive  *Archive

	// recording serializes Record so archive names and rows stay in order
	recording sync.Mutex
}

func (s *Session) acquire(ctx context.Context) (oscilloscope.Capture, langmuir.Result, error) {
	c, err := s.Scope.Acquire(ctx)
	if err != nil {
		return c, langmuir.Result{}, fmt.Errorf("acquire: %w", err)
	}
	res, err := s.Analyzer.Analyze(c)
	if err != nil {
		return c, res, fmt.Errorf("analyze: %w", err)
	}
	return c, res, nil
}

// Measure acquires and analyzes one shot without recording it
func (s *Session) Measure(ctx context.Context) (langmuir.Result, error) {
	_, res, err := s.acquire(ctx)
	return res, err
}

// Record measures one shot and persists it.  An empty tag is replaced with
// the stage position in mm, "%.2f".  The raw capture is archived before the
// analysis so shots that fail to analyze are kept for inspection.
func (s *Session) Record(ctx context.Context, tag string) (Shot, error) {
	s.recording.Lock()
	defer s.recording.Unlock()

	var shot Shot
	if s.Stage != nil {
		shot.Position = s.Stage.Position()
		if tag == "" {
			tag = fmt.Sprintf("%.2f", shot.Position.MM)
		}
	}
	shot.Tag = tag

	c, err := s.Scope.Acquire(ctx)
	if err != nil {
		return shot, fmt.Errorf("acquire: %w", err)
	}
	if s.Archive != nil {
		shot.Archived, err = s.Archive.Save(c, shot.Position, tag)
		if err != nil {
			return shot, fmt.Errorf("archive: %w", err)
		}
	}
	shot.Result, err = s.Analyzer.Analyze(c)
	if err != nil {
		return shot, fmt.Errorf("analyze: %w", err)
	}
	if s.Recorder != nil {
		if err = s.Recorder.Record(ctx, shot.Result.Record(tag)); err != nil {
			return shot, fmt.Errorf("record: %w", err)
		}
	}
	log.Printf("session: recorded %q n=%s T=%s", tag, shot.Result.Density, shot.Result.Temperature)
	return shot, nil
}

// Move moves the stage by mm
func (s *Session) Move(ctx context.Context, mm float64) (stepper.Outcome, error) {
	if s.Stage == nil {
		return stepper.Outcome{}, ErrNoStage
	}
	return s.Stage.MoveBy(ctx, mm)
}

// Zero drives the stage to its origin
func (s *Session) Zero(ctx context.Context) (stepper.Outcome, error) {
	if s.Stage == nil {
		return stepper.Outcome{}, ErrNoStage
	}
	return s.Stage.Zero(ctx)
}

// Close closes every collaborator with a Close method
func (s *Session) Close() error {
	var err error
	for _, c := range []interface{}{s.Scope, s.Stage, s.Recorder} {
		if cl, ok := c.(interface{ Close() error }); ok {
			err = multierr.Append(err, cl.Close())
		}
	}
	return err
}
