package stepper

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"golang.org/x/time/rate"
)

// the Mover methods let the generic motion HTTP routes drive the stage

func (c *Controller) checkAxis(axis string) error {
	if c.cfg.Axis == "" || strings.EqualFold(axis, c.cfg.Axis) {
		return nil
	}
	return ErrUnknownAxis
}

func limitErr(out Outcome) error {
	if out.Kind == PositiveLimit || out.Kind == NegativeLimit {
		return &LimitError{Outcome: out}
	}
	return nil
}

// GetPos returns the committed position in mm
func (c *Controller) GetPos(axis string) (float64, error) {
	if err := c.checkAxis(axis); err != nil {
		return 0, err
	}
	return c.Position().MM, nil
}

// MoveRel moves the axis by mm.  A limit switch hit is reported as a
// *LimitError.
func (c *Controller) MoveRel(axis string, mm float64) error {
	if err := c.checkAxis(axis); err != nil {
		return err
	}
	out, err := c.MoveBy(context.Background(), mm)
	if err != nil {
		return err
	}
	return limitErr(out)
}

// MoveAbs moves the axis to mm relative to the last Zero
func (c *Controller) MoveAbs(axis string, mm float64) error {
	if err := c.checkAxis(axis); err != nil {
		return err
	}
	out, err := c.MoveBy(context.Background(), mm-c.Position().MM)
	if err != nil {
		return err
	}
	return limitErr(out)
}

// Home zeros the axis against the negative limit switch
func (c *Controller) Home(axis string) error {
	if err := c.checkAxis(axis); err != nil {
		return err
	}
	_, err := c.Zero(context.Background())
	return err
}

// Stop abandons the move in progress on the axis
func (c *Controller) Stop(axis string) error {
	if err := c.checkAxis(axis); err != nil {
		return err
	}
	c.StopMove()
	return nil
}

// SetVelocity paces the chunks at mmPerSec.  Zero removes the pacing.
func (c *Controller) SetVelocity(axis string, mmPerSec float64) error {
	if err := c.checkAxis(axis); err != nil {
		return err
	}
	if mmPerSec < 0 || math.IsNaN(mmPerSec) || math.IsInf(mmPerSec, 0) {
		return fmt.Errorf("velocity %g mm/s must be finite and non-negative", mmPerSec)
	}
	if mmPerSec == 0 {
		c.limiter.SetLimit(rate.Inf)
		return nil
	}
	c.limiter.SetLimit(rate.Limit(mmPerSec * c.cfg.StepsPerMM))
	return nil
}

// GetVelocity returns the pacing in mm/s, or zero if the chunks are not paced
func (c *Controller) GetVelocity(axis string) (float64, error) {
	if err := c.checkAxis(axis); err != nil {
		return 0, err
	}
	lim := c.limiter.Limit()
	if lim == rate.Inf {
		return 0, nil
	}
	return float64(lim) / c.cfg.StepsPerMM, nil
}

// GetInPosition returns true when no move is in progress
func (c *Controller) GetInPosition(axis string) (bool, error) {
	if err := c.checkAxis(axis); err != nil {
		return false, err
	}
	s := c.State()
	return s == Idle || s == LimitReached, nil
}

func chiAxis(r *http.Request) string {
	return chi.URLParam(r, "axis")
}
