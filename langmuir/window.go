package langmuir

import (
	"fmt"
	"math"
)

// Trigger configures how the analysis window is found on the trigger channel
type Trigger struct {
	// Channel is the 1-based scope channel carrying the trigger/current signal
	Channel int `yaml:"Channel" json:"channel"`

	// Threshold is compared against the magnitude of the channel
	Threshold float64 `yaml:"Threshold" json:"threshold"`

	// GuardFront is the fraction of above-threshold samples dropped from
	// the start of the window
	GuardFront float64 `yaml:"GuardFront" json:"guardFront"`

	// GuardBack is the fraction of above-threshold samples dropped from
	// the end of the window
	GuardBack float64 `yaml:"GuardBack" json:"guardBack"`
}

// Validate checks the trigger configuration
func (t Trigger) Validate() error {
	if t.Channel < 1 || t.Channel > 4 {
		return fmt.Errorf("%w: trigger channel %d not in 1..4", ErrInvalidConfig, t.Channel)
	}
	if !(t.Threshold >= 0) || math.IsInf(t.Threshold, 0) {
		return fmt.Errorf("%w: trigger threshold %g must be finite and non-negative", ErrInvalidConfig, t.Threshold)
	}
	if !(t.GuardFront >= 0 && t.GuardFront < 1) || !(t.GuardBack >= 0 && t.GuardBack < 1) {
		return fmt.Errorf("%w: guard fractions (%g, %g) must be in [0, 1)", ErrInvalidConfig, t.GuardFront, t.GuardBack)
	}
	if t.GuardFront+t.GuardBack >= 1 {
		return fmt.Errorf("%w: guard fractions (%g, %g) leave nothing to analyze", ErrInvalidConfig, t.GuardFront, t.GuardBack)
	}
	return nil
}

// Window is the half-open interval [Lo, Hi) of the capture used for the
// statistics
type Window struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`

	// Mask marks the samples with Lo <= t < Hi
	Mask []bool `json:"-"`

	// Count is the number of true entries in Mask
	Count int `json:"count"`
}

// Contains reports if time t falls within the window
func (w Window) Contains(t float64) bool {
	return t >= w.Lo && t < w.Hi
}

// DetectWindow finds the samples where |ch| exceeds the threshold, drops the
// guard fractions of them from each end, and returns the window spanned by
// the remaining samples.
//
// The guards are taken in sample-index space, so the result follows the
// sampling density near the edges.  On a uniform time axis this is
// (t_i + GuardFront*L, t_f - GuardBack*L) with L = t_f - t_i.  A positive
// guard fraction always drops at least one sample.
func DetectWindow(t, ch []float64, trig Trigger) (Window, error) {
	if len(t) != len(ch) {
		return Window{}, fmt.Errorf("%w: time has %d samples, trigger channel %d", ErrInvalidConfig, len(t), len(ch))
	}
	var above []int
	for i, v := range ch {
		if math.Abs(v) > trig.Threshold {
			above = append(above, i)
		}
	}
	n := len(above)
	if n == 0 {
		return Window{}, fmt.Errorf("%w: no sample exceeds %g", ErrNoTriggerDetected, trig.Threshold)
	}
	front := guardCount(n, trig.GuardFront)
	back := guardCount(n, trig.GuardBack)
	if front+back >= n {
		return Window{}, fmt.Errorf("%w: %d samples above threshold, guards drop %d", ErrDegenerateWindow, n, front+back)
	}
	kept := above[front : n-back]
	w := Window{Lo: t[kept[0]], Hi: t[kept[len(kept)-1]]}
	if !(w.Lo < w.Hi) {
		return Window{}, fmt.Errorf("%w: [%g, %g)", ErrDegenerateWindow, w.Lo, w.Hi)
	}
	w.Mask = make([]bool, len(t))
	for i, ti := range t {
		if w.Contains(ti) {
			w.Mask[i] = true
			w.Count++
		}
	}
	return w, nil
}

func guardCount(n int, frac float64) int {
	c := int(float64(n) * frac)
	if c == 0 && frac > 0 {
		c = 1
	}
	return c
}
