package langmuir

import (
	"fmt"

	"github.com/plasmalab/probelab/filter"
	"github.com/plasmalab/probelab/oscilloscope"
)

// Analyzer runs the full shot analysis: filter, rescale time, find the
// trigger window, and reduce temperature and density over it
type Analyzer struct {
	Filter filter.Filter

	// TimeScale multiplies the time axis before the window is found, 1e6
	// reports windows in microseconds.  Zero leaves the axis alone.
	TimeScale float64

	Trigger    Trigger
	Calculator Calculator
}

// DefaultAnalyzer is the configuration of the probe bench with the trigger on
// CH1, temperature from CH2-CH4, and saturation current from CH3-CH2
func DefaultAnalyzer() Analyzer {
	return Analyzer{
		Filter:    filter.Default,
		TimeScale: 1e6,
		Trigger:   Trigger{Channel: 1, Threshold: 1, GuardFront: 0.4, GuardBack: 0.1},
		Calculator: Calculator{
			Channels:    ChannelMap{TempPlus: 2, TempMinus: 4, CurrentPlus: 3, CurrentMinus: 2},
			Probe:       Probe{Area: 0.66, MassNumber: 40, BiasVoltage: 60},
			Calibration: Calibration{Offset: 2.65, Scale: 0.95, Shunt: 1.1},
			Model:       Simplified,
		},
	}
}

// CurrentTriggerAnalyzer is the alternate wiring with the current monitor on
// CH2 used as the trigger, temperature from CH3-CH1, and saturation current
// from CH3-CH4 on the 5.85 V calibration curve
func CurrentTriggerAnalyzer() Analyzer {
	return Analyzer{
		Filter:    filter.Default,
		TimeScale: 1,
		Trigger:   Trigger{Channel: 2, Threshold: 0.1, GuardFront: 0.1, GuardBack: 0.1},
		Calculator: Calculator{
			Channels:    ChannelMap{TempPlus: 3, TempMinus: 1, CurrentPlus: 3, CurrentMinus: 4},
			Probe:       Probe{Area: 0.66, MassNumber: 40, BiasVoltage: 60},
			Calibration: Calibration{Offset: 5.85, Scale: 1.0, Shunt: 1.1},
			Model:       Simplified,
		},
	}
}

// Validate checks the whole analysis configuration
func (a Analyzer) Validate() error {
	if _, err := filter.Butter(a.Filter.Order, a.Filter.Cutoff); err != nil {
		return err
	}
	if a.TimeScale < 0 {
		return fmt.Errorf("%w: time scale %g is negative", ErrInvalidConfig, a.TimeScale)
	}
	if err := a.Trigger.Validate(); err != nil {
		return err
	}
	return a.Calculator.Validate()
}

// Prepare filters the capture and rescales its time axis.  The result shares
// no storage with c.
func (a Analyzer) Prepare(c oscilloscope.Capture) (oscilloscope.Capture, error) {
	f, err := a.Filter.Apply(c)
	if err != nil {
		return f, err
	}
	if a.TimeScale != 0 && a.TimeScale != 1 {
		for i := range f.Time {
			f.Time[i] *= a.TimeScale
		}
	}
	return f, nil
}

// Analyze computes the density and temperature of one shot
func (a Analyzer) Analyze(c oscilloscope.Capture) (Result, error) {
	if err := a.Validate(); err != nil {
		return Result{}, err
	}
	f, err := a.Prepare(c)
	if err != nil {
		return Result{}, err
	}
	w, err := DetectWindow(f.Time, f.Channel(a.Trigger.Channel), a.Trigger)
	if err != nil {
		return Result{}, err
	}
	return a.Calculator.Calculate(f, w)
}
