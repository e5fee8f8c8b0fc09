// Package langmuir derives electron temperature and plasma density from
// Langmuir probe voltages recorded on a four channel scope.
//
// A shot is analyzed in three steps: every channel is smoothed with a zero
// phase low-pass (package filter), the analysis window is found on the
// trigger channel (DetectWindow), and the temperature and density series are
// reduced to a mean and population standard deviation over that window
// (Calculator.Calculate).  Analyzer chains the three.
package langmuir

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/plasmalab/probelab/oscilloscope"
	"github.com/plasmalab/probelab/record"
)

var (
	// ErrNoTriggerDetected is generated when no trigger sample exceeds the threshold
	ErrNoTriggerDetected = errors.New("no trigger detected")

	// ErrDegenerateWindow is generated when the guard bands leave no usable window
	ErrDegenerateWindow = errors.New("degenerate trigger window")

	// ErrNumericInstability is generated when the temperature or density is
	// not finite inside the window
	ErrNumericInstability = errors.New("numeric instability")

	// ErrInvalidConfig is generated for a malformed analysis configuration
	ErrInvalidConfig = errors.New("invalid analysis configuration")
)

// ChannelMap assigns scope channels (1..4) to their roles in the analysis.
// The temperature is computed from CH[TempPlus]-CH[TempMinus] and the
// saturation current from CH[CurrentPlus]-CH[CurrentMinus].
type ChannelMap struct {
	TempPlus     int `yaml:"TempPlus" json:"tempPlus"`
	TempMinus    int `yaml:"TempMinus" json:"tempMinus"`
	CurrentPlus  int `yaml:"CurrentPlus" json:"currentPlus"`
	CurrentMinus int `yaml:"CurrentMinus" json:"currentMinus"`
}

// Validate checks every channel is in 1..4 and each pair names two channels
func (m ChannelMap) Validate() error {
	for _, ch := range []int{m.TempPlus, m.TempMinus, m.CurrentPlus, m.CurrentMinus} {
		if ch < 1 || ch > oscilloscope.NumChannels {
			return fmt.Errorf("%w: channel %d not in 1..4", ErrInvalidConfig, ch)
		}
	}
	if m.TempPlus == m.TempMinus {
		return fmt.Errorf("%w: temperature pair uses CH%d twice", ErrInvalidConfig, m.TempPlus)
	}
	if m.CurrentPlus == m.CurrentMinus {
		return fmt.Errorf("%w: current pair uses CH%d twice", ErrInvalidConfig, m.CurrentPlus)
	}
	return nil
}

// Probe holds the physical constants of the probe and plasma
type Probe struct {
	// Area is the probe cross section in mm^2
	Area float64 `yaml:"Area" json:"area"`

	// MassNumber is the effective ion mass number
	MassNumber float64 `yaml:"MassNumber" json:"massNumber"`

	// BiasVoltage is the probe bias, used by the double-probe temperature model
	BiasVoltage float64 `yaml:"BiasVoltage" json:"biasVoltage"`
}

// Calibration is the empirical curve from the current-sense voltage to the
// ion saturation current, I = 10^((dV-Offset)/Scale) / Shunt
type Calibration struct {
	Offset float64 `yaml:"Offset" json:"offset"`
	Scale  float64 `yaml:"Scale" json:"scale"`
	Shunt  float64 `yaml:"Shunt" json:"shunt"`
}

// Current converts a current-sense differential voltage to amperes
func (c Calibration) Current(dv float64) float64 {
	return math.Pow(10, (dv-c.Offset)/c.Scale) / c.Shunt
}

// TemperatureModel selects the formula converting the probe differential
// voltage into electron temperature
type TemperatureModel int

const (
	// Simplified is T = V/ln 2
	Simplified TemperatureModel = iota

	// DoubleProbe includes the bias voltage correction of the full double
	// probe characteristic
	DoubleProbe
)

func (m TemperatureModel) String() string {
	switch m {
	case Simplified:
		return "simplified"
	case DoubleProbe:
		return "double-probe"
	default:
		return fmt.Sprintf("TemperatureModel(%d)", int(m))
	}
}

// ParseTemperatureModel parses "simplified" or "double-probe".  The empty
// string is Simplified.
func ParseTemperatureModel(s string) (TemperatureModel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "simplified":
		return Simplified, nil
	case "double-probe", "doubleprobe", "double":
		return DoubleProbe, nil
	default:
		return Simplified, fmt.Errorf("%w: temperature model %q", ErrInvalidConfig, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (m TemperatureModel) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *TemperatureModel) UnmarshalText(b []byte) error {
	v, err := ParseTemperatureModel(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Temperature returns the electron temperature in eV for differential
// voltage v and bias voltage vb
func (m TemperatureModel) Temperature(v, vb float64) float64 {
	if m == DoubleProbe {
		r := vb / v
		return v / (math.Ln2 * (1 + math.Exp(-0.2567*r*r)) * (1 - math.Exp(0.9968*(2-r))))
	}
	return v / math.Ln2
}

// F1 is the empirical ion collection factor 1.05e9 * T^-0.5 / (exp(V/T) - 1)
func F1(v, t float64) float64 {
	return 1.05e9 * math.Pow(t, -0.5) / (math.Exp(v/t) - 1)
}

// Measurement is the mean and population standard deviation of a quantity
// over the analysis window
type Measurement struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

func (m Measurement) String() string {
	return fmt.Sprintf("%.2e+/-%.2e", m.Mean, m.Std)
}

// Result is the outcome of analyzing one shot
type Result struct {
	// Density is in particles per cm^3
	Density Measurement `json:"density"`

	// Temperature is in eV
	Temperature Measurement `json:"temperature"`

	Window Window `json:"window"`
}

// Record flattens the result into a persisted row
func (r Result) Record(tag string) record.Row {
	return record.Row{
		DensityMean:     r.Density.Mean,
		DensityStd:      r.Density.Std,
		TemperatureMean: r.Temperature.Mean,
		TemperatureStd:  r.Temperature.Std,
		Tag:             tag,
	}
}

// Series holds the instantaneous temperature and density for every sample
type Series struct {
	Temperature []float64
	Density     []float64
}

// Calculator converts filtered probe voltages into temperature and density
type Calculator struct {
	Channels    ChannelMap
	Probe       Probe
	Calibration Calibration
	Model       TemperatureModel
}

// Validate checks the calculator configuration
func (c Calculator) Validate() error {
	if err := c.Channels.Validate(); err != nil {
		return err
	}
	if !(c.Probe.Area > 0) || !(c.Probe.MassNumber > 0) {
		return fmt.Errorf("%w: probe area and ion mass number must be positive", ErrInvalidConfig)
	}
	if c.Calibration.Scale == 0 || c.Calibration.Shunt == 0 {
		return fmt.Errorf("%w: calibration scale and shunt must be nonzero", ErrInvalidConfig)
	}
	if c.Model != Simplified && c.Model != DoubleProbe {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, c.Model)
	}
	return nil
}

// Series computes the full-length temperature and density series.  Values
// may be non-finite outside the region of interest.
func (c Calculator) Series(shot oscilloscope.Capture) Series {
	n := shot.Len()
	s := Series{Temperature: make([]float64, n), Density: make([]float64, n)}
	tp, tm := shot.Channel(c.Channels.TempPlus), shot.Channel(c.Channels.TempMinus)
	ip, im := shot.Channel(c.Channels.CurrentPlus), shot.Channel(c.Channels.CurrentMinus)
	k := math.Sqrt(c.Probe.MassNumber) / c.Probe.Area * 1e6
	for i := 0; i < n; i++ {
		v := tp[i] - tm[i]
		t := c.Model.Temperature(v, c.Probe.BiasVoltage)
		s.Temperature[i] = t
		s.Density[i] = k * c.Calibration.Current(ip[i]-im[i]) * F1(v, t)
	}
	return s
}

// Calculate computes the series and reduces them over the window.  A zero or
// non-finite temperature, or a non-finite density, inside the window fails
// with ErrNumericInstability.
func (c Calculator) Calculate(shot oscilloscope.Capture, w Window) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}
	if len(w.Mask) != shot.Len() {
		return Result{}, fmt.Errorf("%w: window mask has %d samples, capture %d", ErrInvalidConfig, len(w.Mask), shot.Len())
	}
	s := c.Series(shot)
	temps := make([]float64, 0, w.Count)
	dens := make([]float64, 0, w.Count)
	for i, in := range w.Mask {
		if !in {
			continue
		}
		t, n := s.Temperature[i], s.Density[i]
		if t == 0 || !finite(t) {
			return Result{}, fmt.Errorf("%w: temperature %g at sample %d (t=%g)", ErrNumericInstability, t, i, shot.Time[i])
		}
		if !finite(n) {
			return Result{}, fmt.Errorf("%w: density %g at sample %d (t=%g)", ErrNumericInstability, n, i, shot.Time[i])
		}
		temps = append(temps, t)
		dens = append(dens, n)
	}
	if len(temps) == 0 {
		return Result{}, fmt.Errorf("%w: window [%g, %g) holds no samples", ErrDegenerateWindow, w.Lo, w.Hi)
	}
	res := Result{Window: w}
	res.Temperature.Mean, res.Temperature.Std = stat.PopMeanStdDev(temps, nil)
	res.Density.Mean, res.Density.Std = stat.PopMeanStdDev(dens, nil)
	for _, v := range []float64{res.Temperature.Mean, res.Temperature.Std, res.Density.Mean, res.Density.Std} {
		if !finite(v) {
			return Result{}, fmt.Errorf("%w: reduction overflowed", ErrNumericInstability)
		}
	}
	return res, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Combine merges the results of repeated shots at one position.  The means
// are averaged and the spreads are combined as sqrt(sum(std^2))/N.
func Combine(results []Result) (Result, error) {
	if len(results) == 0 {
		return Result{}, fmt.Errorf("%w: nothing to combine", ErrInvalidConfig)
	}
	var out Result
	var dv, tv float64
	for _, r := range results {
		out.Density.Mean += r.Density.Mean
		out.Temperature.Mean += r.Temperature.Mean
		dv += r.Density.Std * r.Density.Std
		tv += r.Temperature.Std * r.Temperature.Std
	}
	n := float64(len(results))
	out.Density.Mean /= n
	out.Temperature.Mean /= n
	out.Density.Std = math.Sqrt(dv) / n
	out.Temperature.Std = math.Sqrt(tv) / n
	return out, nil
}
