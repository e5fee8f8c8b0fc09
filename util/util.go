// Package util contains misc internal utilities.
package util

// Limiter is a type which imposes limits on a value
type Limiter struct {
	Min float64 `json:"min" yaml:"Min"`
	Max float64 `json:"max" yaml:"Max"`
}

// Check returns true if the value is within the limits, inclusive
func (l Limiter) Check(f float64) bool {
	return f >= l.Min && f <= l.Max
}

// Clamp returns f limited to [l.Min, l.Max]
func (l Limiter) Clamp(f float64) float64 {
	return Clamp(f, l.Min, l.Max)
}

// Clamp limits input to low <= input <= high
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}
