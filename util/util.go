// Package util contains misc internal utilities.
package util

// Limiter holds a min/max range for a value, e.g. a software travel limit on
// a motion axis.  The zero value (both bounds zero) passes everything.
type Limiter struct {
	// Min is the lower bound
	Min float64 `json:"min" yaml:"Min"`

	// Max is the upper bound
	Max float64 `json:"max" yaml:"Max"`
}

// Check returns true if v is within the limits
func (l Limiter) Check(v float64) bool {
	if l.Min == 0 && l.Max == 0 {
		return true
	}
	return v >= l.Min && v <= l.Max
}

// Clamp returns v restricted to the limiter's range
func (l Limiter) Clamp(v float64) float64 {
	if l.Min == 0 && l.Max == 0 {
		return v
	}
	if v < l.Min {
		return l.Min
	}
	if v > l.Max {
		return l.Max
	}
	return v
}
