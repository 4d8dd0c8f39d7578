// Package gate decides whether a classification is confident enough to be
// reported as a named identity.
package gate

import "math"

// DefaultThreshold is the minimum confidence, on the 0-100 scale, for accepting an identity.
const DefaultThreshold = 65.0

// Gate is a static confidence threshold.
type Gate struct {
	Threshold float64
}

// New returns a gate with the given threshold.
func New(threshold float64) Gate {
	return Gate{Threshold: threshold}
}

// Accept reports whether confidence reaches the threshold. It is evaluated on
// the raw value, before rounding for display.
func (g Gate) Accept(confidence float64) bool {
	return confidence >= g.Threshold
}

// Round2 rounds a confidence to two decimals for reporting.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
