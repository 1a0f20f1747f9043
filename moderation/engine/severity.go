package engine

import (
	"github.com/fedimod/warden/moderation/classifier"
)

// SeverityBands maps classifier confidence onto the 1-5 strike severity
// scale. The thresholds are policy, not law; they are configurable rather
// than hardcoded.
type SeverityBands struct {
	High float64
	Mid  float64
	Low  float64
}

func DefaultSeverityBands() SeverityBands {
	return SeverityBands{High: 0.95, Mid: 0.85, Low: 0.70}
}

// For returns the severity for one verdict. CSAM is always maximal
// regardless of confidence.
func (b SeverityBands) For(cat classifier.Category, confidence float64) int {
	if cat == classifier.CategoryCSAM {
		return 5
	}
	switch {
	case confidence >= b.High:
		return 4
	case confidence >= b.Mid:
		return 3
	case confidence >= b.Low:
		return 2
	default:
		return 1
	}
}
