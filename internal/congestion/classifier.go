package congestion

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Default band boundaries, in vehicles per frame
const (
	DefaultHighThreshold     = 10
	DefaultModerateThreshold = 5
)

// Thresholds are inclusive lower bounds of the MODERATE and HIGH bands
type Thresholds struct {
	High     int
	Moderate int
}

// DefaultThresholds returns the stock band boundaries
func DefaultThresholds() Thresholds {
	return Thresholds{
		High:     DefaultHighThreshold,
		Moderate: DefaultModerateThreshold,
	}
}

// Validate rejects boundaries that would make a band unreachable
func (t Thresholds) Validate() error {
	if t.Moderate < 0 || t.High < 0 {
		return fmt.Errorf("thresholds must be non-negative (moderate=%d, high=%d)", t.Moderate, t.High)
	}
	if t.Moderate > t.High {
		return fmt.Errorf("moderate threshold %d exceeds high threshold %d", t.Moderate, t.High)
	}
	return nil
}

// Classify maps an interval's average count to its band. Ties resolve to
// the higher band.
func (t Thresholds) Classify(averageCount int) Level {
	switch {
	case averageCount >= t.High:
		return LevelHigh
	case averageCount >= t.Moderate:
		return LevelModerate
	default:
		return LevelLow
	}
}

// RoundMean returns the mean of counts rounded half-to-even. The division
// is done in decimal so a mean of exactly x.5 is never perturbed by binary
// floating point before rounding. An empty slice yields 0.
func RoundMean(counts []int) int {
	if len(counts) == 0 {
		return 0
	}

	var sum int64
	for _, c := range counts {
		sum += int64(c)
	}

	mean := decimal.NewFromInt(sum).Div(decimal.NewFromInt(int64(len(counts))))
	return int(mean.RoundBank(0).IntPart())
}
