// Package congestion turns per-interval vehicle counts into a debounced
// congestion level and a short-horizon trend.
package congestion

// Level is the discrete congestion band of one interval
type Level string

const (
	LevelLow      Level = "LOW"
	LevelModerate Level = "MODERATE"
	LevelHigh     Level = "HIGH"
)

// Rank orders levels LOW < MODERATE < HIGH. Unknown levels rank below LOW.
func (l Level) Rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelModerate:
		return 2
	case LevelHigh:
		return 3
	default:
		return 0
	}
}

// Trend is the direction of the last three smoothed averages
type Trend string

const (
	TrendIncreasing Trend = "INCREASING"
	TrendStable     Trend = "STABLE"
	TrendDecreasing Trend = "DECREASING"
)

// IntervalResult is the outcome of one completed interval
type IntervalResult struct {
	AverageCount int
	Level        Level
}
