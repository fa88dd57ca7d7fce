package congestion

// trendPoints is how many trailing averages the trend looks at
const trendPoints = 3

// DetectTrend derives the trend from the last three averages. With fewer
// than three points it returns previous unchanged.
func DetectTrend(averages []int, previous Trend) Trend {
	if len(averages) < trendPoints {
		return previous
	}

	tail := averages[len(averages)-trendPoints:]
	a, b, c := tail[0], tail[1], tail[2]
	switch {
	case a < b && b < c:
		return TrendIncreasing
	case a > b && b > c:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
