package trend

import (
	"math"
	"sort"
)

const (
	// MinHistory is the default number of check-ins required before the
	// adaptive layer activates. Below it the builder returns nil rather than
	// guessing from sparse data.
	MinHistory = 4

	// emaAlpha is the fixed smoothing factor for the exponential moving average.
	emaAlpha = 0.6

	// emaWindow is how many recent days feed scoring, smoothing, and streaks.
	emaWindow = 4

	// weightWindow is how many recent days feed the weight trend.
	weightWindow = 7

	// flatThresholdKg is the |delta| below which weight is classified flat.
	flatThresholdKg = 0.2

	// streakRedFlag is the run length at which a repeated soreness or
	// digestion value becomes a red flag.
	streakRedFlag = 3

	// neutralScore is used for metrics with zero data points in the window.
	neutralScore = 0.5

	// kcalStep is the advisory calorie adjustment magnitude.
	kcalStep = 100
)

// Build converts check-in history into a trend memory for the given goal
// ("loss", "gain", or "maintain"). It returns nil when fewer than minHistory
// check-ins exist; pass minHistory <= 0 for the default.
func Build(checkins []CheckIn, minHistory int, goal string) *Memory {
	if minHistory <= 0 {
		minHistory = MinHistory
	}
	if len(checkins) < minHistory {
		return nil
	}

	// Oldest first; streaks and EMA seeding depend on chronological order.
	ordered := make([]CheckIn, len(checkins))
	copy(ordered, checkins)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Date.Before(ordered[j].Date)
	})

	recent := lastN(ordered, emaWindow)

	m := &Memory{
		Scores:           make(map[Metric][]float64, len(Metrics)),
		EMA:              make(map[Metric]float64, len(Metrics)),
		SorenessStreaks:  make(map[string]int),
		DigestionStreaks: make(map[string]int),
	}

	for _, metric := range Metrics {
		series := scoreSeries(recent, metric)
		m.Scores[metric] = series
		m.EMA[metric] = ema(series)
	}

	for _, c := range recent {
		m.SorenessHistory = append(m.SorenessHistory, c.Soreness)
		m.DigestionHistory = append(m.DigestionHistory, c.Digestion)
	}
	m.SorenessStreaks = sorenessStreaks(recent)
	m.DigestionStreaks = digestionStreaks(recent)

	m.WeightTrend = weightTrend(lastN(ordered, weightWindow), goal)

	return m
}

func lastN(checkins []CheckIn, n int) []CheckIn {
	if len(checkins) <= n {
		return checkins
	}
	return checkins[len(checkins)-n:]
}

// scoreSeries maps a metric's raw values to [0,1] scores across the window.
// Days without the metric are excluded from the series.
func scoreSeries(checkins []CheckIn, metric Metric) []float64 {
	var series []float64
	for _, c := range checkins {
		if score, ok := scoreMetric(c, metric); ok {
			series = append(series, score)
		}
	}
	return series
}

func scoreMetric(c CheckIn, metric Metric) (float64, bool) {
	switch metric {
	case MetricSleep:
		if c.SleepHours == nil {
			return 0, false
		}
		return scoreSleep(*c.SleepHours), true
	case MetricEnergy:
		if c.EnergyLevel == nil {
			return 0, false
		}
		return scoreTenScale(*c.EnergyLevel), true
	case MetricHydration:
		if c.HydrationLiters == nil {
			return 0, false
		}
		return scoreHydration(*c.HydrationLiters), true
	case MetricStress:
		if c.StressLevel == nil {
			return 0, false
		}
		// High stress is bad, so the ten-scale score is inverted.
		return 1 - scoreTenScale(*c.StressLevel), true
	}
	return 0, false
}

// scoreSleep is the fixed step function for nightly sleep hours. Oversleeping
// past 10h scores below a full night.
func scoreSleep(hours float64) float64 {
	switch {
	case hours < 2:
		return 0
	case hours < 4:
		return 0.25
	case hours < 7:
		return 0.5
	case hours <= 10:
		return 1.0
	default:
		return 0.75
	}
}

// scoreTenScale maps a 1-10 subjective rating to [0,1] in coarse steps.
func scoreTenScale(level int) float64 {
	switch {
	case level <= 2:
		return 0
	case level <= 4:
		return 0.25
	case level <= 6:
		return 0.5
	case level <= 8:
		return 0.75
	default:
		return 1.0
	}
}

// scoreHydration is the fixed step function for daily liters.
func scoreHydration(liters float64) float64 {
	switch {
	case liters < 1:
		return 0.25
	case liters < 2:
		return 0.5
	case liters < 3:
		return 0.75
	default:
		return 1.0
	}
}

// ema computes the exponential moving average of a score series, seeded with
// the oldest value. An empty series yields the neutral score.
func ema(series []float64) float64 {
	if len(series) == 0 {
		return neutralScore
	}
	value := series[0]
	for _, s := range series[1:] {
		value = emaAlpha*s + (1-emaAlpha)*value
	}
	return value
}

// sorenessStreaks finds, per body part, the longest run of consecutive days
// the part was reported sore within the window.
func sorenessStreaks(checkins []CheckIn) map[string]int {
	longest := make(map[string]int)
	current := make(map[string]int)

	for _, c := range checkins {
		today := make(map[string]bool, len(c.Soreness))
		for _, part := range c.Soreness {
			today[part] = true
			current[part]++
			if current[part] > longest[part] {
				longest[part] = current[part]
			}
		}
		for part := range current {
			if !today[part] {
				current[part] = 0
			}
		}
	}

	return longest
}

// digestionStreaks finds, per digestion state, the longest run of consecutive
// days with that state reported.
func digestionStreaks(checkins []CheckIn) map[string]int {
	longest := make(map[string]int)
	run := 0
	prev := ""

	for _, c := range checkins {
		if c.Digestion == "" {
			prev, run = "", 0
			continue
		}
		if c.Digestion == prev {
			run++
		} else {
			prev, run = c.Digestion, 1
		}
		if run > longest[c.Digestion] {
			longest[c.Digestion] = run
		}
	}

	return longest
}

// weightTrend computes the earliest-to-latest weight delta over the window
// and derives an advisory calorie adjustment only when the direction
// contradicts the stated goal.
func weightTrend(checkins []CheckIn, goal string) *WeightTrend {
	var weights []float64
	for _, c := range checkins {
		if c.WeightKg != nil {
			weights = append(weights, *c.WeightKg)
		}
	}
	if len(weights) < 2 {
		return nil
	}

	delta := weights[len(weights)-1] - weights[0]

	trend := &WeightTrend{DeltaKg: delta}
	switch {
	case math.Abs(delta) < flatThresholdKg:
		trend.Direction = DirectionFlat
	case delta > 0:
		trend.Direction = DirectionUp
	default:
		trend.Direction = DirectionDown
	}

	switch goal {
	case "loss":
		if trend.Direction == DirectionFlat || trend.Direction == DirectionUp {
			trend.KcalAdjustment = -kcalStep
		}
	case "gain":
		if trend.Direction == DirectionFlat || trend.Direction == DirectionDown {
			trend.KcalAdjustment = kcalStep
		}
	}

	return trend
}
