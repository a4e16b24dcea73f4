// Package trend digests historical check-in records into smoothed wellness
// scores, streak red flags, and weight-trend recommendations that feed the
// next plan generation. A trend memory is a pure function of recent history:
// it is recomputed on every generation request and never persisted, so it can
// never go stale.
package trend

import (
	"time"
)

// CheckIn is one dated wellness record. Metric fields are pointers: a nil
// field means the user skipped that metric that day, which excludes the day
// from that metric's series rather than polluting it with a zero.
type CheckIn struct {
	Date            time.Time `json:"date"`
	EnergyLevel     *int      `json:"energy_level,omitempty"`     // 1-10
	SleepHours      *float64  `json:"sleep_hours,omitempty"`      // hours
	StressLevel     *int      `json:"stress_level,omitempty"`     // 1-10
	HydrationLiters *float64  `json:"hydration_liters,omitempty"` // liters
	Soreness        []string  `json:"soreness,omitempty"`         // body parts
	Digestion       string    `json:"digestion,omitempty"`        // e.g. "normal", "bloated"
	WeightKg        *float64  `json:"weight_kg,omitempty"`
	OwnerID         string    `json:"owner_id,omitempty"`
}

// Metric identifies a scored wellness dimension.
type Metric string

// Scored metrics.
const (
	MetricSleep     Metric = "sleep"
	MetricEnergy    Metric = "energy"
	MetricHydration Metric = "hydration"
	MetricStress    Metric = "stress"
)

// Metrics lists all scored metrics in a stable order.
var Metrics = []Metric{MetricSleep, MetricEnergy, MetricHydration, MetricStress}

// Direction classifies a weight trend.
type Direction string

// Weight trend directions.
const (
	DirectionFlat Direction = "flat"
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// WeightTrend summarizes weight movement over the trend window.
type WeightTrend struct {
	DeltaKg   float64   `json:"delta_kg"`
	Direction Direction `json:"direction"`

	// KcalAdjustment is an advisory ±100 kcal recommendation, set only when
	// the direction contradicts the stated goal. It is input to the next
	// prompt, never an automatic mutation of stored targets.
	KcalAdjustment int `json:"kcal_adjustment,omitempty"`
}

// Memory is the derived, non-persisted trend value object consumed by the
// prompt builder.
type Memory struct {
	Scores           map[Metric][]float64 `json:"scores"`
	EMA              map[Metric]float64   `json:"ema"`
	SorenessHistory  [][]string           `json:"soreness_history"`
	SorenessStreaks  map[string]int       `json:"soreness_streaks"`
	DigestionHistory []string             `json:"digestion_history"`
	DigestionStreaks map[string]int       `json:"digestion_streaks"`
	WeightTrend      *WeightTrend         `json:"weight_trend,omitempty"`
}

// RedFlagSoreness returns body parts sore for at least streakRedFlag
// consecutive days, signaling the generator should back off volume there.
func (m *Memory) RedFlagSoreness() []string {
	var flagged []string
	for part, run := range m.SorenessStreaks {
		if run >= streakRedFlag {
			flagged = append(flagged, part)
		}
	}
	return flagged
}

// RedFlagDigestion returns digestion states repeated for at least
// streakRedFlag consecutive days.
func (m *Memory) RedFlagDigestion() []string {
	var flagged []string
	for state, run := range m.DigestionStreaks {
		if run >= streakRedFlag {
			flagged = append(flagged, state)
		}
	}
	return flagged
}
