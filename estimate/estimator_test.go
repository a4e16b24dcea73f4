package estimate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/planforge/planforge/plan"
)

func simpleProfile() *plan.Profile {
	return &plan.Profile{
		TrainingDays:       3,
		DailyCalorieTarget: 2000,
		DailyProteinTarget: 140,
		Goal:               plan.GoalMaintain,
	}
}

func complexProfile() *plan.Profile {
	return &plan.Profile{
		TrainingDays:       6,
		Equipment:          []string{"barbell", "dumbbells", "cables", "bands"},
		DietaryPrefs:       []string{"vegetarian", "no dairy"},
		Injuries:           []string{"left knee"},
		AvoidedExercises:   []string{"deadlift", "overhead press"},
		SpecialRequests:    "short sessions",
		Notes:              "travels a lot",
		DailyCalorieTarget: 2600,
		DailyProteinTarget: 180,
		Goal:               plan.GoalGain,
	}
}

func runs(durations ...float64) []RunRecord {
	out := make([]RunRecord, len(durations))
	for i, d := range durations {
		out[i] = RunRecord{
			Timestamp:       time.Date(2026, 8, 1+i, 12, 0, 0, 0, time.UTC),
			DurationSeconds: d,
			Success:         true,
		}
	}
	return out
}

func TestComplexityScore_Deterministic(t *testing.T) {
	p := complexProfile()
	assert.Equal(t, ComplexityScore(p), ComplexityScore(p))
}

func TestComplexityScore_MonotonicInFeatures(t *testing.T) {
	assert.Greater(t, ComplexityScore(complexProfile()), ComplexityScore(simpleProfile()))

	p := simpleProfile()
	base := ComplexityScore(p)

	p.Injuries = []string{"shoulder"}
	withInjury := ComplexityScore(p)
	assert.Equal(t, base+injuryPenalty, withInjury)

	p.TrainingDays++
	assert.Equal(t, withInjury+perTrainingDay, ComplexityScore(p))
}

func TestPredict_ProfileOnlyBelowMinSamples(t *testing.T) {
	p := simpleProfile()
	baseline := ComplexityScore(p)

	for _, history := range [][]RunRecord{nil, runs(100), runs(100, 200)} {
		est := Predict(p, history)
		assert.Equal(t, baseline, est.Seconds)
		assert.Equal(t, baseConfidence, est.Confidence)
	}
}

func TestPredict_BlendsWithHistory(t *testing.T) {
	p := simpleProfile()
	baseline := ComplexityScore(p) // 25 + 3*6 = 43

	est := Predict(p, runs(100, 110, 120)) // mean 110
	want := round1(0.4*baseline + 0.6*110)
	assert.Equal(t, want, est.Seconds)
	assert.Greater(t, est.Confidence, baseConfidence)
}

func TestPredict_Band(t *testing.T) {
	est := Predict(simpleProfile(), nil)
	assert.Equal(t, round1(est.Seconds*bandLow), est.Min)
	assert.Equal(t, round1(est.Seconds*bandHigh), est.Max)
	assert.Less(t, est.Min, est.Seconds)
	assert.Greater(t, est.Max, est.Seconds)
}

func TestPredict_IgnoresFailedRuns(t *testing.T) {
	p := simpleProfile()
	history := runs(100, 100, 100)
	history = append(history, RunRecord{DurationSeconds: 9999, Success: false})

	est := Predict(p, history)
	want := round1(0.4*ComplexityScore(p) + 0.6*100)
	assert.Equal(t, want, est.Seconds)
}

func TestPredict_CapsHistoryWindow(t *testing.T) {
	p := simpleProfile()

	// 30 old slow runs followed by 20 fast ones; only the last 20 count.
	var history []RunRecord
	for i := 0; i < 30; i++ {
		history = append(history, RunRecord{DurationSeconds: 500, Success: true})
	}
	history = append(history, runs(
		60, 60, 60, 60, 60, 60, 60, 60, 60, 60,
		60, 60, 60, 60, 60, 60, 60, 60, 60, 60)...)

	est := Predict(p, history)
	want := round1(0.4*ComplexityScore(p) + 0.6*60)
	assert.Equal(t, want, est.Seconds)
}

func TestPredict_ConfidenceCapped(t *testing.T) {
	durations := make([]float64, MaxHistory)
	for i := range durations {
		durations[i] = 90
	}
	est := Predict(simpleProfile(), runs(durations...))
	assert.LessOrEqual(t, est.Confidence, maxConfidence)
}
