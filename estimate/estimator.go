// Package estimate predicts wall-clock duration of a generation job from
// profile complexity and historical run data. Estimates feed UI progress
// only; they never influence orchestrator timeouts or retries.
package estimate

import (
	"math"
	"time"

	"github.com/planforge/planforge/plan"
)

// RunRecord is one completed generation run, stored by the run-history
// collaborator and read back here.
type RunRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	DurationSeconds float64   `json:"duration_seconds"`
	ComplexityScore float64   `json:"complexity_score"`
	Success         bool      `json:"success"`
}

// Estimate is a duration prediction with a confidence band.
type Estimate struct {
	Seconds    float64 `json:"seconds"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Confidence float64 `json:"confidence"`
}

// Blend and history parameters.
const (
	// MaxHistory caps how many recent runs are considered.
	MaxHistory = 20

	// minSamples is the history size below which the estimate is purely
	// profile-based.
	minSamples = 3

	profileWeight = 0.4
	historyWeight = 0.6
)

// Per-feature time weights, in seconds. These are fixed calibration
// constants, not tunables.
const (
	baseSeconds          = 25.0
	perTrainingDay       = 6.0
	perEquipmentItem     = 1.5
	perDietaryPref       = 4.0
	perAvoidedExercise   = 2.0
	injuryPenalty        = 10.0
	specialRequestsBonus = 8.0
	notesBonus           = 5.0
)

// Band and confidence parameters.
const (
	bandLow  = 0.7
	bandHigh = 1.5

	baseConfidence      = 0.4
	perSampleConfidence = 0.025
	maxConfidence       = 0.9
)

// ComplexityScore computes a deterministic profile complexity score in
// seconds of expected generation time. The same profile always scores the
// same.
func ComplexityScore(p *plan.Profile) float64 {
	score := baseSeconds
	score += float64(p.TrainingDays) * perTrainingDay
	score += float64(len(p.Equipment)) * perEquipmentItem
	score += float64(len(p.DietaryPrefs)) * perDietaryPref
	score += float64(len(p.AvoidedExercises)) * perAvoidedExercise
	if len(p.Injuries) > 0 {
		score += injuryPenalty
	}
	if p.SpecialRequests != "" {
		score += specialRequestsBonus
	}
	if p.Notes != "" {
		score += notesBonus
	}
	return score
}

// Predict estimates job duration. With fewer than three successful samples
// the estimate is purely profile-based; otherwise the profile baseline is
// blended 40/60 with the rolling mean of the most recent successful runs.
func Predict(p *plan.Profile, history []RunRecord) Estimate {
	baseline := ComplexityScore(p)

	samples := successfulDurations(history)
	seconds := baseline
	confidence := baseConfidence

	if len(samples) >= minSamples {
		seconds = profileWeight*baseline + historyWeight*mean(samples)
		confidence = baseConfidence + perSampleConfidence*float64(len(samples))
		if confidence > maxConfidence {
			confidence = maxConfidence
		}
	}

	return Estimate{
		Seconds:    round1(seconds),
		Min:        round1(seconds * bandLow),
		Max:        round1(seconds * bandHigh),
		Confidence: confidence,
	}
}

// successfulDurations extracts durations of successful runs, newest-last,
// capped at MaxHistory entries from the end of the slice.
func successfulDurations(history []RunRecord) []float64 {
	if len(history) > MaxHistory {
		history = history[len(history)-MaxHistory:]
	}

	out := make([]float64, 0, len(history))
	for _, r := range history {
		if r.Success && r.DurationSeconds > 0 {
			out = append(out, r.DurationSeconds)
		}
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}
