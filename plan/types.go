// Package plan defines the weekly plan domain model along with structural
// validation and repair of plans decoded from LLM output.
package plan

import (
	"time"
)

// DayKeys is the fixed, ordered set of day keys a weekly plan must contain.
var DayKeys = []string{
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
}

// Plan is a seven-day structured plan. Days maps lowercase English weekday
// names to their day plans; all seven keys are required after repair.
type Plan struct {
	ID        string              `json:"id,omitempty"`
	OwnerID   string              `json:"owner_id,omitempty"`
	Days      map[string]*DayPlan `json:"days"`
	CreatedAt time.Time           `json:"created_at,omitempty"`
	Status    string              `json:"status,omitempty"`
	IsLocked  bool                `json:"is_locked,omitempty"`
}

// DayPlan holds one day's workout, nutrition and recovery sections.
type DayPlan struct {
	Workout   *Workout   `json:"workout"`
	Nutrition *Nutrition `json:"nutrition"`
	Recovery  *Recovery  `json:"recovery,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Workout is a single day's training prescription.
type Workout struct {
	Focus  string  `json:"focus,omitempty"`
	Blocks []Block `json:"blocks"`
}

// Block is one exercise prescription within a workout.
// RIR ("reps in reserve", 0=failure, 5=easy) is kept as a string because
// models emit it as both bare numbers and ranges like "1-2".
type Block struct {
	Exercise string `json:"exercise"`
	Sets     int    `json:"sets"`
	Reps     string `json:"reps"`
	RIR      string `json:"rir,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Nutrition is a single day's meal plan with daily totals.
type Nutrition struct {
	TotalKcal int    `json:"total_kcal"`
	ProteinG  int    `json:"protein_g"`
	Meals     []Meal `json:"meals"`
}

// Meal is one meal entry within a day's nutrition.
type Meal struct {
	Name        string   `json:"name"`
	Ingredients []string `json:"ingredients,omitempty"`
	Kcal        int      `json:"kcal,omitempty"`
	ProteinG    int      `json:"protein_g,omitempty"`
}

// Recovery holds the optional recovery prescription for a day.
type Recovery struct {
	Sleep    string `json:"sleep,omitempty"`
	Mobility string `json:"mobility,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Goal values for a profile.
const (
	GoalLoss     = "loss"
	GoalGain     = "gain"
	GoalMaintain = "maintain"
)

// Profile is the immutable snapshot of a user's setup captured when a
// generation job is created. Targets are authoritative: generated plans are
// forced to match them regardless of what the model computed.
type Profile struct {
	TrainingDays       int      `json:"training_days"`
	Equipment          []string `json:"equipment,omitempty"`
	DietaryPrefs       []string `json:"dietary_prefs,omitempty"`
	Injuries           []string `json:"injuries,omitempty"`
	AvoidedExercises   []string `json:"avoided_exercises,omitempty"`
	SpecialRequests    string   `json:"special_requests,omitempty"`
	Notes              string   `json:"notes,omitempty"`
	DailyCalorieTarget int      `json:"daily_calorie_target"`
	DailyProteinTarget int      `json:"daily_protein_target"`
	Goal               string   `json:"goal,omitempty"`
}

// IsVegetarian reports whether the profile declares a vegetarian preference.
func (p *Profile) IsVegetarian() bool {
	for _, pref := range p.DietaryPrefs {
		switch normalizeToken(pref) {
		case "vegetarian", "vegan":
			return true
		}
	}
	return false
}
