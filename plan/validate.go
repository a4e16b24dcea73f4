package plan

import (
	"fmt"
	"strings"
)

// ValidationError reports structural violations that survived repair.
// Required business invariants (all seven days, matching targets, non-empty
// workouts and meals) cannot be safely fabricated, so these fail the attempt.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plan validation failed: %s", strings.Join(e.Violations, "; "))
}

// Validate checks the structural invariants of a weekly plan against the
// profile's authoritative targets. It returns a *ValidationError listing
// every violation, or nil when the plan is structurally sound.
func Validate(p *Plan, profile *Profile) error {
	var violations []string

	for _, key := range DayKeys {
		day, ok := p.Days[key]
		if !ok || day == nil {
			violations = append(violations, fmt.Sprintf("%s: missing day", key))
			continue
		}
		if day.Workout == nil || len(day.Workout.Blocks) == 0 {
			violations = append(violations, fmt.Sprintf("%s: workout blocks must be non-empty", key))
		}
		if day.Nutrition == nil || len(day.Nutrition.Meals) == 0 {
			violations = append(violations, fmt.Sprintf("%s: meals must be non-empty", key))
			continue
		}
		if day.Nutrition.TotalKcal != profile.DailyCalorieTarget {
			violations = append(violations, fmt.Sprintf("%s: total_kcal %d != target %d",
				key, day.Nutrition.TotalKcal, profile.DailyCalorieTarget))
		}
		if profile.DailyProteinTarget > 0 && day.Nutrition.ProteinG != profile.DailyProteinTarget {
			violations = append(violations, fmt.Sprintf("%s: protein_g %d != target %d",
				key, day.Nutrition.ProteinG, profile.DailyProteinTarget))
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}
