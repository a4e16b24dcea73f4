package plan

import (
	"encoding/json"
	"fmt"
	"strings"
)

// nonVegetarianTokens is the ingredient blacklist checked for vegetarian
// profiles. Matching is substring-based on normalized ingredient names.
var nonVegetarianTokens = []string{
	"chicken", "beef", "pork", "fish", "salmon", "tuna", "cod", "shrimp",
	"turkey", "bacon", "ham", "lamb", "egg", "anchov", "sardine", "duck",
	"veal", "gelatin",
}

// RepairReport records what structural repair changed, and which semantic
// violations it found but could not fix automatically.
type RepairReport struct {
	ClonedDays         []string `json:"cloned_days,omitempty"`
	FilledRecovery     []string `json:"filled_recovery,omitempty"`
	ForcedTargets      []string `json:"forced_targets,omitempty"`
	SemanticViolations []string `json:"semantic_violations,omitempty"`
}

// Changed reports whether repair modified the plan at all.
func (r *RepairReport) Changed() bool {
	return len(r.ClonedDays) > 0 || len(r.FilledRecovery) > 0 || len(r.ForcedTargets) > 0
}

// Repair applies structural repair to a decoded plan. Repairs are additive
// and corrective only:
//   - entirely missing days are cloned from a present day rather than failing
//     the whole plan over one absent key,
//   - calorie and protein totals are forced to the profile's targets (the
//     model's arithmetic is never trusted),
//   - a missing recovery section is filled with a safe default.
//
// Semantic violations (blacklisted ingredients for a vegetarian profile,
// avoided exercises that appear anyway) are reported, never silently dropped:
// there is no automated fix for them.
func Repair(p *Plan, profile *Profile) *RepairReport {
	report := &RepairReport{}

	template := firstCompleteDay(p)
	for _, key := range DayKeys {
		day := p.Days[key]
		if day == nil {
			if template == nil {
				continue // nothing to clone from; validation will reject
			}
			clone := cloneDay(template)
			clone.Reason = fmt.Sprintf("cloned from %s: day missing in generated plan", templateKey(p, template))
			p.Days[key] = clone
			report.ClonedDays = append(report.ClonedDays, key)
			day = clone
		}

		if day.Recovery == nil {
			day.Recovery = &Recovery{
				Sleep:    "7-9h",
				Mobility: "10min full-body mobility",
			}
			report.FilledRecovery = append(report.FilledRecovery, key)
		}

		if day.Nutrition != nil {
			if day.Nutrition.TotalKcal != profile.DailyCalorieTarget {
				day.Nutrition.TotalKcal = profile.DailyCalorieTarget
				report.ForcedTargets = append(report.ForcedTargets, key+":total_kcal")
			}
			if profile.DailyProteinTarget > 0 && day.Nutrition.ProteinG != profile.DailyProteinTarget {
				day.Nutrition.ProteinG = profile.DailyProteinTarget
				report.ForcedTargets = append(report.ForcedTargets, key+":protein_g")
			}
		}
	}

	report.SemanticViolations = semanticViolations(p, profile)
	return report
}

// semanticViolations checks user-specified constraints that repair must not
// paper over: dietary restrictions and avoided exercises.
func semanticViolations(p *Plan, profile *Profile) []string {
	var violations []string

	vegetarian := profile.IsVegetarian()
	for _, key := range DayKeys {
		day := p.Days[key]
		if day == nil {
			continue
		}

		if vegetarian && day.Nutrition != nil {
			for _, meal := range day.Nutrition.Meals {
				for _, ing := range meal.Ingredients {
					if token := blacklistedToken(ing); token != "" {
						violations = append(violations,
							fmt.Sprintf("%s: meal %q contains non-vegetarian ingredient %q", key, meal.Name, ing))
					}
				}
			}
		}

		if day.Workout != nil {
			for _, block := range day.Workout.Blocks {
				for _, avoided := range profile.AvoidedExercises {
					if avoided == "" {
						continue
					}
					if strings.Contains(normalizeToken(block.Exercise), normalizeToken(avoided)) {
						violations = append(violations,
							fmt.Sprintf("%s: workout contains avoided exercise %q", key, block.Exercise))
					}
				}
			}
		}
	}

	return violations
}

func blacklistedToken(ingredient string) string {
	normalized := normalizeToken(ingredient)
	for _, token := range nonVegetarianTokens {
		if strings.Contains(normalized, token) {
			return token
		}
	}
	return ""
}

// firstCompleteDay returns the first day (in week order) that has both a
// workout and nutrition section, for use as a clone template.
func firstCompleteDay(p *Plan) *DayPlan {
	for _, key := range DayKeys {
		day := p.Days[key]
		if day != nil && day.Workout != nil && len(day.Workout.Blocks) > 0 &&
			day.Nutrition != nil && len(day.Nutrition.Meals) > 0 {
			return day
		}
	}
	return nil
}

func templateKey(p *Plan, template *DayPlan) string {
	for _, key := range DayKeys {
		if p.Days[key] == template {
			return key
		}
	}
	return "template"
}

// cloneDay deep-copies a day plan via JSON round-trip. Day plans are small,
// so the simplicity wins over hand-written copying.
func cloneDay(day *DayPlan) *DayPlan {
	data, err := json.Marshal(day)
	if err != nil {
		return &DayPlan{}
	}
	var clone DayPlan
	if err := json.Unmarshal(data, &clone); err != nil {
		return &DayPlan{}
	}
	return &clone
}
