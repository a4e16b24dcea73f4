// Package prompt renders user profiles and trend memory into completion
// payloads for plan generation and verification.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/planforge/planforge/llm"
	"github.com/planforge/planforge/plan"
	"github.com/planforge/planforge/trend"
)

// Payload is a ready-to-send completion request body.
type Payload struct {
	Messages    []llm.Message
	Temperature *float64
	MaxTokens   int
}

// Generation and verification sampling settings. Verification runs
// deterministic: it fixes violations, it doesn't get creative.
var (
	generationTemperature   = 0.4
	verificationTemperature = 0.0
)

const (
	generationMaxTokens   = 8192
	verificationMaxTokens = 8192
)

// planSchema is the fenced JSON shape the model must produce. One day is
// shown in full; the remaining six follow the same shape.
const planSchema = "```json\n" + `{
  "days": {
    "monday": {
      "workout": {
        "focus": "upper body push",
        "blocks": [
          {"exercise": "Barbell Bench Press", "sets": 4, "reps": "6-8", "rir": "1-2", "notes": ""}
        ]
      },
      "nutrition": {
        "total_kcal": 2200,
        "protein_g": 160,
        "meals": [
          {"name": "Breakfast", "ingredients": ["oats", "whey", "banana"], "kcal": 550, "protein_g": 40}
        ]
      },
      "recovery": {"sleep": "7-9h", "mobility": "10min hips and shoulders", "notes": ""},
      "reason": "push volume early in the week while fresh"
    },
    "tuesday": {},
    "wednesday": {},
    "thursday": {},
    "friday": {},
    "saturday": {},
    "sunday": {}
  }
}` + "\n```"

// generationSystem is the system prompt for the plan generation stage.
const generationSystem = `You are an experienced strength and nutrition coach. Your task is to write a complete seven-day training and nutrition plan.

## Output Format

Respond with ONLY a single JSON object, no prose before or after. The object MUST match this shape exactly:

%s

## Hard Rules

1. All seven lowercase day keys (monday through sunday) MUST be present, each fully filled in.
2. Every day's nutrition.total_kcal MUST equal %d and nutrition.protein_g MUST equal %d. Do not round, do not approximate.
3. workout.blocks and nutrition.meals MUST be non-empty on every day. Rest days still get a workout block (e.g. a walk or mobility session) and full meals.
4. "reps" and "rir" are JSON strings, even for single numbers.
5. Schedule exactly %d training days; the remaining days are recovery-focused.
6. Each day's "reason" briefly explains why that day is shaped the way it is.`

// Generation renders the stage-1 payload from a profile and optional trend
// memory. A nil memory simply omits the trend section (new users have no
// check-in history yet).
func Generation(p *plan.Profile, mem *trend.Memory) Payload {
	system := fmt.Sprintf(generationSystem,
		planSchema, p.DailyCalorieTarget, p.DailyProteinTarget, p.TrainingDays)

	var user strings.Builder
	user.WriteString("Create the plan for this client.\n\n")
	writeProfile(&user, p)
	if mem != nil {
		user.WriteString("\n")
		writeTrend(&user, mem)
	}

	return Payload{
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user.String()},
		},
		Temperature: &generationTemperature,
		MaxTokens:   generationMaxTokens,
	}
}

// verificationSystem is the system prompt for the stage-2 check.
const verificationSystem = `You are a meticulous reviewer of training and nutrition plans. You will receive a client profile and a candidate seven-day plan as JSON.

Cross-check the plan against the profile and fix every violation you find:
- missing or incomplete days (all seven lowercase day keys must be present and filled);
- nutrition totals that do not equal the stated calorie/protein targets;
- ingredients that conflict with the dietary preferences;
- exercises on the avoid list or unsafe given the listed injuries;
- empty workout blocks or meal lists.

Respond with ONLY the full corrected plan JSON in the same shape as the input. Return the complete object even if nothing needed fixing. No prose, no markdown fences.`

// Verification renders the stage-2 payload embedding the stage-1 plan JSON.
func Verification(p *plan.Profile, planJSON string) Payload {
	var user strings.Builder
	writeProfile(&user, p)
	user.WriteString("\n## Candidate Plan\n\n")
	user.WriteString(planJSON)
	user.WriteString("\n")

	return Payload{
		Messages: []llm.Message{
			{Role: "system", Content: verificationSystem},
			{Role: "user", Content: user.String()},
		},
		Temperature: &verificationTemperature,
		MaxTokens:   verificationMaxTokens,
	}
}

// writeProfile renders the client profile section.
func writeProfile(b *strings.Builder, p *plan.Profile) {
	b.WriteString("## Client Profile\n\n")
	fmt.Fprintf(b, "- Goal: %s\n", p.Goal)
	fmt.Fprintf(b, "- Training days per week: %d\n", p.TrainingDays)
	fmt.Fprintf(b, "- Daily calorie target: %d kcal\n", p.DailyCalorieTarget)
	fmt.Fprintf(b, "- Daily protein target: %d g\n", p.DailyProteinTarget)
	if len(p.Equipment) > 0 {
		fmt.Fprintf(b, "- Available equipment: %s\n", strings.Join(p.Equipment, ", "))
	} else {
		b.WriteString("- Available equipment: bodyweight only\n")
	}
	if len(p.DietaryPrefs) > 0 {
		fmt.Fprintf(b, "- Dietary preferences: %s\n", strings.Join(p.DietaryPrefs, ", "))
	}
	if len(p.Injuries) > 0 {
		fmt.Fprintf(b, "- Injuries (work around these): %s\n", strings.Join(p.Injuries, ", "))
	}
	if len(p.AvoidedExercises) > 0 {
		fmt.Fprintf(b, "- Never program these exercises: %s\n", strings.Join(p.AvoidedExercises, ", "))
	}
	if p.SpecialRequests != "" {
		fmt.Fprintf(b, "- Special requests: %s\n", p.SpecialRequests)
	}
	if p.Notes != "" {
		fmt.Fprintf(b, "- Notes: %s\n", p.Notes)
	}
}

// writeTrend renders recent check-in trends as coaching context.
func writeTrend(b *strings.Builder, mem *trend.Memory) {
	b.WriteString("## Recent Trends (last check-ins)\n\n")

	for _, metric := range trend.Metrics {
		if ema, ok := mem.EMA[metric]; ok {
			fmt.Fprintf(b, "- %s score (0-1, smoothed): %.2f\n", metric, ema)
		}
	}

	if areas := mem.RedFlagSoreness(); len(areas) > 0 {
		sort.Strings(areas)
		fmt.Fprintf(b, "- Persistent soreness in: %s. Reduce volume for these areas this week.\n",
			strings.Join(areas, ", "))
	}
	if states := mem.RedFlagDigestion(); len(states) > 0 {
		sort.Strings(states)
		fmt.Fprintf(b, "- Repeated digestive complaints (%s). Prefer simple, familiar meals.\n",
			strings.Join(states, ", "))
	}

	if wt := mem.WeightTrend; wt != nil {
		fmt.Fprintf(b, "- Weight trend over the last week: %s (%+.1f kg)\n", wt.Direction, wt.DeltaKg)
		if wt.KcalAdjustment != 0 {
			fmt.Fprintf(b, "- Advisory: the trend contradicts the goal; consider a %+d kcal adjustment in meal composition guidance (daily totals above stay fixed).\n",
				wt.KcalAdjustment)
		}
	}
}
