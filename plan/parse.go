package plan

import (
	"github.com/planforge/planforge/jsonrepair"
)

// ParseAndValidate runs the full response-handling pipeline: textual JSON
// extraction/repair, decode into the plan model, structural repair against
// the profile, then validation of the required shape.
//
// The returned stage identifies which extraction strategy succeeded (for
// observability). A *jsonrepair.ParseError means the raw text never yielded a
// structure; a *ValidationError means a structure was obtained but violates
// required invariants even after repair.
func ParseAndValidate(raw string, profile *Profile) (*Plan, *RepairReport, jsonrepair.Stage, error) {
	value, stage, err := jsonrepair.Extract(raw)
	if err != nil {
		return nil, nil, stage, err
	}

	p, err := Decode(value)
	if err != nil {
		return nil, nil, stage, &jsonrepair.ParseError{Reason: err.Error()}
	}

	report := Repair(p, profile)

	if err := Validate(p, profile); err != nil {
		return nil, report, stage, err
	}

	return p, report, stage, nil
}
