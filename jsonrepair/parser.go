// Package jsonrepair turns free-form LLM output into parseable JSON. Model
// responses only approximate JSON: they arrive wrapped in markdown fences,
// surrounded by prose, with comments, trailing commas, unquoted keys, or cut
// off mid-structure when generation hits a token limit. Extract runs a fixed
// cascade of parsing and repair strategies, cheapest first, short-circuiting
// on the first that yields valid JSON.
package jsonrepair

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Stage identifies which cascade strategy produced the parsed value.
type Stage string

// Cascade stages, in attempt order.
const (
	StageStrict     Stage = "strict"
	StageFenced     Stage = "fenced"
	StageBalanced   Stage = "balanced"
	StageLenient    Stage = "lenient"
	StageTruncation Stage = "truncation"
	StageArray      Stage = "array"
	StageTextFixes  Stage = "text_fixes"
	StageFailed     Stage = "failed"
)

// ParseError means the raw text never yielded a valid structure after the
// full repair cascade.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable response: %s", e.Reason)
}

// fencePattern strips markdown code-fence delimiters (```json ... ```).
var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?\\s*```")

// Extract extracts a JSON value from raw LLM output, trying each repair
// strategy in order. It returns the parsed value, the stage that succeeded,
// and a *ParseError if nothing did.
func Extract(raw string) (json.RawMessage, Stage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, StageFailed, &ParseError{Reason: "empty response"}
	}

	// 1. Strict parse of the trimmed text.
	if valid(trimmed) {
		return json.RawMessage(trimmed), StageStrict, nil
	}

	// 2. Strip markdown code fences and retry.
	if inner := stripFences(trimmed); inner != "" && valid(inner) {
		return json.RawMessage(inner), StageFenced, nil
	}

	// Work on the fence-stripped text from here; a fenced block that fails
	// strict parse is still the best candidate for the later strategies.
	candidate := trimmed
	if inner := stripFences(trimmed); inner != "" {
		candidate = inner
	}

	// 3. Locate the first balanced structure and strict-parse it. When the
	// first opener is '[' the payload is an array, and a brace scan would
	// return only its first element.
	if leadsWithArray(candidate) {
		if array := extractBalanced(candidate, '[', ']'); array != "" {
			if valid(array) {
				return json.RawMessage(array), StageArray, nil
			}
			if cleaned, ok := lenientParse(array); ok {
				return cleaned, StageArray, nil
			}
		}
	}

	object := extractBalanced(candidate, '{', '}')
	if object != "" && valid(object) {
		return json.RawMessage(object), StageBalanced, nil
	}

	// 4. Lenient parse of the extracted object (comments, trailing commas,
	// unquoted keys, single quotes).
	if object != "" {
		if cleaned, ok := lenientParse(object); ok {
			return cleaned, StageLenient, nil
		}
	}

	// 5. Truncation repair: balance the depth counters and retry leniently.
	if repaired := repairTruncated(candidate); repaired != "" {
		if cleaned, ok := lenientParse(repaired); ok {
			return cleaned, StageTruncation, nil
		}
	}

	// 6. Fall back to a balanced [...] array.
	if array := extractBalanced(candidate, '[', ']'); array != "" {
		if valid(array) {
			return json.RawMessage(array), StageArray, nil
		}
		if cleaned, ok := lenientParse(array); ok {
			return cleaned, StageArray, nil
		}
	}

	// 7. Last resort: the ordered textual fix pipeline.
	fixed := ApplyFixes(candidate)
	for _, attempt := range []string{fixed, extractBalanced(fixed, '{', '}')} {
		if attempt == "" {
			continue
		}
		if cleaned, ok := lenientParse(attempt); ok {
			return cleaned, StageTextFixes, nil
		}
	}

	return nil, StageFailed, &ParseError{Reason: "no strategy produced valid JSON"}
}

// valid reports whether s parses as strict JSON.
func valid(s string) bool {
	return json.Valid([]byte(s))
}

// leadsWithArray reports whether the first structure opener in s is a
// bracket.
func leadsWithArray(s string) bool {
	obj := strings.IndexByte(s, '{')
	arr := strings.IndexByte(s, '[')
	return arr >= 0 && (obj < 0 || arr < obj)
}

// stripFences returns the content of the first markdown code fence, or ""
// when no fence is present.
func stripFences(s string) string {
	matches := fencePattern.FindStringSubmatch(s)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return ""
}

// lenientParse cleans comment/trailing-comma/unquoted-key artifacts and
// retries a strict parse of the result.
func lenientParse(s string) (json.RawMessage, bool) {
	cleaned := Lenient(s)
	if valid(cleaned) {
		return json.RawMessage(cleaned), true
	}
	return nil, false
}
