package jsonrepair

import (
	"encoding/json"
	"testing"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantStage Stage
		wantKey   string // if non-empty, check this key exists in parsed JSON
		wantErr   bool
	}{
		{
			name:      "plain JSON",
			input:     `{"days": {}}`,
			wantStage: StageStrict,
			wantKey:   "days",
		},
		{
			name:      "markdown code block",
			input:     "```json\n{\"days\": {}}\n```",
			wantStage: StageFenced,
			wantKey:   "days",
		},
		{
			name:      "fence without language tag",
			input:     "```\n{\"days\": {}}\n```",
			wantStage: StageFenced,
			wantKey:   "days",
		},
		{
			name:      "prose around object",
			input:     "Here is your plan:\n{\"days\": {\"monday\": {}}}\nLet me know if you need changes!",
			wantStage: StageBalanced,
			wantKey:   "days",
		},
		{
			name:      "braces inside strings are skipped",
			input:     `text {"note": "use {sets} x {reps}", "days": {}} more text`,
			wantStage: StageBalanced,
			wantKey:   "note",
		},
		{
			name:      "comments and trailing commas",
			input:     "```json\n{\n  \"days\": {\n    \"monday\": {}, // rest day\n  },\n}\n```",
			wantStage: StageLenient,
			wantKey:   "days",
		},
		{
			name:      "URL in string survives comment stripping",
			input:     "{\"url\": \"http://example.com/x\", // source\n \"days\": {},}",
			wantStage: StageLenient,
			wantKey:   "url",
		},
		{
			name:      "truncated mid string",
			input:     `{"days": {"monday": {"reason": "easy start`,
			wantStage: StageTruncation,
			wantKey:   "days",
		},
		{
			name:      "truncated after comma with dangling key",
			input:     `{"days": {"monday": {"reason": "ok"}, "tue`,
			wantStage: StageTruncation,
			wantKey:   "days",
		},
		{
			name:      "truncated mid array",
			input:     `{"blocks": [{"exercise": "squat", "sets": 3}, {"exercise": "row", "sets"`,
			wantStage: StageTruncation,
			wantKey:   "blocks",
		},
		{
			name:      "bare array",
			input:     "The meals are:\n[{\"name\": \"oats\"}, {\"name\": \"lentils\"}]",
			wantStage: StageArray,
		},
		{
			name:      "unquoted keys and single quotes",
			input:     "{days: {monday: {reason: 'rest'}}}",
			wantStage: StageLenient,
			wantKey:   "days",
		},
		{
			name:      "bare RIR range value",
			input:     `{"blocks": [{"exercise": "squat", "rir": 1-2}]}`,
			wantStage: StageTextFixes,
			wantKey:   "blocks",
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
		{
			name:    "no JSON at all",
			input:   "I could not generate a plan this time, sorry.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, stage, err := Extract(tt.input)

			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got stage %s value %s", stage, value)
				}
				var parseErr *ParseError
				if !asParseError(err, &parseErr) {
					t.Errorf("expected *ParseError, got %T", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if stage != tt.wantStage {
				t.Errorf("stage = %s, want %s", stage, tt.wantStage)
			}
			if !json.Valid(value) {
				t.Fatalf("result is not valid JSON: %s", value)
			}
			if tt.wantKey != "" {
				var parsed map[string]json.RawMessage
				if err := json.Unmarshal(value, &parsed); err != nil {
					t.Fatalf("unmarshal result: %v", err)
				}
				if _, ok := parsed[tt.wantKey]; !ok {
					t.Errorf("expected key %q in result: %s", tt.wantKey, value)
				}
			}
		})
	}
}

// TestExtract_BareArrayKeepsAllElements guards the array path: an array of
// objects must come back whole, not as its first object.
func TestExtract_BareArrayKeepsAllElements(t *testing.T) {
	value, stage, err := Extract("The meals are:\n[{\"name\": \"oats\"}, {\"name\": \"lentils\"}]")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if stage != StageArray {
		t.Errorf("stage = %s, want %s", stage, StageArray)
	}
	var items []map[string]string
	if err := json.Unmarshal(value, &items); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d elements, want 2: %s", len(items), value)
	}
	if items[0]["name"] != "oats" || items[1]["name"] != "lentils" {
		t.Errorf("array contents lost: %s", value)
	}
}

// TestExtract_TruncationAtEveryOffset verifies the hard property: for a valid
// plan-shaped document cut at any byte offset, Extract either recovers valid
// JSON or fails with ParseError. It must never return invalid JSON.
func TestExtract_TruncationAtEveryOffset(t *testing.T) {
	doc := `{"days": {"monday": {"workout": {"blocks": [{"exercise": "squat", "sets": 3, "reps": "8", "rir": "2"}]}, "nutrition": {"total_kcal": 2200, "protein_g": 150, "meals": [{"name": "oats", "ingredients": ["oats", "milk"]}]}, "reason": "strength focus"}}}`

	for offset := 1; offset <= len(doc); offset++ {
		value, _, err := Extract(doc[:offset])
		if err != nil {
			continue // ParseError is an acceptable outcome
		}
		if !json.Valid(value) {
			t.Fatalf("offset %d: recovered invalid JSON: %s", offset, value)
		}
	}
}

func TestRepairTruncated(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "open string closed",
			input: `{"a": "hel`,
			want:  `{"a": "hel"}`,
		},
		{
			name:  "nested depth balanced",
			input: `{"a": {"b": [1, 2`,
			want:  `{"a": {"b": [1, 2]}}`,
		},
		{
			name:  "dangling key stripped",
			input: `{"a": 1, "b`,
			want:  `{"a": 1}`,
		},
		{
			name:  "dangling key with colon stripped",
			input: `{"a": 1, "b":`,
			want:  `{"a": 1}`,
		},
		{
			name:  "partial literal stripped",
			input: `{"a": 1, "b": tru`,
			want:  `{"a": 1}`,
		},
		{
			name:  "already balanced returns empty",
			input: `{"a": 1}`,
			want:  "",
		},
		{
			name:  "no structure returns empty",
			input: "plain text",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := repairTruncated(tt.input)
			if got != tt.want {
				t.Errorf("repairTruncated(%q) = %q, want %q", tt.input, got, tt.want)
			}
			if got != "" && !json.Valid([]byte(got)) {
				t.Errorf("repairTruncated(%q) produced invalid JSON: %q", tt.input, got)
			}
		})
	}
}

func TestExtractBalanced(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple object", `before {"a": 1} after`, `{"a": 1}`},
		{"nested object", `{"a": {"b": 2}} trailing`, `{"a": {"b": 2}}`},
		{"brace in string", `{"a": "}", "b": 1}`, `{"a": "}", "b": 1}`},
		{"escaped quote in string", `{"a": "say \"hi\" {now}"}`, `{"a": "say \"hi\" {now}"}`},
		{"unbalanced", `{"a": 1`, ""},
		{"none", "no braces here", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractBalanced(tt.input, '{', '}'); got != tt.want {
				t.Errorf("extractBalanced(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// asParseError wraps errors.As without importing errors in every test.
func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if ok {
		*target = pe
	}
	return ok
}
