package jsonrepair

import (
	"regexp"
	"strings"
)

// Fix is a single named textual repair. The pipeline is deliberately ordered:
// each fix is a pure text -> text function so every step can be tested
// against fixed before/after fixtures in isolation.
type Fix struct {
	Name  string
	Apply func(string) string
}

var (
	// rirValuePattern matches bare numeric values for intensity-style fields
	// ("rir": 2 and range forms like "rir": 1-2) that the schema wants quoted.
	rirValuePattern = regexp.MustCompile(`("(?:rir|reps)"\s*:\s*)(\d+(?:\s*-\s*\d+)?)(\s*[,}\]])`)
	// controlCharPattern matches C0 control characters other than \n and \t.
	controlCharPattern = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f]")
	// runsOfWhitespacePattern collapses long whitespace runs outside strings
	// well enough in practice; strings rarely carry multi-space runs that matter.
	runsOfWhitespacePattern = regexp.MustCompile(`[ \t]{2,}`)
)

// Fixes is the ordered pipeline of last-resort textual repairs.
var Fixes = []Fix{
	{Name: "strip_control_chars", Apply: stripControlChars},
	{Name: "quote_rir_values", Apply: quoteRIRValues},
	{Name: "quote_bare_keys", Apply: quoteBareKeys},
	{Name: "single_to_double_quotes", Apply: convertSingleQuotes},
	{Name: "collapse_whitespace", Apply: collapseWhitespace},
}

// ApplyFixes runs the full fix pipeline in order.
func ApplyFixes(s string) string {
	for _, fix := range Fixes {
		s = fix.Apply(s)
	}
	return s
}

// stripControlChars removes control characters that make strict parsers
// reject otherwise fine output.
func stripControlChars(s string) string {
	return controlCharPattern.ReplaceAllString(s, "")
}

// quoteRIRValues quotes bare numeric RIR-style field values, including range
// forms ("rir": 1-2), which are not valid JSON numbers.
func quoteRIRValues(s string) string {
	return rirValuePattern.ReplaceAllString(s, `$1"$2"$3`)
}

// quoteBareKeys quotes unquoted object keys.
func quoteBareKeys(s string) string {
	return bareKeyPattern.ReplaceAllString(s, `$1"$2":`)
}

// collapseWhitespace collapses runs of spaces and tabs and trims trailing
// space per line.
func collapseWhitespace(s string) string {
	s = runsOfWhitespacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}
