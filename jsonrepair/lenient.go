package jsonrepair

import (
	"regexp"
	"strings"
)

var (
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	// bareKeyPattern matches unquoted object keys after {, [ or ,.
	bareKeyPattern = regexp.MustCompile(`([{,\[]\s*)([A-Za-z_][A-Za-z0-9_-]*)\s*:`)
	// blockCommentPattern matches /* ... */ comments.
	blockCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// Lenient rewrites common invalid-JSON artifacts into strict JSON: JavaScript
// comments, trailing commas, unquoted keys, and single-quoted strings. It is
// a pure text transform; callers re-validate the result.
func Lenient(s string) string {
	s = blockCommentPattern.ReplaceAllString(s, "")
	s = stripLineComments(s)
	s = convertSingleQuotes(s)
	s = bareKeyPattern.ReplaceAllString(s, `$1"$2":`)
	s = trailingCommaPattern.ReplaceAllString(s, "$1")
	return s
}

// stripLineComments removes // comments outside of string values, processing
// line by line with in-string and escape tracking so URLs survive.
func stripLineComments(s string) string {
	lines := strings.Split(s, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	return strings.Join(cleaned, "\n")
}

func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}

// convertSingleQuotes rewrites single-quoted string literals to double-quoted
// ones, leaving apostrophes inside double-quoted strings untouched.
func convertSingleQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inDouble := false
	inSingle := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			b.WriteByte(ch)
			escaped = false
			continue
		}

		switch {
		case ch == '\\' && (inDouble || inSingle):
			b.WriteByte(ch)
			escaped = true
		case ch == '"' && !inSingle:
			inDouble = !inDouble
			b.WriteByte(ch)
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
			b.WriteByte('"')
		case ch == '"' && inSingle:
			// Escape a literal double quote inside a converted string.
			b.WriteString(`\"`)
		default:
			b.WriteByte(ch)
		}
	}

	return b.String()
}
