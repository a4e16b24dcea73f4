package jsonrepair

import (
	"regexp"
	"strings"
)

// extractBalanced returns the first balanced open...close region of s,
// correctly skipping delimiters inside quoted strings by tracking in-string
// and escape state. Returns "" when no balanced region exists.
func extractBalanced(s string, open, close byte) string {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case open:
			if depth == 0 {
				start = i
			}
			depth++
		case close:
			if depth > 0 {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}

	return ""
}

// trailingFragmentPattern matches an incomplete trailing key or value after
// the last complete element: a dangling `"key"`, `"key":`, or `"key": 12`
// style fragment left behind when generation was cut off.
var trailingFragmentPattern = regexp.MustCompile(`,\s*(?:"[^"]*"?\s*(?::\s*(?:"[^"]*"?|[-0-9.eE+]*|t(?:r(?:ue?)?)?|f(?:a(?:l(?:se?)?)?)?|n(?:u(?:ll?)?)?)?)?)?$`)

// repairTruncated repairs text that was cut off mid-JSON. It scans the text
// tracking brace/bracket depth and string state; if the text ends inside a
// string the string is closed, any trailing incomplete key/value/array
// fragment is stripped, and exactly the closers needed to balance the depth
// counters are appended. Returns "" when the text never opened a structure.
func repairTruncated(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	s = s[start:]

	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == ch {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if len(stack) == 0 && !inString {
		return "" // already balanced, truncation repair has nothing to add
	}

	// A trailing backslash would escape the closing quote we are about to add.
	if escaped {
		s = s[:len(s)-1]
	}
	if inString {
		s += `"`
	}

	// Strip a dangling half-written key or value after the last comma.
	s = trailingFragmentPattern.ReplaceAllString(s, "")
	s = strings.TrimRight(s, " \t\n\r,")

	// Close in reverse order of opening.
	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}

	return s
}
