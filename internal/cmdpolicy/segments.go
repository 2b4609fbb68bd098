package cmdpolicy

import "strings"

// shellToken is one whitespace-delimited word of a shell segment.
//
// Raw preserves the token as written (quotes included) for diagnostics; Value is
// the quote-stripped form used for path interpretation.
type shellToken struct {
	Raw   string
	Value string
}

// splitSegments tokenizes a command line respecting single/double/backtick quotes
// and backslash escapes, and splits the token stream into sub-commands at unquoted
// `;`, `&&`, `||`, `|` and newlines. This is best-effort shell reading, not a full
// grammar: subshells and here-docs pass through as ordinary tokens.
func splitSegments(command string) [][]shellToken {
	var segments [][]shellToken
	var seg []shellToken
	var raw strings.Builder
	var value strings.Builder
	var quote rune
	escaped := false

	flushToken := func() {
		if raw.Len() == 0 {
			return
		}
		seg = append(seg, shellToken{Raw: raw.String(), Value: value.String()})
		raw.Reset()
		value.Reset()
	}
	flushSegment := func() {
		flushToken()
		if len(seg) > 0 {
			segments = append(segments, seg)
			seg = nil
		}
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if escaped {
			raw.WriteRune(ch)
			value.WriteRune(ch)
			escaped = false
			continue
		}
		if quote != '\'' && ch == '\\' {
			escaped = true
			raw.WriteRune(ch)
			continue
		}
		if ch == '\'' || ch == '"' || ch == '`' {
			if quote == 0 {
				quote = ch
				raw.WriteRune(ch)
				continue
			}
			if quote == ch {
				quote = 0
				raw.WriteRune(ch)
				continue
			}
			raw.WriteRune(ch)
			value.WriteRune(ch)
			continue
		}
		if quote != 0 {
			raw.WriteRune(ch)
			value.WriteRune(ch)
			continue
		}

		switch {
		case ch == '\n' || ch == ';':
			flushSegment()
		case ch == '|':
			flushSegment()
			if i+1 < len(runes) && runes[i+1] == '|' {
				i++
			}
		case ch == '&' && i+1 < len(runes) && runes[i+1] == '&':
			flushSegment()
			i++
		case ch == ' ' || ch == '\t':
			flushToken()
		default:
			raw.WriteRune(ch)
			value.WriteRune(ch)
		}
	}
	flushSegment()
	return segments
}

// isEnvAssignment reports whether token is a NAME=value prefix assignment.
func isEnvAssignment(token string) bool {
	eq := strings.IndexRune(token, '=')
	if eq <= 0 {
		return false
	}
	name := token[:eq]
	for i, ch := range name {
		if ch == '_' {
			continue
		}
		if ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' {
			continue
		}
		if i > 0 && ch >= '0' && ch <= '9' {
			continue
		}
		return false
	}
	return true
}
