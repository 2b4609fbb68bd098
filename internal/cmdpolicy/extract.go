package cmdpolicy

import "strings"

// Intent classifies how a shell segment touches a path operand.
type Intent string

const (
	IntentRead      Intent = "read"
	IntentWrite     Intent = "write"
	IntentAmbiguous Intent = "ambiguous"
)

// PathToken is one path-like operand extracted from a command line.
type PathToken struct {
	// Raw is the token as written, quotes preserved, for diagnostics.
	Raw string
	// Path is the quote-stripped interpretation handed to the sandbox.
	Path   string
	Intent Intent
}

// Verbs whose last path positional is the destination (write) and earlier
// positionals are sources (read).
var copyMoveVerbs = map[string]struct{}{
	"cp":      {},
	"mv":      {},
	"install": {},
	"rsync":   {},
}

// Flags that take a following output-path value on common export tools.
var outputFlags = map[string]struct{}{
	"-o":       {},
	"--output": {},
	"--out":    {},
}

// ExtractPaths returns every path-like operand of command together with its
// read/write intent, in order of appearance. The reading is best-effort: it
// respects quoting and redirection context but does not evaluate shell syntax.
func ExtractPaths(command string) []PathToken {
	var out []PathToken
	for _, seg := range splitSegments(command) {
		out = append(out, extractFromSegment(seg)...)
	}
	return out
}

func extractFromSegment(seg []shellToken) []PathToken {
	idx := 0
	for idx < len(seg) && isEnvAssignment(seg[idx].Value) {
		idx++
	}
	if idx >= len(seg) {
		return nil
	}
	verb := strings.ToLower(seg[idx].Value)
	args := seg[idx+1:]

	var out []PathToken
	var positionals []int // indexes into out for bare positional tokens

	pending := Intent("") // intent forced onto the next token by a redirection/flag
	for _, tok := range args {
		value := expandHomeVar(tok.Value)
		if value == "" {
			continue
		}

		if pending != "" {
			out = appendPathToken(out, tok, value, pending)
			pending = ""
			continue
		}

		if op, rest := splitRedirection(value); op != "" {
			intent := IntentWrite
			if op == "<" {
				intent = IntentRead
			}
			if rest == "" {
				pending = intent
				continue
			}
			out = appendPathToken(out, tok, rest, intent)
			continue
		}

		if _, ok := outputFlags[value]; ok {
			pending = IntentWrite
			continue
		}
		if flag, rest, ok := strings.Cut(value, "="); ok {
			if _, known := outputFlags[flag]; known && rest != "" {
				out = appendPathToken(out, tok, rest, IntentWrite)
				continue
			}
		}
		if strings.HasPrefix(value, "-") {
			continue
		}

		switch classifyPathLikeness(value) {
		case pathLikenessStrong:
			out = appendPathToken(out, tok, value, IntentRead)
			positionals = append(positionals, len(out)-1)
		case pathLikenessWeak:
			out = appendPathToken(out, tok, value, IntentAmbiguous)
			positionals = append(positionals, len(out)-1)
		}
	}

	// cp SRC DST and friends: the last positional is the destination.
	if _, ok := copyMoveVerbs[verb]; ok && len(positionals) >= 2 {
		out[positionals[len(positionals)-1]].Intent = IntentWrite
		for _, i := range positionals[:len(positionals)-1] {
			if out[i].Intent == IntentAmbiguous {
				out[i].Intent = IntentRead
			}
		}
	}
	return out
}

func appendPathToken(out []PathToken, tok shellToken, path string, intent Intent) []PathToken {
	path = expandHomeVar(path)
	// Writes routed to the bit bucket touch nothing worth mediating.
	if path == "/dev/null" {
		return out
	}
	return append(out, PathToken{Raw: tok.Raw, Path: path, Intent: intent})
}

// expandHomeVar rewrites $HOME and ${HOME} prefixes into ~ so home-anchored
// operands survive extraction. Other variable references stay opaque and are
// skipped by the classifier.
func expandHomeVar(value string) string {
	for _, prefix := range []string{"${HOME}", "$HOME"} {
		if value == prefix {
			return "~"
		}
		if strings.HasPrefix(value, prefix+"/") {
			return "~" + strings.TrimPrefix(value, prefix)
		}
	}
	return value
}

// splitRedirection recognizes >, >>, < and fd-prefixed forms like 2> or &>>,
// returning the operator and any target glued to it ("2>out.log" -> ">", "out.log").
func splitRedirection(value string) (op string, target string) {
	rest := value
	for len(rest) > 0 && (rest[0] >= '0' && rest[0] <= '9' || rest[0] == '&') {
		rest = rest[1:]
	}
	switch {
	case strings.HasPrefix(rest, ">>"):
		return ">>", strings.TrimSpace(rest[2:])
	case strings.HasPrefix(rest, ">"):
		after := strings.TrimSpace(rest[1:])
		// 2>&1 style fd duplication is not a path target.
		if strings.HasPrefix(after, "&") {
			return "", ""
		}
		return ">", after
	case strings.HasPrefix(rest, "<"):
		// Here-docs (<<) are body markers, not paths.
		if strings.HasPrefix(rest, "<<") {
			return "", ""
		}
		return "<", strings.TrimSpace(rest[1:])
	default:
		return "", ""
	}
}

type pathLikeness int

const (
	pathLikenessNone pathLikeness = iota
	pathLikenessWeak
	pathLikenessStrong
)

func classifyPathLikeness(value string) pathLikeness {
	if value == "" || strings.Contains(value, "://") {
		return pathLikenessNone
	}
	if strings.HasPrefix(value, "$") {
		return pathLikenessNone
	}
	if strings.Contains(value, "/") || strings.HasPrefix(value, ".") || strings.HasPrefix(value, "~") {
		return pathLikenessStrong
	}
	// A bare word with a short alphanumeric extension reads like a filename in the
	// current directory (notes.md, report.pdf).
	dot := strings.LastIndexByte(value, '.')
	if dot <= 0 || dot == len(value)-1 {
		return pathLikenessNone
	}
	ext := value[dot+1:]
	if len(ext) > 5 {
		return pathLikenessNone
	}
	for _, ch := range ext {
		if ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' {
			continue
		}
		return pathLikenessNone
	}
	return pathLikenessWeak
}
