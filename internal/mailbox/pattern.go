package mailbox

import (
	"strings"
)

// CanonicalPattern joins a LIST reference and mailbox pattern (RFC 3501 6.3.8).
// A pattern starting with the delimiter ignores the reference.
func CanonicalPattern(reference, pattern string) string {
	if strings.HasPrefix(pattern, Delimiter) || reference == "" {
		return pattern
	}
	if !strings.HasSuffix(reference, Delimiter) {
		return reference + Delimiter + pattern
	}
	return reference + pattern
}

// MatchPattern reports whether name matches a LIST pattern. '*' matches
// anything, '%' anything but the delimiter. INBOX matches case-insensitively.
func MatchPattern(name, pattern string) bool {
	name = NormalizeName(name)
	if len(pattern) >= len(Inbox) && strings.EqualFold(pattern[:len(Inbox)], Inbox) {
		if rest := pattern[len(Inbox):]; rest == "" || strings.HasPrefix(rest, Delimiter) {
			pattern = Inbox + rest
		}
	}
	return wildcardMatch(name, pattern)
}

// wildcardMatch runs in O(len(text)*len(pattern)). reach[i] records whether
// the pattern consumed so far matches text[:i].
func wildcardMatch(text, pattern string) bool {
	delim := Delimiter[0]
	reach := make([]bool, len(text)+1)
	next := make([]bool, len(text)+1)
	reach[0] = true
	for pi := 0; pi < len(pattern); pi++ {
		switch c := pattern[pi]; c {
		case '*':
			on := false
			for i := range next {
				on = on || reach[i]
				next[i] = on
			}
		case '%':
			on := false
			for i := range next {
				on = on || reach[i]
				next[i] = on
				if i < len(text) && text[i] == delim {
					on = false
				}
			}
		default:
			next[0] = false
			for i := 0; i < len(text); i++ {
				next[i+1] = reach[i] && text[i] == c
			}
		}
		reach, next = next, reach
	}
	return reach[len(text)]
}

// ValidName rejects names that cannot be created: empty components, wildcard
// characters and control characters.
func ValidName(name string) bool {
	if name == "" || strings.HasPrefix(name, Delimiter) {
		return false
	}
	for _, part := range strings.Split(name, Delimiter) {
		if part == "" {
			return false
		}
	}
	for _, r := range name {
		if r == '*' || r == '%' || r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
