package comms

import "strings"

// IsWildcard reports whether pattern contains shell-style wildcards.
func IsWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// WildcardMatch matches s against a shell-style pattern where '*' matches
// any run of characters (including none) and '?' matches one character.
// Any other character must match exactly and case-sensitively. Characters
// are runes, so '?' consumes a whole UTF-8 sequence.
func WildcardMatch(pattern, s string) bool {
	pr, sr := []rune(pattern), []rune(s)
	p, i := 0, 0
	star, mark := -1, 0
	for i < len(sr) {
		switch {
		case p < len(pr) && (pr[p] == '?' || pr[p] == sr[i]):
			p++
			i++
		case p < len(pr) && pr[p] == '*':
			star, mark = p, i
			p++
		case star != -1:
			p = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}
	for p < len(pr) && pr[p] == '*' {
		p++
	}
	return p == len(pr)
}
