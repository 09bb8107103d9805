package index

import (
	"strings"

	"github.com/gobwas/glob"
)

// compileWildcard compiles a query pattern where '*' matches any run of
// characters (including none), '?' matches exactly one and '\' escapes the
// next character. Every other glob metacharacter is literal.
func compileWildcard(pattern string) glob.Glob {
	var b strings.Builder
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(glob.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '*' || r == '?':
			b.WriteRune(r)
		default:
			b.WriteString(glob.QuoteMeta(string(r)))
		}
	}
	if escaped {
		b.WriteString(glob.QuoteMeta(`\`))
	}

	g, err := glob.Compile(b.String())
	if err != nil {
		return literalMatcher(pattern)
	}
	return g
}

// literalMatcher matches its own text only.
type literalMatcher string

func (l literalMatcher) Match(s string) bool { return string(l) == s }
