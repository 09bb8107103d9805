package index

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/orneryd/koandb/pkg/pool"
	"github.com/orneryd/koandb/pkg/storage"
)

// Analyzer turns indexed values and query input into tokens.
type Analyzer interface {
	// Tokens returns the distinct tokens a value is indexed under.
	Tokens(value string) []string
	// Pattern normalizes a wildcard pattern the same way Tokens normalizes
	// values.
	Pattern(pattern string) string
}

// ValueString renders a scalar property value the way it is indexed.
// Integers and floats use their shortest decimal form, so the int 42 and the
// string "42" are the same index value.
func ValueString(value any) (string, error) {
	v, err := storage.NormalizeValue(value)
	if err != nil {
		return "", err
	}
	switch v := v.(type) {
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("%w: unsupported type %T", storage.ErrInvalidProperty, v)
	}
}

// exactAnalyzer indexes the whole value as a single case-sensitive token.
type exactAnalyzer struct{}

func (exactAnalyzer) Tokens(value string) []string { return []string{value} }

func (exactAnalyzer) Pattern(pattern string) string { return pattern }

// fulltextAnalyzer lowercases, splits on non-alphanumerics and drops stop
// words and single characters.
type fulltextAnalyzer struct{}

func (fulltextAnalyzer) Tokens(value string) []string {
	tokens := tokenize(value)
	seen := pool.GetStringSet()
	defer pool.PutStringSet(seen)
	out := tokens[:0]
	for _, tok := range tokens {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

func (fulltextAnalyzer) Pattern(pattern string) string { return strings.ToLower(pattern) }

// tokenize splits text into searchable terms.
func tokenize(text string) []string {
	// Convert to lowercase
	text = strings.ToLower(text)

	// Split on non-alphanumeric characters
	words := strings.FieldsFunc(text, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})

	// Filter stop words and short tokens
	var tokens []string
	for _, word := range words {
		if len(word) < 2 || stopWords[word] {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// stopWords are common English words excluded from fulltext indexes.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "in": true, "is": true,
	"it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "to": true, "was": true, "were": true,
	"with": true, "this": true, "but": true, "they": true,
	"we": true, "you": true, "your": true, "my": true, "their": true,
	"been": true, "do": true, "does": true, "did": true,
}
