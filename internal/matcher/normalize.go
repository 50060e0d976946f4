package matcher

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// branchSuffixes are stripped anywhere in a name
var branchSuffixes = []string{"本店", "別館", "西口店", "東口店"}

// genericSuffixes are dropped from the end of a name
var genericSuffixes = []string{
	"restaurant", "cafe", "coffee", "bar", "kitchen", "dining", "food",
	"レストラン", "カフェ", "バー", "キッチン", "ダイニング", "フード",
}

// genericCategories carry no information about cuisine
var genericCategories = map[string]bool{
	"restaurant":        true,
	"restaurants":       true,
	"food":              true,
	"point_of_interest": true,
	"establishment":     true,
}

// fold applies NFKC (full-width Latin to ASCII, half-width kana to full-width) and lowercases
func fold(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// tokenize splits folded text on punctuation, symbols and spaces. Apostrophes are removed
// so "Joe's" and "Joes" agree.
func tokenize(s string) []string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\'' || r == '’' || r == '`':
			return -1
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			return ' '
		}
		return r
	}, s)
	return strings.Fields(s)
}

// NormalizeName returns the comparable tokens of a restaurant name
func NormalizeName(name string) []string {
	s := fold(name)
	for _, suffix := range branchSuffixes {
		s = strings.ReplaceAll(s, suffix, " ")
	}
	return stripGenericSuffix(tokenize(s))
}

// stripGenericSuffix drops a trailing generic word, either as its own token or, for Japanese
// suffixes, glued to the last token ("すし屋カフェ"). It never empties the name.
func stripGenericSuffix(tokens []string) []string {
	if len(tokens) == 0 {
		return tokens
	}
	last := tokens[len(tokens)-1]
	for _, suffix := range genericSuffixes {
		if last == suffix {
			if len(tokens) > 1 {
				return tokens[:len(tokens)-1]
			}
			return tokens
		}
		if !isASCII(suffix) && len(last) > len(suffix) && strings.HasSuffix(last, suffix) {
			out := append([]string(nil), tokens...)
			out[len(out)-1] = strings.TrimSuffix(last, suffix)
			return out
		}
	}
	return tokens
}

// NormalizeCategories lowercases and de-duplicates tags, dropping the generic ones
func NormalizeCategories(tags []string) map[string]bool {
	out := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(fold(t))
		if t == "" || genericCategories[t] {
			continue
		}
		out[t] = true
	}
	return out
}

// withoutLocationTokens removes name tokens that only restate the location,
// as long as something remains
func withoutLocationTokens(tokens []string, location map[string]bool) []string {
	if len(location) == 0 {
		return tokens
	}
	var out []string
	for _, t := range tokens {
		if !location[t] {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return tokens
	}
	return out
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
