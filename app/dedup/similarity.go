package dedup

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Texts shorter than this on both sides are compared by edit distance.
const shortTextRunes = 100

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "of": true, "in": true, "on": true, "for": true,
	"to": true, "with": true, "at": true, "by": true, "or": true, "is": true, "are": true, "we": true,
	"you": true, "our": true, "your": true, "as": true, "be": true, "this": true, "that": true,
	"der": true, "die": true, "das": true, "und": true, "mit": true, "für": true, "fur": true, "im": true,
	"ein": true, "eine": true, "zu": true, "von": true, "bei": true, "wir": true, "sie": true, "ihre": true,
}

// TextSimilarity scores two texts in [0, 1].
func TextSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0
	}

	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la < shortTextRunes && lb < shortTextRunes {
		longest := la
		if lb > longest {
			longest = lb
		}
		return 1 - float64(fuzzy.LevenshteinDistance(a, b))/float64(longest)
	}

	return jaccard(tokens(a, true), tokens(b, true))
}

func tokens(s string, dropStopWords bool) map[string]bool {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	set := make(map[string]bool, len(words))
	for _, w := range words {
		if dropStopWords && stopWords[w] {
			continue
		}
		set[w] = true
	}
	if len(set) == 0 && dropStopWords {
		return tokens(s, false)
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}

	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
