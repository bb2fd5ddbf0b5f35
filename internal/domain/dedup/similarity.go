package dedup

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// numericMismatchCap bounds the similarity of two texts whose numeric
// tokens disagree, so "metformin 500 mg" and "metformin 1000 mg" can never
// be auto-merged; at most they land in the gray band.
const numericMismatchCap = 0.8

// Fold lowercases s, strips diacritics and collapses punctuation to spaces.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' {
			return r
		}
		return ' '
	}, folded)
	return strings.Join(strings.Fields(folded), " ")
}

// Similarity scores two texts in [0,1] as the larger of the token-set Dice
// coefficient and the normalized Levenshtein ratio over their folded forms.
func Similarity(a, b string) float64 {
	a, b = Fold(a), Fold(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	ta, tb := tokens(a), tokens(b)
	score := tokenSetRatio(ta, tb)
	if lr := levenshteinRatio(a, b); lr > score {
		score = lr
	}
	if numbersDiffer(ta, tb) && score > numericMismatchCap {
		score = numericMismatchCap
	}
	return score
}

func tokens(s string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.Fields(s) {
		set[f] = true
	}
	return set
}

func tokenSetRatio(a, b map[string]bool) float64 {
	if len(a)+len(b) == 0 {
		return 0
	}
	common := 0
	for t := range a {
		if b[t] {
			common++
		}
	}
	return 2 * float64(common) / float64(len(a)+len(b))
}

func isNumber(tok string) bool {
	hasDigit := false
	for _, r := range tok {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case r == '.':
		default:
			return false
		}
	}
	return hasDigit
}

// numbersDiffer reports whether both texts carry numbers and the sets differ.
func numbersDiffer(a, b map[string]bool) bool {
	na, nb := map[string]bool{}, map[string]bool{}
	for t := range a {
		if isNumber(t) {
			na[t] = true
		}
	}
	for t := range b {
		if isNumber(t) {
			nb[t] = true
		}
	}
	if len(na) == 0 || len(nb) == 0 {
		return false
	}
	if len(na) != len(nb) {
		return true
	}
	for t := range na {
		if !nb[t] {
			return true
		}
	}
	return false
}

func levenshteinRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// levenshtein is the classic two-row edit distance.
func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
