// Package fuzzy scores lexical similarity between normalized chemical names
// and keeps a neighborhood index so a query is only compared with synonyms
// that share a prefix or a rare token.
package fuzzy

import (
	"sort"
	"strings"
)

// Ratio is the indel similarity of a and b: 2*LCS / (len(a)+len(b)), over
// runes. Identical strings score 1; either side empty scores 0.
func Ratio(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	return float64(2*lcs(ra, rb)) / float64(total)
}

// lcs is the longest common subsequence length using two rolling rows.
func lcs(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// TokenSetRatio compares the token sets of a and b so that reordered
// qualifiers ("lead total" and "total lead") score as equal.
func TokenSetRatio(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var common, onlyA, onlyB []string
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			common = append(common, tok)
		} else {
			onlyA = append(onlyA, tok)
		}
	}
	for tok := range tb {
		if _, ok := ta[tok]; !ok {
			onlyB = append(onlyB, tok)
		}
	}
	sort.Strings(common)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	sect := strings.Join(common, " ")
	combinedA := strings.TrimSpace(sect + " " + strings.Join(onlyA, " "))
	combinedB := strings.TrimSpace(sect + " " + strings.Join(onlyB, " "))

	best := Ratio(combinedA, combinedB)
	if sect != "" {
		best = max(best, Ratio(sect, combinedA), Ratio(sect, combinedB))
	}
	return best
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Score is max(Ratio, TokenSetRatio), in [0, 1]. Both inputs are expected to
// be normalized already.
func Score(a, b string) float64 {
	return max(Ratio(a, b), TokenSetRatio(a, b))
}

// Confidence buckets, highest first.
var confidenceBuckets = []float64{0.95, 0.85, 0.75}

// Confidence maps a raw score onto a confidence step: the highest bucket the
// score reaches, or the score itself below the lowest bucket. It is
// monotonic and never exceeds the score.
func Confidence(score float64) float64 {
	for _, b := range confidenceBuckets {
		if score >= b {
			return b
		}
	}
	if score < 0 {
		return 0
	}
	return score
}
