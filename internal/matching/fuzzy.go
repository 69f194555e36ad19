package matching

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Ratio is a Levenshtein-derived similarity in [0,1] over two strings.
func Ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

// PartialRatio is the best Ratio of the shorter string against any
// equal-length window of the longer one. It scores substring-ish matches
// highly, e.g. an invoice number buried in a remittance memo.
func PartialRatio(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		return 0
	}
	if len(short) == len(long) {
		return Ratio(string(short), string(long))
	}

	best := 0.0
	for i := 0; i+len(short) <= len(long); i++ {
		r := Ratio(string(short), string(long[i:i+len(short)]))
		if r > best {
			best = r
		}
		if best == 1 {
			break
		}
	}
	return best
}

// TokenSetRatio compares the sorted unique tokens of both strings, so word
// order and repetition do not matter.
func TokenSetRatio(a, b string) float64 {
	return Ratio(tokenSet(a), tokenSet(b))
}

func tokenSet(s string) string {
	seen := make(map[string]struct{})
	var tokens []string
	for _, tok := range strings.Fields(s) {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}
