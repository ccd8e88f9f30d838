package convergence

import "strings"

// minTokenLen drops short tokens before similarity comparison.
const minTokenLen = 3

// tokenize lowercases the text, splits on whitespace, and drops tokens
// shorter than minTokenLen.
func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		if len(tok) >= minTokenLen {
			tokens[tok] = struct{}{}
		}
	}
	return tokens
}

// jaccard computes |A∩B| / |A∪B| over token sets. Two empty sets are
// considered identical.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}

// textSimilarity is the Jaccard similarity of two agent outputs.
func textSimilarity(a, b string) float64 {
	return jaccard(tokenize(a), tokenize(b))
}
