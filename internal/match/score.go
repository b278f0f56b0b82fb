package match

import "strings"

// Score computes the similarity of query to target in [0,1]. Inputs are
// compared lower-cased and the checks run in order:
//
//   - target contains query: 0.9
//   - query contains target: 0.8
//   - a keyword is a substring of query: 0.85
//   - otherwise the Jaccard index over the distinct characters of both
//
// Score is not symmetric. An empty target never satisfies the containment
// checks, so a row with a blank name cannot win on containment alone.
func Score(query, target string, keywords []string) float64 {
	q := strings.ToLower(query)
	t := strings.ToLower(target)

	if t != "" && q != "" {
		if strings.Contains(t, q) {
			return 0.9
		}
		if strings.Contains(q, t) {
			return 0.8
		}
	}
	for _, k := range keywords {
		if k = strings.ToLower(k); k != "" && strings.Contains(q, k) {
			return 0.85
		}
	}
	return jaccard(q, t)
}

func jaccard(a, b string) float64 {
	as := runeSet(a)
	bs := runeSet(b)
	inter := 0
	for r := range as {
		if _, ok := bs[r]; ok {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func runeSet(s string) map[rune]struct{} {
	set := make(map[rune]struct{}, len(s))
	for _, r := range s {
		set[r] = struct{}{}
	}
	return set
}
