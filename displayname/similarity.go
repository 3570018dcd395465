// Package displayname implements C2: the per-chain display-name collision
// index, using Jaro-Winkler similarity over normalized strings (spec.md
// §4.2). There is no Jaro-Winkler implementation in the teacher's or the
// pack's dependency graph, so this is grounded directly on the
// specification's algorithm text rather than a third-party string-distance
// library (none of the retrieved repos import one); normalization itself
// reuses golang.org/x/text/unicode/norm, already pulled in transitively by
// the teacher's golang.org/x/text dependency.
package displayname

import "unicode/utf8"

// jaroWinkler returns the Jaro-Winkler similarity of a and b in [0, 1].
// The prefix scaling factor (0.1, over at most 4 common leading runes) and
// the boost threshold (applied only at a Jaro score of 0.7 or above) are the
// commonly used defaults.
func jaroWinkler(a, b string) float64 {
	if a == b {
		return 1
	}
	ar := []rune(a)
	br := []rune(b)
	jaro := jaroSimilarity(ar, br)
	if jaro < 0.7 {
		return jaro
	}

	prefix := 0
	for i := 0; i < len(ar) && i < len(br) && i < 4; i++ {
		if ar[i] != br[i] {
			break
		}
		prefix++
	}
	return jaro + float64(prefix)*0.1*(1-jaro)
}

func jaroSimilarity(a, b []rune) float64 {
	la, lb := len(a), len(b)
	if la == 0 && lb == 0 {
		return 1
	}
	if la == 0 || lb == 0 {
		return 0
	}

	matchDist := maxInt(la, lb)/2 - 1
	if matchDist < 0 {
		matchDist = 0
	}

	aMatches := make([]bool, la)
	bMatches := make([]bool, lb)

	matches := 0
	for i := 0; i < la; i++ {
		start := maxInt(0, i-matchDist)
		end := minInt(i+matchDist+1, lb)
		for j := start; j < end; j++ {
			if bMatches[j] || a[i] != b[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	k := 0
	for i := 0; i < la; i++ {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	return (m/float64(la) + m/float64(lb) + (m-float64(transpositions)/2)/m) / 3
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// runeLen reports the number of runes in s. Nothing in the package calls
// it; Check and jaroWinkler apply no length limit to names.
func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
