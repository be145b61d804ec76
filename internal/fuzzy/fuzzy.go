// Package fuzzy provides a similarity ratio over strings, used for
// comparing worker output against expectations and for locating
// near-miss replacement targets in files.
package fuzzy

// Ratio returns a similarity measure in [0, 1]: twice the total length
// of the matching blocks over the combined length of both inputs.
// Identical strings score 1, disjoint strings score 0.
func Ratio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	m := matchLen(a, b)
	return 2 * float64(m) / float64(len(a)+len(b))
}

// matchLen sums the lengths of the matching blocks: the longest common
// substring, plus matches recursively found on either side of it.
func matchLen(a, b string) int {
	ai, bi, n := longestCommon(a, b)
	if n == 0 {
		return 0
	}
	return n + matchLen(a[:ai], b[:bi]) + matchLen(a[ai+n:], b[bi+n:])
}

func longestCommon(a, b string) (aStart, bStart, length int) {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 0; i < len(a); i++ {
		for j := 0; j < len(b); j++ {
			if a[i] != b[j] {
				cur[j+1] = 0
				continue
			}
			cur[j+1] = prev[j] + 1
			if cur[j+1] > length {
				length = cur[j+1]
				aStart = i - length + 1
				bStart = j - length + 1
			}
		}
		prev, cur = cur, prev
		clear(cur)
	}
	return aStart, bStart, length
}
