package util

// EditScorer computes barcode edit distances. It keeps its working row
// between calls, so reuse one scorer per goroutine in hot loops. The zero
// value is ready to use. An EditScorer is not threadsafe.
type EditScorer struct {
	prev, cur []int
	// tail1[k] / tail2[k]: distance after consuming k downstream bases of
	// the first / second barcode.
	tail1 []int
}

// Distance computes the Levenshtein distance between two barcodes: the
// number of insertions, deletions, and substitutions it takes to transform
// s1 into s2. Because a fixed number of barcode bases are always
// sequenced, bases downstream of the barcode will be read in the event of
// a deletion in the barcode sequence. To account for this, the caller
// passes the sequence downstream of each barcode (a1 and a2), and the
// result is the minimum distance over consuming any prefix of a1, or any
// prefix of a2, after the barcode. With empty a1 and a2 this is the
// standard Levenshtein distance.
func (e *EditScorer) Distance(s1, s2, a1, a2 string) int {
	r1 := s1 + a1
	n2 := len(s2) + len(a2)
	if cap(e.prev) < n2+1 {
		e.prev = make([]int, n2+1)
		e.cur = make([]int, n2+1)
	}
	prev, cur := e.prev[:n2+1], e.cur[:n2+1]
	at := func(j int) byte {
		if j < len(s2) {
			return s2[j]
		}
		return a2[j-len(s2)]
	}
	for j := range prev {
		prev[j] = j
	}
	best := -1
	if len(s1) == 0 {
		best = minTail(prev, len(s2))
	}
	e.tail1 = e.tail1[:0]
	for i := 1; i <= len(r1); i++ {
		cur[0] = i
		c := r1[i-1]
		for j := 1; j <= n2; j++ {
			d := prev[j-1]
			if c != at(j-1) {
				d++
			}
			if v := prev[j] + 1; v < d {
				d = v
			}
			if v := cur[j-1] + 1; v < d {
				d = v
			}
			cur[j] = d
		}
		if i == len(s1) {
			// Row of the full first barcode: extend the second one.
			best = minTail(cur, len(s2))
		}
		if i >= len(s1) {
			e.tail1 = append(e.tail1, cur[len(s2)])
		}
		prev, cur = cur, prev
	}
	for _, d := range e.tail1 {
		if d < best {
			best = d
		}
	}
	return best
}

func minTail(row []int, from int) int {
	m := row[from]
	for _, d := range row[from+1:] {
		if d < m {
			m = d
		}
	}
	return m
}

// Levenshtein computes EditScorer.Distance with a throwaway scorer.
func Levenshtein(s1, s2, a1, a2 string) int {
	var e EditScorer
	return e.Distance(s1, s2, a1, a2)
}
