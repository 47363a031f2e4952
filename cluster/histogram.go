package cluster

import (
	"io"
	"sort"
	"strconv"

	"github.com/grailbio/base/tsv"
)

// Histogram maps a cluster size to the number of clusters of that size.
type Histogram struct {
	counts map[int]int
	keys   int
}

// NewHistogram computes the size histogram of s.
func NewHistogram(s Store) *Histogram {
	h := &Histogram{counts: map[int]int{}}
	s.EachSize(func(_ string, n int) {
		h.counts[n]++
		h.keys++
	})
	return h
}

// Keys returns the total number of clusters.
func (h *Histogram) Keys() int { return h.keys }

// Count returns the number of clusters with exactly size members.
func (h *Histogram) Count(size int) int { return h.counts[size] }

// Sizes returns the observed cluster sizes in ascending order.
func (h *Histogram) Sizes() []int {
	sizes := make([]int, 0, len(h.counts))
	for n := range h.counts {
		sizes = append(sizes, n)
	}
	sort.Ints(sizes)
	return sizes
}

// Above returns the number of clusters with more than min members.
func (h *Histogram) Above(min int) int {
	total := 0
	for n, c := range h.counts {
		if n > min {
			total += c
		}
	}
	return total
}

// WriteTSV writes "size\tcount" lines, with a header, in ascending size.
func (h *Histogram) WriteTSV(w io.Writer) error {
	tw := tsv.NewWriter(w)
	tw.WriteString("size")
	tw.WriteString("count")
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, n := range h.Sizes() {
		tw.WriteString(strconv.Itoa(n))
		tw.WriteString(strconv.Itoa(h.counts[n]))
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}
