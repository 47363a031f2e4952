package umi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wckdouglas/indexed-tgirt-seq/cluster"
	"github.com/wckdouglas/indexed-tgirt-seq/encoding/fastq"
)

const payload20 = "ACGTTGCAACGTTGCAACGT"

func read(name, seq, qual string) *fastq.Read {
	return &fastq.Read{ID: "@" + name + " 1:N:0", Seq: seq, Unk: "+", Qual: qual}
}

func highQual(n int) string { return strings.Repeat("I", n) }

func TestGateAccept(t *testing.T) {
	g := NewGate(DefaultOpts)
	r1 := read("a", "CGTACGTACGTAC"+payload20, highQual(33))
	r2 := read("a", "TTGGCCAA", "HHHHHHHH")

	key, p, reason := g.Apply(r1, r2)
	require.Equal(t, Accepted, reason)
	assert.Equal(t, "CGTACGTACGTAC", key)
	assert.Equal(t, cluster.Payload{
		LeftSeq:   payload20,
		LeftQual:  highQual(20),
		RightSeq:  "TTGGCCAA",
		RightQual: "HHHHHHHH",
	}, p)

	// Applying the gate again yields the same result.
	key2, p2, reason2 := g.Apply(r1, r2)
	assert.Equal(t, key, key2)
	assert.Equal(t, p, p2)
	assert.Equal(t, reason, reason2)

	s := g.Stats()
	assert.Equal(t, 2, s.Pairs)
	assert.Equal(t, 2, s.Accepted())
}

func TestGateReject(t *testing.T) {
	r2 := read("a", "TTGGCCAA", "HHHHHHHH")
	tests := []struct {
		name   string
		opts   func(*Opts)
		r1     *fastq.Read
		reason Reason
	}{
		{"homopolymer", nil, read("a", "AAAAACGTACGTA"+payload20, highQual(33)), ReasonHomopolymer},
		{"ambiguous", nil, read("a", "CGTACGNACGTAC"+payload20, highQual(33)), ReasonAmbiguousBarcode},
		// Mean barcode quality of exactly 30 is not enough.
		{"lowqual", nil, read("a", "CGTACGTACGTAC"+payload20, strings.Repeat("?", 13)+highQual(20)), ReasonLowQuality},
		{"short", nil, read("a", "CGTACGTACGTAC", highQual(13)), ReasonTooShort},
		{"qual length", nil, read("a", "CGTACGTACGTAC"+payload20, highQual(30)), ReasonTooShort},
		{"constant", func(o *Opts) { o.ConstantLeft = "TGAC" },
			read("a", "CGTACGTACGTAC"+"TCCC"+payload20, highQual(37)), ReasonConstantMismatch},
		{"payload N", func(o *Opts) { o.RejectAmbiguousPayload = true },
			read("a", "CGTACGTACGTAC"+"ACGTN", highQual(18)), ReasonAmbiguousPayload},
	}
	for _, test := range tests {
		opts := DefaultOpts
		if test.opts != nil {
			test.opts(&opts)
		}
		require.NoError(t, opts.Validate())
		g := NewGate(opts)
		key, _, reason := g.Apply(test.r1, r2)
		assert.Equal(t, test.reason, reason, test.name)
		assert.Equal(t, "", key, test.name)
		assert.Equal(t, 1, g.Stats().Count(test.reason), test.name)
	}
}

func TestGateConstant(t *testing.T) {
	opts := DefaultOpts
	opts.ConstantLeft = "TGAC"
	g := NewGate(opts)
	r2 := read("a", "TTGGCCAA", "HHHHHHHH")

	// One mismatch is tolerated; the constant region is trimmed.
	key, p, reason := g.Apply(read("a", "CGTACGTACGTAC"+"TGAA"+payload20, highQual(37)), r2)
	require.Equal(t, Accepted, reason)
	assert.Equal(t, "CGTACGTACGTAC", key)
	assert.Equal(t, payload20, p.LeftSeq)
	assert.Equal(t, highQual(20), p.LeftQual)

	opts.MaxConstantMismatches = 0
	g = NewGate(opts)
	_, _, reason = g.Apply(read("a", "CGTACGTACGTAC"+"TGAA"+payload20, highQual(37)), r2)
	assert.Equal(t, ReasonConstantMismatch, reason)
}

func TestGateDoubleIndex(t *testing.T) {
	opts := DefaultOpts
	opts.IndexLength = 6
	opts.DoubleIndex = true
	opts.ConstantRight = "GG"
	require.NoError(t, opts.Validate())
	g := NewGate(opts)

	r1 := read("a", "ACGTCA"+"TTTTACGT", highQual(14))
	r2 := read("a", "GATCGA"+"GG"+"CCAT", "IIIIII"+"II"+"5555")
	key, p, reason := g.Apply(r1, r2)
	require.Equal(t, Accepted, reason)
	assert.Equal(t, "ACGTCAGATCGA", key)
	assert.Equal(t, "TTTTACGT", p.LeftSeq)
	assert.Equal(t, "CCAT", p.RightSeq)
	assert.Equal(t, "5555", p.RightQual)

	// The smaller mean barcode quality decides.
	r2.Qual = "++++++" + "II" + "5555"
	_, _, reason = g.Apply(r1, r2)
	assert.Equal(t, ReasonLowQuality, reason)

	// Each barcode is checked for runs separately.
	r2 = read("a", "GGGGGA"+"GG"+"CCAT", highQual(12))
	_, _, reason = g.Apply(r1, r2)
	assert.Equal(t, ReasonHomopolymer, reason)
}

func TestGateCorrector(t *testing.T) {
	c, err := NewSnapCorrector([]byte("CGTACGTACGTAC\nGATTACAGATTAC\n"), 1)
	require.NoError(t, err)
	opts := DefaultOpts
	opts.Corrector = c
	require.NoError(t, opts.Validate())
	g := NewGate(opts)

	key, _, reason := g.Apply(read("a", "CGTACGTTCGTAC"+payload20, highQual(33)), read("a", "TTGG", "IIII"))
	require.Equal(t, Accepted, reason)
	assert.Equal(t, "CGTACGTACGTAC", key)
	assert.Equal(t, 1, g.Stats().Corrected)

	// An ambiguous base is rejected even when a known barcode is one
	// edit away.
	key, _, reason = g.Apply(read("b", "CGTACGTNCGTAC"+payload20, highQual(33)), read("b", "TTGG", "IIII"))
	assert.Equal(t, ReasonAmbiguousBarcode, reason)
	assert.Equal(t, "", key)

	// So is a homopolymer run.
	key, _, reason = g.Apply(read("c", "CGTACGGGGGTAC"+payload20, highQual(33)), read("c", "TTGG", "IIII"))
	assert.Equal(t, ReasonHomopolymer, reason)
	assert.Equal(t, "", key)
	assert.Equal(t, 1, g.Stats().Corrected)
}

func TestGateOptsValidate(t *testing.T) {
	opts := DefaultOpts
	opts.ConstantRight = "ACGT"
	assert.Error(t, opts.Validate())
	opts = DefaultOpts
	opts.IndexLength = 0
	assert.Error(t, opts.Validate())
}

func TestStatsMerge(t *testing.T) {
	a := Stats{Pairs: 3, Corrected: 1}
	a.Reasons[Accepted] = 2
	a.Reasons[ReasonHomopolymer] = 1
	b := Stats{Pairs: 2}
	b.Reasons[Accepted] = 1
	b.Reasons[ReasonTooShort] = 1
	m := a.Merge(b)
	assert.Equal(t, 5, m.Pairs)
	assert.Equal(t, 3, m.Accepted())
	assert.Equal(t, 1, m.Count(ReasonTooShort))
	assert.Equal(t, 1, m.Count(ReasonHomopolymer))
	assert.Equal(t, 1, m.Corrected)
	assert.Equal(t, "homopolymer_barcode", ReasonHomopolymer.String())
}
