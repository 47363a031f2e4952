// Package umi extracts molecular barcodes (UMIs) from read pairs, decides
// whether a pair is usable for clustering, and optionally snaps barcodes
// to a list of known barcodes.
package umi

import (
	"fmt"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
	"github.com/wckdouglas/indexed-tgirt-seq/cluster"
	"github.com/wckdouglas/indexed-tgirt-seq/encoding/fastq"
	"github.com/wckdouglas/indexed-tgirt-seq/util"
)

// Reason is the outcome of Gate.Apply.
type Reason int

const (
	// Accepted means the pair passed every check.
	Accepted Reason = iota
	// ReasonTooShort: a read cannot hold the barcode, the constant region
	// and at least one payload base, or its sequence and quality lengths
	// differ.
	ReasonTooShort
	// ReasonLowQuality: the mean barcode quality is at or below the cutoff.
	ReasonLowQuality
	// ReasonAmbiguousBarcode: the barcode has a base other than A, C, G, T.
	ReasonAmbiguousBarcode
	// ReasonHomopolymer: the barcode has a long single-base run.
	ReasonHomopolymer
	// ReasonConstantMismatch: the constant region differs from the expected
	// sequence in too many positions.
	ReasonConstantMismatch
	// ReasonAmbiguousPayload: the trimmed read contains N.
	ReasonAmbiguousPayload

	numReasons
)

var reasonNames = [numReasons]string{
	"accepted",
	"too_short",
	"low_barcode_quality",
	"ambiguous_barcode",
	"homopolymer_barcode",
	"constant_mismatch",
	"ambiguous_read",
}

func (r Reason) String() string {
	if r >= 0 && r < numReasons {
		return reasonNames[r]
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Opts configures a Gate.
type Opts struct {
	// IndexLength is the barcode length at the start of each indexed read.
	IndexLength int
	// DoubleIndex reads a barcode from both R1 and R2; the key is their
	// concatenation. Otherwise only R1 carries a barcode.
	DoubleIndex bool
	// MinBarcodeQual rejects pairs whose truncated mean barcode phred score
	// is at or below this value. Double-index pairs use the smaller mean.
	MinBarcodeQual int
	// HomopolymerLength rejects barcodes with a run of this many identical
	// bases. 0 disables the check.
	HomopolymerLength int
	// ConstantLeft and ConstantRight are the sequences expected right after
	// the barcode in R1 and R2. Empty disables the check.
	ConstantLeft, ConstantRight string
	// MaxConstantMismatches is the number of mismatching positions allowed
	// in a constant region.
	MaxConstantMismatches int
	// RejectAmbiguousPayload rejects pairs whose trimmed reads contain N.
	RejectAmbiguousPayload bool
	// Corrector, if set, snaps barcodes to known barcodes.
	Corrector *SnapCorrector
}

// DefaultOpts are the default gate settings.
var DefaultOpts = Opts{
	IndexLength:           13,
	MinBarcodeQual:        30,
	HomopolymerLength:     5,
	MaxConstantMismatches: 1,
}

// Validate checks the option values.
func (o *Opts) Validate() error {
	if o.IndexLength <= 0 {
		return errors.Errorf("umi: index length must be positive, got %d", o.IndexLength)
	}
	if o.ConstantRight != "" && !o.DoubleIndex {
		return errors.New("umi: a right constant region requires double-index mode")
	}
	if o.MaxConstantMismatches < 0 {
		return errors.Errorf("umi: negative constant mismatch allowance %d", o.MaxConstantMismatches)
	}
	if o.HomopolymerLength < 0 {
		return errors.Errorf("umi: negative homopolymer length %d", o.HomopolymerLength)
	}
	if o.Corrector != nil && o.Corrector.Len() != o.IndexLength {
		return errors.Errorf("umi: known barcodes have length %d, index length is %d", o.Corrector.Len(), o.IndexLength)
	}
	return nil
}

// Gate decides whether a read pair is clusterable, and extracts its key
// and trimmed payload. Apply depends only on its arguments and the
// options, so applying it twice to the same pair gives the same result.
type Gate struct {
	opts  Opts
	stats Stats
}

// NewGate creates a Gate. opts must be valid.
func NewGate(opts Opts) *Gate {
	return &Gate{opts: opts}
}

// Stats returns the counters accumulated by Apply.
func (g *Gate) Stats() Stats { return g.stats }

// barcode holds one indexed read split into its parts.
type barcode struct {
	umi, umiQual string
	constant     string
	seq, qual    string
	downstream   string
}

func (g *Gate) split(r *fastq.Read, constant string) (barcode, bool) {
	off := g.opts.IndexLength + len(constant)
	if len(r.Seq) != len(r.Qual) || len(r.Seq) <= off {
		return barcode{}, false
	}
	return barcode{
		umi:        r.Seq[:g.opts.IndexLength],
		umiQual:    r.Qual[:g.opts.IndexLength],
		constant:   r.Seq[g.opts.IndexLength:off],
		seq:        r.Seq[off:],
		qual:       r.Qual[off:],
		downstream: r.Seq[g.opts.IndexLength:],
	}, true
}

// Apply classifies the pair r1, r2. When the returned reason is Accepted,
// key is the barcode key and p holds the reads with the barcode and
// constant region removed.
func (g *Gate) Apply(r1, r2 *fastq.Read) (key string, p cluster.Payload, reason Reason) {
	key, p, reason = g.apply(r1, r2)
	g.stats.Pairs++
	g.stats.Reasons[reason]++
	return
}

func (g *Gate) apply(r1, r2 *fastq.Read) (string, cluster.Payload, Reason) {
	left, ok := g.split(r1, g.opts.ConstantLeft)
	if !ok {
		return "", cluster.Payload{}, ReasonTooShort
	}
	var right barcode
	if g.opts.DoubleIndex {
		if right, ok = g.split(r2, g.opts.ConstantRight); !ok {
			return "", cluster.Payload{}, ReasonTooShort
		}
	} else {
		if len(r2.Seq) == 0 || len(r2.Seq) != len(r2.Qual) {
			return "", cluster.Payload{}, ReasonTooShort
		}
		right = barcode{seq: r2.Seq, qual: r2.Qual}
	}

	q := fastq.MeanQual(left.umiQual)
	if g.opts.DoubleIndex {
		if q2 := fastq.MeanQual(right.umiQual); q2 < q {
			q = q2
		}
	}
	if q <= g.opts.MinBarcodeQual {
		return "", cluster.Payload{}, ReasonLowQuality
	}

	// Barcode checks apply to the observed barcodes, before correction.
	if !util.IsACGT(left.umi) || !util.IsACGT(right.umi) {
		return "", cluster.Payload{}, ReasonAmbiguousBarcode
	}
	if util.HasHomopolymer(left.umi, g.opts.HomopolymerLength) || util.HasHomopolymer(right.umi, g.opts.HomopolymerLength) {
		return "", cluster.Payload{}, ReasonHomopolymer
	}
	if !g.constantOK(left.constant, g.opts.ConstantLeft) {
		return "", cluster.Payload{}, ReasonConstantMismatch
	}
	if g.opts.DoubleIndex && !g.constantOK(right.constant, g.opts.ConstantRight) {
		return "", cluster.Payload{}, ReasonConstantMismatch
	}
	if g.opts.RejectAmbiguousPayload && (util.ContainsN(left.seq) || util.ContainsN(right.seq)) {
		return "", cluster.Payload{}, ReasonAmbiguousPayload
	}
	umi1 := g.correct(left)
	umi2 := ""
	if g.opts.DoubleIndex {
		umi2 = g.correct(right)
	}
	return umi1 + umi2, cluster.Payload{
		LeftSeq:   left.seq,
		LeftQual:  left.qual,
		RightSeq:  right.seq,
		RightQual: right.qual,
	}, Accepted
}

func (g *Gate) correct(b barcode) string {
	if g.opts.Corrector == nil {
		return b.umi
	}
	umi, _, corrected := g.opts.Corrector.CorrectUMI(b.umi, b.downstream)
	if corrected {
		g.stats.Corrected++
	}
	return umi
}

func (g *Gate) constantOK(observed, expected string) bool {
	if expected == "" {
		return true
	}
	d, err := matchr.Hamming(observed, expected)
	if err != nil {
		log.Error.Printf("umi: constant region %q vs %q: %v", observed, expected, err)
		return false
	}
	return d <= g.opts.MaxConstantMismatches
}

// Stats counts gate outcomes.
type Stats struct {
	Pairs     int
	Reasons   [numReasons]int
	Corrected int
}

// Accepted returns the number of accepted pairs.
func (s Stats) Accepted() int { return s.Reasons[Accepted] }

// Count returns the number of pairs with the given outcome.
func (s Stats) Count(r Reason) int { return s.Reasons[r] }

// Merge merges the contents of other into s and returns the result.
func (s Stats) Merge(other Stats) Stats {
	s.Pairs += other.Pairs
	for i := range s.Reasons {
		s.Reasons[i] += other.Reasons[i]
	}
	s.Corrected += other.Corrected
	return s
}

// Log prints the counters.
func (s Stats) Log() {
	log.Printf("Gate: %d pairs, %d accepted, %d barcodes corrected", s.Pairs, s.Accepted(), s.Corrected)
	for r := ReasonTooShort; r < numReasons; r++ {
		if n := s.Reasons[r]; n > 0 {
			log.Printf("Gate: %d pairs rejected as %v", n, r)
		}
	}
}
