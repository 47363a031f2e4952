// Package consensus derives one consensus read from the members of a
// cluster, column by column. Two models are provided: a plurality vote with
// an agreement threshold, and a Bayesian posterior over A/C/G/T under a
// per-base phred error model.
package consensus

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/wckdouglas/indexed-tgirt-seq/encoding/fastq"
)

// Model selects the consensus algorithm.
type Model int

const (
	// Vote calls the most frequent base if its fraction exceeds
	// Opts.VoteThreshold.
	Vote Model = iota
	// Posterior calls the base with the largest posterior probability.
	Posterior
)

// ParseModel converts "vote" or "posterior" to a Model.
func ParseModel(s string) (Model, error) {
	switch s {
	case "vote":
		return Vote, nil
	case "posterior", "bayesian":
		return Posterior, nil
	}
	return Vote, errors.Errorf("consensus: unknown model %q, want vote or posterior", s)
}

func (m Model) String() string {
	switch m {
	case Vote:
		return "vote"
	case Posterior:
		return "posterior"
	}
	return fmt.Sprintf("Model(%d)", int(m))
}

// Opts configures a Caller.
type Opts struct {
	Model Model
	// VoteThreshold is the fraction of members that must carry the
	// plurality base, exclusive.
	VoteThreshold float64
	// MinQual and MaxQual clamp the posterior phred scores.
	MinQual, MaxQual int
}

// DefaultOpts are the default consensus settings.
var DefaultOpts = Opts{
	Model:         Vote,
	VoteThreshold: 0.9,
	MinQual:       0,
	MaxQual:       40,
}

// Validate checks the option values.
func (o *Opts) Validate() error {
	if o.VoteThreshold < 0 || o.VoteThreshold >= 1 {
		return errors.Errorf("consensus: vote threshold %v out of range [0,1)", o.VoteThreshold)
	}
	if o.MinQual < 0 || o.MaxQual >= nQual || o.MinQual > o.MaxQual {
		return errors.Errorf("consensus: invalid quality clamp [%d,%d]", o.MinQual, o.MaxQual)
	}
	return nil
}

// PreconditionError reports a malformed cluster: no members, mismatched
// sequence and quality counts, or members of unequal length.
type PreconditionError struct {
	// Key is the cluster key, if known.
	Key string
	Msg string
}

func (e *PreconditionError) Error() string {
	if e.Key == "" {
		return "consensus: " + e.Msg
	}
	return fmt.Sprintf("consensus: cluster %s: %s", e.Key, e.Msg)
}

var bases = [4]byte{'A', 'C', 'G', 'T'}

// Caller computes consensus reads. It keeps scratch buffers, so each
// goroutine needs its own Caller.
type Caller struct {
	opts  Opts
	seq   []byte
	qual  []byte
	count [256]int
	qsum  [256]int
	ll    [4]float64
}

// NewCaller creates a Caller.
func NewCaller(opts Opts) *Caller {
	return &Caller{opts: opts}
}

// Call computes the consensus of the parallel member slices seqs and
// quals. The result has the length of the members.
func (c *Caller) Call(seqs, quals []string) (seq, qual string, err error) {
	if err := validate(seqs, quals); err != nil {
		return "", "", err
	}
	n := len(seqs[0])
	c.seq = c.seq[:0]
	c.qual = c.qual[:0]
	for col := 0; col < n; col++ {
		var b, q byte
		if c.opts.Model == Posterior {
			b, q = c.posteriorColumn(seqs, quals, col)
		} else {
			b, q = c.voteColumn(seqs, quals, col)
		}
		c.seq = append(c.seq, b)
		c.qual = append(c.qual, q)
	}
	return string(c.seq), string(c.qual), nil
}

func validate(seqs, quals []string) error {
	if len(seqs) == 0 {
		return &PreconditionError{Msg: "no members"}
	}
	if len(seqs) != len(quals) {
		return &PreconditionError{Msg: fmt.Sprintf("%d sequences but %d quality strings", len(seqs), len(quals))}
	}
	n := len(seqs[0])
	for i := range seqs {
		if len(seqs[i]) != n {
			return &PreconditionError{Msg: fmt.Sprintf("member %d has length %d, member 0 has length %d", i, len(seqs[i]), n)}
		}
		if len(quals[i]) != n {
			return &PreconditionError{Msg: fmt.Sprintf("member %d has %d bases but %d quality values", i, n, len(quals[i]))}
		}
	}
	return nil
}

// voteColumn calls the plurality base of column col. Ties go to the
// smaller byte. The quality is the truncated mean quality byte of the
// members carrying the called base, or '!' if there are none.
func (c *Caller) voteColumn(seqs, quals []string, col int) (byte, byte) {
	c.count = [256]int{}
	c.qsum = [256]int{}
	for i := range seqs {
		b := seqs[i][col]
		c.count[b]++
		c.qsum[b] += int(quals[i][col])
	}
	best := 0
	for b := 1; b < 256; b++ {
		if c.count[b] > c.count[best] {
			best = b
		}
	}
	call := byte(best)
	if float64(c.count[best])/float64(len(seqs)) <= c.opts.VoteThreshold {
		call = 'N'
	}
	if c.count[call] == 0 {
		return call, fastq.QualOffset
	}
	return call, byte(c.qsum[call] / c.count[call])
}

// posteriorColumn calls the A/C/G/T base with the largest posterior.
func (c *Caller) posteriorColumn(seqs, quals []string, col int) (byte, byte) {
	first := seqs[0][col]
	agree, informative := true, false
	for i := range seqs {
		b := seqs[i][col]
		if b != first {
			agree = false
		}
		switch b {
		case 'A', 'C', 'G', 'T':
			informative = true
		}
	}
	minQ := fastq.EncodeQual(c.opts.MinQual)
	if !informative {
		return 'N', minQ
	}
	if agree {
		return first, fastq.EncodeQual(c.opts.MaxQual)
	}
	for k, cand := range bases {
		ll := 0.0
		for i := range seqs {
			q := phred(quals[i][col])
			if seqs[i][col] == cand {
				ll += logMatch[q]
			} else {
				ll += logMismatch[q]
			}
		}
		c.ll[k] = ll
	}
	lse := logSumExp(c.ll[:])
	if math.IsInf(lse, -1) {
		return 'N', minQ
	}
	best := 0
	for k := 1; k < 4; k++ {
		if c.ll[k] > c.ll[best] {
			best = k
		}
	}
	// 1 - posterior, summed over the other candidates to avoid cancellation.
	perr := 0.0
	for k := range c.ll {
		if k != best {
			perr += math.Exp(c.ll[k] - lse)
		}
	}
	q := c.opts.MaxQual
	if perr > 0 {
		if v := -10 * math.Log10(perr); v < float64(q) {
			q = int(v)
		}
	}
	if q < c.opts.MinQual {
		q = c.opts.MinQual
	}
	return bases[best], fastq.EncodeQual(q)
}

// Call computes a single consensus with a throwaway Caller.
func Call(seqs, quals []string, opts Opts) (seq, qual string, err error) {
	return NewCaller(opts).Call(seqs, quals)
}
