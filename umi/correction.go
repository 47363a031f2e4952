package umi

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
	"github.com/wckdouglas/indexed-tgirt-seq/util"
)

type snapCorrectorEntry struct {
	knownUMI string
	edits    int
	ok       bool
}

// SnapCorrector implements "snap" correction of UMIs.  A umi U is
// snappable if there is a known non-random umi U1 that is closer to U
// than all other known umis, in terms of Levenshtein edit distance, and
// at most maxEdits away.
//
// Corrections are computed on first use and cached. A SnapCorrector is
// not threadsafe.
type SnapCorrector struct {
	knownUMIs []string
	k         int
	maxEdits  int
	scorer    util.EditScorer

	// correctionTable caches the snap result of every umi seen so far,
	// keyed by the umi followed by the downstream bases considered.
	correctionTable map[string]snapCorrectorEntry
}

// NewSnapCorrector creates a new snap corrector.  The knownUMIs are a
// \n separated list of UMIs (identical to the file content of a list
// of UMIs, where each line contains a UMI).  Each UMI should consist
// of characters ACGT. Blank lines are ignored.
func NewSnapCorrector(knownUMIs []byte, maxEdits int) (*SnapCorrector, error) {
	scanner := bufio.NewScanner(bytes.NewReader(knownUMIs))
	known := []string{}
	seen := map[string]bool{}
	k := -1
	for scanner.Scan() {
		umi := strings.ToUpper(strings.TrimSpace(scanner.Text()))
		if umi == "" {
			continue
		}
		if k < 0 {
			k = len(umi)
		}
		if len(umi) != k {
			return nil, errors.Errorf("umi %s has length %d, other umis have length %d", umi, len(umi), k)
		}
		if !util.IsACGT(umi) {
			return nil, errors.Errorf("invalid base in known umi %s", umi)
		}
		if seen[umi] {
			continue
		}
		seen[umi] = true
		known = append(known, umi)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if k < 0 {
		return nil, errors.New("no umis in input")
	}
	if maxEdits < 0 {
		return nil, errors.Errorf("negative max edits %d", maxEdits)
	}
	log.Debug.Printf("Loaded %d known UMIs of length %d", len(known), k)
	return &SnapCorrector{
		knownUMIs:       known,
		k:               k,
		maxEdits:        maxEdits,
		correctionTable: map[string]snapCorrectorEntry{},
	}, nil
}

// Len returns the UMI length.
func (c *SnapCorrector) Len() int { return c.k }

// CorrectUMI returns a corrected umi, number of edits to the corrected
// umi, and true if there is exactly one known UMI that is closest to the
// original umi with respect to Levenshtein edit distance, within maxEdits.
// Otherwise, it returns the original umi, -1, and false. An umi that is
// itself known is returned with 0 edits and false. downstream holds the
// read bases following the umi; they are consumed when the umi carries a
// deletion.
func (c *SnapCorrector) CorrectUMI(umi, downstream string) (correctedUMI string, edits int, corrected bool) {
	umi = strings.ToUpper(umi)
	if len(downstream) > c.maxEdits {
		downstream = downstream[:c.maxEdits]
	}
	cacheKey := umi + "/" + downstream
	entry, ok := c.correctionTable[cacheKey]
	if !ok {
		entry = c.snap(umi, downstream)
		c.correctionTable[cacheKey] = entry
	}
	if !entry.ok {
		return umi, -1, false
	}
	return entry.knownUMI, entry.edits, entry.knownUMI != umi
}

func (c *SnapCorrector) snap(umi, downstream string) snapCorrectorEntry {
	best, bestUMI, ties := -1, "", 0
	for _, known := range c.knownUMIs {
		d := c.scorer.Distance(umi, known, downstream, "")
		switch {
		case best < 0 || d < best:
			best, bestUMI, ties = d, known, 1
		case d == best:
			ties++
		}
	}
	if ties != 1 || best > c.maxEdits {
		return snapCorrectorEntry{}
	}
	return snapCorrectorEntry{knownUMI: bestUMI, edits: best, ok: true}
}
