// Package readcluster collapses paired-end reads that share a molecular
// barcode into one consensus read pair per barcode.
//
// Run reads both input files once, gating every pair and accumulating the
// accepted ones in a cluster store. Only when the inputs are fully and
// consistently read are the outputs created; clusters are then read back
// shard by shard and called in parallel.
package readcluster

import (
	"context"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
	"github.com/wckdouglas/indexed-tgirt-seq/cluster"
	"github.com/wckdouglas/indexed-tgirt-seq/encoding/fastq"
	"github.com/wckdouglas/indexed-tgirt-seq/umi"
)

// Summary reports the outcome of Run.
type Summary struct {
	Gate    umi.Stats
	Process ProcessStats
	// Clusters is the number of distinct barcode keys.
	Clusters  int
	Histogram *cluster.Histogram
	// Digest is an order-independent hash of the emitted pairs, excluding
	// their output index. Runs over the same input and options produce the
	// same digest regardless of parallelism or store backend.
	Digest uint64
	// Written is the number of consensus pairs written.
	Written        int
	R1Path, R2Path string
}

// Log prints the summary.
func (s *Summary) Log() {
	s.Gate.Log()
	log.Printf("Clusters: %d barcodes, %d skipped (too few reads), %d called, %d rejected (ambiguous bases), %d dropped (too large)",
		s.Clusters, s.Process.Skipped, s.Process.Called, s.Process.Rejected, s.Process.Overflowed)
	log.Printf("Wrote %d consensus pairs to %s and %s", s.Written, s.R1Path, s.R2Path)
}

// Run clusters the read pairs of opts.R1Path and opts.R2Path by barcode and
// writes one consensus pair per cluster.
func Run(ctx context.Context, opts Opts) (*Summary, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.RetainN {
		opts.Gate.RejectAmbiguousPayload = true
	}
	if opts.KnownBarcodesPath != "" {
		known, err := readKnownBarcodes(ctx, opts.KnownBarcodesPath)
		if err != nil {
			return nil, err
		}
		if opts.Gate.Corrector, err = umi.NewSnapCorrector(known, opts.MaxBarcodeEdits); err != nil {
			return nil, errors.Wrapf(err, "known barcodes %s", opts.KnownBarcodesPath)
		}
		if err := opts.Gate.Validate(); err != nil {
			return nil, err
		}
	}

	store, err := newStore(&opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error.Printf("close cluster store: %v", err)
		}
	}()

	gate := umi.NewGate(opts.Gate)
	if err := accumulate(ctx, &opts, gate, store); err != nil {
		return nil, err
	}
	if err := store.Finish(); err != nil {
		return nil, err
	}
	s := &Summary{
		Gate:      gate.Stats(),
		Clusters:  store.Len(),
		Histogram: cluster.NewHistogram(store),
		R1Path:    opts.R1Output(),
		R2Path:    opts.R2Output(),
	}
	log.Printf("Accumulated %d pairs into %d clusters, %d with more than %d reads",
		s.Gate.Accepted(), s.Clusters, s.Histogram.Above(opts.MinReadCount), opts.MinReadCount)
	if opts.HistogramPath != "" {
		if err := writeHistogram(ctx, opts.HistogramPath, s.Histogram); err != nil {
			return nil, err
		}
	}

	w, err := fastq.CreatePair(ctx, s.R1Path, s.R2Path)
	if err != nil {
		return nil, err
	}
	p := newProcessor(&opts)
	if err := p.process(ctx, store, w); err != nil {
		w.Discard(ctx)
		return nil, err
	}
	if err := w.Close(ctx); err != nil {
		return nil, errors.Wrapf(err, "close %s, %s", s.R1Path, s.R2Path)
	}
	s.Process = p.stats
	s.Digest = p.digest
	s.Written = p.index
	if s.Written == 0 {
		log.Error.Printf("no cluster has more than %d reads; outputs are empty", opts.MinReadCount)
	}
	return s, nil
}

func newStore(opts *Opts) (cluster.Store, error) {
	if opts.DiskShardPrefixLen == 0 {
		return cluster.NewMemStore(), nil
	}
	disk := opts.Disk
	disk.PrefixLen = opts.DiskShardPrefixLen
	return cluster.NewDiskStore(disk)
}

// accumulate gates every input pair and inserts the accepted ones into
// store. It fails on any input error, including discordant pairs.
func accumulate(ctx context.Context, opts *Opts, gate *umi.Gate, store cluster.Store) (err error) {
	in, err := fastq.OpenPair(ctx, opts.R1Path, opts.R2Path)
	if err != nil {
		return err
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	var r1, r2 fastq.Read
	for in.Scan(&r1, &r2) {
		key, p, reason := gate.Apply(&r1, &r2)
		if reason != umi.Accepted {
			continue
		}
		if err := store.Insert(key, p); err != nil {
			if _, ok := err.(*cluster.StorageGrowthError); ok {
				log.Debug.Printf("%v", err)
				continue
			}
			return err
		}
	}
	if err := in.Err(); err != nil {
		return err
	}
	log.Printf("Read %d pairs from %s, %s", in.N(), opts.R1Path, opts.R2Path)
	return nil
}

func readKnownBarcodes(ctx context.Context, path string) ([]byte, error) {
	data, err := file.ReadFile(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return data, nil
}

func writeHistogram(ctx context.Context, path string, h *cluster.Histogram) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := h.WriteTSV(out.Writer(ctx)); err != nil {
		out.Close(ctx) // nolint: errcheck
		return errors.Wrapf(err, "write %s", path)
	}
	return out.Close(ctx)
}
