package readcluster

import (
	"runtime"

	"github.com/pkg/errors"
	"github.com/wckdouglas/indexed-tgirt-seq/cluster"
	"github.com/wckdouglas/indexed-tgirt-seq/consensus"
	"github.com/wckdouglas/indexed-tgirt-seq/umi"
)

// Opts configures Run.
type Opts struct {
	// R1Path and R2Path are the paired input FASTQ files, optionally
	// gzip-compressed.
	R1Path, R2Path string
	// OutputPrefix names the outputs <prefix>_R1_001.fastq.gz and
	// <prefix>_R2_001.fastq.gz.
	OutputPrefix string
	// HistogramPath, if set, receives the cluster size histogram as TSV.
	HistogramPath string
	// KnownBarcodesPath, if set, lists known barcodes, one per line.
	// Observed barcodes are snapped to them.
	KnownBarcodesPath string
	// MaxBarcodeEdits bounds the edit distance of a barcode snap.
	MaxBarcodeEdits int
	// MinReadCount: clusters must have more than this many members to be
	// called.
	MinReadCount int
	// RetainN keeps consensus pairs containing N unless a side is all N.
	// Otherwise any N rejects the pair, and input pairs whose payload
	// contains N are dropped by the gate.
	RetainN bool
	// Parallelism is the number of consensus workers. 0 means NumCPU.
	Parallelism int
	// DiskShardPrefixLen selects the out-of-core store when positive; keys
	// are sharded by this many leading bases. 0 keeps clusters in memory.
	DiskShardPrefixLen int
	// Disk configures the out-of-core store. Its PrefixLen is overridden
	// by DiskShardPrefixLen.
	Disk cluster.DiskOpts

	Gate      umi.Opts
	Consensus consensus.Opts
}

// DefaultOpts are the default settings. Paths must be filled in.
var DefaultOpts = Opts{
	MaxBarcodeEdits: 1,
	MinReadCount:    4,
	Disk:            cluster.DefaultDiskOpts,
	Gate:            umi.DefaultOpts,
	Consensus:       consensus.DefaultOpts,
}

// R1Output returns the R1 output path.
func (o *Opts) R1Output() string { return o.OutputPrefix + "_R1_001.fastq.gz" }

// R2Output returns the R2 output path.
func (o *Opts) R2Output() string { return o.OutputPrefix + "_R2_001.fastq.gz" }

func (o *Opts) parallelism() int {
	if o.Parallelism <= 0 {
		return runtime.NumCPU()
	}
	return o.Parallelism
}

// Validate checks the option values. It does not check the known barcode
// length, which is only known once the file is read.
func (o *Opts) Validate() error {
	if o.R1Path == "" || o.R2Path == "" {
		return errors.New("readcluster: both input paths are required")
	}
	if o.OutputPrefix == "" {
		return errors.New("readcluster: output prefix is required")
	}
	if o.MinReadCount < 0 {
		return errors.Errorf("readcluster: negative minimum read count %d", o.MinReadCount)
	}
	if o.DiskShardPrefixLen < 0 {
		return errors.Errorf("readcluster: negative shard prefix length %d", o.DiskShardPrefixLen)
	}
	if o.DiskShardPrefixLen > 0 {
		keyLen := o.Gate.IndexLength
		if o.Gate.DoubleIndex {
			keyLen *= 2
		}
		if o.DiskShardPrefixLen > keyLen {
			return errors.Errorf("readcluster: shard prefix length %d exceeds key length %d", o.DiskShardPrefixLen, keyLen)
		}
	}
	if o.MaxBarcodeEdits < 0 {
		return errors.Errorf("readcluster: negative barcode edit distance %d", o.MaxBarcodeEdits)
	}
	gate := o.Gate
	gate.Corrector = nil
	if err := gate.Validate(); err != nil {
		return err
	}
	return o.Consensus.Validate()
}
