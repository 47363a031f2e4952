package main

/*
  bio-umicluster collapses paired-end reads that carry the same molecular
  barcode into one consensus read pair per barcode. The barcode is the
  first -index-length bases of R1, followed, with -double-index, by the
  first -index-length bases of R2. For more information, see
  github.com/wckdouglas/indexed-tgirt-seq/readcluster/run.go
*/

import (
	"flag"
	"runtime"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/wckdouglas/indexed-tgirt-seq/cluster"
	"github.com/wckdouglas/indexed-tgirt-seq/consensus"
	"github.com/wckdouglas/indexed-tgirt-seq/readcluster"
)

var (
	r1Path             = flag.String("r1", "", "Input R1 FASTQ, optionally gzipped")
	r2Path             = flag.String("r2", "", "Input R2 FASTQ, optionally gzipped")
	outputPrefix       = flag.String("output-prefix", "", "Output prefix; writes <prefix>_R1_001.fastq.gz and <prefix>_R2_001.fastq.gz")
	histogramPath      = flag.String("histogram", "", "Path to cluster size histogram output file")
	minReadCount       = flag.Int("min-reads", 4, "Clusters with at most this many read pairs are not called")
	indexLength        = flag.Int("index-length", 13, "Barcode length at the start of R1, and of R2 with -double-index")
	doubleIndex        = flag.Bool("double-index", false, "Both mates start with a barcode")
	barcodeQual        = flag.Int("barcode-qual", 30, "Pairs whose mean barcode quality is at most this value are dropped")
	homopolymer        = flag.Int("homopolymer", 5, "Pairs whose barcode contains a run of this many identical bases are dropped, use 0 to disable")
	constantLeft       = flag.String("constant-left", "", "Constant region expected after the R1 barcode")
	constantRight      = flag.String("constant-right", "", "Constant region expected after the R2 barcode, requires -double-index")
	constantMismatches = flag.Int("constant-mismatches", 1, "Mismatches tolerated in each constant region")
	rejectAmbiguous    = flag.Bool("reject-ambiguous-reads", false, "Drop pairs whose payload contains N; always on without -retain-n")
	model              = flag.String("model", "vote", "Consensus model, either 'vote' or 'posterior'")
	voteThreshold      = flag.Float64("vote-threshold", 0.9, "Fraction of members that must agree for the vote model to call a base")
	minQual            = flag.Int("min-qual", 0, "Lowest consensus quality")
	maxQual            = flag.Int("max-qual", 40, "Highest consensus quality")
	retainN            = flag.Bool("retain-n", false, "Keep consensus pairs containing N unless a mate is all N")
	parallelism        = flag.Int("parallelism", runtime.NumCPU(), "Number of consensus workers")
	diskShardPrefix    = flag.Int("disk-shard-prefix", 0, "Number of leading barcode bases used to shard clusters on disk, use 0 to keep clusters in memory.  A value of 4 creates up to 256 scratch files.")
	diskMaxRows        = flag.Int("disk-max-rows", 0, "Clusters larger than this are dropped by the disk store, use 0 for no limit")
	diskCompression    = flag.String("disk-compression", cluster.CompressSnappy, "Compression of disk shards, either 'snappy' or 'zstd'")
	scratchDir         = flag.String("scratch-dir", "/tmp", "Directory to put scratch files")
	knownBarcodes      = flag.String("known-barcodes", "", "Snap barcodes to the known barcodes in this file, one per line")
	maxBarcodeEdits    = flag.Int("max-barcode-edits", 1, "Maximum edit distance of a barcode snap")
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() > 0 {
		a := flag.Args()
		log.Fatalf("unparsed flags, please check flag syntax: '%s'", strings.Join(a[len(a)-flag.NArg():], " "))
	}

	m, err := consensus.ParseModel(*model)
	if err != nil {
		log.Fatalf("%v", err)
	}

	opts := readcluster.DefaultOpts
	opts.R1Path = *r1Path
	opts.R2Path = *r2Path
	opts.OutputPrefix = *outputPrefix
	opts.HistogramPath = *histogramPath
	opts.KnownBarcodesPath = *knownBarcodes
	opts.MaxBarcodeEdits = *maxBarcodeEdits
	opts.MinReadCount = *minReadCount
	opts.RetainN = *retainN
	opts.Parallelism = *parallelism
	opts.DiskShardPrefixLen = *diskShardPrefix

	opts.Disk.Dir = *scratchDir
	opts.Disk.MaxRows = *diskMaxRows
	opts.Disk.Compression = *diskCompression

	opts.Gate.IndexLength = *indexLength
	opts.Gate.DoubleIndex = *doubleIndex
	opts.Gate.MinBarcodeQual = *barcodeQual
	opts.Gate.HomopolymerLength = *homopolymer
	opts.Gate.ConstantLeft = *constantLeft
	opts.Gate.ConstantRight = *constantRight
	opts.Gate.MaxConstantMismatches = *constantMismatches
	opts.Gate.RejectAmbiguousPayload = *rejectAmbiguous

	opts.Consensus.Model = m
	opts.Consensus.VoteThreshold = *voteThreshold
	opts.Consensus.MinQual = *minQual
	opts.Consensus.MaxQual = *maxQual

	ctx := vcontext.Background()
	s, err := readcluster.Run(ctx, opts)
	if err != nil {
		log.Fatalf("%v", err)
	}
	s.Log()
	log.Debug.Printf("exiting")
}
