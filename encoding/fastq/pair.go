package fastq

import (
	"bufio"
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
	perrors "github.com/pkg/errors"
)

// progressInterval is the number of pairs between progress log lines.
const progressInterval = 1000000

// PairReader reads read pairs from two (optionally gzip-compressed) FASTQ
// files. Paths are resolved by grailbio/base/file, so S3 paths work too.
type PairReader struct {
	path1, path2 string
	in1, in2     file.File
	gz           []io.Closer
	sc           *PairScanner
}

// OpenPair opens r1Path and r2Path for paired reading. Gzip input is
// detected by its magic bytes.
func OpenPair(ctx context.Context, r1Path, r2Path string) (*PairReader, error) {
	pr := &PairReader{path1: r1Path, path2: r2Path}
	var err error
	if pr.in1, err = file.Open(ctx, r1Path); err != nil {
		return nil, perrors.Wrapf(err, "open %s", r1Path)
	}
	if pr.in2, err = file.Open(ctx, r2Path); err != nil {
		pr.in1.Close(ctx) // nolint: errcheck
		return nil, perrors.Wrapf(err, "open %s", r2Path)
	}
	inr1, err := pr.decompress(pr.in1.Reader(ctx))
	if err != nil {
		pr.Close(ctx) // nolint: errcheck
		return nil, perrors.Wrapf(err, "gzip %s", r1Path)
	}
	inr2, err := pr.decompress(pr.in2.Reader(ctx))
	if err != nil {
		pr.Close(ctx) // nolint: errcheck
		return nil, perrors.Wrapf(err, "gzip %s", r2Path)
	}
	pr.sc = NewPairScanner(inr1, inr2, All)
	return pr, nil
}

// decompress wraps r in a gzip reader if the stream starts with the gzip
// magic number. Concatenated gzip members are read transparently.
func (pr *PairReader) decompress(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	magic, err := br.Peek(2)
	if err != nil || magic[0] != 0x1f || magic[1] != 0x8b {
		// Short or plain input: let the scanner report it.
		return br, nil
	}
	gz, err := gzip.NewReader(br)
	if err != nil {
		return nil, err
	}
	pr.gz = append(pr.gz, gz)
	return gz, nil
}

// Scan reads the next pair into r1, r2. See PairScanner.Scan.
func (pr *PairReader) Scan(r1, r2 *Read) bool {
	if !pr.sc.Scan(r1, r2) {
		return false
	}
	if n := pr.sc.N(); n%progressInterval == 0 {
		log.Printf("%s: read %d pairs", pr.path1, n)
	}
	return true
}

// N returns the number of pairs read so far.
func (pr *PairReader) N() int { return pr.sc.N() }

// Err returns the scanning error, if any. Identifier or length
// mismatches are reported as *PairingError.
func (pr *PairReader) Err() error {
	if err := pr.sc.Err(); err != nil {
		if _, ok := err.(*PairingError); ok {
			return err
		}
		return perrors.Wrapf(err, "scan %s, %s", pr.path1, pr.path2)
	}
	return nil
}

// Close closes the underlying files.
func (pr *PairReader) Close(ctx context.Context) error {
	once := errors.Once{}
	for _, gz := range pr.gz {
		once.Set(gz.Close())
	}
	if pr.in1 != nil {
		once.Set(pr.in1.Close(ctx))
	}
	if pr.in2 != nil {
		once.Set(pr.in2.Close(ctx))
	}
	return once.Err()
}

// PairWriter writes read pairs to two gzip-compressed FASTQ files.
// Compression is done in parallel blocks by pgzip.
type PairWriter struct {
	out1, out2 file.File
	gz1, gz2   *pgzip.Writer
	w1, w2     *Writer
	n          int
}

// CreatePair creates r1Path and r2Path. The files become visible only
// after a successful Close; Discard drops them.
func CreatePair(ctx context.Context, r1Path, r2Path string) (*PairWriter, error) {
	pw := &PairWriter{}
	var err error
	if pw.out1, err = file.Create(ctx, r1Path); err != nil {
		return nil, perrors.Wrapf(err, "create %s", r1Path)
	}
	if pw.out2, err = file.Create(ctx, r2Path); err != nil {
		pw.out1.Close(ctx) // nolint: errcheck
		return nil, perrors.Wrapf(err, "create %s", r2Path)
	}
	pw.gz1 = pgzip.NewWriter(pw.out1.Writer(ctx))
	pw.gz2 = pgzip.NewWriter(pw.out2.Writer(ctx))
	pw.w1 = NewWriter(pw.gz1)
	pw.w2 = NewWriter(pw.gz2)
	return pw, nil
}

// Write writes one pair. The mates must share a read name; otherwise a
// *PairingError is returned and nothing is written.
func (pw *PairWriter) Write(r1, r2 *Read) error {
	pw.n++
	if n1, n2 := r1.Name(), r2.Name(); n1 != n2 {
		return &PairingError{N: pw.n, R1: n1, R2: n2}
	}
	if err := pw.w1.Write(r1); err != nil {
		return err
	}
	return pw.w2.Write(r2)
}

// N returns the number of pairs written.
func (pw *PairWriter) N() int { return pw.n }

// Close flushes the compressors and closes both files.
func (pw *PairWriter) Close(ctx context.Context) error {
	once := errors.Once{}
	once.Set(pw.gz1.Close())
	once.Set(pw.gz2.Close())
	once.Set(pw.out1.Close(ctx))
	once.Set(pw.out2.Close(ctx))
	return once.Err()
}

// Discard abandons both outputs; neither path is written. Exactly one of
// Close or Discard must be called.
func (pw *PairWriter) Discard(ctx context.Context) {
	pw.gz1.Close() // nolint: errcheck
	pw.gz2.Close() // nolint: errcheck
	pw.out1.Discard(ctx)
	pw.out2.Discard(ctx)
}
