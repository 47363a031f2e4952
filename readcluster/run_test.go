package readcluster

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wckdouglas/indexed-tgirt-seq/consensus"
	"github.com/wckdouglas/indexed-tgirt-seq/encoding/fastq"
	"github.com/wckdouglas/indexed-tgirt-seq/umi"
)

type pair struct {
	name        string
	seq1, qual1 string
	seq2, qual2 string
}

func writeFastq(t *testing.T, path string, reads []fastq.Read) {
	var b bytes.Buffer
	gz := gzip.NewWriter(&b)
	w := fastq.NewWriter(gz)
	for i := range reads {
		require.NoError(t, w.Write(&reads[i]))
	}
	require.NoError(t, gz.Close())
	require.NoError(t, ioutil.WriteFile(path, b.Bytes(), 0644))
}

func writePairs(t *testing.T, dir string, pairs []pair) (string, string) {
	var r1, r2 []fastq.Read
	for _, p := range pairs {
		r1 = append(r1, fastq.Read{ID: "@" + p.name + " 1:N:0:ACGT", Seq: p.seq1, Unk: "+", Qual: p.qual1})
		r2 = append(r2, fastq.Read{ID: "@" + p.name + " 2:N:0:ACGT", Seq: p.seq2, Unk: "+", Qual: p.qual2})
	}
	p1 := filepath.Join(dir, "in_R1.fastq.gz")
	p2 := filepath.Join(dir, "in_R2.fastq.gz")
	writeFastq(t, p1, r1)
	writeFastq(t, p2, r2)
	return p1, p2
}

func readOutput(t *testing.T, s *Summary) (r1s, r2s []fastq.Read) {
	ctx := vcontext.Background()
	in, err := fastq.OpenPair(ctx, s.R1Path, s.R2Path)
	require.NoError(t, err)
	var r1, r2 fastq.Read
	for in.Scan(&r1, &r2) {
		r1s = append(r1s, r1)
		r2s = append(r2s, r2)
	}
	require.NoError(t, in.Err())
	require.NoError(t, in.Close(ctx))
	return
}

func testOpts(dir, r1, r2 string) Opts {
	opts := DefaultOpts
	opts.R1Path = r1
	opts.R2Path = r2
	opts.OutputPrefix = filepath.Join(dir, "out")
	opts.Disk.Dir = dir
	opts.Parallelism = 4
	return opts
}

func hq(n int) string { return strings.Repeat("I", n) }

const (
	barcode  = "CGTACGTACGTAC"
	payload  = "ACGTTGCAACGTTGCAACGT"
	mateSeq  = "TTGACCATGGTTGACCATGG"
	mateQual = "HHHHHHHHHHHHHHHHHHHH"
	leftQual = "IIIIIIIIIIIIIIIIIIII"
)

func TestIdenticalPairs(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	r1, r2 := writePairs(t, dir, []pair{
		{"a", barcode + payload, hq(13) + leftQual, mateSeq, mateQual},
		{"b", barcode + payload, hq(13) + leftQual, mateSeq, mateQual},
	})
	opts := testOpts(dir, r1, r2)
	opts.MinReadCount = 1
	s, err := Run(vcontext.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Clusters)
	assert.Equal(t, 1, s.Written)
	assert.Equal(t, 2, s.Gate.Accepted())

	out1, out2 := readOutput(t, s)
	require.Len(t, out1, 1)
	assert.Equal(t, fastq.Read{ID: "@cluster_1_" + barcode + " 2 readCluster", Seq: payload, Unk: "+", Qual: leftQual}, out1[0])
	assert.Equal(t, fastq.Read{ID: "@cluster_1_" + barcode + " 2 readCluster", Seq: mateSeq, Unk: "+", Qual: mateQual}, out2[0])
}

func TestMinReadCountIsStrict(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	var pairs []pair
	for i := 0; i < 4; i++ {
		pairs = append(pairs, pair{fmt.Sprintf("a%d", i), barcode + payload, hq(33), mateSeq, mateQual})
	}
	for i := 0; i < 5; i++ {
		pairs = append(pairs, pair{fmt.Sprintf("b%d", i), "GATTACAGATTAC" + payload, hq(33), mateSeq, mateQual})
	}
	r1, r2 := writePairs(t, dir, pairs)
	opts := testOpts(dir, r1, r2)
	opts.HistogramPath = filepath.Join(dir, "hist.tsv")
	s, err := Run(vcontext.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Clusters)
	assert.Equal(t, 1, s.Process.Skipped)
	assert.Equal(t, 1, s.Process.Called)
	out1, _ := readOutput(t, s)
	require.Len(t, out1, 1)
	assert.Equal(t, "cluster_1_GATTACAGATTAC", out1[0].Name())

	hist, err := ioutil.ReadFile(opts.HistogramPath)
	require.NoError(t, err)
	assert.Equal(t, "size\tcount\n4\t1\n5\t1\n", string(hist))
}

func TestPairingErrorLeavesNoOutput(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	pairs := []pair{
		{"a", barcode + payload, hq(33), mateSeq, mateQual},
		{"b", barcode + payload, hq(33), mateSeq, mateQual},
		{"c", barcode + payload, hq(33), mateSeq, mateQual},
	}
	var r1, r2 []fastq.Read
	for i, p := range pairs {
		name2 := p.name
		if i == 2 {
			name2 = "x"
		}
		r1 = append(r1, fastq.Read{ID: "@" + p.name, Seq: p.seq1, Unk: "+", Qual: p.qual1})
		r2 = append(r2, fastq.Read{ID: "@" + name2, Seq: p.seq2, Unk: "+", Qual: p.qual2})
	}
	p1 := filepath.Join(dir, "in_R1.fastq.gz")
	p2 := filepath.Join(dir, "in_R2.fastq.gz")
	writeFastq(t, p1, r1)
	writeFastq(t, p2, r2)

	opts := testOpts(dir, p1, p2)
	_, err := Run(vcontext.Background(), opts)
	perr, ok := errors.Cause(err).(*fastq.PairingError)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 3, perr.N)
	for _, path := range []string{opts.R1Output(), opts.R2Output()} {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), path)
	}
}

func TestUnequalLengthsAreFatal(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	r1, r2 := writePairs(t, dir, []pair{
		{"a", barcode + payload, hq(33), mateSeq, mateQual},
		{"b", barcode + payload + "A", hq(34), mateSeq, mateQual},
	})
	opts := testOpts(dir, r1, r2)
	opts.MinReadCount = 1
	_, err := Run(vcontext.Background(), opts)
	perr, ok := errors.Cause(err).(*consensus.PreconditionError)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, barcode, perr.Key)
	for _, path := range []string{opts.R1Output(), opts.R2Output()} {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), path)
	}
}

func TestRetainN(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	// The members disagree at the first payload base, which becomes N.
	r1, r2 := writePairs(t, dir, []pair{
		{"a", barcode + "A" + payload[1:], hq(33), mateSeq, mateQual},
		{"b", barcode + "C" + payload[1:], hq(33), mateSeq, mateQual},
	})
	opts := testOpts(dir, r1, r2)
	opts.MinReadCount = 1
	s, err := Run(vcontext.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Process.Rejected)
	assert.Equal(t, 0, s.Written)

	opts.RetainN = true
	s, err = Run(vcontext.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Process.Rejected)
	out1, _ := readOutput(t, s)
	require.Len(t, out1, 1)
	assert.Equal(t, "N"+payload[1:], out1[0].Seq)
	assert.Equal(t, "!"+hq(19), out1[0].Qual)

	opts.RetainN = false
	opts.Consensus.Model = consensus.Posterior
	s, err = Run(vcontext.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Written)
}

// randomPairs simulates reads from nMolecules molecules with sequencing
// errors, including a few low-quality and homopolymer barcodes.
func randomPairs(r *rand.Rand, nMolecules int) []pair {
	const acgt = "ACGT"
	randSeq := func(n int) string {
		b := make([]byte, n)
		for i := range b {
			b[i] = acgt[r.Intn(4)]
		}
		return string(b)
	}
	mutate := func(s string) (string, string) {
		b, q := []byte(s), []byte(hq(len(s)))
		for i := range b {
			if r.Intn(50) == 0 {
				b[i] = acgt[r.Intn(4)]
				q[i] = '#'
			}
		}
		return string(b), string(q)
	}
	var pairs []pair
	for m := 0; m < nMolecules; m++ {
		bc := randSeq(13)
		if m%17 == 0 {
			bc = "AAAAA" + bc[5:]
		}
		left, right := randSeq(30), randSeq(30)
		n := 1 + r.Intn(12)
		for i := 0; i < n; i++ {
			s1, q1 := mutate(left)
			s2, q2 := mutate(right)
			bq := hq(13)
			if r.Intn(20) == 0 {
				bq = strings.Repeat("#", 13)
			}
			pairs = append(pairs, pair{fmt.Sprintf("m%d_%d", m, i), bc + s1, bq + q1, s2, q2})
		}
	}
	r.Shuffle(len(pairs), func(i, j int) { pairs[i], pairs[j] = pairs[j], pairs[i] })
	return pairs
}

func TestBackendsAndParallelismAgree(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	r1, r2 := writePairs(t, dir, randomPairs(rand.New(rand.NewSource(1)), 300))

	for _, model := range []consensus.Model{consensus.Vote, consensus.Posterior} {
		var (
			digest  uint64
			written int
		)
		for i, variant := range []struct {
			parallelism, prefix int
			compression         string
		}{
			{1, 0, ""},
			{8, 0, ""},
			{1, 2, "snappy"},
			{8, 4, "zstd"},
		} {
			opts := testOpts(dir, r1, r2)
			opts.Consensus.Model = model
			opts.MinReadCount = 2
			opts.Parallelism = variant.parallelism
			opts.DiskShardPrefixLen = variant.prefix
			opts.Disk.Compression = variant.compression
			opts.Disk.InitialRows = 2
			s, err := Run(vcontext.Background(), opts)
			require.NoError(t, err, "%v %+v", model, variant)
			out1, out2 := readOutput(t, s)
			require.Len(t, out1, s.Written)
			require.Len(t, out2, s.Written)
			for j := range out1 {
				assert.Equal(t, out1[j].ID, out2[j].ID)
				assert.Equal(t, len(out1[j].Seq), len(out1[j].Qual))
				assert.True(t, strings.HasPrefix(out1[j].ID, fmt.Sprintf("@cluster_%d_", j+1)), out1[j].ID)
			}
			assert.Equal(t, s.Histogram.Keys(), s.Process.Clusters)
			if i == 0 {
				digest, written = s.Digest, s.Written
				assert.True(t, written > 0)
				continue
			}
			assert.Equal(t, digest, s.Digest, "%v %+v", model, variant)
			assert.Equal(t, written, s.Written, "%v %+v", model, variant)
		}
	}
}

func TestAmbiguousReadsDroppedAtGate(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	withN := "N" + payload[1:]
	r1, r2 := writePairs(t, dir, []pair{
		{"a", barcode + withN, hq(33), mateSeq, mateQual},
		{"b", barcode + withN, hq(33), mateSeq, mateQual},
	})
	opts := testOpts(dir, r1, r2)
	opts.MinReadCount = 1
	s, err := Run(vcontext.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Gate.Count(umi.ReasonAmbiguousPayload))
	assert.Equal(t, 0, s.Clusters)

	opts.RetainN = true
	s, err = Run(vcontext.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Gate.Count(umi.ReasonAmbiguousPayload))
	assert.Equal(t, 1, s.Written)
	out1, _ := readOutput(t, s)
	require.Len(t, out1, 1)
	assert.Equal(t, withN, out1[0].Seq)
}

func TestKnownBarcodes(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	r1, r2 := writePairs(t, dir, []pair{
		{"a", barcode + payload, hq(33), mateSeq, mateQual},
		{"b", "CGTACGTTCGTAC" + payload, hq(33), mateSeq, mateQual},
	})
	opts := testOpts(dir, r1, r2)
	opts.MinReadCount = 1
	opts.KnownBarcodesPath = filepath.Join(dir, "known.txt")
	require.NoError(t, ioutil.WriteFile(opts.KnownBarcodesPath, []byte(barcode+"\nGATTACAGATTAC\n"), 0644))
	s, err := Run(vcontext.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Gate.Corrected)
	assert.Equal(t, 1, s.Clusters)
	out1, _ := readOutput(t, s)
	require.Len(t, out1, 1)
	assert.Equal(t, "cluster_1_"+barcode, out1[0].Name())

	opts.KnownBarcodesPath = filepath.Join(dir, "missing.txt")
	_, err = Run(vcontext.Background(), opts)
	assert.Error(t, err)
}

func TestOptsValidate(t *testing.T) {
	opts := DefaultOpts
	assert.Error(t, opts.Validate())
	opts.R1Path, opts.R2Path, opts.OutputPrefix = "a", "b", "c"
	assert.NoError(t, opts.Validate())
	opts.DiskShardPrefixLen = 14
	assert.Error(t, opts.Validate())
	opts.Gate.DoubleIndex = true
	assert.NoError(t, opts.Validate())
	opts.Gate.ConstantRight = "ACGT"
	assert.NoError(t, opts.Validate())
	opts.Gate.DoubleIndex = false
	assert.Error(t, opts.Validate())
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	defer shutdown()
	os.Exit(m.Run())
}
