package cluster

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/klauspost/compress/zstd"
	perrors "github.com/pkg/errors"
)

// Compression names accepted by DiskOpts.Compression.
const (
	CompressSnappy = "snappy"
	CompressZstd   = "zstd"
)

// DiskOpts configures a DiskStore.
type DiskOpts struct {
	// Dir is the parent of the scratch directory. Empty means os.TempDir().
	Dir string
	// PrefixLen is the number of leading key bases used to route a key to
	// one of 4^PrefixLen shards.
	PrefixLen int
	// InitialRows is the initial row capacity of a cluster table. The
	// capacity doubles each time it is exceeded.
	InitialRows int
	// MaxRows, if positive, is the hard row limit of a cluster table.
	// Clusters that need more rows are dropped.
	MaxRows int
	// BlockSize is the approximate uncompressed size of a shard block.
	BlockSize int
	// BufferSize bounds the total size of unwritten blocks over all
	// shards. When it is exceeded every shard is flushed.
	BufferSize int
	// Compression is CompressSnappy or CompressZstd.
	Compression string
}

// DefaultDiskOpts are the default DiskStore settings.
var DefaultDiskOpts = DiskOpts{
	PrefixLen:   4,
	InitialRows: 30,
	BlockSize:   256 << 10,
	BufferSize:  64 << 20,
	Compression: CompressSnappy,
}

// tableInfo describes the row table of one cluster. Rows themselves live
// in the shard file.
type tableInfo struct {
	n, capacity int
	overflow    bool
}

// diskShard is one scratch file of rows. The file is a sequence of
// frames, each a uvarint length followed by one compressed block of rows;
// a row is the key followed by the four payload columns, each
// uvarint-length prefixed. The file is only open while a frame is appended
// or while the shard is loaded.
type diskShard struct {
	idx   int
	path  string
	block []byte
	rows  int
	read  bool
}

// DiskStore is an out-of-core Store. Keys are routed by their first
// PrefixLen bases into 4^PrefixLen shards. Only per-cluster table
// descriptors and at most BufferSize bytes of pending rows are kept in
// memory during accumulation; ReadShard loads one shard at a time and
// deletes its file afterwards. At most one scratch file is open at a time.
type DiskStore struct {
	opts     DiskOpts
	dir      string
	shards   []*diskShard
	tables   map[string]*tableInfo
	finished bool
	// buffered is the total size of the pending shard blocks.
	buffered int
	scratch  []byte
	zenc     *zstd.Encoder
	zdec     *zstd.Decoder
	// overflowed counts clusters dropped for exceeding MaxRows.
	overflowed int
}

// NewDiskStore creates a DiskStore with a fresh scratch directory under
// opts.Dir.
func NewDiskStore(opts DiskOpts) (*DiskStore, error) {
	if opts.PrefixLen < 1 || opts.PrefixLen > 8 {
		return nil, perrors.Errorf("cluster: prefix length %d out of range [1,8]", opts.PrefixLen)
	}
	if opts.InitialRows <= 0 {
		opts.InitialRows = DefaultDiskOpts.InitialRows
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultDiskOpts.BlockSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultDiskOpts.BufferSize
	}
	s := &DiskStore{
		opts:   opts,
		shards: make([]*diskShard, 1<<(2*uint(opts.PrefixLen))),
		tables: map[string]*tableInfo{},
	}
	switch opts.Compression {
	case "":
		s.opts.Compression = CompressSnappy
	case CompressSnappy:
	case CompressZstd:
		var err error
		if s.zenc, err = zstd.NewWriter(nil); err != nil {
			return nil, perrors.Wrap(err, "cluster: zstd encoder")
		}
		if s.zdec, err = zstd.NewReader(nil); err != nil {
			return nil, perrors.Wrap(err, "cluster: zstd decoder")
		}
	default:
		return nil, perrors.Errorf("cluster: unknown compression %q", opts.Compression)
	}
	dir, err := ioutil.TempDir(opts.Dir, "umicluster")
	if err != nil {
		return nil, perrors.Wrap(err, "cluster: create scratch dir")
	}
	s.dir = dir
	return s, nil
}

// ShardIndex returns the shard of key: its first prefixLen bases read as a
// base-4 number with A=0, C=1, G=2, T=3.
func ShardIndex(key string, prefixLen int) (int, error) {
	if len(key) < prefixLen {
		return 0, perrors.Errorf("cluster: key %q shorter than shard prefix %d", key, prefixLen)
	}
	idx := 0
	for i := 0; i < prefixLen; i++ {
		var v int
		switch key[i] {
		case 'A':
			v = 0
		case 'C':
			v = 1
		case 'G':
			v = 2
		case 'T':
			v = 3
		default:
			return 0, perrors.Errorf("cluster: key %q has non-ACGT base in shard prefix", key)
		}
		idx = idx<<2 | v
	}
	return idx, nil
}

// Dir returns the scratch directory.
func (s *DiskStore) Dir() string { return s.dir }

// Overflowed returns the number of clusters dropped for exceeding MaxRows.
func (s *DiskStore) Overflowed() int { return s.overflowed }

// Insert implements Store.
func (s *DiskStore) Insert(key string, p Payload) error {
	if s.finished {
		return perrors.Errorf("cluster: insert %s after finish", key)
	}
	idx, err := ShardIndex(key, s.opts.PrefixLen)
	if err != nil {
		return err
	}
	t, ok := s.tables[key]
	if !ok {
		t = &tableInfo{capacity: s.opts.InitialRows}
		if s.opts.MaxRows > 0 && t.capacity > s.opts.MaxRows {
			t.capacity = s.opts.MaxRows
		}
		s.tables[key] = t
	}
	t.n++
	if t.overflow {
		return nil
	}
	if t.n > t.capacity {
		if s.opts.MaxRows > 0 && t.n > s.opts.MaxRows {
			t.overflow = true
			s.overflowed++
			return &StorageGrowthError{Key: key, MaxRows: s.opts.MaxRows}
		}
		t.capacity *= 2
		if s.opts.MaxRows > 0 && t.capacity > s.opts.MaxRows {
			t.capacity = s.opts.MaxRows
		}
	}
	sh := s.shard(idx)
	n := len(sh.block)
	sh.block = appendField(sh.block, key)
	sh.block = appendField(sh.block, p.LeftSeq)
	sh.block = appendField(sh.block, p.RightSeq)
	sh.block = appendField(sh.block, p.LeftQual)
	sh.block = appendField(sh.block, p.RightQual)
	sh.rows++
	s.buffered += len(sh.block) - n
	if len(sh.block) >= s.opts.BlockSize {
		return s.flush(sh)
	}
	if s.buffered >= s.opts.BufferSize {
		return s.flushAll()
	}
	return nil
}

func appendField(b []byte, s string) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(s)))
	b = append(b, tmp[:n]...)
	return append(b, s...)
}

func readField(b []byte) (string, []byte, error) {
	n, k := binary.Uvarint(b)
	if k <= 0 || uint64(len(b)-k) < n {
		return "", nil, perrors.New("cluster: corrupt shard block")
	}
	b = b[k:]
	return string(b[:n]), b[n:], nil
}

// shard returns shard idx, creating it on first use.
func (s *DiskStore) shard(idx int) *diskShard {
	if sh := s.shards[idx]; sh != nil {
		return sh
	}
	sh := &diskShard{
		idx:  idx,
		path: filepath.Join(s.dir, fmt.Sprintf("shard_%05d_of_%05d.blk", idx, len(s.shards))),
	}
	s.shards[idx] = sh
	return sh
}

// flush compresses the pending block of sh and appends it to the shard
// file as one frame.
func (s *DiskStore) flush(sh *diskShard) error {
	if len(sh.block) == 0 {
		return nil
	}
	var data []byte
	if s.zenc != nil {
		data = s.zenc.EncodeAll(sh.block, s.scratch[:0])
	} else {
		data = snappy.Encode(s.scratch[:cap(s.scratch)], sh.block)
	}
	s.scratch = data
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(data)))

	f, err := os.OpenFile(sh.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return perrors.Wrapf(err, "cluster: open shard %s", sh.path)
	}
	_, err = f.Write(hdr[:n])
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return perrors.Wrapf(err, "cluster: write shard %s", sh.path)
	}
	s.buffered -= len(sh.block)
	sh.block = nil
	return nil
}

func (s *DiskStore) flushAll() error {
	for _, sh := range s.shards {
		if sh == nil {
			continue
		}
		if err := s.flush(sh); err != nil {
			return err
		}
	}
	return nil
}

// Finish implements Store. It writes every pending block.
func (s *DiskStore) Finish() error {
	if s.finished {
		return nil
	}
	s.finished = true
	nFiles := 0
	for _, sh := range s.shards {
		if sh != nil && sh.rows > 0 {
			nFiles++
		}
	}
	log.Debug.Printf("cluster: %d keys in %d shard files (%d overflowed)", len(s.tables), nFiles, s.overflowed)
	return s.flushAll()
}

// Len implements Store.
func (s *DiskStore) Len() int { return len(s.tables) }

// Size implements Store.
func (s *DiskStore) Size(key string) int {
	if t, ok := s.tables[key]; ok {
		return t.n
	}
	return 0
}

// EachSize implements Store.
func (s *DiskStore) EachSize(fn func(key string, n int)) {
	for k, t := range s.tables {
		fn(k, t.n)
	}
}

// NumShards implements Store.
func (s *DiskStore) NumShards() int { return len(s.shards) }

// ReadShard implements Store. It loads every row of shard i, rebuilds the
// cluster tables at their recorded capacity, and deletes the shard file
// before visiting the clusters in key order. Overflowed clusters are
// skipped.
func (s *DiskStore) ReadShard(i int, fn func(*Cluster) error) error {
	if i < 0 || i >= len(s.shards) {
		return perrors.Errorf("cluster: shard %d out of range [0,%d)", i, len(s.shards))
	}
	if err := s.Finish(); err != nil {
		return err
	}
	sh := s.shards[i]
	if sh == nil || sh.rows == 0 {
		return nil
	}
	if sh.read {
		return perrors.Errorf("cluster: shard %d already read", i)
	}
	sh.read = true
	t0 := time.Now()
	tables, err := s.loadShard(sh)
	if err != nil {
		return err
	}
	if err := os.Remove(sh.path); err != nil {
		log.Error.Printf("cluster: remove %s: %v", sh.path, err)
	}
	log.Debug.Printf("cluster: read shard %d with %d rows, %d clusters in %v", i, sh.rows, len(tables), time.Since(t0))

	keys := make([]string, 0, len(tables))
	for k := range tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows := tables[k]
		delete(tables, k)
		c := &Cluster{Key: k}
		for _, r := range rows {
			// Unused rows of the table are empty.
			if r.LeftSeq == "" {
				continue
			}
			c.Add(r)
		}
		if c.Size() == 0 {
			continue
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *DiskStore) loadShard(sh *diskShard) (map[string][]Payload, error) {
	f, err := os.Open(sh.path)
	if err != nil {
		return nil, perrors.Wrapf(err, "cluster: open shard %s", sh.path)
	}
	defer f.Close() // nolint: errcheck
	var (
		r      = bufio.NewReader(f)
		frame  []byte
		block  []byte
		tables = map[string][]Payload{}
		fill   = map[string]int{}
	)
	for {
		size, err := binary.ReadUvarint(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, perrors.Wrapf(err, "cluster: read shard %s", sh.path)
		}
		if uint64(cap(frame)) < size {
			frame = make([]byte, size)
		}
		frame = frame[:size]
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, perrors.Wrapf(err, "cluster: read shard %s", sh.path)
		}
		if s.zdec != nil {
			block, err = s.zdec.DecodeAll(frame, block[:0])
		} else {
			block, err = snappy.Decode(block[:cap(block)], frame)
		}
		if err != nil {
			return nil, perrors.Wrapf(err, "cluster: decode shard %s", sh.path)
		}
		b := block
		for len(b) > 0 {
			var (
				key string
				p   Payload
			)
			if key, b, err = readField(b); err == nil {
				if p.LeftSeq, b, err = readField(b); err == nil {
					if p.RightSeq, b, err = readField(b); err == nil {
						if p.LeftQual, b, err = readField(b); err == nil {
							p.RightQual, b, err = readField(b)
						}
					}
				}
			}
			if err != nil {
				return nil, perrors.Wrapf(err, "shard %s", sh.path)
			}
			t := s.tables[key]
			if t == nil || t.overflow {
				continue
			}
			rows, ok := tables[key]
			if !ok {
				rows = make([]Payload, t.capacity)
				tables[key] = rows
			}
			j := fill[key]
			if j >= len(rows) {
				return nil, perrors.Errorf("cluster: shard %s: cluster %s has more rows than its capacity %d", sh.path, key, t.capacity)
			}
			rows[j] = p
			fill[key] = j + 1
		}
	}
	return tables, nil
}

// Close implements Store. It removes the scratch directory.
func (s *DiskStore) Close() error {
	once := errors.Once{}
	if s.zenc != nil {
		once.Set(s.zenc.Close())
		s.zdec.Close()
	}
	once.Set(os.RemoveAll(s.dir))
	s.tables = nil
	return once.Err()
}
