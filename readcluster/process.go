package readcluster

import (
	"context"
	"fmt"
	"sync"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/wckdouglas/indexed-tgirt-seq/cluster"
	"github.com/wckdouglas/indexed-tgirt-seq/consensus"
	"github.com/wckdouglas/indexed-tgirt-seq/encoding/fastq"
	"github.com/wckdouglas/indexed-tgirt-seq/util"
)

// progressInterval is the number of emitted clusters between progress logs.
const progressInterval = 100000

// State is the outcome of processing one cluster.
type State int

const (
	// Pending clusters have not been processed yet.
	Pending State = iota
	// Skipped clusters have too few members.
	Skipped
	// Called clusters produced a consensus pair.
	Called
	// Rejected clusters produced a consensus pair with ambiguous bases.
	Rejected
)

// ProcessStats counts cluster outcomes.
type ProcessStats struct {
	Clusters int
	Skipped  int
	Called   int
	Rejected int
	// Overflowed clusters were dropped by the store before processing.
	Overflowed int
}

// Merge merges the contents of other into s and returns the result.
func (s ProcessStats) Merge(other ProcessStats) ProcessStats {
	s.Clusters += other.Clusters
	s.Skipped += other.Skipped
	s.Called += other.Called
	s.Rejected += other.Rejected
	s.Overflowed += other.Overflowed
	return s
}

// pairWriter is implemented by *fastq.PairWriter.
type pairWriter interface {
	Write(r1, r2 *fastq.Read) error
}

// consensusPair is a called cluster on its way to the collector.
type consensusPair struct {
	key         string
	n           int
	seq1, qual1 string
	seq2, qual2 string
}

// processor turns clusters into consensus pairs.
type processor struct {
	minReadCount int
	retainN      bool
	parallelism  int
	consensus    consensus.Opts

	mu    sync.Mutex
	stats ProcessStats

	// Collector state.
	index  int
	digest uint64
}

func newProcessor(opts *Opts) *processor {
	return &processor{
		minReadCount: opts.MinReadCount,
		retainN:      opts.RetainN,
		parallelism:  opts.parallelism(),
		consensus:    opts.Consensus,
	}
}

// call decides the state of c and computes its consensus pair.
func (p *processor) call(caller *consensus.Caller, c *cluster.Cluster) (State, consensusPair, error) {
	n := c.Size()
	if n <= p.minReadCount {
		return Skipped, consensusPair{}, nil
	}
	r := consensusPair{key: c.Key, n: n}
	var err error
	if r.seq1, r.qual1, err = caller.Call(c.Left.Seqs, c.Left.Quals); err != nil {
		return Pending, r, withKey(err, c.Key)
	}
	if r.seq2, r.qual2, err = caller.Call(c.Right.Seqs, c.Right.Quals); err != nil {
		return Pending, r, withKey(err, c.Key)
	}
	if p.retainN {
		if util.AllN(r.seq1) || util.AllN(r.seq2) {
			return Rejected, r, nil
		}
	} else if util.ContainsN(r.seq1) || util.ContainsN(r.seq2) {
		return Rejected, r, nil
	}
	return Called, r, nil
}

func withKey(err error, key string) error {
	if e, ok := err.(*consensus.PreconditionError); ok {
		e.Key = key
	}
	return err
}

// processShard calls every cluster of one store shard and writes the
// called pairs to w. A single producer streams clusters to the workers and
// a single collector numbers and writes their output, so w needs no
// locking. The shard is fully written when processShard returns.
func (p *processor) processShard(ctx context.Context, store cluster.Store, shard int, w pairWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		taskCh = make(chan *cluster.Cluster, 1024)
		resCh  = make(chan consensusPair, 1024)
		once   = errors.Once{}
		wg     sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(taskCh)
		err := store.ReadShard(shard, func(c *cluster.Cluster) error {
			select {
			case taskCh <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && err != context.Canceled {
			once.Set(err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		var (
			r1, r2 fastq.Read
			failed bool
		)
		for res := range resCh {
			if failed {
				continue
			}
			p.index++
			p.emit(&res, &r1, &r2)
			if err := w.Write(&r1, &r2); err != nil {
				once.Set(err)
				cancel()
				failed = true
				continue
			}
			if p.index%progressInterval == 0 {
				log.Printf("Wrote %d consensus pairs", p.index)
			}
		}
	}()

	err := traverse.Each(p.parallelism, func(_ int) error {
		caller := consensus.NewCaller(p.consensus)
		stats := ProcessStats{}
		defer func() {
			p.mu.Lock()
			p.stats = p.stats.Merge(stats)
			p.mu.Unlock()
		}()
		for c := range taskCh {
			stats.Clusters++
			state, res, err := p.call(caller, c)
			if err != nil {
				cancel()
				return err
			}
			switch state {
			case Skipped:
				stats.Skipped++
			case Rejected:
				stats.Rejected++
			case Called:
				stats.Called++
				resCh <- res
			}
		}
		return nil
	})
	once.Set(err)
	if err != nil {
		// Unblock the producer, then let it finish.
		cancel()
		for range taskCh {
		}
	}
	close(resCh)
	wg.Wait()
	return once.Err()
}

// emit fills r1 and r2 with the output records of res and folds them into
// the run digest. The digest excludes the output index so that it does
// not depend on the order in which workers finish.
func (p *processor) emit(res *consensusPair, r1, r2 *fastq.Read) {
	id := fmt.Sprintf("@cluster_%d_%s %d readCluster", p.index, res.key, res.n)
	*r1 = fastq.Read{ID: id, Seq: res.seq1, Unk: "+", Qual: res.qual1}
	*r2 = fastq.Read{ID: id, Seq: res.seq2, Unk: "+", Qual: res.qual2}
	p.digest += seahash.Sum64([]byte(fmt.Sprintf("%s\t%d\t%s\t%s\t%s\t%s", res.key, res.n, res.seq1, res.qual1, res.seq2, res.qual2)))
}

// process runs every shard of store through the workers.
func (p *processor) process(ctx context.Context, store cluster.Store, w pairWriter) error {
	for i := 0; i < store.NumShards(); i++ {
		if err := p.processShard(ctx, store, i, w); err != nil {
			return err
		}
	}
	if d, ok := store.(*cluster.DiskStore); ok {
		p.stats.Overflowed = d.Overflowed()
	}
	return nil
}
