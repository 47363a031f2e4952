// Package cluster groups trimmed read pairs by barcode key. Two Store
// backends are provided: MemStore keeps every cluster in memory, and
// DiskStore spills rows to prefix-routed shard files so that only one
// shard needs to be resident at a time.
package cluster

import (
	"fmt"
)

// Payload is the part of a read pair left after the barcode and constant
// region have been trimmed.
type Payload struct {
	LeftSeq, LeftQual   string
	RightSeq, RightQual string
}

// Side holds the member reads of one side (R1 or R2) of a cluster. Seqs
// and Quals are parallel.
type Side struct {
	Seqs, Quals []string
}

// Cluster is the set of read pairs sharing a barcode key.
type Cluster struct {
	Key         string
	Left, Right Side
}

// Add appends a member pair.
func (c *Cluster) Add(p Payload) {
	c.Left.Seqs = append(c.Left.Seqs, p.LeftSeq)
	c.Left.Quals = append(c.Left.Quals, p.LeftQual)
	c.Right.Seqs = append(c.Right.Seqs, p.RightSeq)
	c.Right.Quals = append(c.Right.Quals, p.RightQual)
}

// Size returns the number of member pairs.
func (c *Cluster) Size() int { return len(c.Left.Seqs) }

// Store accumulates clusters. Insert and Finish must be called from a
// single goroutine. After Finish, clusters are read back shard by shard;
// each shard may be read once.
type Store interface {
	// Insert adds a payload to the cluster of the given key, creating the
	// cluster if needed. A *StorageGrowthError reports that the cluster was
	// dropped and accumulation may continue.
	Insert(key string, p Payload) error
	// Finish ends accumulation. Insert must not be called afterwards.
	Finish() error
	// Len returns the number of distinct keys.
	Len() int
	// Size returns the number of payloads inserted for key.
	Size(key string) int
	// EachSize calls fn for every key with its payload count.
	EachSize(fn func(key string, n int))
	// NumShards returns the number of shards passed to ReadShard.
	NumShards() int
	// ReadShard calls fn for every cluster of shard i. It stops at the
	// first error returned by fn.
	ReadShard(i int, fn func(*Cluster) error) error
	// Close releases scratch resources.
	Close() error
}

// Scan calls fn for every cluster in the store, shard by shard.
func Scan(s Store, fn func(*Cluster) error) error {
	for i := 0; i < s.NumShards(); i++ {
		if err := s.ReadShard(i, fn); err != nil {
			return err
		}
	}
	return nil
}

// StorageGrowthError is returned by Insert when a cluster outgrows the
// store's row limit. The cluster is excluded from read-back.
type StorageGrowthError struct {
	Key     string
	MaxRows int
}

func (e *StorageGrowthError) Error() string {
	return fmt.Sprintf("cluster %s exceeds %d rows, dropping it", e.Key, e.MaxRows)
}
