package cluster

import (
	"sort"

	"github.com/pkg/errors"
)

// MemStore keeps every cluster in a map. It has a single shard.
type MemStore struct {
	m        map[string]*Cluster
	finished bool
	read     bool
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{m: map[string]*Cluster{}}
}

// Insert implements Store.
func (s *MemStore) Insert(key string, p Payload) error {
	if s.finished {
		return errors.Errorf("cluster: insert %s after finish", key)
	}
	c, ok := s.m[key]
	if !ok {
		c = &Cluster{Key: key}
		s.m[key] = c
	}
	c.Add(p)
	return nil
}

// Finish implements Store.
func (s *MemStore) Finish() error {
	s.finished = true
	return nil
}

// Len implements Store.
func (s *MemStore) Len() int { return len(s.m) }

// Size implements Store.
func (s *MemStore) Size(key string) int {
	if c, ok := s.m[key]; ok {
		return c.Size()
	}
	return 0
}

// EachSize implements Store.
func (s *MemStore) EachSize(fn func(key string, n int)) {
	for k, c := range s.m {
		fn(k, c.Size())
	}
}

// NumShards implements Store.
func (s *MemStore) NumShards() int { return 1 }

// ReadShard implements Store. Clusters are visited in key order.
func (s *MemStore) ReadShard(i int, fn func(*Cluster) error) error {
	if i != 0 {
		return errors.Errorf("cluster: shard %d out of range [0,1)", i)
	}
	if s.read {
		return errors.New("cluster: shard 0 already read")
	}
	s.finished = true
	s.read = true
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(s.m[k]); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Store.
func (s *MemStore) Close() error {
	s.m = nil
	return nil
}
