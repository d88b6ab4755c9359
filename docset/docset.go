// Package docset implements a concurrent set of document IDs, the shape
// the Puller's incomingDocIDs bookkeeping takes: a set that RevFinder adds
// to and the Puller removes from, crossing actor boundaries without a
// single owning goroutine.
package docset

import "sync"

const shardCount = 32

type shard struct {
	mu sync.Mutex
	m  map[string]struct{}
}

// Set is a sharded concurrent string set, generalizing the teacher's
// fixed-size per-vbucket locking array to an arbitrary key space.
type Set struct {
	shards [shardCount]*shard
}

func New() *Set {
	s := &Set{}
	for i := range s.shards {
		s.shards[i] = &shard{m: make(map[string]struct{})}
	}
	return s
}

func (s *Set) shardFor(key string) *shard {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return s.shards[h%shardCount]
}

// Add inserts docID into the set. Returns true if it was newly added.
func (s *Set) Add(docID string) bool {
	sh := s.shardFor(docID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[docID]; ok {
		return false
	}
	sh.m[docID] = struct{}{}
	return true
}

// Remove deletes docID from the set, if present.
func (s *Set) Remove(docID string) {
	sh := s.shardFor(docID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.m, docID)
}

// Contains reports whether docID is currently in the set.
func (s *Set) Contains(docID string) bool {
	sh := s.shardFor(docID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.m[docID]
	return ok
}

// Len returns the total number of entries across all shards. O(shardCount).
func (s *Set) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}
