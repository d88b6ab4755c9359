package store

import (
	"context"
	"sync"

	"github.com/couchbase/pullreplicator/model"
)

type docRev struct {
	revID   string
	history []string
	deleted bool
	body    []byte
}

// MemStore is an in-memory Store used by unit tests across puller,
// revfinder, inserter, and incomingrev. InsertFailure, when non-nil, is
// returned (and consumed) by the next InsertBatch call, letting tests
// exercise the transient/permanent commit-failure paths from §7.
type MemStore struct {
	mu          sync.Mutex
	revisions   map[string][]docRev // docID -> revs seen, in insertion order
	checkpoints map[string]CheckpointRecord

	// InsertFailure is popped (set back to nil) by the next InsertBatch.
	InsertFailure          error
	InsertFailureTransient bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		revisions:   make(map[string][]docRev),
		checkpoints: make(map[string]CheckpointRecord),
	}
}

func (s *MemStore) Close() error { return nil }

// Seed pre-populates the store as already holding revID for docID, as if
// a prior replication had already inserted it.
func (s *MemStore) Seed(docID, revID string, history []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revisions[docID] = append(s.revisions[docID], docRev{revID: revID, history: history})
}

// RevisionBody returns the body stored for (docID, revID), for tests that
// need to inspect what InsertBatch actually persisted.
func (s *MemStore) RevisionBody(docID, revID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.revisions[docID] {
		if r.revID == revID {
			return r.body, true
		}
	}
	return nil, false
}

func (s *MemStore) Contains(_ context.Context, docID, revID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.revisions[docID] {
		if r.revID == revID {
			return true, nil
		}
		for _, anc := range r.history {
			if anc == revID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *MemStore) CanAppendLinear(_ context.Context, docID, revID string, history []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.revisions[docID]
	if len(history) == 0 {
		return len(existing) == 0, nil
	}
	parent := history[len(history)-1]
	if len(existing) == 0 {
		return false, nil
	}
	winner := existing[len(existing)-1]
	return winner.revID == parent, nil
}

func (s *MemStore) InsertBatch(_ context.Context, revs []*model.RevToInsert) error {
	s.mu.Lock()
	failure := s.InsertFailure
	transient := s.InsertFailureTransient
	s.InsertFailure = nil
	if failure != nil {
		s.mu.Unlock()
		for _, rev := range revs {
			rev.FinishError(failure, transient)
		}
		return failure
	}

	for _, rev := range revs {
		s.revisions[rev.DocID] = append(s.revisions[rev.DocID], docRev{
			revID: rev.RevID, history: rev.History, deleted: rev.Deleted, body: rev.Body,
		})
	}
	s.mu.Unlock()

	for _, rev := range revs {
		rev.Finish()
	}
	return nil
}

func (s *MemStore) LoadCheckpoint(_ context.Context, replicatorID string) (CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[replicatorID], nil
}

func (s *MemStore) SaveCheckpoint(_ context.Context, rec CheckpointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = rec.UpdatedAt.Round(0)
	s.checkpoints[rec.ReplicatorID] = rec
	return nil
}

var _ Store = (*MemStore)(nil)
