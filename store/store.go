// Package store defines the out-of-scope "local document store" contract
// referenced throughout spec.md: transactional revision insert,
// revision-tree membership checks used by RevFinder, and a checkpoint
// key/value namespace. Two implementations are provided: a SQLite-backed
// one for real use and an in-memory one for tests.
package store

import (
	"context"
	"time"

	"github.com/couchbase/pullreplicator/model"
)

// CheckpointRecord is the persisted `{lastSequence, configFingerprint}`
// pair the Puller writes whenever MissingSequences.since advances.
type CheckpointRecord struct {
	ReplicatorID      string
	LastSequence      model.RemoteSequence
	ConfigFingerprint string
	UpdatedAt         time.Time
}

// Store is the contract IncomingRev, RevFinder, and the Puller rely on.
// Implementations must make InsertBatch atomic: either every rev in the
// slice is durably committed, or none are, and the caller is told which.
type Store interface {
	// Contains reports whether revID (or a descendant of it) is already
	// present for docID, per RevFinder's decision rule step 2.
	Contains(ctx context.Context, docID, revID string) (bool, error)

	// CanAppendLinear reports whether revID can be appended as the sole
	// next revision of docID without creating a conflict, per the
	// proposeChanges no-conflict contract. history is the chain of
	// ancestor revIDs the peer claims, oldest first.
	CanAppendLinear(ctx context.Context, docID, revID string, history []string) (bool, error)

	// InsertBatch commits every rev in one transaction. On return each
	// rev's Done channel has already been closed by the store calling
	// rev.Finish()/rev.FinishError() — callers should not call those
	// themselves. The returned error, if non-nil, is the same failure that
	// was classified and attached to every rev in the batch.
	InsertBatch(ctx context.Context, revs []*model.RevToInsert) error

	// LoadCheckpoint returns the persisted checkpoint for replicatorID, or
	// a zero-value record with UpdatedAt.IsZero() true if none exists.
	LoadCheckpoint(ctx context.Context, replicatorID string) (CheckpointRecord, error)

	// SaveCheckpoint persists rec, overwriting any prior record for the
	// same ReplicatorID.
	SaveCheckpoint(ctx context.Context, rec CheckpointRecord) error

	Close() error
}
