// Package model holds the data types shared across the pull pipeline:
// advertised revision descriptors, revisions in flight to the store, and
// the notification record delegates receive at terminal state.
package model

import "fmt"

// RemoteSequence is an opaque token identifying a point in the remote's
// change feed. It is only ever compared for equality or used as a map key;
// no numeric or lexical ordering may be assumed across different sources.
type RemoteSequence string

// Empty reports whether this is the empty/missing sequence sentinel that a
// malformed "changes" entry may carry.
func (s RemoteSequence) Empty() bool { return s == "" }

func (s RemoteSequence) String() string { return string(s) }

// RevFlags is a bitset describing properties of an advertised or inserted
// revision.
type RevFlags uint8

const (
	RevFlagDeleted RevFlags = 1 << iota
	RevFlagHasAttachments
	RevFlagConflict
)

func (f RevFlags) Deleted() bool        { return f&RevFlagDeleted != 0 }
func (f RevFlags) HasAttachments() bool { return f&RevFlagHasAttachments != 0 }
func (f RevFlags) Conflict() bool       { return f&RevFlagConflict != 0 }

// RevDescriptor is one element of a "changes"/"proposeChanges" advertisement
// batch.
type RevDescriptor struct {
	Sequence RemoteSequence
	DocID    string
	RevID    string
	Flags    RevFlags
	BodySize uint64 // hint from the peer, may be 0

	// History carries the claimed ancestor chain, oldest first, which the
	// proposeChanges conflict check compares against the current winner.
	// The changes/proposeChanges tuple decoder does not fill it, so
	// descriptors parsed from a wire body carry no history.
	History []string
}

func (d RevDescriptor) String() string {
	return fmt.Sprintf("%s/%s@%s", d.DocID, d.RevID, d.Sequence)
}

// RevToInsert is a revision handed from an IncomingRev to the Inserter.
// It is owned by exactly one IncomingRev until handed off, and by the
// Inserter from then until commit.
type RevToInsert struct {
	DocID          string
	RevID          string
	History        []string // ordered ancestor revIDs, oldest first
	Body           []byte
	Flags          RevFlags
	RemoteSequence RemoteSequence
	Deleted        bool
	NoConflicts    bool

	// Done is closed (via Finish/FinishError) once this rev reaches a
	// terminal commit outcome: by the store inside InsertBatch, or by the
	// Inserter if it was stopped before the rev could be queued. Err is set
	// first if the rev failed.
	Done chan struct{}
	Err  error
	// ErrTransient is only meaningful once Done is closed and Err != nil.
	ErrTransient bool

	// OnProvisional, if set, is called once by the Inserter the moment
	// this revision is handed to the store for staging, before the
	// surrounding transaction commits — the ProvisionallyInserted
	// transition IncomingRev and the Puller key flow control off of.
	OnProvisional func()
}

func (r *RevToInsert) finish(err error, transient bool) {
	r.Err = err
	r.ErrTransient = transient
	close(r.Done)
}

// Finish marks the revision committed successfully.
func (r *RevToInsert) Finish() { r.finish(nil, false) }

// FinishError marks the revision failed, with the given transience.
func (r *RevToInsert) FinishError(err error, transient bool) { r.finish(err, transient) }

// Dir distinguishes which direction of replication a ReplicatedRev
// belongs to. Push replication is out of scope for this module but the
// field exists so delegate notifications carry the same shape a bidirectional
// replicator would use.
type Dir int

const (
	DirPulling Dir = iota
	DirPushing
)

func (d Dir) String() string {
	if d == DirPushing {
		return "pushing"
	}
	return "pulling"
}

// ReplicatedRev is the notification record delivered to the replication
// delegate exactly once per revision that entered the pipeline, at its
// terminal state.
type ReplicatedRev struct {
	DocID           string
	RevID           string
	Flags           RevFlags
	Sequence        uint64 // local sequence assigned by the store, 0 if none
	Error           error
	ErrorIsTransient bool
	Direction       Dir
}

func (r ReplicatedRev) Deleted() bool { return r.Flags.Deleted() }
