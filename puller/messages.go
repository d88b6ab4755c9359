package puller

import (
	"github.com/couchbase/pullreplicator/wire"
)

// changesMsg wraps an incoming "changes"/"proposeChanges" request with
// which variant it is, since both profiles feed the same drain logic.
type changesMsg struct {
	msg            *wire.Message
	proposeChanges bool
}

// waitingRev is a "rev" message parked because the active/unfinished
// windows were full when it arrived.
type waitingRev struct {
	msg *wire.Message
	seq string
}

// revFinderResult is what a RevFinder batch callback hands back to the
// Puller's actor loop.
type revFinderResult struct {
	sequences []string
	bodySizes []uint64
	which     []bool
}
