// Package revfinder implements the decision filter that, given a batch of
// advertised revision descriptors, asks the store which ones are new and
// encodes the want/don't-want (or accept/reject) reply. It never talks to
// the wire itself beyond replying to the message it was handed: once a
// revision is marked wanted, the peer decides on its own to push a "rev"
// request for it.
package revfinder

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/couchbase/pullreplicator/docset"
	"github.com/couchbase/pullreplicator/model"
	"github.com/couchbase/pullreplicator/replog"
	"github.com/couchbase/pullreplicator/store"
	"github.com/couchbase/pullreplicator/wire"
)

// rejectConflictCode is the BLIP-style error code a proposeChanges entry is
// rejected with when the proposed revision would create a conflict.
const rejectConflictCode = 409

// Request is one batch of descriptors to decide. Callback is invoked exactly
// once, with a boolean parallel to Descriptors: true means that entry was
// marked wanted (or accepted, for proposeChanges) in the reply.
type Request struct {
	Msg            *wire.Message
	Descriptors    []model.RevDescriptor
	ProposeChanges bool
	SkipDeleted    bool
	Callback       func(which []bool)
}

// RevFinder is an actor: a single goroutine draining a request channel,
// so store lookups for one batch never interleave with another's.
type RevFinder struct {
	store    store.Store
	docIDs   *docset.Set
	logger   *zap.Logger
	requests chan Request
	done     chan struct{}
}

func New(st store.Store, docIDs *docset.Set) *RevFinder {
	return &RevFinder{
		store:    st,
		docIDs:   docIDs,
		logger:   replog.Component("revfinder"),
		requests: make(chan Request, 64),
		done:     make(chan struct{}),
	}
}

// Start launches the actor goroutine. Call once.
func (f *RevFinder) Start() { go f.run() }

// Stop halts the actor after any in-flight request finishes processing.
func (f *RevFinder) Stop() { close(f.done) }

// FindOrRequestRevs enqueues req for processing. It never blocks the
// caller's own actor loop for longer than it takes to post to the channel.
func (f *RevFinder) FindOrRequestRevs(req Request) {
	select {
	case f.requests <- req:
	case <-f.done:
	}
}

func (f *RevFinder) run() {
	for {
		select {
		case req := <-f.requests:
			f.process(req)
		case <-f.done:
			return
		}
	}
}

func (f *RevFinder) process(req Request) {
	ctx := context.Background()
	which := make([]bool, len(req.Descriptors))
	reply := make([]any, len(req.Descriptors))

	for i, d := range req.Descriptors {
		wanted, rejectCode, err := f.decide(ctx, req, d)
		if err != nil {
			f.logger.Warn("store lookup failed, treating revision as not wanted",
				zap.String("docID", d.DocID), zap.String("revID", d.RevID), zap.Error(err))
			reply[i] = nil
			continue
		}
		which[i] = wanted
		if rejectCode != 0 {
			reply[i] = rejectCode
			continue
		}
		if !wanted {
			reply[i] = nil
			continue
		}
		if req.ProposeChanges {
			reply[i] = 0
		} else {
			// A non-nil (possibly empty) array means "want it"; empty
			// here since ancestor-revID delta hinting is out of scope.
			reply[i] = []string{}
		}
	}

	if req.Msg != nil {
		if body, err := json.Marshal(reply); err == nil {
			req.Msg.Respond(body)
		} else {
			f.logger.Error("encoding changes reply", zap.Error(err))
		}
	}

	if req.Callback != nil {
		req.Callback(which)
	}
}

// decide applies the per-descriptor rule from the design notes: proposeChanges
// entries are checked for conflict-free linear append only; ordinary changes
// entries are checked for prior existence and skipDeleted.
func (f *RevFinder) decide(ctx context.Context, req Request, d model.RevDescriptor) (wanted bool, rejectCode int, err error) {
	if req.ProposeChanges {
		ok, err := f.store.CanAppendLinear(ctx, d.DocID, d.RevID, d.History)
		if err != nil {
			return false, 0, err
		}
		if !ok {
			return false, rejectConflictCode, nil
		}
		f.docIDs.Add(d.DocID)
		return true, 0, nil
	}

	have, err := f.store.Contains(ctx, d.DocID, d.RevID)
	if err != nil {
		return false, 0, err
	}
	if have {
		return false, 0, nil
	}
	if d.Flags.Deleted() && req.SkipDeleted {
		return false, 0, nil
	}
	f.docIDs.Add(d.DocID)
	return true, 0, nil
}
