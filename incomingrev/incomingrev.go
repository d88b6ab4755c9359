// Package incomingrev implements the per-revision state machine that owns
// one in-flight "rev" message from arrival through store commit:
//
//	Start -> ParsingMeta -> (Skip | FetchingBlobs) -> Inserting ->
//	ProvisionallyInserted -> Committed -> Notified
//	          (any step) -> Errored
//
// Instances are pool-recycled by the Puller; Reset must clear every field
// before reuse.
package incomingrev

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"go.uber.org/zap"

	"github.com/couchbase/pullreplicator/base"
	"github.com/couchbase/pullreplicator/inserter"
	"github.com/couchbase/pullreplicator/model"
	"github.com/couchbase/pullreplicator/replog"
	"github.com/couchbase/pullreplicator/wire"
)

// State names one step of the per-revision state machine.
type State int

const (
	StateIdle State = iota
	StateParsingMeta
	StateSkip
	StateFetchingBlobs
	StateInserting
	StateProvisionallyInserted
	StateCommitted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateParsingMeta:
		return "ParsingMeta"
	case StateSkip:
		return "Skip"
	case StateFetchingBlobs:
		return "FetchingBlobs"
	case StateInserting:
		return "Inserting"
	case StateProvisionallyInserted:
		return "ProvisionallyInserted"
	case StateCommitted:
		return "Committed"
	case StateErrored:
		return "Errored"
	default:
		return "Idle"
	}
}

var errAttachmentTimeout = errors.New("incomingrev: getAttachment request timed out")

// sender is the outbound half of wire.Conn that IncomingRev needs to fetch
// referenced blobs.
type sender interface {
	SendRequest(b *wire.MessageBuilder, noReply bool) *wire.Request
}

// Callbacks lets the owning Puller observe the two transitions it cares
// about without IncomingRev depending on the puller package.
type Callbacks struct {
	// OnProvisional fires once the revision has been handed to the
	// Inserter's current batch (pre-commit) — the point at which the
	// Puller may admit another "rev" message.
	OnProvisional func(ir *IncomingRev)
	// OnFinished fires exactly once, at terminal state.
	OnFinished func(ir *IncomingRev)
}

// IncomingRev is one pooled per-revision task.
type IncomingRev struct {
	conn      sender
	inserter  *inserter.Inserter
	blobSem   *semaphore.Weighted
	logger    *zap.Logger

	docID          string
	revID          string
	history        []string
	deleted        bool
	noConflicts    bool
	remoteSequence model.RemoteSequence

	state          State
	wasProvisional bool
	err            error
	errTransient   bool

	done chan struct{}
}

// New constructs an IncomingRev bound to the given outbound sender and
// inserter. maxBlobFetches bounds concurrent getAttachment requests issued
// by a single instance (kMaxBlobFetchesPerRev).
func New(conn sender, ins *inserter.Inserter, maxBlobFetches int64) *IncomingRev {
	return &IncomingRev{
		conn:     conn,
		inserter: ins,
		blobSem:  semaphore.NewWeighted(maxBlobFetches),
		logger:   replog.Component("incomingrev"),
	}
}

// Reset clears all per-run state so the instance can be reused from a pool.
func (ir *IncomingRev) Reset() {
	ir.docID = ""
	ir.revID = ""
	ir.history = nil
	ir.deleted = false
	ir.noConflicts = false
	ir.remoteSequence = ""
	ir.state = StateIdle
	ir.wasProvisional = false
	ir.err = nil
	ir.errTransient = false
	ir.done = nil
}

func (ir *IncomingRev) DocID() string                       { return ir.docID }
func (ir *IncomingRev) RevID() string                        { return ir.revID }
func (ir *IncomingRev) RemoteSequence() model.RemoteSequence { return ir.remoteSequence }
func (ir *IncomingRev) State() State                         { return ir.state }

// WasProvisionallyInserted is true iff the state machine reached
// ProvisionallyInserted at any point, regardless of the final outcome.
func (ir *IncomingRev) WasProvisionallyInserted() bool { return ir.wasProvisional }

// Result returns the terminal error and its transience. Only meaningful
// after OnFinished has fired.
func (ir *IncomingRev) Result() (err error, transient bool) { return ir.err, ir.errTransient }

// Run drives the state machine to completion for one "rev" message. It
// blocks until the revision reaches a terminal state, so the Puller always
// invokes it as `go ir.Run(...)`.
func (ir *IncomingRev) Run(msg *wire.Message, seq model.RemoteSequence, noConflicts bool, cb Callbacks) {
	ir.remoteSequence = seq
	ir.noConflicts = noConflicts
	ir.done = make(chan struct{})

	body, err := ir.parseMeta(msg)
	if err != nil {
		ir.fail(err, false)
		cb.OnFinished(ir)
		return
	}

	body, err = ir.fetchBlobs(body)
	if err != nil {
		ir.fail(err, true)
		cb.OnFinished(ir)
		return
	}

	ir.state = StateInserting
	rev := &model.RevToInsert{
		DocID:          ir.docID,
		RevID:          ir.revID,
		History:        ir.history,
		Body:           body,
		RemoteSequence: seq,
		Deleted:        ir.deleted,
		NoConflicts:    ir.noConflicts,
		Done:           ir.done,
		OnProvisional: func() {
			ir.state = StateProvisionallyInserted
			ir.wasProvisional = true
			if cb.OnProvisional != nil {
				cb.OnProvisional(ir)
			}
		},
	}
	ir.inserter.InsertRevision(rev)

	<-ir.done
	if rev.Err != nil {
		ir.fail(rev.Err, rev.ErrTransient)
	} else {
		ir.state = StateCommitted
	}
	msg.Respond(nil)
	cb.OnFinished(ir)
}

func (ir *IncomingRev) fail(err error, transient bool) {
	ir.state = StateErrored
	ir.err = err
	ir.errTransient = transient
}

type revMeta struct {
	Deleted     bool            `json:"deleted,omitempty"`
	Attachments map[string]attachmentMeta `json:"_attachments,omitempty"`
}

type attachmentMeta struct {
	Digest string `json:"digest"`
	Stub   bool   `json:"stub,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

func (ir *IncomingRev) parseMeta(msg *wire.Message) ([]byte, error) {
	ir.state = StateParsingMeta
	ir.docID = msg.Property("id")
	ir.revID = msg.Property("rev")
	if hist := msg.Property("history"); hist != "" {
		ir.history = splitHistory(hist)
	}

	var meta revMeta
	body := msg.Body()
	if len(body) > 0 {
		if err := json.Unmarshal(body, &meta); err != nil {
			return nil, err
		}
	}
	ir.deleted = meta.Deleted
	return body, nil
}

// fetchBlobs resolves any attachment referenced by digest but not already
// inlined, issuing bounded-concurrency getAttachment requests. The blob
// storage subsystem itself is out of scope; this only fills in bytes for
// the handoff to the store.
func (ir *IncomingRev) fetchBlobs(body []byte) ([]byte, error) {
	var meta revMeta
	if len(body) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return body, nil // already surfaced by parseMeta
	}
	pending := make([]string, 0, len(meta.Attachments))
	for name, att := range meta.Attachments {
		if att.Stub && len(att.Data) == 0 {
			pending = append(pending, name)
		}
	}
	if len(pending) == 0 {
		ir.state = StateSkip
		return body, nil
	}

	ir.state = StateFetchingBlobs
	ctx := context.Background()
	type result struct {
		name string
		data []byte
		err  error
	}
	results := make(chan result, len(pending))
	for _, name := range pending {
		name := name
		digest := meta.Attachments[name].Digest
		if err := ir.blobSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func() {
			defer ir.blobSem.Release(1)
			data, err := ir.requestAttachment(digest)
			results <- result{name: name, data: data, err: err}
		}()
	}

	for range pending {
		r := <-results
		if r.err != nil {
			return nil, r.err
		}
		att := meta.Attachments[r.name]
		att.Data = r.data
		att.Stub = false
		meta.Attachments[r.name] = att
	}

	return json.Marshal(rawMergeAttachments(body, meta.Attachments))
}

func (ir *IncomingRev) requestAttachment(digest string) ([]byte, error) {
	b := wire.NewMessageBuilder(base.ProfileGetAttachment)
	b.Set("digest", digest)
	req := ir.conn.SendRequest(b, false)

	select {
	case p := <-req.Progress:
		if p.Err != nil {
			return nil, p.Err
		}
		if p.Reply != nil && p.Reply.IsError() {
			return nil, p.Reply.Error()
		}
		if p.Reply == nil {
			return nil, nil
		}
		return base64.StdEncoding.DecodeString(string(p.Reply.Body()))
	case <-time.After(30 * time.Second):
		return nil, errAttachmentTimeout
	}
}

// rawMergeAttachments re-parses body as a generic map so the resolved
// attachments can be spliced back in without disturbing unrelated fields.
func rawMergeAttachments(body []byte, attachments map[string]attachmentMeta) map[string]any {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		doc = map[string]any{}
	}
	merged := make(map[string]any, len(attachments))
	for name, att := range attachments {
		merged[name] = att
	}
	doc["_attachments"] = merged
	return doc
}

func splitHistory(s string) []string {
	out := []string{}
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
