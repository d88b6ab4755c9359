package puller

import (
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/couchbase/pullreplicator/incomingrev"
	"github.com/couchbase/pullreplicator/model"
	"github.com/couchbase/pullreplicator/revfinder"
	"github.com/couchbase/pullreplicator/wire"
)

var errShortTuple = errors.New("changes tuple has fewer than 3 elements")

// handleChanges implements §4.1: enqueue, then drain while pendingRevMessages
// stays under the configured window.
func (p *Puller) handleChanges(cm changesMsg) {
	p.waitingChanges = append(p.waitingChanges, cm)
	p.drainWaitingChanges()
}

func (p *Puller) drainWaitingChanges() {
	for len(p.waitingChanges) > 0 && p.pendingRevMessages < p.opts.Tuning.MaxPendingRevs {
		cm := p.waitingChanges[0]
		p.waitingChanges = p.waitingChanges[1:]

		descriptors, err := parseChangesBody(cm.msg.Body())
		if err != nil {
			cm.msg.RespondWithError(400, "Invalid JSON body")
			continue
		}

		if len(descriptors) == 0 {
			p.caughtUp = true
			p.skipDeleted = false
			cm.msg.Respond(nil)
			continue
		}

		if p.opts.NoConflicts && !cm.proposeChanges {
			cm.msg.RespondWithError(409, "no-conflict mode requires proposeChanges")
			continue
		}

		sequences := make([]string, len(descriptors))
		bodySizes := make([]uint64, len(descriptors))
		for i, d := range descriptors {
			sequences[i] = d.Sequence.String()
			bodySizes[i] = d.BodySize
		}

		p.pendingRevFinderCalls++
		p.revFinder.FindOrRequestRevs(revfinder.Request{
			Msg:            cm.msg,
			Descriptors:    descriptors,
			ProposeChanges: cm.proposeChanges,
			SkipDeleted:    p.skipDeleted,
			Callback: func(which []bool) {
				select {
				case p.revFinderResultCh <- revFinderResult{sequences: sequences, bodySizes: bodySizes, which: which}:
				case <-p.stopCh:
				}
			},
		})
	}
}

func (p *Puller) onRevFinderResult(res revFinderResult) {
	wanted := 0
	for i, want := range res.which {
		if want {
			wanted++
			bodySize := res.bodySizes[i]
			if bodySize == 0 {
				bodySize = 1
			}
			p.missing.Add(res.sequences[i], bodySize)
			p.pendingBytes.Inc(int64(bodySize))
			if res.sequences[i] == "" {
				// An empty sequence is never tracked, so its bytes count as
				// done right away instead of on completion.
				p.doneBytes.Inc(int64(bodySize))
			}
		} else {
			p.missing.Add(res.sequences[i], 0)
			p.completedSequence(model.RemoteSequence(res.sequences[i]), false, true)
		}
	}
	p.pendingRevMessages += wanted
	p.pendingRevFinderCalls--
	p.drainWaitingChanges()
}

// handleRev implements §4.1: admit immediately if under both active and
// unfinished windows, else park.
func (p *Puller) handleRev(msg *wire.Message) {
	seq := msg.Property("sequence")
	if p.activeIncomingRevs < p.opts.Tuning.MaxActiveIncomingRevs && p.unfinishedIncomingRevs < p.opts.Tuning.MaxUnfinishedIncomingRevs {
		p.startIncomingRev(msg, seq)
	} else {
		p.waitingRevs = append(p.waitingRevs, waitingRev{msg: msg, seq: seq})
	}
}

func (p *Puller) startIncomingRev(msg *wire.Message, seq string) {
	p.pendingRevMessages--
	p.activeIncomingRevs++
	p.unfinishedIncomingRevs++

	ir := p.incomingPool.Get()
	go ir.Run(msg, model.RemoteSequence(seq), p.opts.NoConflicts, incomingrev.Callbacks{
		OnProvisional: func(ir *incomingrev.IncomingRev) {
			select {
			case p.provisionalCh <- ir:
			case <-p.stopCh:
			}
		},
		OnFinished: func(ir *incomingrev.IncomingRev) {
			p.returning.Push(ir)
			select {
			case p.wakeReturning <- struct{}{}:
			default:
			}
		},
	})

	p.drainWaitingChanges()
}

func (p *Puller) promoteWaitingRevs() {
	for len(p.waitingRevs) > 0 &&
		p.activeIncomingRevs < p.opts.Tuning.MaxActiveIncomingRevs &&
		p.unfinishedIncomingRevs < p.opts.Tuning.MaxUnfinishedIncomingRevs {
		wr := p.waitingRevs[0]
		p.waitingRevs = p.waitingRevs[1:]
		p.startIncomingRev(wr.msg, wr.seq)
	}
}

// onProvisional implements the "drain on pre-commit completion" rule: free
// the active slot and promote one waiting rev, if any.
func (p *Puller) onProvisional(ir *incomingrev.IncomingRev) {
	p.activeIncomingRevs--
	p.promoteWaitingRevs()
}

func (p *Puller) handleNoRev(msg *wire.Message) {
	p.pendingRevMessages--
	p.docIDs.Remove(msg.Property("id"))
	if seq := msg.Property("sequence"); seq != "" {
		p.completedSequence(model.RemoteSequence(seq), false, true)
	}
	msg.Respond(nil)
	p.drainWaitingChanges()
}

// completedSequence implements §4.1: transient failures leave the sequence
// pending (but still credit progress); otherwise remove it, and advance the
// checkpoint only if it was the earliest outstanding sequence.
func (p *Puller) completedSequence(seq model.RemoteSequence, transient bool, updateLast bool) {
	if transient {
		p.doneBytes.Inc(int64(p.missing.BodySizeOfSequence(seq.String())))
		return
	}
	wasEarliest, bodySize := p.missing.Remove(seq.String())
	p.doneBytes.Inc(int64(bodySize))
	if wasEarliest && updateLast {
		p.updateLastSequence()
	}
}

func (p *Puller) updateLastSequence() {
	since := model.RemoteSequence(p.missing.Since())
	if since == p.lastSequence {
		return
	}
	p.lastSequence = since
	if p.delegate != nil {
		p.delegate.CheckpointUpdated(since)
	}
	p.checkpoints.Update(since)
}

func (p *Puller) reportStats() {
	p.logger.Debug("pull progress",
		zap.Int64("pendingBytes", p.pendingBytes.Count()),
		zap.Int64("doneBytes", p.doneBytes.Count()),
		zap.Int("pendingRevMessages", p.pendingRevMessages),
		zap.Int("activeIncomingRevs", p.activeIncomingRevs),
		zap.Int("unfinishedIncomingRevs", p.unfinishedIncomingRevs),
		zap.String("lastSequence", p.lastSequence.String()),
		zap.Stringer("activity", p.activityLevel()),
	)
}

// ActivityLevel implements §4.1's activity-level computation. It is safe to
// call from any goroutine: the actual computation runs inside the actor
// loop, since every field it reads is actor-owned.
func (p *Puller) ActivityLevel() ActivityLevel {
	reply := make(chan ActivityLevel, 1)
	select {
	case p.activityQueryCh <- reply:
		return <-reply
	case <-p.stoppedCh:
		return Stopped
	}
}

// activityLevel does the actual computation; only ever called from run().
func (p *Puller) activityLevel() ActivityLevel {
	select {
	case <-p.conn.Closed():
		return Stopped
	default:
	}
	if p.fatalError {
		return Stopped
	}
	activePull := !p.caughtUp
	if p.pendingRevMessages != 0 || p.unfinishedIncomingRevs != 0 || p.pendingRevFinderCalls != 0 || activePull {
		return Busy
	}
	if p.opts.Continuous {
		return Idle
	}
	return Stopped
}

func parseChangesBody(body []byte) ([]model.RevDescriptor, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var tuples [][]json.RawMessage
	if err := json.Unmarshal(body, &tuples); err != nil {
		return nil, err
	}
	out := make([]model.RevDescriptor, 0, len(tuples))
	for _, t := range tuples {
		d, err := decodeTuple(t)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func decodeTuple(t []json.RawMessage) (model.RevDescriptor, error) {
	var d model.RevDescriptor
	if len(t) < 3 {
		return d, errShortTuple
	}
	var seq, docID, revID string
	if err := json.Unmarshal(t[0], &seq); err != nil {
		return d, err
	}
	if err := json.Unmarshal(t[1], &docID); err != nil {
		return d, err
	}
	if err := json.Unmarshal(t[2], &revID); err != nil {
		return d, err
	}
	d.Sequence = model.RemoteSequence(seq)
	d.DocID = docID
	d.RevID = revID

	if len(t) > 3 {
		var deleted bool
		if err := json.Unmarshal(t[3], &deleted); err == nil && deleted {
			d.Flags |= model.RevFlagDeleted
		}
	}
	if len(t) > 4 {
		var bodySize uint64
		if err := json.Unmarshal(t[4], &bodySize); err == nil {
			d.BodySize = bodySize
		}
	}
	return d, nil
}
