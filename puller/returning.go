package puller

import "github.com/couchbase/pullreplicator/model"

// drainReturningRevs implements the "terminal per-rev callback" rule:
// drain the MPSC queue once, account for every finished IncomingRev, then
// call updateLastSequence exactly once for the whole batch.
func (p *Puller) drainReturningRevs() {
	items, _ := p.returning.Pop(0)
	if len(items) == 0 {
		return
	}

	for _, ir := range items {
		if !ir.WasProvisionallyInserted() {
			p.activeIncomingRevs--
		}

		err, transient := ir.Result()
		p.completedSequence(ir.RemoteSequence(), transient, false)
		p.docIDs.Remove(ir.DocID())

		if p.delegate != nil {
			p.delegate.Notify(model.ReplicatedRev{
				DocID:            ir.DocID(),
				RevID:            ir.RevID(),
				Error:            err,
				ErrorIsTransient: transient,
				Direction:        model.DirPulling,
			})
		}
		p.incomingPool.Put(ir)
	}

	p.unfinishedIncomingRevs -= len(items)
	p.updateLastSequence()
	p.promoteWaitingRevs()
}
