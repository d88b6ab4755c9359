// Package inserter implements the serial writer that batches validated
// revisions and commits them to the store in bounded transactions.
package inserter

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/couchbase/pullreplicator/model"
	"github.com/couchbase/pullreplicator/replog"
	"github.com/couchbase/pullreplicator/store"
)

var errInserterStopped = errors.New("inserter: stopped before revision could be queued")

// Inserter is an actor: one goroutine owns the pending batch, so there is
// never a question of two batches racing to include the same revision.
type Inserter struct {
	store        store.Store
	logger       *zap.Logger
	batchSize    int
	batchTimeout time.Duration

	incoming chan *model.RevToInsert
	done     chan struct{}
}

func New(st store.Store, batchSize int, batchTimeout time.Duration) *Inserter {
	return &Inserter{
		store:        st,
		logger:       replog.Component("inserter"),
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		incoming:     make(chan *model.RevToInsert, batchSize*2),
		done:         make(chan struct{}),
	}
}

// Start launches the actor goroutine. Call once.
func (ins *Inserter) Start() { go ins.run() }

// Stop flushes any partial batch and halts the actor.
func (ins *Inserter) Stop() { close(ins.done) }

// InsertRevision accepts rev and returns immediately; commit happens
// asynchronously once the batch fills or the timeout elapses.
func (ins *Inserter) InsertRevision(rev *model.RevToInsert) {
	select {
	case ins.incoming <- rev:
	case <-ins.done:
		rev.FinishError(errInserterStopped, false)
	}
}

func (ins *Inserter) run() {
	ticker := time.NewTicker(ins.batchTimeout)
	defer ticker.Stop()

	batch := make([]*model.RevToInsert, 0, ins.batchSize)
	for {
		select {
		case rev := <-ins.incoming:
			batch = append(batch, rev)
			if len(batch) >= ins.batchSize {
				ins.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				ins.flush(batch)
				batch = batch[:0]
			}
		case <-ins.done:
			if len(batch) > 0 {
				ins.flush(batch)
			}
			return
		}
	}
}

// flush hands batch to the store in one transaction. The store contract
// guarantees every rev's Done channel is closed (via Finish/FinishError)
// by the time InsertBatch returns, success or failure.
func (ins *Inserter) flush(batch []*model.RevToInsert) {
	for _, rev := range batch {
		if rev.OnProvisional != nil {
			rev.OnProvisional()
		}
	}

	toCommit := make([]*model.RevToInsert, len(batch))
	copy(toCommit, batch)

	if err := ins.store.InsertBatch(context.Background(), toCommit); err != nil {
		ins.logger.Warn("batch commit failed", zap.Int("batchSize", len(toCommit)), zap.Error(err))
	}
}
