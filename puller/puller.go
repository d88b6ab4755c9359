// Package puller implements the coordinator of the pull side of
// replication: wire handlers for changes/proposeChanges/rev/norev, flow
// control windows, MissingSequences-driven checkpoint advancement, and
// activity-level reporting. It is the single actor every other pull
// component ultimately reports back to.
package puller

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"go.uber.org/zap"

	"github.com/couchbase/pullreplicator/base"
	"github.com/couchbase/pullreplicator/checkpoint"
	"github.com/couchbase/pullreplicator/config"
	"github.com/couchbase/pullreplicator/docset"
	"github.com/couchbase/pullreplicator/incomingrev"
	"github.com/couchbase/pullreplicator/inserter"
	"github.com/couchbase/pullreplicator/missingsequences"
	"github.com/couchbase/pullreplicator/model"
	"github.com/couchbase/pullreplicator/mpsc"
	"github.com/couchbase/pullreplicator/replog"
	"github.com/couchbase/pullreplicator/revfinder"
	"github.com/couchbase/pullreplicator/store"
	"github.com/couchbase/pullreplicator/wire"
)

// Delegate receives per-revision terminal notifications and checkpoint
// advances, the two outward-facing events a Puller ever produces.
type Delegate interface {
	Notify(rev model.ReplicatedRev)
	CheckpointUpdated(last model.RemoteSequence)
}

// Options configures one pull replication session.
type Options struct {
	ReplicatorID      string
	ConfigFingerprint string
	Channels          []string
	DocIDs            []string
	// Filter names an arbitrary subChanges filter (e.g. "sync_gateway/bychannel")
	// with FilterParams as its string-valued parameters. If empty and Channels
	// is non-empty, "sync_gateway/bychannel" is used with channels set from
	// Channels; Filter takes precedence over Channels when both are set.
	Filter            string
	FilterParams      map[string]string
	Continuous        bool
	SkipDeleted       bool
	NoConflicts       bool
	Tuning            config.Tuning
}

// Puller is the coordinator actor. All fields below the mailbox channels
// are mutated only inside run(), never from another goroutine.
type Puller struct {
	conn     *wire.Conn
	store    store.Store
	delegate Delegate
	opts     Options
	logger   *zap.Logger

	revFinder    *revfinder.RevFinder
	inserter     *inserter.Inserter
	incomingPool *incomingrev.Pool
	docIDs       *docset.Set
	checkpoints  *checkpoint.Manager
	missing      *missingsequences.Tracker
	returning    *mpsc.Queue[*incomingrev.IncomingRev]

	pendingBytes metrics.Counter
	doneBytes    metrics.Counter

	changesCh          chan changesMsg
	revCh              chan *wire.Message
	norevCh            chan *wire.Message
	revFinderResultCh  chan revFinderResult
	provisionalCh      chan *incomingrev.IncomingRev
	wakeReturning      chan struct{}
	activityQueryCh    chan chan ActivityLevel
	stopCh             chan struct{}
	stoppedCh          chan struct{}

	// actor-owned state
	waitingChanges         []changesMsg
	waitingRevs            []waitingRev
	pendingRevMessages     int
	activeIncomingRevs     int
	unfinishedIncomingRevs int
	pendingRevFinderCalls  int
	caughtUp               bool
	skipDeleted            bool
	fatalError             bool
	lastSequence           model.RemoteSequence
}

// New wires up a Puller and its child actors (RevFinder, Inserter,
// IncomingRev pool) against conn and st. Call Start to begin the session.
func New(conn *wire.Conn, st store.Store, delegate Delegate, opts Options) *Puller {
	docIDs := docset.New()

	ins := inserter.New(st, opts.Tuning.InsertionBatchSize, opts.Tuning.InsertionBatchTimeout)
	rf := revfinder.New(st, docIDs)

	p := &Puller{
		conn:     conn,
		store:    st,
		delegate: delegate,
		opts:     opts,
		logger:   replog.Component("puller"),

		revFinder:   rf,
		inserter:    ins,
		docIDs:      docIDs,
		checkpoints: checkpoint.NewManager(st, opts.ReplicatorID, opts.ConfigFingerprint, checkpoint.DefaultFlushInterval),
		missing:     missingsequences.New(),
		returning:   &mpsc.Queue[*incomingrev.IncomingRev]{},

		pendingBytes: metrics.NewCounter(),
		doneBytes:    metrics.NewCounter(),

		changesCh:         make(chan changesMsg, 16),
		revCh:             make(chan *wire.Message, 64),
		norevCh:           make(chan *wire.Message, 16),
		revFinderResultCh: make(chan revFinderResult, 16),
		provisionalCh:     make(chan *incomingrev.IncomingRev, 64),
		wakeReturning:     make(chan struct{}, 1),
		activityQueryCh:   make(chan chan ActivityLevel),
		stopCh:            make(chan struct{}),
		stoppedCh:         make(chan struct{}),

		skipDeleted: opts.SkipDeleted,
	}

	p.incomingPool = incomingrev.NewPool(opts.Tuning.MaxActiveIncomingRevs, func() *incomingrev.IncomingRev {
		return incomingrev.New(conn, ins, int64(opts.Tuning.MaxBlobFetchesPerRev))
	})

	conn.RegisterHandler(base.ProfileChanges, func(m *wire.Message) {
		p.postChanges(changesMsg{msg: m, proposeChanges: false})
	})
	conn.RegisterHandler(base.ProfileProposeChanges, func(m *wire.Message) {
		p.postChanges(changesMsg{msg: m, proposeChanges: true})
	})
	conn.RegisterHandler(base.ProfileRev, func(m *wire.Message) {
		select {
		case p.revCh <- m:
		case <-p.stopCh:
		}
	})
	conn.RegisterHandler(base.ProfileNoRev, func(m *wire.Message) {
		select {
		case p.norevCh <- m:
		case <-p.stopCh:
		}
	})

	return p
}

func (p *Puller) postChanges(cm changesMsg) {
	select {
	case p.changesCh <- cm:
	case <-p.stopCh:
	}
}

// Start subscribes to the remote's change feed and launches the actor loop
// and its children. since is the caller's preferred resume point; if empty,
// the last persisted checkpoint (if any) is used instead.
func (p *Puller) Start(ctx context.Context, since model.RemoteSequence) error {
	if since.Empty() {
		loaded, err := p.checkpoints.Load(ctx)
		if err != nil {
			return errors.Wrap(err, "loading checkpoint")
		}
		since = loaded
	}
	p.lastSequence = since
	p.missing.Clear(since.String())

	p.revFinder.Start()
	p.inserter.Start()
	p.checkpoints.Start()

	go p.run()

	b := wire.NewMessageBuilder(base.ProfileSubChanges)
	if !since.Empty() {
		b.Set("since", since.String())
	}
	if p.opts.Continuous {
		b.Set("continuous", "true")
	}
	b.Set("batch", strconv.Itoa(p.opts.Tuning.ChangesBatchSize))
	switch {
	case p.opts.Filter != "":
		b.Set("filter", p.opts.Filter)
		for k, v := range p.opts.FilterParams {
			b.Set(k, v)
		}
	case len(p.opts.Channels) > 0:
		b.Set("filter", "sync_gateway/bychannel")
		if data, err := json.Marshal(p.opts.Channels); err == nil {
			b.Set("channels", string(data))
		}
	}
	if len(p.opts.DocIDs) > 0 {
		if err := b.SetJSONBody(map[string][]string{"docIDs": p.opts.DocIDs}); err != nil {
			return errors.Wrap(err, "encoding docIDs body")
		}
	}

	req := p.conn.SendRequest(b, false)
	progress := <-req.Progress
	if progress.Err != nil {
		p.fail(progress.Err)
		return progress.Err
	}
	if progress.Reply != nil && progress.Reply.IsError() {
		err := progress.Reply.Error()
		p.fail(err)
		return err
	}
	return nil
}

func (p *Puller) fail(err error) {
	p.logger.Error("subChanges failed, stopping session", zap.Error(err))
	p.Stop()
	p.fatalError = true
}

// Stop is idempotent; it halts the actor loop and all child actors.
func (p *Puller) Stop() {
	select {
	case <-p.stopCh:
		return
	default:
		close(p.stopCh)
	}
	<-p.stoppedCh
	p.revFinder.Stop()
	p.inserter.Stop()
	p.checkpoints.Stop()
}

func (p *Puller) run() {
	defer close(p.stoppedCh)
	statsTicker := time.NewTicker(base.StatsReportInterval * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case cm := <-p.changesCh:
			p.handleChanges(cm)
		case msg := <-p.revCh:
			p.handleRev(msg)
		case msg := <-p.norevCh:
			p.handleNoRev(msg)
		case res := <-p.revFinderResultCh:
			p.onRevFinderResult(res)
		case ir := <-p.provisionalCh:
			p.onProvisional(ir)
		case <-p.wakeReturning:
			p.drainReturningRevs()
		case reply := <-p.activityQueryCh:
			reply <- p.activityLevel()
		case <-statsTicker.C:
			p.reportStats()
		case <-p.stopCh:
			return
		}
	}
}
