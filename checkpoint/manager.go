// Package checkpoint persists the single resumable watermark a Puller
// advances as MissingSequences.since moves forward. It owns the
// load-at-start / periodic-flush lifecycle the teacher's CheckpointManager
// used for its per-vbucket state, generalized here to one RemoteSequence
// per replicator.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"go.uber.org/zap"

	"github.com/couchbase/pullreplicator/model"
	"github.com/couchbase/pullreplicator/replog"
	"github.com/couchbase/pullreplicator/store"
)

// DefaultFlushInterval is how often a dirty watermark is flushed to the
// store absent an explicit event-driven Update.
const DefaultFlushInterval = 5 * time.Second

// Manager owns the checkpoint record for one replicator session: loading
// it at startup and flushing updates in the background, so store writes
// run on the manager's own goroutine rather than the Puller's actor loop.
type Manager struct {
	store             store.Store
	replicatorID      string
	configFingerprint string
	flushInterval     time.Duration
	logger            *zap.Logger

	flushCount metrics.Counter

	updates chan model.RemoteSequence
	done    chan struct{}
	stopped chan struct{}

	mu     sync.RWMutex
	latest model.RemoteSequence
}

func NewManager(st store.Store, replicatorID, configFingerprint string, flushInterval time.Duration) *Manager {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &Manager{
		store:             st,
		replicatorID:      replicatorID,
		configFingerprint: configFingerprint,
		flushInterval:     flushInterval,
		logger:            replog.Component("checkpoint"),
		flushCount:        metrics.NewCounter(),
		updates:           make(chan model.RemoteSequence, 1),
		done:              make(chan struct{}),
		stopped:           make(chan struct{}),
	}
}

// Load returns the persisted lastSequence for this replicator, or the
// empty sequence if no checkpoint has ever been saved.
func (m *Manager) Load(ctx context.Context) (model.RemoteSequence, error) {
	rec, err := m.store.LoadCheckpoint(ctx, m.replicatorID)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.latest = rec.LastSequence
	m.mu.Unlock()
	return rec.LastSequence, nil
}

// Start launches the periodic flush loop. Call once, after Load.
func (m *Manager) Start() { go m.run() }

// Stop flushes any unsaved update and halts the loop.
func (m *Manager) Stop() {
	close(m.done)
	<-m.stopped
}

// Update records seq as the new watermark. Safe to call from the Puller's
// actor goroutine. The hand-off to the flush loop is buffered one deep: a
// call returns at once unless an earlier update is still waiting to be
// picked up, in which case it waits for the loop, including for a flush
// that is in progress.
func (m *Manager) Update(seq model.RemoteSequence) {
	select {
	case m.updates <- seq:
	case <-m.done:
	}
}

// Latest returns the most recently recorded watermark, flushed or not.
func (m *Manager) Latest() model.RemoteSequence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

func (m *Manager) run() {
	defer close(m.stopped)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	var dirty bool
	for {
		select {
		case seq := <-m.updates:
			m.mu.Lock()
			m.latest = seq
			m.mu.Unlock()
			dirty = true
		case <-ticker.C:
			if dirty {
				m.flush()
				dirty = false
			}
		case <-m.done:
			// Pick up an update that was still buffered when Stop was called.
			select {
			case seq := <-m.updates:
				m.mu.Lock()
				m.latest = seq
				m.mu.Unlock()
				dirty = true
			default:
			}
			if dirty {
				m.flush()
			}
			return
		}
	}
}

func (m *Manager) flush() {
	seq := m.Latest()
	rec := store.CheckpointRecord{
		ReplicatorID:      m.replicatorID,
		LastSequence:      seq,
		ConfigFingerprint: m.configFingerprint,
		UpdatedAt:         time.Now(),
	}
	if err := m.store.SaveCheckpoint(context.Background(), rec); err != nil {
		m.logger.Warn("checkpoint flush failed", zap.String("replicatorId", m.replicatorID), zap.Error(err))
		return
	}
	m.flushCount.Inc(1)
	m.logger.Debug("checkpoint flushed", zap.String("replicatorId", m.replicatorID), zap.String("lastSequence", string(seq)))
}
