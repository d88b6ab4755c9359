package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/couchbase/pullreplicator/config"
	"github.com/couchbase/pullreplicator/model"
	"github.com/couchbase/pullreplicator/puller"
	"github.com/couchbase/pullreplicator/replog"
	"github.com/couchbase/pullreplicator/store"
	"github.com/couchbase/pullreplicator/wire"
)

// pollInterval is how often a one-shot (non-continuous) pull checks whether
// it has caught up and gone idle, so the process can exit on its own
// instead of waiting for a signal.
const pollInterval = 500 * time.Millisecond

func newPullCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Start a pull replication session against the configured peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(root)
		},
	}
	return cmd
}

func runPull(root *rootOptions) error {
	if err := replog.Init(root.logLevel(), root.verbose); err != nil {
		return err
	}
	logger := replog.Component("pullctl")

	cfg, err := config.Load(root.configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, cfg.Database))
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), wire.DialTimeout)
	conn, err := wire.Dial(ctx, cfg.RemoteURL)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	p := puller.New(conn, st, &logDelegate{logger: logger}, puller.Options{
		ReplicatorID:      cfg.ReplicatorID,
		ConfigFingerprint: configFingerprint(cfg),
		Channels:          cfg.Channels,
		DocIDs:            cfg.DocIDs,
		Filter:            cfg.Filter,
		FilterParams:      cfg.FilterParams,
		Continuous:        cfg.Continuous,
		SkipDeleted:       cfg.SkipDeleted,
		NoConflicts:       cfg.NoConflicts,
		Tuning:            cfg.Tuning,
	})

	if err := p.Start(context.Background(), ""); err != nil {
		return err
	}
	defer p.Stop()

	logger.Info("pull session started", zap.String("remote", cfg.RemoteURL), zap.String("replicatorId", cfg.ReplicatorID))
	waitForCompletion(p, cfg.Continuous, logger)
	return nil
}

// waitForCompletion blocks until either the process receives an interrupt
// or, for a non-continuous session, the Puller reports it has caught up
// and gone idle — the one-shot-pull analogue of the teacher's
// waitForDuration/errChan shutdown wait.
func waitForCompletion(p *puller.Puller, continuous bool, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if continuous {
		<-sigCh
		logger.Info("received shutdown signal, stopping pull session")
		return
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal, stopping pull session")
			return
		case <-ticker.C:
			if p.ActivityLevel() == puller.Stopped {
				logger.Info("caught up, pull session complete")
				return
			}
		}
	}
}

// configFingerprint ties a checkpoint to the filter it was produced under,
// so a later change in channels/docIDs/conflict policy is visible on the
// persisted record even though the Puller itself doesn't enforce a reset.
func configFingerprint(cfg *config.Config) string {
	parts := append([]string{}, cfg.Channels...)
	parts = append(parts, cfg.DocIDs...)
	sort.Strings(parts)
	if cfg.SkipDeleted {
		parts = append(parts, "skipDeleted")
	}
	if cfg.NoConflicts {
		parts = append(parts, "noConflicts")
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:8])
}

// logDelegate is the simplest possible puller.Delegate: it logs failed
// revisions at warn level, committed ones at debug level, and checkpoint
// advances at info level.
type logDelegate struct {
	logger *zap.Logger
}

func (d *logDelegate) Notify(rev model.ReplicatedRev) {
	if rev.Error != nil {
		d.logger.Warn("revision failed",
			zap.String("docID", rev.DocID), zap.String("revID", rev.RevID),
			zap.Bool("transient", rev.ErrorIsTransient), zap.Error(rev.Error))
		return
	}
	d.logger.Debug("revision committed", zap.String("docID", rev.DocID), zap.String("revID", rev.RevID))
}

func (d *logDelegate) CheckpointUpdated(last model.RemoteSequence) {
	d.logger.Info("checkpoint advanced", zap.String("lastSequence", last.String()))
}
