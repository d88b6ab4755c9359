package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/couchbase/pullreplicator/config"
	"github.com/couchbase/pullreplicator/store"
)

func newStatusCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the last persisted checkpoint for the configured replicator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(root)
		},
	}
	return cmd
}

func runStatus(root *rootOptions) error {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, cfg.Database))
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.LoadCheckpoint(context.Background(), cfg.ReplicatorID)
	if err != nil {
		return err
	}

	if rec.UpdatedAt.IsZero() {
		fmt.Printf("replicator %q has no checkpoint yet\n", cfg.ReplicatorID)
		return nil
	}
	fmt.Printf("replicator:  %s\n", cfg.ReplicatorID)
	fmt.Printf("lastSequence: %s\n", rec.LastSequence)
	fmt.Printf("fingerprint: %s\n", rec.ConfigFingerprint)
	fmt.Printf("updatedAt:   %s\n", rec.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
	return nil
}
