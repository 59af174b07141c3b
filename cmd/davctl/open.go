package main

import (
	"context"
	"fmt"

	"github.com/dav2/dav2"
	"github.com/dav2/dav2/internal/config"
	"github.com/dav2/dav2/internal/poollog"
	"github.com/dav2/dav2/internal/store"
	"github.com/spf13/cobra"
)

func addOpenCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "open PATH",
		Short: "Open an existing pool, replay its WAL, and report success",
		Args:  cobra.ExactArgs(1),
		RunE:  runOpen,
	}
	parent.AddCommand(cmd)
}

// openExisting opens path's FileStore and runs dav2.Open, the shared
// entry point for every subcommand below that needs a live pool handle.
func openExisting(cmd *cobra.Command, path string) (*dav2.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	st, err := store.OpenFileStore(path, 0)
	if err != nil {
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	log := poollog.New(cmd.ErrOrStderr(), path, path)
	p, err := dav2.Open(context.Background(), st, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("opening pool: %w", err)
	}
	return p, nil
}

func runOpen(cmd *cobra.Command, args []string) error {
	p, err := openExisting(cmd, args[0])
	if err != nil {
		return err
	}
	defer p.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "opened %s: replayed %d wal action(s)\n", args[0], p.ReplayedActions())
	return nil
}
