package main

import (
	"context"
	"fmt"

	"github.com/dav2/dav2"
	"github.com/dav2/dav2/internal/config"
	"github.com/dav2/dav2/internal/memblock"
	"github.com/dav2/dav2/internal/poollog"
	"github.com/dav2/dav2/internal/store"
	"github.com/spf13/cobra"
)

var (
	createHeapZones  int
	createCacheZones int
)

func addCreateCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "create PATH",
		Short: "Create a new dav2 pool file",
		Args:  cobra.ExactArgs(1),
		RunE:  runCreate,
	}
	cmd.Flags().IntVar(&createHeapZones, "heap-zones", 16, "number of 16 MiB zones to reserve in the heap")
	cmd.Flags().IntVar(&createCacheZones, "cache-zones", 8, "number of 16 MiB zones resident in the page cache")
	parent.AddCommand(cmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	path := args[0]
	heapSize := int64(memblock.HeapHeaderSize) + int64(createHeapZones)*int64(memblock.ZoneMaxSize)
	cacheSize := int64(createCacheZones) * int64(memblock.ZoneMaxSize)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.OpenFileStore(path, heapSize)
	if err != nil {
		return fmt.Errorf("opening blob: %w", err)
	}
	log := poollog.New(cmd.ErrOrStderr(), path, path)

	p, err := dav2.Create(context.Background(), st, heapSize, cacheSize, cfg, log)
	if err != nil {
		return fmt.Errorf("creating pool: %w", err)
	}
	defer p.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "created %s: %d heap zones, %d cache zones, nemb_pct=%d\n",
		path, createHeapZones, createCacheZones, cfg.NembPct)
	return nil
}
