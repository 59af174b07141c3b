package main

import (
	"fmt"

	"github.com/dav2/dav2/internal/memblock"
	"github.com/spf13/cobra"
)

func addFsckCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "fsck PATH",
		Short: "Verify a pool's header and zone headers for corruption",
		Args:  cobra.ExactArgs(1),
		RunE:  runFsck,
	}
	parent.AddCommand(cmd)
}

func runFsck(cmd *cobra.Command, args []string) error {
	p, err := openExisting(cmd, args[0])
	if err != nil {
		return err
	}
	defer p.Close()

	var problems []string
	for zoneID := uint32(0); zoneID < p.UsedZoneCount(); zoneID++ {
		buf := p.CacheZone(zoneID)
		zh, err := memblock.DecodeZoneHeader(buf)
		if err != nil {
			problems = append(problems, fmt.Sprintf("zone %d: %v", zoneID, err))
			continue
		}
		if zh.Magic != memblock.ZoneHeaderMagic {
			problems = append(problems, fmt.Sprintf("zone %d: bad magic %#x", zoneID, zh.Magic))
			continue
		}
		if zh.SizeIdx != memblock.ChunksPerZone {
			problems = append(problems, fmt.Sprintf("zone %d: size_idx %d, want %d", zoneID, zh.SizeIdx, memblock.ChunksPerZone))
		}
	}

	if len(problems) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d zones checked)\n", args[0], p.UsedZoneCount())
		return nil
	}
	for _, pr := range problems {
		fmt.Fprintln(cmd.OutOrStdout(), pr)
	}
	return fmt.Errorf("fsck found %d problem(s)", len(problems))
}
