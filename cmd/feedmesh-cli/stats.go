package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-feed replication statistics",
		RunE:  runStats,
	}
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()
	if err := requireAuthentication(ctx); err != nil {
		return err
	}

	stats, err := client.GetStats(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(stats.Feeds) == 0 {
		fmt.Fprintln(out, "No feeds registered")
		return nil
	}

	for _, f := range stats.Feeds {
		fmt.Fprintf(out, "📚 %s (%d peer(s))\n", f.DiscoveryKey, len(f.Peers))
		for _, p := range f.Peers {
			state := "active"
			if !p.Active {
				state = "finished"
			}
			fmt.Fprintf(out, "   %s channel=%d %s since %s", p.Remote, p.ChannelID, state,
				p.StartedAt.Local().Format("15:04:05"))
			if p.Error != "" {
				fmt.Fprintf(out, " error=%q", p.Error)
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}
