package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBlocksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "Append and read feed blocks",
	}

	cmd.AddCommand(newBlocksAppendCommand())
	cmd.AddCommand(newBlocksReadCommand())
	return cmd
}

func newBlocksAppendCommand() *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "append <discovery-key>",
		Short: "Append a block to a writable feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}

			resp, err := client.AppendBlock(ctx, args[0], data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Appended block %d to %s\n", resp.Index, resp.DiscoveryKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&data, "data", "", "Block contents")
	cmd.MarkFlagRequired("data")
	return cmd
}

func newBlocksReadCommand() *cobra.Command {
	var (
		start uint64
		limit int
	)

	cmd := &cobra.Command{
		Use:   "read <discovery-key>",
		Short: "Read blocks from a feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}

			resp, err := client.ReadBlocks(ctx, args[0], start, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if resp.Count == 0 {
				fmt.Fprintf(out, "No blocks from index %d\n", resp.Start)
				return nil
			}
			for i, block := range resp.Blocks {
				fmt.Fprintf(out, "[%d] %s\n", resp.Start+uint64(i), block)
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&start, "start", 0, "First block index")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum blocks to read (server default when 0)")
	return cmd
}
