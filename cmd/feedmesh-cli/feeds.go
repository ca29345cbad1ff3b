package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/httpclient"
)

func newFeedsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feeds",
		Short: "Manage replicated feeds",
		Long:  "List the feeds a node replicates and register new ones",
	}

	cmd.AddCommand(newFeedsListCommand())
	cmd.AddCommand(newFeedsCreateCommand())
	return cmd
}

func newFeedsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered feeds",
		RunE:  runFeedsList,
	}
}

func newFeedsCreateCommand() *cobra.Command {
	var publicKey string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a writable feed, or register a replica",
		Long: `Create a new writable feed on the node. With --public-key the node
instead registers a read-only replica of another writer's feed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeedsCreate(cmd, publicKey)
		},
	}

	cmd.Flags().StringVar(&publicKey, "public-key", "", "Hex public key of a remote feed to replicate")
	return cmd
}

func runFeedsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()
	if err := requireAuthentication(ctx); err != nil {
		return err
	}

	feeds, err := client.ListFeeds(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(feeds) == 0 {
		fmt.Fprintln(out, "No feeds registered")
		return nil
	}

	fmt.Fprintf(out, "Found %d feed(s):\n\n", len(feeds))
	for i, f := range feeds {
		fmt.Fprintf(out, "%d. ", i+1)
		printFeed(out, f)
	}
	return nil
}

func runFeedsCreate(cmd *cobra.Command, publicKey string) error {
	ctx, cancel := commandContext()
	defer cancel()
	if err := requireAuthentication(ctx); err != nil {
		return err
	}

	var (
		f   *httpclient.FeedResponse
		err error
	)
	if publicKey != "" {
		f, err = client.AddReplica(ctx, publicKey)
	} else {
		f, err = client.CreateFeed(ctx)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if f.Writable {
		fmt.Fprintln(out, "✅ Feed created!")
	} else {
		fmt.Fprintln(out, "✅ Replica registered!")
	}
	printFeed(out, *f)
	return nil
}

func printFeed(out io.Writer, f httpclient.FeedResponse) {
	mode := "replica"
	if f.Writable {
		mode = "writable"
	}
	fmt.Fprintf(out, "Discovery Key: %s\n", f.DiscoveryKey)
	fmt.Fprintf(out, "   Public Key: %s\n", f.PublicKey)
	fmt.Fprintf(out, "   Mode: %s\n", mode)
	fmt.Fprintf(out, "   Length: %d\n", f.Length)
	fmt.Fprintf(out, "   Active Peers: %d\n", f.Peers)
}
