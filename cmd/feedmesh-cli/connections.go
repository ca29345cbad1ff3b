package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/httpclient"
)

func newConnectionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Inspect and open peer connections (requires admin privileges)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every connection session",
		RunE:  runConnectionsList,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "dial <address>",
		Short: "Ask the node to connect to a peer",
		Long: `Ask the node to connect to a peer as initiator. The address is
host:port, tcp://host:port, ws://host:port/path or wss://host:port/path.`,
		Args: cobra.ExactArgs(1),
		RunE: runConnectionsDial,
	})
	return cmd
}

func runConnectionsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()
	if err := requireAuthentication(ctx); err != nil {
		return err
	}

	conns, err := client.ListConnections(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(conns) == 0 {
		fmt.Fprintln(out, "No connections")
		return nil
	}
	fmt.Fprintf(out, "Found %d connection(s):\n\n", len(conns))
	for _, c := range conns {
		printConnection(out, c)
	}
	return nil
}

func runConnectionsDial(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()
	if err := requireAuthentication(ctx); err != nil {
		return err
	}

	conn, err := client.Dial(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ Dialed %s\n", args[0])
	printConnection(out, *conn)
	return nil
}

func printConnection(out io.Writer, c httpclient.ConnectionResponse) {
	role := "responder"
	if c.Initiator {
		role = "initiator"
	}
	fmt.Fprintf(out, "🔗 %s [%s] %s\n", c.ID, c.State, role)
	if c.Remote != "" {
		fmt.Fprintf(out, "   Remote: %s\n", c.Remote)
	}
	fmt.Fprintf(out, "   Channels Opened: %d\n", c.Opened)
	if c.Error != "" {
		fmt.Fprintf(out, "   Error: %s\n", c.Error)
	}
}
