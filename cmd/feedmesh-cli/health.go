package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Long:  "Check the health status of the feedmesh node",
		RunE:  runHealth,
	}
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checking health of %s...\n", serverURL)

	health, err := client.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Healthy {
		fmt.Fprintf(out, "✅ Server is healthy!\n")
	} else {
		fmt.Fprintf(out, "❌ Server is not healthy!\n")
	}
	fmt.Fprintf(out, "Node: %s\n", health.NodeID)
	fmt.Fprintf(out, "Identity: %s\n", health.Identity)
	fmt.Fprintf(out, "Feeds: %d\n", health.Feeds)
	fmt.Fprintf(out, "Connections: %d active, %d terminated, %d failed\n",
		health.ActiveConnections, health.TerminatedConnections, health.FailedConnections)
	fmt.Fprintf(out, "Event Subscribers: %d\n", health.Subscribers)
	if health.Message != "" {
		fmt.Fprintf(out, "Message: %s\n", health.Message)
	}

	if !health.Healthy {
		return fmt.Errorf("server %s is unhealthy", serverURL)
	}
	return nil
}
