package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/httpclient"
)

func newEventsCommand() *cobra.Command {
	var (
		kind       string
		bufferSize int
		maxEvents  int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream replicator events in real-time",
		Long: `Stream replicator events (FeedAvailable, UnknownFeedRequested)
using Server-Sent Events. Press Ctrl+C to stop streaming.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd, kind, bufferSize, maxEvents)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Only stream events of this kind (optional)")
	cmd.Flags().IntVar(&bufferSize, "buffer-size", 100, "Event buffer size")
	cmd.Flags().IntVar(&maxEvents, "max-events", 0, "Stop after this many events (0 streams until interrupted)")
	return cmd
}

func runEvents(cmd *cobra.Command, kind string, bufferSize, maxEvents int) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	authCtx, authCancel := context.WithTimeout(ctx, timeout)
	err := requireAuthentication(authCtx)
	authCancel()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "🌊 Starting event stream from %s", serverURL)
	if kind != "" {
		fmt.Fprintf(out, " (kind: %s)", kind)
	} else {
		fmt.Fprintf(out, " (all kinds)")
	}
	fmt.Fprintln(out, "...")

	stream, err := client.Stream(ctx, httpclient.StreamConfig{
		Kind:       kind,
		BufferSize: bufferSize,
	})
	if err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}
	defer stream.Close()

	count := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "\n✅ Stream stopped. Received %d events.\n", count)
			return nil

		case event, ok := <-stream.Events():
			if !ok {
				fmt.Fprintf(out, "\n🔌 Stream finished. Received %d events.\n", count)
				return nil
			}
			count++
			printEvent(out, event, count)
			if maxEvents > 0 && count >= maxEvents {
				return nil
			}

		case err, ok := <-stream.Errors():
			if ok {
				// Non-fatal; the stream reconnects
				fmt.Fprintf(out, "❌ Stream error: %v\n", err)
			}
		}
	}
}

func printEvent(out io.Writer, event httpclient.EventStreamMessage, count int) {
	fmt.Fprintf(out, "📨 Event #%d: %s %s at %s\n", count, event.Kind, event.DiscoveryKey,
		event.Timestamp.Local().Format("2006-01-02 15:04:05.000"))
}
