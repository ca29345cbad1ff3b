// Package replicator provides interfaces for the feed replication orchestrator.
//
// This package defines the core abstractions for the FeedMesh replicator:
//   - Replicator: Orchestrator owning the feed registry and one session per connection
//   - Event: FeedAvailable and UnknownFeedRequested broadcasts
//   - Subscription: A listener receiving every Event emitted after it subscribed
//   - ConnectionStatus: Per-connection supervision state
//   - HealthStatus: Aggregate health reporting
//
// The replicator ties together:
//   - A feed registry keyed by discovery key
//   - A subscriber hub that broadcasts registry changes to every live session
//   - One connection session per transport, merging wire events with hub events
//
// Session lifecycle:
//  1. AddStream wraps a transport in a wire protocol and spawns a session
//  2. On handshake the session snapshots the registry and opens every feed
//  3. Feeds added later reach the session as FeedAvailable and are opened then
//  4. Channels for known feeds are handed to the feed's PeeredFeed
//  5. Decode errors and protocol violations end the session; there is no retry
//
// Example usage:
//
//	r, err := replicator.New(replicator.NewConfig("node-1"))
//	if err != nil {
//		return err
//	}
//	defer r.Close()
//
//	if _, err := r.AddFeed(ctx, myFeed); err != nil {
//		return err
//	}
//	if _, err := r.AddStream(conn, true); err != nil {
//		return err
//	}
//
//	sub := r.Subscribe()
//	defer sub.Close()
//	for ev := range sub.C() {
//		if ev.Kind == replicator.UnknownFeedRequested {
//			log.Printf("peer asked for %s", ev.DiscoveryKey)
//		}
//	}
//
// This package is part of the FeedMesh system for replicating append-only feeds.
package replicator
