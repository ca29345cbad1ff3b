// Package peerfeed provides the contract for per-feed peer replication sessions.
//
// A PeeredFeed wraps one registered feed and owns one replication sub-session
// per remote peer. The replicator hands it channels once both sides of a
// connection have opened the feed; what happens on a channel after that
// (block requests, scheduling) belongs to the PeeredFeed implementation.
//
// Example usage:
//
//	peered := factory(myFeed)
//	if err := peered.AddPeer(ctx, remote, channel); err != nil {
//		return err
//	}
//	for _, s := range peered.Stats(ctx) {
//		fmt.Printf("%s active=%t\n", s.Remote, s.Active)
//	}
//	err := peered.JoinAll(ctx)
//
// This package is part of the FeedMesh system for replicating append-only feeds.
package peerfeed
