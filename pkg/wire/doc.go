// Package wire provides the contract for a multiplexed feed replication session.
//
// This package defines the abstractions the replicator consumes from a wire
// protocol implementation:
//   - Protocol: One session per transport connection
//   - Channel: A multiplexed sub-stream bound to one discovery key
//   - Event: Handshake, ChannelOpened and DiscoveryKeyRequested notifications
//   - RemoteKey: The identity of the far end, known after handshake
//
// A Protocol produces an ordered stream of events and a separate error
// channel. Decode errors are delivered on the error channel before the event
// channel is closed, so a consumer that sees the event channel close can check
// the error channel without blocking.
//
// Example usage:
//
//	events, errs := proto.Events()
//	for ev := range events {
//		switch ev := ev.(type) {
//		case wire.Handshake:
//			err := proto.Open(ctx, myFeed.PublicKey())
//		case wire.ChannelOpened:
//			startReplicating(ev.Channel)
//		}
//	}
//	if err := <-errs; err != nil {
//		return err
//	}
//
// This package is part of the FeedMesh system for replicating append-only feeds.
package wire
