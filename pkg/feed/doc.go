// Package feed provides the contract for append-only logs replicated by FeedMesh.
//
// This package defines the core abstractions for a replicated feed:
//   - Feed: Interface exposing the stable public identity of a feed
//   - PublicKey: The fixed-size identity of a feed
//   - DiscoveryKey: A one-way identifier derived from the public key
//
// The discovery key is what travels on the wire. A peer that only knows the
// discovery key can match it against its own feeds but cannot recover the
// public key, so a feed is never exposed to parties that do not already hold it.
//
// Example usage:
//
//	pk := myFeed.PublicKey()
//	dk := feed.DiscoveryKeyOf(pk)
//	fmt.Printf("announcing %s\n", dk)
//
// This package is part of the FeedMesh system for replicating append-only feeds.
package feed
