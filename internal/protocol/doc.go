// Package protocol defines what the scheduling tiers exchange: the steal
// request, relocation batches, signal messages, the frames carrying them between
// nodes, and the capability interface every tier implements.
//
// Wire frames are msgpack encoded. Frames above a size threshold are brotli
// compressed using buffers from a caller supplied pool.
package protocol
