// Package resource moves payloads larger than one packet.
//
// Over a link, a payload is LZ4 compressed when that helps, split into parts
// that fit one link segment, and advertised with a Merkle root over the part
// hashes. The receiver rebuilds the tree after the last part and rejects the
// payload with ErrIntegrity if the root differs.
//
// For Group and Plain destinations, where nothing is acknowledged, Encoder
// adds Reed-Solomon parity shards so that any k of the n shards a receiver
// hears are enough for Collector to rebuild the payload.
package resource
