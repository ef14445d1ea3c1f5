package resource

import (
	"crypto/sha256"
	"errors"
)

var ErrMerkleEmpty = errors.New("resource: no parts provided")

// merkleRoot builds a binary tree over the part hashes, padded to a power
// of two with the hash of the empty string, and returns its root.
func merkleRoot(partHashes [][32]byte) ([32]byte, error) {
	if len(partHashes) == 0 {
		return [32]byte{}, ErrMerkleEmpty
	}
	n := 1
	for n < len(partHashes) {
		n *= 2
	}
	level := make([][32]byte, n)
	empty := sha256.Sum256(nil)
	for i := range level {
		if i < len(partHashes) {
			level[i] = partHashes[i]
		} else {
			level[i] = empty
		}
	}
	var buf [64]byte
	for len(level) > 1 {
		next := make([][32]byte, len(level)/2)
		for i := range next {
			copy(buf[:32], level[2*i][:])
			copy(buf[32:], level[2*i+1][:])
			next[i] = sha256.Sum256(buf[:])
		}
		level = next
	}
	return level[0], nil
}

func hashParts(parts [][]byte) [][32]byte {
	out := make([][32]byte, len(parts))
	for i, p := range parts {
		out[i] = sha256.Sum256(p)
	}
	return out
}
