package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const (
	// HashLength is the length of identity, destination and link hashes.
	HashLength = 16
	// NameHashLength is the length of a destination name hash.
	NameHashLength = 10
)

var ErrInvalidHash = errors.New("identity: invalid hash")

// Hash is a truncated SHA-256 digest used to address identities,
// destinations and links.
type Hash [HashLength]byte

// ParseHash parses the hex form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, ErrInvalidHash
	}
	return HashFromBytes(b)
}

// HashFromBytes copies a HashLength slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	if len(b) != HashLength {
		return Hash{}, ErrInvalidHash
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Pretty renders the hash the way operators read it in logs: <abcd...>.
func (h Hash) Pretty() string {
	return "<" + h.String() + ">"
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// FullHash returns SHA-256 over the concatenation of parts.
func FullHash(parts ...[]byte) [32]byte {
	d := sha256.New()
	for _, p := range parts {
		d.Write(p)
	}
	var out [32]byte
	copy(out[:], d.Sum(nil))
	return out
}

// TruncatedHash returns the first HashLength bytes of FullHash.
func TruncatedHash(parts ...[]byte) Hash {
	full := FullHash(parts...)
	var h Hash
	copy(h[:], full[:HashLength])
	return h
}
