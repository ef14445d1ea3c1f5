package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const linkKeyInfo = "rns-link-keys"

// DeriveKey derives a key of the specified length using HKDF-SHA256.
// salt can be nil (uses zero salt), info provides context binding.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveLinkKeys derives one 32-byte key per direction for a link.
// The link id is the salt; both ephemeral public keys are mixed into info so
// the keys are bound to this exact exchange.
// Returns (initiatorKey, responderKey).
func DeriveLinkKeys(sharedSecret, linkID []byte, initiatorPub, responderPub [32]byte) ([]byte, []byte, error) {
	info := make([]byte, 0, len(linkKeyInfo)+64)
	info = append(info, linkKeyInfo...)
	info = append(info, initiatorPub[:]...)
	info = append(info, responderPub[:]...)

	material, err := DeriveKey(sharedSecret, linkID, info, 64)
	if err != nil {
		return nil, nil, err
	}
	return material[:32], material[32:], nil
}
