package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidPublicKey  = errors.New("crypto: invalid X25519 public key")
	ErrInvalidPrivateKey = errors.New("crypto: invalid X25519 private key")
)

// X25519KeyPair is an ECDH keypair. Identities hold a long-lived one, links
// generate an ephemeral one per handshake.
type X25519KeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

// GenerateX25519 generates a new X25519 keypair.
func GenerateX25519() (X25519KeyPair, error) {
	var scalar [32]byte
	if _, err := io.ReadFull(rand.Reader, scalar[:]); err != nil {
		return X25519KeyPair{}, err
	}
	return X25519FromPrivate(scalar[:])
}

// X25519FromPrivate rebuilds a keypair from a stored 32-byte scalar.
func X25519FromPrivate(scalar []byte) (X25519KeyPair, error) {
	if len(scalar) != curve25519.ScalarSize {
		return X25519KeyPair{}, ErrInvalidPrivateKey
	}
	var kp X25519KeyPair
	copy(kp.PrivateKey[:], scalar)
	// Clamp per RFC 7748 so the stored form is canonical.
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64

	pub, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return X25519KeyPair{}, err
	}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

// ECDH computes the raw X25519 shared secret. The result must go through HKDF
// before it is used as a key.
func ECDH(privateKey, peerPublicKey [32]byte) ([]byte, error) {
	var zero [32]byte
	if peerPublicKey == zero {
		return nil, ErrInvalidPublicKey
	}
	shared, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		// x/crypto rejects low-order points with an all-zero output.
		return nil, ErrInvalidPublicKey
	}
	return shared, nil
}
