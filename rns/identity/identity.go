package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/joshuafuller/Reticulum/rns/crypto"
)

const (
	// KeySize is the size of the public (and private) key form:
	// X25519 (32) || Ed25519 (32).
	KeySize = 64
	// SignatureSize is the size of an Ed25519 signature.
	SignatureSize = ed25519.SignatureSize
	// TokenOverhead is the number of bytes Encrypt adds to a plaintext.
	TokenOverhead = 32 + crypto.AEADOverhead
)

var (
	ErrNoPrivateKey  = errors.New("identity: private key not available")
	ErrInvalidKey    = errors.New("identity: invalid key material")
	ErrDecryption    = errors.New("identity: decryption failed")
	ErrTokenTooShort = errors.New("identity: ciphertext too short")
)

const tokenInfo = "rns-identity-token"

// Identity couples an X25519 encryption keypair with an Ed25519 signing
// keypair. Identities learned from the network carry only the public halves.
type Identity struct {
	encPub  [32]byte
	sigPub  ed25519.PublicKey
	encPriv *crypto.X25519KeyPair
	sigPriv ed25519.PrivateKey
	hash    Hash
}

// Generate creates an identity with fresh keys.
func Generate() (*Identity, error) {
	enc, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	_, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newPrivate(enc, sigPriv), nil
}

// FromPublicKey loads a public-only identity from its KeySize public form.
func FromPublicKey(pub []byte) (*Identity, error) {
	if len(pub) != KeySize {
		return nil, ErrInvalidKey
	}
	id := &Identity{sigPub: append(ed25519.PublicKey(nil), pub[32:]...)}
	copy(id.encPub[:], pub[:32])
	id.hash = TruncatedHash(id.PublicKey())
	return id, nil
}

// FromPrivateKey loads an identity from its KeySize private form:
// X25519 scalar (32) || Ed25519 seed (32).
func FromPrivateKey(priv []byte) (*Identity, error) {
	if len(priv) != KeySize {
		return nil, ErrInvalidKey
	}
	enc, err := crypto.X25519FromPrivate(priv[:32])
	if err != nil {
		return nil, ErrInvalidKey
	}
	return newPrivate(enc, ed25519.NewKeyFromSeed(priv[32:])), nil
}

func newPrivate(enc crypto.X25519KeyPair, sigPriv ed25519.PrivateKey) *Identity {
	id := &Identity{
		encPub:  enc.PublicKey,
		sigPub:  sigPriv.Public().(ed25519.PublicKey),
		encPriv: &enc,
		sigPriv: sigPriv,
	}
	id.hash = TruncatedHash(id.PublicKey())
	return id
}

// PublicKey returns X25519 public || Ed25519 public.
func (id *Identity) PublicKey() []byte {
	out := make([]byte, 0, KeySize)
	out = append(out, id.encPub[:]...)
	return append(out, id.sigPub...)
}

// SigningPublicKey returns the Ed25519 half of the public key.
func (id *Identity) SigningPublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), id.sigPub...)
}

// PrivateKey returns X25519 scalar || Ed25519 seed.
func (id *Identity) PrivateKey() ([]byte, error) {
	if !id.HasPrivateKey() {
		return nil, ErrNoPrivateKey
	}
	out := make([]byte, 0, KeySize)
	out = append(out, id.encPriv.PrivateKey[:]...)
	return append(out, id.sigPriv.Seed()...), nil
}

// HasPrivateKey reports whether this identity can sign and decrypt.
func (id *Identity) HasPrivateKey() bool {
	return id.encPriv != nil && id.sigPriv != nil
}

// Hash is SHA-256(PublicKey())[:16].
func (id *Identity) Hash() Hash { return id.hash }

func (id *Identity) String() string { return id.hash.Pretty() }

// Sign signs message with the Ed25519 private key.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	if id.sigPriv == nil {
		return nil, ErrNoPrivateKey
	}
	return ed25519.Sign(id.sigPriv, message), nil
}

// Verify checks an Ed25519 signature made by this identity.
func (id *Identity) Verify(message, signature []byte) bool {
	if len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(id.sigPub, message, signature)
}

// Encrypt seals plaintext so only this identity can open it.
// Format: ephemeral X25519 public (32) || nonce (12) || ciphertext || tag (16)
func (id *Identity) Encrypt(plaintext []byte) ([]byte, error) {
	eph, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	key, err := id.tokenKey(eph.PrivateKey, id.encPub)
	if err != nil {
		return nil, err
	}
	aead, err := crypto.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(plaintext, eph.PublicKey[:])
	out := make([]byte, 0, 32+len(sealed))
	out = append(out, eph.PublicKey[:]...)
	return append(out, sealed...), nil
}

// Decrypt opens a token produced by Encrypt. Any tampering or a token made
// for another identity yields ErrDecryption.
func (id *Identity) Decrypt(token []byte) ([]byte, error) {
	if id.encPriv == nil {
		return nil, ErrNoPrivateKey
	}
	if len(token) < TokenOverhead {
		return nil, ErrTokenTooShort
	}
	var ephPub [32]byte
	copy(ephPub[:], token[:32])
	key, err := id.tokenKey(id.encPriv.PrivateKey, ephPub)
	if err != nil {
		return nil, ErrDecryption
	}
	aead, err := crypto.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(token[32:], ephPub[:])
	if err != nil {
		return nil, ErrDecryption
	}
	return pt, nil
}

// tokenKey derives the sealed-box key; the recipient hash salts HKDF so a
// token cannot be re-targeted at another identity with the same X25519 key.
func (id *Identity) tokenKey(priv, pub [32]byte) ([]byte, error) {
	shared, err := crypto.ECDH(priv, pub)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveKey(shared, id.hash[:], []byte(tokenInfo), 32)
}
