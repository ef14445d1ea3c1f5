// Package crypto provides the cryptographic primitives used by identities and links.
//
// Design goals:
//   - Fast on commodity hardware (no AES-NI required)
//   - Forward secrecy for links via ephemeral X25519 key exchange
//   - AEAD encryption via ChaCha20-Poly1305 (RFC 8439)
//   - Key derivation via HKDF-SHA256, bound to the link id and both public keys
//   - Per-direction symmetric ratchets so a retransmitted segment never reuses a key
package crypto
