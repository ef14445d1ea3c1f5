package identity

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestHashDerivationStable(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	pub, err := FromPublicKey(id.PublicKey())
	if err != nil {
		t.Fatalf("FromPublicKey: %v", err)
	}
	if pub.Hash() != id.Hash() {
		t.Fatalf("hash mismatch between private and public forms")
	}
	if id.Hash() != TruncatedHash(id.PublicKey()) {
		t.Fatalf("hash is not the truncated digest of the public key")
	}

	parsed, err := ParseHash(id.Hash().String())
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if parsed != id.Hash() {
		t.Fatalf("ParseHash mismatch")
	}

	other, _ := Generate()
	if other.Hash() == id.Hash() {
		t.Fatalf("distinct keypairs produced the same hash")
	}
}

func TestParseHashRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "zz", "abcd", "00112233445566778899aabbccddeeff00"} {
		if _, err := ParseHash(s); err != ErrInvalidHash {
			t.Fatalf("ParseHash(%q): expected ErrInvalidHash, got %v", s, err)
		}
	}
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	id, _ := Generate()
	priv, err := id.PrivateKey()
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	loaded, err := FromPrivateKey(priv)
	if err != nil {
		t.Fatalf("FromPrivateKey: %v", err)
	}
	if loaded.Hash() != id.Hash() {
		t.Fatalf("hash changed after private key round trip")
	}
	if !bytes.Equal(loaded.PublicKey(), id.PublicKey()) {
		t.Fatalf("public key changed after private key round trip")
	}
}

func TestSignVerify(t *testing.T) {
	id, _ := Generate()

	msg := []byte("hello")
	sig, err := id.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !id.Verify(msg, sig) {
		t.Fatalf("signature verification failed")
	}
	if id.Verify([]byte("tampered"), sig) {
		t.Fatalf("expected verification to fail for tampered message")
	}

	other, _ := Generate()
	if other.Verify(msg, sig) {
		t.Fatalf("expected verification to fail with different identity")
	}

	pub, _ := FromPublicKey(id.PublicKey())
	if !pub.Verify(msg, sig) {
		t.Fatalf("public-only identity should verify")
	}
	if _, err := pub.Sign(msg); err != ErrNoPrivateKey {
		t.Fatalf("expected ErrNoPrivateKey, got %v", err)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	recipient, _ := Generate()
	sender, _ := FromPublicKey(recipient.PublicKey())

	msg := []byte("for your eyes only")
	token, err := sender.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(token) != len(msg)+TokenOverhead {
		t.Fatalf("unexpected token size %d", len(token))
	}

	pt, err := recipient.Decrypt(token)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, msg) {
		t.Fatalf("plaintext mismatch")
	}

	other, _ := Generate()
	if _, err := other.Decrypt(token); err != ErrDecryption {
		t.Fatalf("expected ErrDecryption for wrong identity, got %v", err)
	}

	token[len(token)-1] ^= 0x01
	if _, err := recipient.Decrypt(token); err != ErrDecryption {
		t.Fatalf("expected ErrDecryption for tampered token, got %v", err)
	}

	if _, err := sender.Decrypt(token); err != ErrNoPrivateKey {
		t.Fatalf("expected ErrNoPrivateKey, got %v", err)
	}
	if _, err := recipient.Decrypt(token[:10]); err != ErrTokenTooShort {
		t.Fatalf("expected ErrTokenTooShort, got %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity")

	id, created, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if !created {
		t.Fatalf("expected a new identity on first call")
	}

	again, created, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate second call: %v", err)
	}
	if created {
		t.Fatalf("expected existing identity on second call")
	}
	if again.Hash() != id.Hash() {
		t.Fatalf("loaded identity differs from saved one")
	}

	pub, _ := FromPublicKey(id.PublicKey())
	if err := pub.Save(path); err != ErrNoPrivateKey {
		t.Fatalf("expected ErrNoPrivateKey saving public identity, got %v", err)
	}
}

func BenchmarkEncrypt(b *testing.B) {
	id, _ := Generate()
	msg := make([]byte, 383)
	b.SetBytes(int64(len(msg)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = id.Encrypt(msg)
	}
}
