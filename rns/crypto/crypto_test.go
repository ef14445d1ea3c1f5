package crypto

import (
	"bytes"
	"testing"
)

func TestX25519ECDH(t *testing.T) {
	alice, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	bob, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}

	sharedAlice, err := ECDH(alice.PrivateKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("ECDH alice: %v", err)
	}
	sharedBob, err := ECDH(bob.PrivateKey, alice.PublicKey)
	if err != nil {
		t.Fatalf("ECDH bob: %v", err)
	}
	if !bytes.Equal(sharedAlice, sharedBob) {
		t.Fatalf("shared secrets do not match")
	}

	if _, err := ECDH(alice.PrivateKey, [32]byte{}); err != ErrInvalidPublicKey {
		t.Fatalf("expected ErrInvalidPublicKey for zero point, got %v", err)
	}
}

func TestX25519FromPrivateStable(t *testing.T) {
	kp, _ := GenerateX25519()
	again, err := X25519FromPrivate(kp.PrivateKey[:])
	if err != nil {
		t.Fatalf("X25519FromPrivate: %v", err)
	}
	if again.PublicKey != kp.PublicKey {
		t.Fatalf("public key not reproducible from private scalar")
	}
	if _, err := X25519FromPrivate([]byte{1, 2, 3}); err != ErrInvalidPrivateKey {
		t.Fatalf("expected ErrInvalidPrivateKey, got %v", err)
	}
}

func TestAEADRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	aead, err := NewAEAD(key)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}

	plaintext := []byte("hello mesh")
	ad := []byte("additional data")

	ciphertext := aead.Seal(plaintext, ad)
	if len(ciphertext) != len(plaintext)+AEADOverhead {
		t.Fatalf("unexpected ciphertext length")
	}

	decrypted, err := aead.Open(ciphertext, ad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("decrypted != plaintext")
	}

	ciphertext[len(ciphertext)-1] ^= 0xff
	if _, err := aead.Open(ciphertext, ad); err != ErrDecryptionFailed {
		t.Fatalf("expected decryption failure on tampered ciphertext")
	}
	if _, err := aead.Open(ciphertext[:4], ad); err != ErrCiphertextTooShort {
		t.Fatalf("expected ErrCiphertextTooShort")
	}
	if _, err := NewAEAD(key[:16]); err != ErrInvalidKeySize {
		t.Fatalf("expected ErrInvalidKeySize")
	}
}

func TestDeriveLinkKeys(t *testing.T) {
	alice, _ := GenerateX25519()
	bob, _ := GenerateX25519()
	shared, _ := ECDH(alice.PrivateKey, bob.PublicKey)

	k1, k2, err := DeriveLinkKeys(shared, []byte("link"), alice.PublicKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("DeriveLinkKeys: %v", err)
	}
	if len(k1) != 32 || len(k2) != 32 {
		t.Fatalf("unexpected key lengths")
	}
	if bytes.Equal(k1, k2) {
		t.Fatalf("initiator and responder keys should differ")
	}

	k3, _, _ := DeriveLinkKeys(shared, []byte("other"), alice.PublicKey, bob.PublicKey)
	if bytes.Equal(k1, k3) {
		t.Fatalf("keys should depend on the link id")
	}
}

func BenchmarkAEADSeal(b *testing.B) {
	aead, _ := NewAEAD(make([]byte, 32))
	plaintext := make([]byte, 464)
	b.SetBytes(int64(len(plaintext)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = aead.Seal(plaintext, nil)
	}
}
