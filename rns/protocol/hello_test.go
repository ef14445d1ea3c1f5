package protocol

import (
	"testing"

	"github.com/joshuafuller/Reticulum/rns/identity"
)

func TestHelloSignAndVerify(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	hello, err := NewHello(id, map[string]string{"version": "1", "mode": "full"})
	if err != nil {
		t.Fatalf("NewHello: %v", err)
	}
	if err := hello.Sign(id); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(hello.Signature) == 0 {
		t.Fatalf("expected signature")
	}

	remote, err := hello.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if remote.Hash() != id.Hash() {
		t.Fatalf("remote identity mismatch")
	}

	encoded, err := EncodeHello(hello)
	if err != nil {
		t.Fatalf("EncodeHello: %v", err)
	}
	decoded, err := DecodeHello(encoded)
	if err != nil {
		t.Fatalf("DecodeHello: %v", err)
	}
	if _, err := decoded.Verify(); err != nil {
		t.Fatalf("Verify after decode: %v", err)
	}
	if decoded.Hash != hello.Hash {
		t.Fatalf("hash mismatch")
	}
	if decoded.Capabilities["version"] != "1" {
		t.Fatalf("capabilities mismatch")
	}
}

func TestHelloVerifyFailures(t *testing.T) {
	id, _ := identity.Generate()
	hello, _ := NewHello(id, nil)
	_ = hello.Sign(id)

	tampered := hello
	tampered.Signature = append([]byte(nil), hello.Signature...)
	tampered.Signature[0] ^= 0xff
	if _, err := tampered.Verify(); err != ErrHelloBadSignature {
		t.Fatalf("expected ErrHelloBadSignature, got %v", err)
	}

	other, _ := identity.Generate()
	wrong, _ := NewHello(id, nil)
	wrong.Hash = other.Hash().String()
	_ = wrong.Sign(id)
	if _, err := wrong.Verify(); err != ErrHelloHashMismatch {
		t.Fatalf("expected ErrHelloHashMismatch, got %v", err)
	}

	if _, err := (Hello{Hash: id.Hash().String()}).Verify(); err != ErrHelloMissingKey {
		t.Fatalf("expected ErrHelloMissingKey, got %v", err)
	}

	if _, err := DecodeHello([]byte(`{}`)); err == nil {
		t.Fatalf("expected error for missing hash")
	}
}
