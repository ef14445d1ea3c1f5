package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/joshuafuller/Reticulum/rns/identity"
)

var (
	ErrHelloHashMismatch = errors.New("protocol: hello hash does not match public key")
	ErrHelloBadSignature = errors.New("protocol: hello invalid signature")
	ErrHelloMissingKey   = errors.New("protocol: hello missing public key")
)

// Hello binds a stream to a transport identity.
// The signature is computed over SigningBytes().
type Hello struct {
	Hash         string            `json:"hash"`
	PublicKey    []byte            `json:"public_key"`
	TimestampSec int64             `json:"timestamp_sec"`
	Nonce        []byte            `json:"nonce"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	Signature    []byte            `json:"signature"`
}

func NewHello(id *identity.Identity, capabilities map[string]string) (Hello, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return Hello{}, err
	}
	caps := make(map[string]string, len(capabilities))
	for k, v := range capabilities {
		caps[k] = v
	}
	return Hello{
		Hash:         id.Hash().String(),
		PublicKey:    id.PublicKey(),
		TimestampSec: time.Now().Unix(),
		Nonce:        nonce,
		Capabilities: caps,
	}, nil
}

func (h Hello) SigningBytes() ([]byte, error) {
	if len(h.PublicKey) != identity.KeySize {
		return nil, ErrHelloMissingKey
	}
	claimed, err := identity.ParseHash(h.Hash)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	b.Write(claimed[:])
	b.Write(h.PublicKey)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(h.TimestampSec))
	b.Write(ts[:])
	b.Write(h.Nonce)

	keys := make([]string, 0, len(h.Capabilities))
	for k := range h.Capabilities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := h.Capabilities[k]
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(k)))
		b.Write(l[:])
		b.WriteString(k)
		binary.BigEndian.PutUint16(l[:], uint16(len(v)))
		b.Write(l[:])
		b.WriteString(v)
	}
	return b.Bytes(), nil
}

func (h *Hello) Sign(id *identity.Identity) error {
	toSign, err := h.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := id.Sign(toSign)
	if err != nil {
		return err
	}
	h.Signature = sig
	return nil
}

// Verify checks that the hash matches the public key and the signature is
// valid. It returns the remote identity on success.
func (h Hello) Verify() (*identity.Identity, error) {
	if len(h.PublicKey) != identity.KeySize {
		return nil, ErrHelloMissingKey
	}
	remote, err := identity.FromPublicKey(h.PublicKey)
	if err != nil {
		return nil, err
	}
	claimed, err := identity.ParseHash(h.Hash)
	if err != nil {
		return nil, err
	}
	if remote.Hash() != claimed {
		return nil, ErrHelloHashMismatch
	}
	toVerify, err := h.SigningBytes()
	if err != nil {
		return nil, err
	}
	if !remote.Verify(toVerify, h.Signature) {
		return nil, ErrHelloBadSignature
	}
	return remote, nil
}

func EncodeHello(h Hello) ([]byte, error) {
	return json.Marshal(h)
}

func DecodeHello(b []byte) (Hello, error) {
	var h Hello
	if err := json.Unmarshal(b, &h); err != nil {
		return Hello{}, err
	}
	if h.Hash == "" {
		return Hello{}, fmt.Errorf("protocol: hello missing hash")
	}
	return h, nil
}
