package ratchet

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrRatchetExhausted  = errors.New("ratchet: maximum generation reached")
	ErrInvalidGeneration = errors.New("ratchet: invalid generation number")
	ErrInvalidKey        = errors.New("ratchet: initial key must be 32 bytes")
	ErrMessageTooShort   = errors.New("ratchet: message too short")
	ErrOpen              = errors.New("ratchet: message authentication failed")
)

const (
	// MaxGeneration is the number of steps after which the link must be re-established.
	MaxGeneration = 1 << 32

	// Overhead is the size added to a plaintext by Seal + Encode.
	Overhead = 8 + chacha20poly1305.NonceSize + chacha20poly1305.Overhead
)

// step derives (nextChainKey, messageKey) from a chain key.
func step(chainKey [32]byte) (next [32]byte, message [32]byte) {
	h := sha256.New()
	h.Write(chainKey[:])
	h.Write([]byte{0x01})
	copy(message[:], h.Sum(nil))

	h.Reset()
	h.Write(chainKey[:])
	h.Write([]byte{0x02})
	copy(next[:], h.Sum(nil))
	return next, message
}

func seal(key [32]byte, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

func open(key [32]byte, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < chacha20poly1305.NonceSize+aead.Overhead() {
		return nil, ErrMessageTooShort
	}
	pt, err := aead.Open(nil, ciphertext[:chacha20poly1305.NonceSize], ciphertext[chacha20poly1305.NonceSize:], ad)
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

// Chain is the sending half of a symmetric ratchet.
type Chain struct {
	mu         sync.Mutex
	chainKey   [32]byte
	generation uint64
}

// NewChain creates a new ratchet chain from an initial 32-byte key.
func NewChain(initialKey []byte) (*Chain, error) {
	if len(initialKey) != 32 {
		return nil, ErrInvalidKey
	}
	c := &Chain{}
	copy(c.chainKey[:], initialKey)
	return c, nil
}

// Generation returns the generation the next Seal will use.
func (c *Chain) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Seal encrypts plaintext under the current message key and advances the chain.
func (c *Chain) Seal(plaintext, ad []byte) (EncryptedMessage, error) {
	c.mu.Lock()
	if c.generation >= MaxGeneration {
		c.mu.Unlock()
		return EncryptedMessage{}, ErrRatchetExhausted
	}
	next, msgKey := step(c.chainKey)
	gen := c.generation
	c.chainKey = next
	c.generation++
	c.mu.Unlock()

	ct, err := seal(msgKey, plaintext, ad)
	if err != nil {
		return EncryptedMessage{}, err
	}
	return EncryptedMessage{Generation: gen, Ciphertext: ct}, nil
}

// Receiver is the receiving half. It tolerates reordering up to maxSkip
// generations ahead of the next expected one.
type Receiver struct {
	mu         sync.Mutex
	skipped    map[uint64][32]byte // message keys for generations not yet seen
	current    [32]byte
	currentGen uint64
	maxSkip    int
}

// NewReceiver creates a receiver ratchet from the initial key.
func NewReceiver(initialKey []byte, maxSkip int) (*Receiver, error) {
	if len(initialKey) != 32 {
		return nil, ErrInvalidKey
	}
	r := &Receiver{
		skipped: make(map[uint64][32]byte),
		maxSkip: maxSkip,
	}
	copy(r.current[:], initialKey)
	return r, nil
}

// Open decrypts msg. A generation can be opened at most once; a second
// attempt fails with ErrInvalidGeneration.
func (r *Receiver) Open(msg EncryptedMessage, ad []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen := msg.Generation
	if key, ok := r.skipped[gen]; ok {
		pt, err := open(key, msg.Ciphertext, ad)
		if err != nil {
			return nil, err
		}
		delete(r.skipped, gen)
		return pt, nil
	}
	if gen < r.currentGen {
		return nil, ErrInvalidGeneration
	}
	if int(gen-r.currentGen) > r.maxSkip {
		return nil, ErrInvalidGeneration
	}

	// Walk forward without committing until the message authenticates, so a
	// forged generation number cannot desynchronise the chain.
	chainKey := r.current
	pending := make(map[uint64][32]byte, gen-r.currentGen)
	for g := r.currentGen; g < gen; g++ {
		next, msgKey := step(chainKey)
		pending[g] = msgKey
		chainKey = next
	}
	next, msgKey := step(chainKey)
	pt, err := open(msgKey, msg.Ciphertext, ad)
	if err != nil {
		return nil, err
	}

	for g, k := range pending {
		r.skipped[g] = k
	}
	r.current = next
	r.currentGen = gen + 1
	r.trim()
	return pt, nil
}

// trim bounds the skipped-key cache, dropping the oldest generations first.
func (r *Receiver) trim() {
	if len(r.skipped) <= r.maxSkip {
		return
	}
	gens := make([]uint64, 0, len(r.skipped))
	for g := range r.skipped {
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	for _, g := range gens[:len(gens)-r.maxSkip] {
		delete(r.skipped, g)
	}
}

// EncryptedMessage is a ratcheted ciphertext tagged with its generation.
type EncryptedMessage struct {
	Generation uint64
	Ciphertext []byte
}

// Encode serializes an EncryptedMessage for wire transmission.
// Format: generation (8) || nonce (12) || ciphertext || tag (16)
func (m EncryptedMessage) Encode() []byte {
	out := make([]byte, 8+len(m.Ciphertext))
	binary.BigEndian.PutUint64(out[:8], m.Generation)
	copy(out[8:], m.Ciphertext)
	return out
}

// DecodeEncryptedMessage deserializes an EncryptedMessage.
func DecodeEncryptedMessage(data []byte) (EncryptedMessage, error) {
	if len(data) < Overhead {
		return EncryptedMessage{}, ErrMessageTooShort
	}
	return EncryptedMessage{
		Generation: binary.BigEndian.Uint64(data[:8]),
		Ciphertext: data[8:],
	}, nil
}
