package crypto

import (
	"errors"
	"sync"

	"github.com/joshuafuller/Reticulum/rns/crypto/ratchet"
)

var (
	ErrChannelNotEstablished = errors.New("crypto: channel not established")
)

// ChannelOverhead is the number of bytes Encrypt adds to a plaintext.
const ChannelOverhead = ratchet.Overhead

// DefaultMaxSkip bounds how far ahead of the expected generation a received
// message may be. Link windows are far smaller than this.
const DefaultMaxSkip = 256

// Channel is the symmetric half of a link: after the ephemeral X25519
// exchange it holds one ratchet per direction.
type Channel struct {
	mu          sync.Mutex
	established bool
	initiator   bool
	local       X25519KeyPair
	send        *ratchet.Chain
	recv        *ratchet.Receiver
}

// NewChannel creates a channel with a fresh ephemeral key.
func NewChannel(initiator bool) (*Channel, error) {
	eph, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	return &Channel{initiator: initiator, local: eph}, nil
}

// LocalPublic returns the local ephemeral public key to send to the peer.
func (c *Channel) LocalPublic() [32]byte {
	return c.local.PublicKey
}

// Complete runs ECDH against the peer's ephemeral key and sets up both ratchets.
// linkID salts the derivation. Calling Complete twice is a no-op.
func (c *Channel) Complete(peerPub [32]byte, linkID []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.established {
		return nil
	}

	shared, err := ECDH(c.local.PrivateKey, peerPub)
	if err != nil {
		return err
	}

	initiatorPub, responderPub := c.local.PublicKey, peerPub
	if !c.initiator {
		initiatorPub, responderPub = peerPub, c.local.PublicKey
	}
	initiatorKey, responderKey, err := DeriveLinkKeys(shared, linkID, initiatorPub, responderPub)
	if err != nil {
		return err
	}

	sendKey, recvKey := initiatorKey, responderKey
	if !c.initiator {
		sendKey, recvKey = responderKey, initiatorKey
	}
	if c.send, err = ratchet.NewChain(sendKey); err != nil {
		return err
	}
	if c.recv, err = ratchet.NewReceiver(recvKey, DefaultMaxSkip); err != nil {
		return err
	}
	c.established = true
	return nil
}

// Established reports whether Complete has succeeded.
func (c *Channel) Established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

// Encrypt seals plaintext with the next send key.
func (c *Channel) Encrypt(plaintext, ad []byte) ([]byte, error) {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return nil, ErrChannelNotEstablished
	}
	msg, err := send.Seal(plaintext, ad)
	if err != nil {
		return nil, err
	}
	return msg.Encode(), nil
}

// Decrypt opens a message produced by the peer's Encrypt.
func (c *Channel) Decrypt(ciphertext, ad []byte) ([]byte, error) {
	c.mu.Lock()
	recv := c.recv
	c.mu.Unlock()
	if recv == nil {
		return nil, ErrChannelNotEstablished
	}
	msg, err := ratchet.DecodeEncryptedMessage(ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	pt, err := recv.Open(msg, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}
