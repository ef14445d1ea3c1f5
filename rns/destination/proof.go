package destination

import (
	"crypto/sha256"

	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/packet"
)

// ProofSize is a full packet hash followed by a signature over it.
const ProofSize = sha256.Size + identity.SignatureSize

// Prove builds a delivery proof for a packet received by d. The proof is
// addressed to the truncated hash of the proven packet and pinned to the
// interface it arrived on.
func (d *Destination) Prove(p *packet.Packet) (*packet.Packet, error) {
	h := p.Hash()
	sig, err := d.id.Sign(h[:])
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, ProofSize)
	data = append(data, h[:]...)
	data = append(data, sig...)
	return &packet.Packet{
		DestinationType: packet.Single,
		Type:            packet.Proof,
		Destination:     p.TruncatedHash(),
		Context:         packet.ContextNone,
		Data:            data,
		AttachedTo:      p.ReceivedOn,
	}, nil
}

// ValidateProof reports whether data is a valid proof of packetHash signed
// by id.
func ValidateProof(id *identity.Identity, packetHash [32]byte, data []byte) bool {
	if id == nil || len(data) != ProofSize {
		return false
	}
	var got [32]byte
	copy(got[:], data[:sha256.Size])
	if got != packetHash {
		return false
	}
	return id.Verify(got[:], data[sha256.Size:])
}
