// Package packet implements the wire unit exchanged between transports.
//
// Layout:
//
//	1 byte:  flags  ifac(1) | header type(1) | context flag(1) | transport type(1) |
//	                destination type(2) | packet type(2)
//	1 byte:  hops
//	16 bytes: transport id (Header2 only)
//	16 bytes: destination hash
//	1 byte:  context
//	N bytes: data
package packet

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/iface"
)

const (
	// MTU is the largest packed packet any medium has to carry.
	MTU = iface.DefaultMTU
	// HeaderMinSize is flags, hops, destination and context.
	HeaderMinSize = 2 + identity.HashLength + 1
	// HeaderMaxSize adds the transport id.
	HeaderMaxSize = 2 + 2*identity.HashLength + 1
	// MDU is the payload available to plain packets once the largest header
	// and one byte of reserve are accounted for.
	MDU = MTU - HeaderMaxSize - 1
	// EncryptedMDU is the plaintext available to a Single destination.
	EncryptedMDU = MDU - identity.TokenOverhead
)

var (
	ErrTooLarge  = errors.New("packet: exceeds MTU")
	ErrMalformed = errors.New("packet: malformed")
)

// Packet is one decoded wire unit. ReceivedOn and AttachedTo are local
// bookkeeping and never serialized.
type Packet struct {
	IFAC            bool
	HeaderType      HeaderType
	ContextFlag     bool
	TransportType   TransportType
	DestinationType DestinationType
	Type            Type
	Hops            uint8
	TransportID     identity.Hash
	Destination     identity.Hash
	Context         Context
	Data            []byte

	// ReceivedOn is the interface the packet arrived on.
	ReceivedOn iface.Interface
	// AttachedTo pins an outbound packet to one interface.
	AttachedTo iface.Interface
}

// Flags encodes the first header byte.
func (p *Packet) Flags() byte {
	var f byte
	if p.IFAC {
		f |= 0x80
	}
	f |= byte(p.HeaderType&0x01) << 6
	if p.ContextFlag {
		f |= 0x20
	}
	f |= byte(p.TransportType&0x01) << 4
	f |= byte(p.DestinationType&0x03) << 2
	f |= byte(p.Type & 0x03)
	return f
}

// Pack serializes the packet.
func (p *Packet) Pack() ([]byte, error) {
	size := HeaderMinSize + len(p.Data)
	if p.HeaderType == Header2 {
		size += identity.HashLength
	}
	if size > MTU {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	out := make([]byte, 0, size)
	out = append(out, p.Flags(), p.Hops)
	if p.HeaderType == Header2 {
		out = append(out, p.TransportID[:]...)
	}
	out = append(out, p.Destination[:]...)
	out = append(out, byte(p.Context))
	out = append(out, p.Data...)
	return out, nil
}

// Unpack parses raw into a packet. The data slice is copied.
func Unpack(raw []byte) (*Packet, error) {
	if len(raw) < HeaderMinSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(raw))
	}
	if len(raw) > MTU {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(raw))
	}
	f := raw[0]
	p := &Packet{
		IFAC:            f&0x80 != 0,
		HeaderType:      HeaderType((f >> 6) & 0x01),
		ContextFlag:     f&0x20 != 0,
		TransportType:   TransportType((f >> 4) & 0x01),
		DestinationType: DestinationType((f >> 2) & 0x03),
		Type:            Type(f & 0x03),
		Hops:            raw[1],
	}
	if p.IFAC {
		return nil, fmt.Errorf("%w: interface access codes not supported", ErrMalformed)
	}

	rest := raw[2:]
	if p.HeaderType == Header2 {
		if len(rest) < 2*identity.HashLength+1 {
			return nil, fmt.Errorf("%w: truncated transport header", ErrMalformed)
		}
		copy(p.TransportID[:], rest[:identity.HashLength])
		rest = rest[identity.HashLength:]
	}
	copy(p.Destination[:], rest[:identity.HashLength])
	p.Context = Context(rest[identity.HashLength])
	p.Data = append([]byte(nil), rest[identity.HashLength+1:]...)
	return p, nil
}

// hashable is the part of the packet that identifies it end to end. Hops
// and the transport header are excluded so relayed copies hash the same.
func (p *Packet) hashable() []byte {
	b := make([]byte, 0, 1+identity.HashLength+1+len(p.Data))
	b = append(b, p.Flags()&0x0F)
	b = append(b, p.Destination[:]...)
	b = append(b, byte(p.Context))
	return append(b, p.Data...)
}

// Hash returns the full packet hash.
func (p *Packet) Hash() [32]byte {
	return sha256.Sum256(p.hashable())
}

// TruncatedHash returns the packet hash cut to identity.HashLength.
func (p *Packet) TruncatedHash() identity.Hash {
	return identity.TruncatedHash(p.hashable())
}

// Clone returns a copy that shares no memory with p.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Data = append([]byte(nil), p.Data...)
	return &c
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s/%s %s ctx=%s hops=%d", p.Type, p.DestinationType, p.Destination.Pretty(), p.Context, p.Hops)
}
