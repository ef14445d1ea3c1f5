package resource

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/joshuafuller/Reticulum/rns/identity"
)

const (
	// MaxSize bounds the uncompressed size of one resource.
	MaxSize = 16 << 20
	// AdvertisementSize is the encoded size of an Advertisement.
	AdvertisementSize = identity.HashLength + 1 + 4 + 4 + 4 + 32
	// PartHeaderSize precedes the data of every part.
	PartHeaderSize = identity.HashLength + 4
)

var (
	ErrEmpty           = errors.New("resource: empty payload")
	ErrTooLarge        = errors.New("resource: payload too large")
	ErrMalformed       = errors.New("resource: malformed message")
	ErrUnknownResource = errors.New("resource: part for another resource")
	ErrIncomplete      = errors.New("resource: parts missing")
	ErrIntegrity       = errors.New("resource: integrity check failed")
)

// Advertisement announces a resource before its parts are sent.
type Advertisement struct {
	ID           identity.Hash
	Compressed   bool
	Size         uint32
	TransferSize uint32
	Parts        uint32
	Root         [32]byte
}

func (a Advertisement) Encode() []byte {
	b := make([]byte, AdvertisementSize)
	off := copy(b, a.ID[:])
	if a.Compressed {
		b[off] = 1
	}
	off++
	binary.BigEndian.PutUint32(b[off:], a.Size)
	binary.BigEndian.PutUint32(b[off+4:], a.TransferSize)
	binary.BigEndian.PutUint32(b[off+8:], a.Parts)
	copy(b[off+12:], a.Root[:])
	return b
}

func DecodeAdvertisement(b []byte) (Advertisement, error) {
	if len(b) != AdvertisementSize {
		return Advertisement{}, fmt.Errorf("%w: advertisement is %d bytes", ErrMalformed, len(b))
	}
	var a Advertisement
	off := copy(a.ID[:], b)
	a.Compressed = b[off]&0x01 != 0
	off++
	a.Size = binary.BigEndian.Uint32(b[off:])
	a.TransferSize = binary.BigEndian.Uint32(b[off+4:])
	a.Parts = binary.BigEndian.Uint32(b[off+8:])
	copy(a.Root[:], b[off+12:])
	return a, nil
}

// Outgoing is a resource prepared for sending.
type Outgoing struct {
	adv   Advertisement
	parts [][]byte
}

// NewOutgoing compresses data when beneficial and splits it into parts of
// at most partSize bytes, each of which must fit one link segment together
// with PartHeaderSize.
func NewOutgoing(data []byte, partSize int) (*Outgoing, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if len(data) > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if partSize <= 0 {
		return nil, fmt.Errorf("resource: invalid part size %d", partSize)
	}

	payload, compressed := maybeCompress(data)
	var parts [][]byte
	for i := 0; i < len(payload); i += partSize {
		end := i + partSize
		if end > len(payload) {
			end = len(payload)
		}
		parts = append(parts, payload[i:end])
	}
	root, err := merkleRoot(hashParts(parts))
	if err != nil {
		return nil, err
	}

	var salt [8]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	return &Outgoing{
		adv: Advertisement{
			ID:           identity.TruncatedHash(root[:], salt[:]),
			Compressed:   compressed,
			Size:         uint32(len(data)),
			TransferSize: uint32(len(payload)),
			Parts:        uint32(len(parts)),
			Root:         root,
		},
		parts: parts,
	}, nil
}

func (o *Outgoing) Advertisement() Advertisement { return o.adv }

func (o *Outgoing) Parts() int { return len(o.parts) }

// Part returns the encoded part i: resource id, index, data.
func (o *Outgoing) Part(i int) []byte {
	p := o.parts[i]
	b := make([]byte, PartHeaderSize+len(p))
	off := copy(b, o.adv.ID[:])
	binary.BigEndian.PutUint32(b[off:], uint32(i))
	copy(b[PartHeaderSize:], p)
	return b
}

// PartID returns the resource id an encoded part belongs to.
func PartID(b []byte) (identity.Hash, error) {
	if len(b) < PartHeaderSize {
		return identity.Hash{}, fmt.Errorf("%w: part is %d bytes", ErrMalformed, len(b))
	}
	var id identity.Hash
	copy(id[:], b)
	return id, nil
}

// Incoming collects the parts of an advertised resource.
type Incoming struct {
	adv      Advertisement
	parts    [][]byte
	received uint32
}

// NewIncoming validates an advertisement and prepares to receive it.
func NewIncoming(adv Advertisement) (*Incoming, error) {
	if adv.Size == 0 || adv.Parts == 0 || adv.TransferSize == 0 {
		return nil, fmt.Errorf("%w: empty advertisement", ErrMalformed)
	}
	if adv.Size > MaxSize || adv.TransferSize > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, adv.Size)
	}
	if adv.Parts > adv.TransferSize {
		return nil, fmt.Errorf("%w: %d parts for %d bytes", ErrMalformed, adv.Parts, adv.TransferSize)
	}
	return &Incoming{adv: adv, parts: make([][]byte, adv.Parts)}, nil
}

func (in *Incoming) Advertisement() Advertisement { return in.adv }

// Add stores one encoded part and reports whether all parts are present.
// Duplicates are ignored.
func (in *Incoming) Add(b []byte) (bool, error) {
	id, err := PartID(b)
	if err != nil {
		return false, err
	}
	if id != in.adv.ID {
		return false, ErrUnknownResource
	}
	idx := binary.BigEndian.Uint32(b[identity.HashLength:])
	if idx >= in.adv.Parts {
		return false, fmt.Errorf("%w: part %d of %d", ErrMalformed, idx, in.adv.Parts)
	}
	if in.parts[idx] == nil {
		in.parts[idx] = append([]byte{}, b[PartHeaderSize:]...)
		in.received++
	}
	return in.Complete(), nil
}

func (in *Incoming) Complete() bool { return in.received == in.adv.Parts }

// Progress returns the fraction of parts received.
func (in *Incoming) Progress() float64 {
	return float64(in.received) / float64(in.adv.Parts)
}

// Assemble verifies the Merkle root and returns the original payload.
func (in *Incoming) Assemble() ([]byte, error) {
	if !in.Complete() {
		return nil, ErrIncomplete
	}
	root, err := merkleRoot(hashParts(in.parts))
	if err != nil {
		return nil, err
	}
	if root != in.adv.Root {
		return nil, fmt.Errorf("%w: merkle root mismatch", ErrIntegrity)
	}

	payload := make([]byte, 0, in.adv.TransferSize)
	for _, p := range in.parts {
		payload = append(payload, p...)
	}
	if uint32(len(payload)) != in.adv.TransferSize {
		return nil, fmt.Errorf("%w: transfer size mismatch", ErrIntegrity)
	}
	if in.adv.Compressed {
		payload, err = Decompress(payload, int(in.adv.Size))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
	}
	if uint32(len(payload)) != in.adv.Size {
		return nil, fmt.Errorf("%w: size mismatch", ErrIntegrity)
	}
	return payload, nil
}
