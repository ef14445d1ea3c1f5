package destination

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/packet"
)

const (
	// RandomHashLength is 5 random bytes followed by a 5 byte emission time.
	RandomHashLength = 10
	// AnnounceMinSize is an announce without application data.
	AnnounceMinSize = identity.KeySize + identity.NameHashLength + RandomHashLength + identity.SignatureSize
	// MaxAppData bounds the application data an announce can carry.
	MaxAppData = packet.MDU - AnnounceMinSize
)

var (
	ErrInvalidAnnounce = errors.New("destination: invalid announce")
	ErrAppDataTooLarge = errors.New("destination: announce app data too large")
)

// Announced is a validated announce.
type Announced struct {
	Destination  identity.Hash
	Identity     *identity.Identity
	NameHash     [identity.NameHashLength]byte
	RandomHash   [RandomHashLength]byte
	AppData      []byte
	Hops         uint8
	PathResponse bool
}

// EmittedAt decodes the emission time carried in the random hash.
func (a *Announced) EmittedAt() time.Time {
	var b [8]byte
	copy(b[3:], a.RandomHash[5:])
	return time.Unix(int64(binary.BigEndian.Uint64(b[:])), 0)
}

// AnnouncePacket builds a signed announce for d. pathResponse marks it as an
// answer to a path request, which transport nodes do not rebroadcast.
func (d *Destination) AnnouncePacket(appData []byte, pathResponse bool) (*packet.Packet, error) {
	if d.direction != In || d.typ != Single || !d.id.HasPrivateKey() {
		return nil, ErrCannotAnnounce
	}
	if len(appData) > MaxAppData {
		return nil, fmt.Errorf("%w: %d bytes", ErrAppDataTooLarge, len(appData))
	}

	var random [RandomHashLength]byte
	if _, err := rand.Read(random[:5]); err != nil {
		return nil, err
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().Unix()))
	copy(random[5:], ts[3:])

	pub := d.id.PublicKey()
	signed := signedPart(d.hash, pub, d.nameHash[:], random[:], appData)
	sig, err := d.id.Sign(signed)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, AnnounceMinSize+len(appData))
	data = append(data, pub...)
	data = append(data, d.nameHash[:]...)
	data = append(data, random[:]...)
	data = append(data, sig...)
	data = append(data, appData...)

	ctx := packet.ContextNone
	if pathResponse {
		ctx = packet.ContextPathResponse
	}
	return &packet.Packet{
		DestinationType: d.typ,
		Type:            packet.Announce,
		Destination:     d.hash,
		Context:         ctx,
		Data:            data,
	}, nil
}

// SetAppData sets the application data sent with announces that do not
// carry their own, including answers to path requests.
func (d *Destination) SetAppData(appData []byte) error {
	if len(appData) > MaxAppData {
		return fmt.Errorf("%w: %d bytes", ErrAppDataTooLarge, len(appData))
	}
	d.mu.Lock()
	d.appData = append([]byte(nil), appData...)
	d.mu.Unlock()
	return nil
}

func (d *Destination) AppData() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]byte(nil), d.appData...)
}

// Announce emits a signed announce through the bound sender. A nil appData
// sends the default set with SetAppData.
func (d *Destination) Announce(appData []byte) error {
	s, err := d.boundSender()
	if err != nil {
		return err
	}
	if appData == nil {
		appData = d.AppData()
	}
	p, err := d.AnnouncePacket(appData, false)
	if err != nil {
		return err
	}
	return s.Outbound(p)
}

func signedPart(dest identity.Hash, pub, nameHash, random, appData []byte) []byte {
	var b bytes.Buffer
	b.Write(dest[:])
	b.Write(pub)
	b.Write(nameHash)
	b.Write(random)
	b.Write(appData)
	return b.Bytes()
}

// ParseAnnounce validates an announce packet: the signature must verify with
// the announced key and the destination hash must be derivable from the
// announced key and name hash.
func ParseAnnounce(p *packet.Packet) (*Announced, error) {
	if p.Type != packet.Announce {
		return nil, fmt.Errorf("%w: packet type %s", ErrInvalidAnnounce, p.Type)
	}
	if len(p.Data) < AnnounceMinSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidAnnounce, len(p.Data))
	}

	off := 0
	pub := p.Data[off : off+identity.KeySize]
	off += identity.KeySize
	nameHash := p.Data[off : off+identity.NameHashLength]
	off += identity.NameHashLength
	random := p.Data[off : off+RandomHashLength]
	off += RandomHashLength
	sig := p.Data[off : off+identity.SignatureSize]
	off += identity.SignatureSize
	appData := p.Data[off:]

	id, err := identity.FromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnnounce, err)
	}
	idHash := id.Hash()
	if identity.TruncatedHash(nameHash, idHash[:]) != p.Destination {
		return nil, fmt.Errorf("%w: destination hash mismatch", ErrInvalidAnnounce)
	}
	if !id.Verify(signedPart(p.Destination, pub, nameHash, random, appData), sig) {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidAnnounce)
	}

	a := &Announced{
		Destination:  p.Destination,
		Identity:     id,
		AppData:      append([]byte(nil), appData...),
		Hops:         p.Hops,
		PathResponse: p.Context == packet.ContextPathResponse,
	}
	copy(a.NameHash[:], nameHash)
	copy(a.RandomHash[:], random)
	return a, nil
}
