// Package destination implements named, typed endpoints. A destination's
// address is derived from its dotted name and, for Single destinations, the
// owning identity, so anyone holding the announced key can recompute it.
package destination

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/joshuafuller/Reticulum/rns/crypto"
	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/packet"
)

// Direction says whether a destination receives (In) or is a handle used to
// send to a remote endpoint (Out).
type Direction uint8

const (
	In Direction = iota
	Out
)

func (d Direction) String() string {
	if d == Out {
		return "out"
	}
	return "in"
}

const (
	Single = packet.Single
	Group  = packet.Group
	Plain  = packet.Plain
)

// ProofStrategy controls whether received data packets are acknowledged
// with a signed delivery proof.
type ProofStrategy uint8

const (
	ProveNone ProofStrategy = iota
	ProveAll
)

// GroupKeySize is the size of a pre-shared Group key.
const GroupKeySize = 32

var (
	ErrInvalidName      = errors.New("destination: app name and aspects may not contain dots")
	ErrIdentityRequired = errors.New("destination: single destinations need an identity")
	ErrPlainIdentity    = errors.New("destination: plain destinations cannot hold an identity")
	ErrNoPrivateKey     = errors.New("destination: inbound single destination needs a private key")
	ErrInvalidType      = errors.New("destination: unsupported destination type")
	ErrNoGroupKey       = errors.New("destination: group key not set")
	ErrNotBound         = errors.New("destination: not bound to a transport")
	ErrCannotAnnounce   = errors.New("destination: only inbound single destinations announce")
	ErrNoHandler        = errors.New("destination: no packet handler")

	// ErrDecryption is the identity sentinel so callers need only one check.
	ErrDecryption = identity.ErrDecryption
)

// Sender is the outbound half of a transport.
type Sender interface {
	Outbound(p *packet.Packet) error
}

// Session is the view of an established link handed to link handlers.
type Session interface {
	ID() identity.Hash
	Send(data []byte) error
	Teardown() error
}

// PacketHandler receives decrypted payloads.
type PacketHandler func(data []byte, p *packet.Packet)

// Destination is a named endpoint. It is safe for concurrent use.
type Destination struct {
	id        *identity.Identity
	direction Direction
	typ       packet.DestinationType
	appName   string
	aspects   []string
	nameHash  [identity.NameHashLength]byte
	hash      identity.Hash

	mu          sync.RWMutex
	groupKey    *crypto.AEAD
	rawKey      []byte
	handler     PacketHandler
	proof       ProofStrategy
	acceptLinks bool
	linkHandler func(Session)
	sender      Sender
	appData     []byte
}

// New creates a destination. id may be nil for Plain and keyless Group
// destinations.
func New(id *identity.Identity, direction Direction, typ packet.DestinationType, appName string, aspects ...string) (*Destination, error) {
	if err := validName(appName, aspects); err != nil {
		return nil, err
	}
	switch typ {
	case Single:
		if id == nil {
			return nil, ErrIdentityRequired
		}
		if direction == In && !id.HasPrivateKey() {
			return nil, ErrNoPrivateKey
		}
	case Plain:
		if id != nil {
			return nil, ErrPlainIdentity
		}
	case Group:
	default:
		return nil, ErrInvalidType
	}

	d := &Destination{
		id:          id,
		direction:   direction,
		typ:         typ,
		appName:     appName,
		aspects:     append([]string(nil), aspects...),
		nameHash:    NameHash(appName, aspects...),
		acceptLinks: true,
	}
	d.hash = hashFor(d.nameHash, id)
	return d, nil
}

func validName(appName string, aspects []string) error {
	if appName == "" || strings.Contains(appName, ".") {
		return ErrInvalidName
	}
	for _, a := range aspects {
		if a == "" || strings.Contains(a, ".") {
			return ErrInvalidName
		}
	}
	return nil
}

// Name returns the dotted full name, e.g. "example_utilities.echo.request".
func Name(appName string, aspects ...string) string {
	return strings.Join(append([]string{appName}, aspects...), ".")
}

// NameHash is the truncated hash of the dotted name.
func NameHash(appName string, aspects ...string) [identity.NameHashLength]byte {
	full := identity.FullHash([]byte(Name(appName, aspects...)))
	var nh [identity.NameHashLength]byte
	copy(nh[:], full[:identity.NameHashLength])
	return nh
}

func hashFor(nameHash [identity.NameHashLength]byte, id *identity.Identity) identity.Hash {
	if id == nil {
		return identity.TruncatedHash(nameHash[:])
	}
	idHash := id.Hash()
	return identity.TruncatedHash(nameHash[:], idHash[:])
}

// HashFor computes the address of the named destination owned by id without
// constructing it. id may be nil for Plain destinations.
func HashFor(id *identity.Identity, appName string, aspects ...string) (identity.Hash, error) {
	if err := validName(appName, aspects); err != nil {
		return identity.Hash{}, err
	}
	return hashFor(NameHash(appName, aspects...), id), nil
}

func (d *Destination) Hash() identity.Hash                     { return d.hash }
func (d *Destination) NameHash() [identity.NameHashLength]byte { return d.nameHash }
func (d *Destination) Identity() *identity.Identity            { return d.id }
func (d *Destination) Direction() Direction                    { return d.direction }
func (d *Destination) Type() packet.DestinationType            { return d.typ }
func (d *Destination) AppName() string                         { return d.appName }
func (d *Destination) Aspects() []string                       { return append([]string(nil), d.aspects...) }
func (d *Destination) Name() string                            { return Name(d.appName, d.aspects...) }
func (d *Destination) String() string                          { return fmt.Sprintf("<%s:%s>", d.Name(), d.hash) }

// Bind attaches the destination to a sender, normally the transport it is
// registered with.
func (d *Destination) Bind(s Sender) {
	d.mu.Lock()
	d.sender = s
	d.mu.Unlock()
}

func (d *Destination) boundSender() (Sender, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.sender == nil {
		return nil, ErrNotBound
	}
	return d.sender, nil
}

func (d *Destination) SetPacketHandler(h PacketHandler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

func (d *Destination) SetProofStrategy(s ProofStrategy) {
	d.mu.Lock()
	d.proof = s
	d.mu.Unlock()
}

func (d *Destination) ProofStrategy() ProofStrategy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.proof
}

// AcceptLinks controls whether incoming link requests are answered.
func (d *Destination) AcceptLinks(accept bool) {
	d.mu.Lock()
	d.acceptLinks = accept
	d.mu.Unlock()
}

func (d *Destination) AcceptsLinks() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.acceptLinks && d.direction == In && d.typ == Single
}

func (d *Destination) SetLinkEstablishedHandler(fn func(Session)) {
	d.mu.Lock()
	d.linkHandler = fn
	d.mu.Unlock()
}

// LinkEstablished is called by the transport once an inbound link is active.
func (d *Destination) LinkEstablished(s Session) {
	d.mu.RLock()
	fn := d.linkHandler
	d.mu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

// CreateKey generates a fresh Group key.
func (d *Destination) CreateKey() error {
	key := make([]byte, GroupKeySize)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	return d.LoadKey(key)
}

// LoadKey installs a pre-shared Group key.
func (d *Destination) LoadKey(key []byte) error {
	if d.typ != Group {
		return ErrInvalidType
	}
	a, err := crypto.NewAEAD(key)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.groupKey = a
	d.rawKey = append([]byte(nil), key...)
	d.mu.Unlock()
	return nil
}

// Key returns a copy of the Group key, or nil.
func (d *Destination) Key() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]byte(nil), d.rawKey...)
}

func (d *Destination) group() (*crypto.AEAD, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.groupKey == nil {
		return nil, ErrNoGroupKey
	}
	return d.groupKey, nil
}

// Encrypt prepares plaintext for this destination according to its type.
func (d *Destination) Encrypt(plaintext []byte) ([]byte, error) {
	switch d.typ {
	case Single:
		return d.id.Encrypt(plaintext)
	case Group:
		g, err := d.group()
		if err != nil {
			return nil, err
		}
		return g.Seal(plaintext, d.hash[:]), nil
	case Plain:
		return append([]byte(nil), plaintext...), nil
	}
	return nil, ErrInvalidType
}

// Decrypt reverses Encrypt. Failures map to ErrDecryption.
func (d *Destination) Decrypt(ciphertext []byte) ([]byte, error) {
	switch d.typ {
	case Single:
		pt, err := d.id.Decrypt(ciphertext)
		if err != nil && !errors.Is(err, identity.ErrNoPrivateKey) && !errors.Is(err, ErrDecryption) {
			err = fmt.Errorf("%w: %v", ErrDecryption, err)
		}
		return pt, err
	case Group:
		g, err := d.group()
		if err != nil {
			return nil, err
		}
		pt, err := g.Open(ciphertext, d.hash[:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
		return pt, nil
	case Plain:
		return append([]byte(nil), ciphertext...), nil
	}
	return nil, ErrInvalidType
}

// Packet builds an encrypted data packet addressed to d.
func (d *Destination) Packet(data []byte) (*packet.Packet, error) {
	ct, err := d.Encrypt(data)
	if err != nil {
		return nil, err
	}
	p := &packet.Packet{
		DestinationType: d.typ,
		Type:            packet.Data,
		Destination:     d.hash,
		Context:         packet.ContextNone,
		Data:            ct,
	}
	if _, err := p.Pack(); err != nil {
		return nil, err
	}
	return p, nil
}

// Receive decrypts an inbound data packet, hands it to the packet handler and
// emits a delivery proof when the proof strategy asks for one. Decryption
// errors are returned to the caller and never reported to the sender.
func (d *Destination) Receive(p *packet.Packet) error {
	plaintext, err := d.Decrypt(p.Data)
	if err != nil {
		return err
	}

	d.mu.RLock()
	h, strategy, sender := d.handler, d.proof, d.sender
	d.mu.RUnlock()

	if strategy == ProveAll && d.typ == Single && sender != nil {
		proof, err := d.Prove(p)
		if err != nil {
			return err
		}
		if err := sender.Outbound(proof); err != nil {
			return fmt.Errorf("destination: send proof: %w", err)
		}
	}
	if h == nil {
		return ErrNoHandler
	}
	h(plaintext, p)
	return nil
}
