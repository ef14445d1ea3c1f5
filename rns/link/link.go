// Package link implements reliable, encrypted sessions between two
// destinations.
//
// The initiator sends a LINKREQUEST carrying fresh X25519 and Ed25519 keys.
// The responder answers with a LINKPROOF signed by the destination's
// long-term identity, which anchors the ephemeral exchange in the identity
// the initiator learned from an announce. Both ends then derive directional
// ratcheting keys. The initiator confirms with an encrypted RTT packet and
// the link is active on both ends.
//
// Data on an active link travels as numbered segments that are acknowledged
// and retransmitted until MaxRetries is exhausted, at which point the link
// times out and reports to its owner. There is no automatic reconnect.
package link

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/crypto"
	"github.com/joshuafuller/Reticulum/rns/destination"
	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/iface"
	"github.com/joshuafuller/Reticulum/rns/packet"
	"github.com/joshuafuller/Reticulum/rns/resource"
)

const (
	// RequestSize is the LINKREQUEST payload: X25519 public ‖ Ed25519 public.
	RequestSize = 32 + ed25519.PublicKeySize
	// ProofSize is the LINKPROOF payload: signature ‖ responder X25519 public.
	ProofSize = identity.SignatureSize + 32

	segmentHeaderSize = 4 + 1
	// MDU is the largest payload Send accepts.
	MDU = packet.MDU - crypto.ChannelOverhead - segmentHeaderSize
	// ResourcePartSize is the resource data carried by one segment.
	ResourcePartSize = MDU - resource.PartHeaderSize

	keepaliveRequest  = 0xFF
	keepaliveResponse = 0xFE
)

var (
	ErrNotActive          = errors.New("link: not active")
	ErrLinkClosed         = errors.New("link: closed")
	ErrBacklogFull        = errors.New("link: send backlog full")
	ErrHandshake          = errors.New("link: handshake failed")
	ErrTimeout            = errors.New("link: timed out")
	ErrTooLarge           = errors.New("link: payload exceeds link MDU")
	ErrNotAccepted        = errors.New("link: destination does not accept links")
	ErrNotInitiator       = errors.New("link: only the initiator can identify")
	ErrUnexpected         = errors.New("link: unexpected packet")
	ErrInvalidDestination = errors.New("link: links need an outbound single destination with a known identity")
)

// Sender is the outbound half of a transport.
type Sender interface {
	Outbound(p *packet.Packet) error
}

type segKind uint8

const (
	kindData segKind = iota
	kindResourceAdv
	kindResourcePart
)

type segment struct {
	seq       uint32
	plaintext []byte
	sentAt    time.Time
	tries     int
}

// Link is one end of a session. It is safe for concurrent use.
type Link struct {
	id        identity.Hash
	initiator bool
	dest      *destination.Destination
	sender    Sender
	cfg       Config
	log       *zap.Logger
	clock     clock.Clock

	channel *crypto.Channel
	request *packet.Packet
	sigKey  ed25519.PrivateKey
	peerSig ed25519.PublicKey

	mu            sync.Mutex
	state         State
	err           error
	attached      iface.Interface
	startedAt     time.Time
	rtt           time.Duration
	lastIn        time.Time
	lastOut       time.Time
	lastKeepalive time.Time
	remote        *identity.Identity

	nextSeq  uint32
	inflight map[uint32]*segment
	backlog  []*segment
	recvNext uint32
	recvBuf  map[uint32][]byte
	incoming map[identity.Hash]*resource.Incoming
}

// effects are collected under the lock and performed after it is released.
type effects struct {
	out   []*packet.Packet
	calls []func()
}

func newLink(dest *destination.Destination, sender Sender, cfg Config, initiator bool) *Link {
	cfg = cfg.withDefaults()
	return &Link{
		initiator: initiator,
		dest:      dest,
		sender:    sender,
		cfg:       cfg,
		clock:     cfg.Clock,
		inflight:  make(map[uint32]*segment),
		recvBuf:   make(map[uint32][]byte),
		incoming:  make(map[identity.Hash]*resource.Incoming),
	}
}

// New prepares a link to an outbound Single destination. Nothing is sent
// until Start.
func New(dest *destination.Destination, sender Sender, cfg Config) (*Link, error) {
	if dest.Type() != packet.Single || dest.Direction() != destination.Out || dest.Identity() == nil {
		return nil, ErrInvalidDestination
	}
	ch, err := crypto.NewChannel(true)
	if err != nil {
		return nil, err
	}
	sigPub, sigKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	pub := ch.LocalPublic()
	data := make([]byte, 0, RequestSize)
	data = append(data, pub[:]...)
	data = append(data, sigPub...)

	l := newLink(dest, sender, cfg, true)
	l.channel = ch
	l.sigKey = sigKey
	l.request = &packet.Packet{
		DestinationType: packet.Single,
		Type:            packet.LinkRequest,
		Destination:     dest.Hash(),
		Context:         packet.ContextNone,
		Data:            data,
	}
	l.id = IDFromRequest(l.request)
	l.log = l.cfg.Logger.With(zap.Stringer("link", l.id))
	return l, nil
}

// IDFromRequest derives the link id both ends agree on.
func IDFromRequest(p *packet.Packet) identity.Hash {
	return p.TruncatedHash()
}

// Start sends the LINKREQUEST and starts the establishment timer.
func (l *Link) Start() error {
	if !l.initiator {
		return ErrNotInitiator
	}
	l.mu.Lock()
	l.startedAt = l.clock.Now()
	l.mu.Unlock()
	return l.sender.Outbound(l.request)
}

// Accept answers an inbound LINKREQUEST for dest with a signed LINKPROOF.
func Accept(dest *destination.Destination, req *packet.Packet, sender Sender, cfg Config) (*Link, error) {
	if !dest.AcceptsLinks() {
		return nil, ErrNotAccepted
	}
	if req.Type != packet.LinkRequest || len(req.Data) < RequestSize {
		return nil, fmt.Errorf("%w: malformed request", ErrHandshake)
	}
	ch, err := crypto.NewChannel(false)
	if err != nil {
		return nil, err
	}
	var peer [32]byte
	copy(peer[:], req.Data[:32])

	l := newLink(dest, sender, cfg, false)
	l.id = IDFromRequest(req)
	l.log = l.cfg.Logger.With(zap.Stringer("link", l.id))
	l.channel = ch
	l.peerSig = append(ed25519.PublicKey(nil), req.Data[32:RequestSize]...)
	if err := ch.Complete(peer, l.id[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	own := dest.Identity()
	pub := ch.LocalPublic()
	sig, err := own.Sign(proofMessage(l.id, pub, own.SigningPublicKey()))
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, ProofSize)
	data = append(data, sig...)
	data = append(data, pub[:]...)

	now := l.clock.Now()
	l.state = StateHandshaking
	l.attached = req.ReceivedOn
	l.startedAt, l.lastIn = now, now

	proof := &packet.Packet{
		DestinationType: packet.Link,
		Type:            packet.Proof,
		Destination:     l.id,
		Context:         packet.ContextLinkProof,
		Data:            data,
		AttachedTo:      req.ReceivedOn,
	}
	if err := sender.Outbound(proof); err != nil {
		return nil, err
	}
	return l, nil
}

func proofMessage(id identity.Hash, responderPub [32]byte, signingKey ed25519.PublicKey) []byte {
	var b bytes.Buffer
	b.Write(id[:])
	b.Write(responderPub[:])
	b.Write(signingKey)
	return b.Bytes()
}

func (l *Link) ID() identity.Hash                     { return l.id }
func (l *Link) Initiator() bool                       { return l.initiator }
func (l *Link) Destination() *destination.Destination { return l.dest }
func (l *Link) String() string                        { return l.id.Pretty() }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns why the link ended; nil for a graceful close or a live link.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Link) RTT() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rtt
}

// RemoteIdentity returns the identity the initiator revealed, or for the
// initiator the destination's identity.
func (l *Link) RemoteIdentity() *identity.Identity {
	if l.initiator {
		return l.dest.Identity()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

// AttachedInterface is the interface the link's traffic flows through.
func (l *Link) AttachedInterface() iface.Interface {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attached
}

// Pending returns the number of unacknowledged and queued segments.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight) + len(l.backlog)
}

// SetPacketHandler replaces the callback for data received with Send.
func (l *Link) SetPacketHandler(fn func(l *Link, data []byte)) {
	l.mu.Lock()
	l.cfg.OnPacket = fn
	l.mu.Unlock()
}

// SetResourceHandler replaces the callback for completed resources.
func (l *Link) SetResourceHandler(fn func(l *Link, data []byte)) {
	l.mu.Lock()
	l.cfg.OnResource = fn
	l.mu.Unlock()
}

func (l *Link) flush(fx *effects) {
	for _, p := range fx.out {
		if err := l.sender.Outbound(p); err != nil {
			l.log.Debug("outbound failed", zap.Stringer("context", p.Context), zap.Error(err))
		}
	}
	for _, c := range fx.calls {
		c()
	}
}

func (l *Link) ad(ctx packet.Context) []byte {
	b := make([]byte, 0, identity.HashLength+1)
	b = append(b, l.id[:]...)
	return append(b, byte(ctx))
}

func (l *Link) encrypted(ctx packet.Context, plaintext []byte) (*packet.Packet, error) {
	ct, err := l.channel.Encrypt(plaintext, l.ad(ctx))
	if err != nil {
		return nil, err
	}
	l.lastOut = l.clock.Now()
	return &packet.Packet{
		DestinationType: packet.Link,
		Type:            packet.Data,
		Destination:     l.id,
		Context:         ctx,
		Data:            ct,
		AttachedTo:      l.attached,
	}, nil
}

func (l *Link) emit(fx *effects, ctx packet.Context, plaintext []byte) {
	p, err := l.encrypted(ctx, plaintext)
	if err != nil {
		l.log.Warn("encrypt failed", zap.Stringer("context", ctx), zap.Error(err))
		return
	}
	fx.out = append(fx.out, p)
}

func (l *Link) activate(fx *effects) {
	now := l.clock.Now()
	l.state = StateActive
	l.lastIn, l.lastOut, l.lastKeepalive = now, now, now
	l.log.Debug("link active", zap.Bool("initiator", l.initiator), zap.Duration("rtt", l.rtt))
	if cb := l.cfg.OnEstablished; cb != nil {
		fx.calls = append(fx.calls, func() { cb(l) })
	}
	l.pump(fx)
}

// terminate moves to a terminal state exactly once.
func (l *Link) terminate(fx *effects, s State, reason error) {
	if l.state.Terminal() {
		return
	}
	l.state = s
	l.err = reason
	l.inflight = make(map[uint32]*segment)
	l.backlog = nil
	l.incoming = make(map[identity.Hash]*resource.Incoming)
	l.log.Debug("link ended", zap.Stringer("state", s), zap.Error(reason))
	if cb := l.cfg.OnClosed; cb != nil {
		fx.calls = append(fx.calls, func() { cb(l) })
	}
}

// Receive processes a packet addressed to the link.
func (l *Link) Receive(p *packet.Packet) error {
	fx := &effects{}
	l.mu.Lock()
	err := l.receive(fx, p)
	l.mu.Unlock()
	l.flush(fx)
	return err
}

func (l *Link) receive(fx *effects, p *packet.Packet) error {
	if l.state.Terminal() {
		return ErrLinkClosed
	}
	if p.Type == packet.Proof && p.Context == packet.ContextLinkProof {
		return l.handleProof(fx, p)
	}
	if p.Type != packet.Data || !l.channel.Established() {
		return ErrUnexpected
	}

	plaintext, err := l.channel.Decrypt(p.Data, l.ad(p.Context))
	if err != nil {
		return err
	}
	l.lastIn = l.clock.Now()

	if p.Context == packet.ContextLinkRTT {
		return l.handleRTT(fx, plaintext)
	}
	// A lost RTT packet must not strand the responder.
	if l.state == StateHandshaking && !l.initiator {
		l.rtt = l.clock.Since(l.startedAt)
		l.activate(fx)
	}

	switch p.Context {
	case packet.ContextSegment:
		return l.handleSegment(fx, plaintext)
	case packet.ContextSegmentAck:
		return l.handleAck(fx, plaintext)
	case packet.ContextKeepalive:
		if !l.initiator && len(plaintext) == 1 && plaintext[0] == keepaliveRequest {
			l.emit(fx, packet.ContextKeepalive, []byte{keepaliveResponse})
		}
		return nil
	case packet.ContextLinkIdentify:
		return l.handleIdentify(fx, plaintext)
	case packet.ContextLinkClose:
		if !bytes.Equal(plaintext, l.id[:]) {
			return ErrUnexpected
		}
		l.terminate(fx, StateClosed, nil)
		return nil
	}
	return ErrUnexpected
}

func (l *Link) handleProof(fx *effects, p *packet.Packet) error {
	if !l.initiator || l.state != StateRequested {
		return ErrUnexpected
	}
	if len(p.Data) != ProofSize {
		return fmt.Errorf("%w: proof is %d bytes", ErrHandshake, len(p.Data))
	}
	if !ValidateProof(l.dest.Identity(), l.id, p.Data) {
		return fmt.Errorf("%w: invalid proof signature", ErrHandshake)
	}
	var respPub [32]byte
	copy(respPub[:], p.Data[identity.SignatureSize:])
	if err := l.channel.Complete(respPub, l.id[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	l.state = StateHandshaking
	l.attached = p.ReceivedOn
	l.rtt = l.clock.Since(l.startedAt)

	var rttb [8]byte
	binary.BigEndian.PutUint64(rttb[:], uint64(l.rtt))
	sig := ed25519.Sign(l.sigKey, rttMessage(l.id, respPub, rttb[:]))
	l.emit(fx, packet.ContextLinkRTT, append(rttb[:], sig...))
	l.activate(fx)
	return nil
}

// ValidateProof reports whether data is a LINKPROOF for linkID signed by
// id. Relays use it before committing a relayed link.
func ValidateProof(id *identity.Identity, linkID identity.Hash, data []byte) bool {
	if id == nil || len(data) != ProofSize {
		return false
	}
	var pub [32]byte
	copy(pub[:], data[identity.SignatureSize:])
	return id.Verify(proofMessage(linkID, pub, id.SigningPublicKey()), data[:identity.SignatureSize])
}

func rttMessage(id identity.Hash, responderPub [32]byte, rtt []byte) []byte {
	b := make([]byte, 0, identity.HashLength+32+len(rtt))
	b = append(b, id[:]...)
	b = append(b, responderPub[:]...)
	return append(b, rtt...)
}

func (l *Link) handleRTT(fx *effects, plaintext []byte) error {
	if l.initiator || l.state != StateHandshaking {
		return nil
	}
	if len(plaintext) != 8+ed25519.SignatureSize {
		return fmt.Errorf("%w: rtt packet is %d bytes", ErrHandshake, len(plaintext))
	}
	if !ed25519.Verify(l.peerSig, rttMessage(l.id, l.channel.LocalPublic(), plaintext[:8]), plaintext[8:]) {
		return fmt.Errorf("%w: invalid rtt signature", ErrHandshake)
	}
	l.rtt = time.Duration(binary.BigEndian.Uint64(plaintext[:8]))
	l.activate(fx)
	return nil
}

func (l *Link) handleIdentify(fx *effects, plaintext []byte) error {
	if l.initiator {
		return ErrUnexpected
	}
	if len(plaintext) != identity.KeySize+identity.SignatureSize {
		return fmt.Errorf("%w: identify is %d bytes", ErrUnexpected, len(plaintext))
	}
	pub := plaintext[:identity.KeySize]
	id, err := identity.FromPublicKey(pub)
	if err != nil {
		return err
	}
	if !id.Verify(identifyMessage(l.id, pub), plaintext[identity.KeySize:]) {
		return fmt.Errorf("%w: invalid identify signature", ErrUnexpected)
	}
	l.remote = id
	if cb := l.cfg.OnIdentified; cb != nil {
		fx.calls = append(fx.calls, func() { cb(l) })
	}
	return nil
}

func identifyMessage(id identity.Hash, pub []byte) []byte {
	b := make([]byte, 0, identity.HashLength+len(pub))
	b = append(b, id[:]...)
	return append(b, pub...)
}

// Identify reveals the initiator's identity to the responder.
func (l *Link) Identify(id *identity.Identity) error {
	if !l.initiator {
		return ErrNotInitiator
	}
	pub := id.PublicKey()
	sig, err := id.Sign(identifyMessage(l.id, pub))
	if err != nil {
		return err
	}
	fx := &effects{}
	l.mu.Lock()
	if err := l.activeLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	l.emit(fx, packet.ContextLinkIdentify, append(pub, sig...))
	l.mu.Unlock()
	l.flush(fx)
	return nil
}

func (l *Link) activeLocked() error {
	switch {
	case l.state.Terminal():
		return ErrLinkClosed
	case l.state != StateActive:
		return ErrNotActive
	}
	return nil
}

// Teardown sends LINKCLOSE and closes the link locally. The peer is not
// waited for.
func (l *Link) Teardown() error {
	fx := &effects{}
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return nil
	}
	if l.channel.Established() {
		l.emit(fx, packet.ContextLinkClose, l.id[:])
	}
	l.terminate(fx, StateClosed, nil)
	l.mu.Unlock()
	l.flush(fx)
	return nil
}

// Tick drives timers: establishment timeout, retransmission, keepalive and
// stale detection. The transport calls it periodically.
func (l *Link) Tick() {
	fx := &effects{}
	l.mu.Lock()
	l.tick(fx)
	l.mu.Unlock()
	l.flush(fx)
}

func (l *Link) tick(fx *effects) {
	now := l.clock.Now()
	switch l.state {
	case StateRequested, StateHandshaking:
		if l.startedAt.IsZero() {
			return
		}
		limit := l.cfg.EstablishmentTimeoutPerHop * time.Duration(l.cfg.Hops)
		if now.Sub(l.startedAt) > limit {
			l.terminate(fx, StateTimedOut, ErrTimeout)
		}
	case StateActive:
		if now.Sub(l.lastIn) > l.cfg.StaleTime {
			l.emit(fx, packet.ContextLinkClose, l.id[:])
			l.terminate(fx, StateTimedOut, ErrTimeout)
			return
		}
		for _, seg := range l.inflight {
			if now.Sub(seg.sentAt) < l.backoff(seg.tries) {
				continue
			}
			if seg.tries > l.cfg.MaxRetries {
				l.log.Debug("segment retries exhausted", zap.Uint32("seq", seg.seq))
				l.terminate(fx, StateTimedOut, ErrTimeout)
				return
			}
			l.transmit(fx, seg)
		}
		if l.initiator && now.Sub(l.lastIn) >= l.cfg.Keepalive && now.Sub(l.lastKeepalive) >= l.cfg.Keepalive {
			l.lastKeepalive = now
			l.emit(fx, packet.ContextKeepalive, []byte{keepaliveRequest})
		}
	}
}

// rto is the first retransmission timeout, derived from the handshake RTT.
func (l *Link) rto() time.Duration {
	rto := 4 * l.rtt
	if rto < MinRTO {
		rto = MinRTO
	}
	if rto > MaxRTO {
		rto = MaxRTO
	}
	return rto
}

func (l *Link) backoff(tries int) time.Duration {
	d := l.rto()
	for i := 1; i < tries && d < MaxRTO; i++ {
		d *= 2
	}
	if d > MaxRTO {
		d = MaxRTO
	}
	return d
}
